package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "formhook.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "env only gets defaults",
			env:  map[string]string{"WEBHOOK_PATH": "s3cr3t"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Server.Port != DefaultPort {
					t.Errorf("port = %d, want %d", cfg.Server.Port, DefaultPort)
				}
				if cfg.SMTP.Port != 465 {
					t.Errorf("smtp.port = %d, want 465", cfg.SMTP.Port)
				}
				if cfg.Server.MaxBodySize != 10<<20 {
					t.Errorf("max_body_size = %d", cfg.Server.MaxBodySize)
				}
				if cfg.RateLimit.Requests != 60 || cfg.RateLimit.Window != time.Minute {
					t.Errorf("rate limit = %+v", cfg.RateLimit)
				}
				if len(cfg.CORS.Origins) != 1 || cfg.CORS.Origins[0] != "*" {
					t.Errorf("cors origins = %v", cfg.CORS.Origins)
				}
				if cfg.Environment != "development" {
					t.Errorf("environment = %q", cfg.Environment)
				}
				if cfg.WebhookRoute() != "/webhook/s3cr3t" {
					t.Errorf("route = %q", cfg.WebhookRoute())
				}
				if cfg.SourcePath != "" {
					t.Errorf("source path = %q, want empty", cfg.SourcePath)
				}
			},
		},
		{
			name: "yaml values with interpolation",
			yaml: `
environment: production
server:
  port: 8080
  public_url: https://hooks.example.com
webhook:
  path: ${HOOK_SECRET}
smtp:
  host: smtp.example.com
  port: 587
  user: mailer@example.com
  pass: ${SMTP_SECRET}
  disable_verify: true
rate_limit:
  requests: 10
  window: 30s
cors:
  origins: [https://www.example.com]
`,
			env: map[string]string{"HOOK_SECRET": "abc", "SMTP_SECRET": "hunter2"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Webhook.Path != "abc" {
					t.Errorf("webhook.path = %q", cfg.Webhook.Path)
				}
				if cfg.SMTP.Pass != "hunter2" {
					t.Errorf("smtp.pass not interpolated: %q", cfg.SMTP.Pass)
				}
				if cfg.SMTP.Port != 587 || !cfg.SMTP.DisableVerify {
					t.Errorf("smtp = %+v", cfg.SMTP)
				}
				if cfg.RateLimit.Requests != 10 || cfg.RateLimit.Window != 30*time.Second {
					t.Errorf("rate limit = %+v", cfg.RateLimit)
				}
				if cfg.CORS.Origins[0] != "https://www.example.com" {
					t.Errorf("cors = %v", cfg.CORS.Origins)
				}
				if cfg.Audit.Dir != DefaultAuditDir {
					t.Errorf("audit.dir default not applied: %q", cfg.Audit.Dir)
				}
				if cfg.SourceHash == "" || cfg.SourcePath == "" {
					t.Error("source metadata not recorded")
				}
			},
		},
		{
			name: "environment beats yaml",
			yaml: `
webhook:
  path: from-file
server:
  port: 8080
log:
  level: warn
`,
			env: map[string]string{
				"WEBHOOK_PATH":        "from-env",
				"PORT":                "9090",
				"CORS_ORIGINS":        "https://a.example, https://b.example",
				"RATE_LIMIT_WINDOW":   "120",
				"MAX_BODY_SIZE":       "1mb",
				"SMTP_DISABLE_VERIFY": "true",
			},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Webhook.Path != "from-env" || cfg.Server.Port != 9090 {
					t.Errorf("env did not override: %+v %+v", cfg.Webhook, cfg.Server)
				}
				if cfg.Log.Level != "warn" {
					t.Errorf("log.level = %q, want yaml value", cfg.Log.Level)
				}
				if len(cfg.CORS.Origins) != 2 || cfg.CORS.Origins[1] != "https://b.example" {
					t.Errorf("cors = %v", cfg.CORS.Origins)
				}
				if cfg.RateLimit.Window != 2*time.Minute {
					t.Errorf("window = %v", cfg.RateLimit.Window)
				}
				if cfg.Server.MaxBodySize != 1<<20 {
					t.Errorf("max body = %d", cfg.Server.MaxBodySize)
				}
				if !cfg.SMTP.DisableVerify {
					t.Error("SMTP_DISABLE_VERIFY not applied")
				}
			},
		},
		{
			name: "legacy variable names",
			env: map[string]string{
				"WEBHOOK_PATH": "x",
				"FROM_EMAIL":   "hello@example.com",
				"TEAM_REPLYTO": "team@example.com",
				"NODE_ENV":     "production",
			},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.SMTP.From != "hello@example.com" || cfg.SMTP.ReplyTo != "team@example.com" {
					t.Errorf("smtp = %+v", cfg.SMTP)
				}
				if cfg.Environment != "production" {
					t.Errorf("environment = %q", cfg.Environment)
				}
			},
		},
		{
			name: "debug forces debug logging",
			env:  map[string]string{"WEBHOOK_PATH": "x", "DEBUG": "true", "LOG_LEVEL": "error"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Log.Level != "debug" {
					t.Errorf("log.level = %q, want debug", cfg.Log.Level)
				}
			},
		},
		{
			name:    "missing webhook path",
			env:     map[string]string{},
			wantErr: "webhook.path is required",
		},
		{
			name:    "webhook path with slash",
			env:     map[string]string{"WEBHOOK_PATH": "a/b"},
			wantErr: "single path segment",
		},
		{
			name:    "webhook path with chi wildcard",
			env:     map[string]string{"WEBHOOK_PATH": "abc*"},
			wantErr: "may only contain",
		},
		{
			name:    "webhook path with chi parameter",
			env:     map[string]string{"WEBHOOK_PATH": "{secret}"},
			wantErr: "may only contain",
		},
		{
			name:    "unresolved secret",
			yaml:    "webhook:\n  path: x\nsmtp:\n  pass: ${NOPE_NOT_SET}\n",
			env:     map[string]string{},
			wantErr: "${NOPE_NOT_SET} is not set",
		},
		{
			name:    "bad port",
			env:     map[string]string{"WEBHOOK_PATH": "x", "PORT": "eighty"},
			wantErr: "PORT",
		},
		{
			name:    "unknown yaml key",
			yaml:    "webhook:\n  path: x\nplugins: {}\n",
			env:     map[string]string{},
			wantErr: "failed to parse",
		},
		{
			name:    "bad log format",
			env:     map[string]string{"WEBHOOK_PATH": "x", "LOG_FORMAT": "xml"},
			wantErr: "log.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := Options{SkipEnvFile: true, LookupEnv: envMap(tt.env)}
			if tt.yaml != "" {
				opts.Path = writeConfig(t, tt.yaml)
			}

			cfg, err := Load(opts)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Load() succeeded, want error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "test.env")
	content := "WEBHOOK_PATH=from-dotenv\nSMTP_HOST=smtp.dotenv.test\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	// Already-set variables win over the file.
	t.Setenv("SMTP_HOST", "smtp.shell.test")
	t.Setenv("WEBHOOK_PATH", "")
	os.Unsetenv("WEBHOOK_PATH")

	cfg, err := Load(Options{EnvFile: envPath})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Webhook.Path != "from-dotenv" {
		t.Errorf("webhook.path = %q, want from-dotenv", cfg.Webhook.Path)
	}
	if cfg.SMTP.Host != "smtp.shell.test" {
		t.Errorf("smtp.host = %q, want shell value", cfg.SMTP.Host)
	}
}

func TestLoadMissingEnvFile(t *testing.T) {
	_, err := Load(Options{EnvFile: filepath.Join(t.TempDir(), "nope.env")})
	if err == nil || !strings.Contains(err.Error(), "env file not found") {
		t.Fatalf("Load() error = %v, want env file not found", err)
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := Load(Options{SkipEnvFile: true, Path: "/does/not/exist.yaml", LookupEnv: envMap(nil)})
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestInterpolateEnv(t *testing.T) {
	lookup := envMap(map[string]string{"A": "1", "EMPTY": ""})
	tests := []struct {
		in, want string
	}{
		{"${A}", "1"},
		{"x-${A}-${A}", "x-1-1"},
		{"${EMPTY}", ""},
		{"${MISSING}", "${MISSING}"},
		{"$A", "$A"},
	}
	for _, tt := range tests {
		if got := interpolateEnv(tt.in, lookup); got != tt.want {
			t.Errorf("interpolateEnv(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1024", 1024, false},
		{"512kb", 512 << 10, false},
		{"10MB", 10 << 20, false},
		{"1gb", 1 << 30, false},
		{"0", 0, true},
		{"lots", 0, true},
		{"9000000000gb", 0, true},
		{"8589934591gb", 8589934591 << 30, false},
		{"9223372036854775807", 9223372036854775807, false},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSize(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseWindow(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"60", time.Minute, false},
		{"90s", 90 * time.Second, false},
		{"2m", 2 * time.Minute, false},
		{"-1", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseWindow(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseWindow(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseWindow(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSMTPSender(t *testing.T) {
	if got := (SMTPConfig{User: "u@x.io"}).Sender(); got != "u@x.io" {
		t.Errorf("Sender() = %q", got)
	}
	if got := (SMTPConfig{User: "u@x.io", From: "Site <f@x.io>"}).Sender(); got != "Site <f@x.io>" {
		t.Errorf("Sender() = %q", got)
	}
}

func TestComputeBlake3Hash(t *testing.T) {
	path := writeConfig(t, "webhook:\n  path: x\n")
	h1, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64", len(h1))
	}
	if err := os.WriteFile(path, []byte("webhook:\n  path: y\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	h2, _ := ComputeBlake3Hash(path)
	if h1 == h2 {
		t.Error("hash did not change with content")
	}
}
