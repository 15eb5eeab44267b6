package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// webhookPathPattern allows URL-unreserved characters only. chi reads "{", "}"
// and "*" as route patterns.
var webhookPathPattern = regexp.MustCompile(`^[A-Za-z0-9._~-]+$`)

// DefaultEnvFile is read when Options.EnvFile is empty and the file exists.
const DefaultEnvFile = ".env"

// Options controls where Load reads configuration from.
type Options struct {
	// Path is an optional YAML file.
	Path string
	// EnvFile is a dotenv file loaded before anything else. Variables that
	// are already set are never overridden.
	EnvFile string
	// SkipEnvFile disables dotenv loading entirely.
	SkipEnvFile bool
	// LookupEnv replaces os.LookupEnv, mainly for tests.
	LookupEnv func(string) (string, bool)
}

// Load builds a Config from, in decreasing precedence, the environment, the
// YAML file and Defaults.
func Load(opts Options) (*Config, error) {
	if !opts.SkipEnvFile {
		if err := loadEnvFile(opts.EnvFile); err != nil {
			return nil, err
		}
	}
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	cfg := &Config{}
	if opts.Path != "" {
		fileCfg, err := loadConfigFile(opts.Path, lookup)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	if err := applyEnv(cfg, lookup); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if err := mergo.Merge(cfg, Defaults()); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	if v, ok := lookup("DEBUG"); ok && parseBoolLoose(v) {
		cfg.Log.Level = "debug"
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = DefaultEnvFile
	}
	if _, err := os.Stat(path); err != nil {
		if explicit {
			return fmt.Errorf("env file not found: %s", path)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func loadConfigFile(path string, lookup func(string) (string, bool)) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", path, err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	expanded := interpolateEnv(string(data), lookup)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse %s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	cfg.SourceHash = hashBytes(data)
	return cfg, nil
}

// interpolateEnv replaces ${VAR} references. Unset variables are left in
// place so validate can report them.
func interpolateEnv(input string, lookup func(string) (string, bool)) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := lookup(varName); exists {
			return value
		}
		return match
	})
}

// applyEnv overlays environment variables on cfg. Legacy names are accepted
// after the primary ones.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(names ...string) (string, bool) {
		for _, name := range names {
			if v, ok := lookup(name); ok && v != "" {
				return v, true
			}
		}
		return "", false
	}
	var errs []error

	setString := func(dst *string, names ...string) {
		if v, ok := get(names...); ok {
			*dst = v
		}
	}
	setInt := func(dst *int, name string) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not an integer", name, v))
				return
			}
			*dst = n
		}
	}
	setBool := func(dst *bool, name string) {
		if v, ok := get(name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not a boolean", name, v))
				return
			}
			*dst = b
		}
	}

	setInt(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.PublicURL, "PUBLIC_URL")
	if v, ok := get("MAX_BODY_SIZE"); ok {
		n, err := ParseSize(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("MAX_BODY_SIZE: %w", err))
		} else {
			cfg.Server.MaxBodySize = n
		}
	}

	setString(&cfg.Webhook.Path, "WEBHOOK_PATH")
	setString(&cfg.Environment, "APP_ENV", "NODE_ENV")

	setString(&cfg.SMTP.Host, "SMTP_HOST")
	setInt(&cfg.SMTP.Port, "SMTP_PORT")
	setString(&cfg.SMTP.User, "SMTP_USER")
	setString(&cfg.SMTP.Pass, "SMTP_PASS")
	setString(&cfg.SMTP.From, "SMTP_FROM", "FROM_EMAIL")
	setString(&cfg.SMTP.ReplyTo, "SMTP_REPLY_TO", "TEAM_REPLYTO")
	setString(&cfg.SMTP.HeloName, "SMTP_HELO_NAME")
	setString(&cfg.SMTP.CAFile, "SMTP_CA_FILE")
	setBool(&cfg.SMTP.DisableVerify, "SMTP_DISABLE_VERIFY")
	setBool(&cfg.SMTP.Trace, "SMTP_DEBUG")
	setString(&cfg.SMTP.DKIM.Selector, "DKIM_SELECTOR")
	setString(&cfg.SMTP.DKIM.Domain, "DKIM_DOMAIN")
	setString(&cfg.SMTP.DKIM.KeyPath, "DKIM_KEY_PATH")
	setString(&cfg.SMTP.DKIM.PrivateKey, "DKIM_PRIVATE_KEY")

	setString(&cfg.Audit.Dir, "AUDIT_DIR")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Format, "LOG_FORMAT")
	setString(&cfg.Debug.Token, "DEBUG_TOKEN")

	if v, ok := get("CORS_ORIGINS"); ok {
		cfg.CORS.Origins = splitList(v)
	}

	setInt(&cfg.RateLimit.Requests, "RATE_LIMIT_REQUESTS")
	if v, ok := get("RATE_LIMIT_WINDOW"); ok {
		d, err := ParseWindow(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_WINDOW: %w", err))
		} else {
			cfg.RateLimit.Window = d
		}
	}

	return errors.Join(errs...)
}

func validate(cfg *Config) error {
	if cfg.Webhook.Path == "" {
		return fmt.Errorf("webhook.path is required (set WEBHOOK_PATH)")
	}
	if strings.ContainsAny(cfg.Webhook.Path, "/?#") {
		return fmt.Errorf("webhook.path must be a single path segment (got %q)", cfg.Webhook.Path)
	}
	if !webhookPathPattern.MatchString(cfg.Webhook.Path) {
		return fmt.Errorf("webhook.path may only contain letters, digits and . _ ~ - (got %q)", cfg.Webhook.Path)
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}
	if cfg.SMTP.Port < 1 || cfg.SMTP.Port > 65535 {
		return fmt.Errorf("smtp.port must be between 1 and 65535 (got %d)", cfg.SMTP.Port)
	}
	if cfg.Server.MaxBodySize <= 0 {
		return fmt.Errorf("server.max_body_size must be positive")
	}
	if cfg.RateLimit.Requests <= 0 {
		return fmt.Errorf("rate_limit.requests must be positive")
	}
	if cfg.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Log.Level)] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error (got %q)", cfg.Log.Level)
	}
	if f := strings.ToLower(cfg.Log.Format); f != "json" && f != "text" {
		return fmt.Errorf("log.format must be json or text (got %q)", cfg.Log.Format)
	}

	secrets := map[string]string{
		"webhook.path":          cfg.Webhook.Path,
		"smtp.user":             cfg.SMTP.User,
		"smtp.pass":             cfg.SMTP.Pass,
		"debug.token":           cfg.Debug.Token,
		"smtp.dkim.private_key": cfg.SMTP.DKIM.PrivateKey,
	}
	for field, value := range secrets {
		if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
			return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
		}
	}
	return nil
}

// ParseSize parses a byte size such as "10485760", "512kb" or "10mb".
func ParseSize(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	mult := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{{"gb", 1 << 30}, {"mb", 1 << 20}, {"kb", 1 << 10}, {"b", 1}} {
		if strings.HasSuffix(s, unit.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, unit.suffix))
			mult = unit.mult
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n > math.MaxInt64/mult {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return n * mult, nil
}

// ParseWindow accepts a Go duration ("1m", "90s") or a bare number of seconds.
func ParseWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("window must be positive (got %q)", s)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid window %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("window must be positive (got %q)", s)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBoolLoose(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}
