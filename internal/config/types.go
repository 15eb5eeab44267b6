package config

import (
	"time"

	"github.com/mattjoyce/formhook/internal/dkim"
)

// Config represents the complete formhook configuration.
type Config struct {
	Environment string          `yaml:"environment"`
	Server      ServerConfig    `yaml:"server"`
	Webhook     WebhookConfig   `yaml:"webhook"`
	SMTP        SMTPConfig      `yaml:"smtp"`
	Audit       AuditConfig     `yaml:"audit"`
	Log         LogConfig       `yaml:"log"`
	Debug       DebugConfig     `yaml:"debug"`
	CORS        CORSConfig      `yaml:"cors"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`

	// SourcePath and SourceHash identify the YAML file the config was read
	// from, if any.
	SourcePath string `yaml:"-"`
	SourceHash string `yaml:"-"`
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	PublicURL       string        `yaml:"public_url"`
	MaxBodySize     int64         `yaml:"max_body_size"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WebhookConfig holds the secret path segment of the webhook endpoint.
type WebhookConfig struct {
	Path string `yaml:"path"`
}

// SMTPConfig defines the outbound mail relay.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Pass     string `yaml:"pass"`
	From     string `yaml:"from"`
	ReplyTo  string `yaml:"reply_to"`
	HeloName string `yaml:"helo_name"`
	// CAFile adds PEM roots to the system pool for certificate validation.
	CAFile string `yaml:"ca_file"`
	// DisableVerify skips the background connection check run per send.
	DisableVerify bool `yaml:"disable_verify"`
	// Trace logs every SMTP session step at debug level.
	Trace bool        `yaml:"trace"`
	DKIM  dkim.Config `yaml:"dkim"`
}

// Sender returns the From address, falling back to the SMTP user.
func (c SMTPConfig) Sender() string {
	if c.From != "" {
		return c.From
	}
	return c.User
}

// AuditConfig defines where request records are written.
type AuditConfig struct {
	Dir string `yaml:"dir"`
}

// LogConfig defines process logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DebugConfig gates the /debug endpoint. An empty token leaves it unregistered.
type DebugConfig struct {
	Token string `yaml:"token"`
}

// CORSConfig defines allowed browser origins.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
}

// RateLimitConfig defines the per-client request quota.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// WebhookRoute returns the full route of the webhook endpoint.
func (c *Config) WebhookRoute() string {
	return "/webhook/" + c.Webhook.Path
}
