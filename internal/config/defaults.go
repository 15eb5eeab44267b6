package config

import "time"

const (
	DefaultPort        = 3000
	DefaultSMTPPort    = 465
	DefaultMaxBodySize = 10 << 20
	DefaultAuditDir    = "./logs"
	DefaultEnvironment = "development"
)

// Defaults returns the configuration applied underneath any file or
// environment values.
func Defaults() *Config {
	return &Config{
		Environment: DefaultEnvironment,
		Server: ServerConfig{
			Port:            DefaultPort,
			MaxBodySize:     DefaultMaxBodySize,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    90 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		SMTP: SMTPConfig{
			Port: DefaultSMTPPort,
		},
		Audit: AuditConfig{
			Dir: DefaultAuditDir,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		CORS: CORSConfig{
			Origins: []string{"*"},
		},
		RateLimit: RateLimitConfig{
			Requests: 60,
			Window:   time.Minute,
		},
	}
}
