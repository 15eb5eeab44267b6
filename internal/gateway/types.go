package gateway

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/mattjoyce/formhook/internal/audit"
	"github.com/mattjoyce/formhook/internal/config"
	"github.com/mattjoyce/formhook/internal/events"
	"github.com/mattjoyce/formhook/internal/submission"
)

//go:generate mockgen -destination=mocks/mock_gateway.go -package=mocks github.com/mattjoyce/formhook/internal/gateway Recorder,Sender

// Recorder persists the raw payload of an accepted request.
type Recorder interface {
	Record(ctx context.Context, payload json.RawMessage, clientIP, userAgent string) (*audit.Record, string, error)
}

// Sender delivers the confirmation message and returns its Message-ID.
type Sender interface {
	Send(ctx context.Context, s submission.Submission) (string, error)
}

// Config holds gateway settings.
type Config struct {
	Listen      string
	WebhookPath string
	PublicURL   string
	Environment string
	DebugToken  string
	MaxBodySize int64
	CORSOrigins []string

	RateLimitRequests int
	RateLimitWindow   time.Duration

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// ConfigFrom maps process configuration onto gateway settings.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Listen:            ":" + strconv.Itoa(c.Server.Port),
		WebhookPath:       c.Webhook.Path,
		PublicURL:         c.Server.PublicURL,
		Environment:       c.Environment,
		DebugToken:        c.Debug.Token,
		MaxBodySize:       c.Server.MaxBodySize,
		CORSOrigins:       c.CORS.Origins,
		RateLimitRequests: c.RateLimit.Requests,
		RateLimitWindow:   c.RateLimit.Window,
		ReadTimeout:       c.Server.ReadTimeout,
		WriteTimeout:      c.Server.WriteTimeout,
		ShutdownTimeout:   c.Server.ShutdownTimeout,
	}
}

// Default values
const (
	DefaultMaxBodySize       = 10 << 20
	DefaultRateLimitRequests = 60
	DefaultRateLimitWindow   = time.Minute
	DefaultShutdownTimeout   = 5 * time.Second
	DefaultEventHistory      = 100
)

// Response is the body of successful calls.
type Response struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is the body of failed calls.
type ErrorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// NotFoundResponse answers unknown routes.
type NotFoundResponse struct {
	OK                 bool     `json:"ok"`
	Error              string   `json:"error"`
	RequestedPath      string   `json:"requestedPath"`
	AvailableEndpoints []string `json:"availableEndpoints"`
}

// DebugResponse is the body of GET /debug.
type DebugResponse struct {
	OK                 bool     `json:"ok"`
	Message            string   `json:"message"`
	WebhookPath        string   `json:"webhookPath"`
	FullWebhookURL     string   `json:"fullWebhookUrl"`
	Environment        string   `json:"environment"`
	AvailableEndpoints []string `json:"availableEndpoints"`

	// Outcomes and RecentSubmissions cover the last DefaultEventHistory
	// webhook requests handled by this process.
	Outcomes          map[string]int `json:"outcomes"`
	RecentSubmissions []events.Event `json:"recentSubmissions"`
}

// Client-facing error messages.
const (
	msgInternal        = "Internal server error"
	msgNotFound        = "Endpoint not found"
	msgTooLarge        = "Payload too large"
	msgTooManyRequests = "Too many requests, please try again later."
	msgUnauthorized    = "Unauthorized"
	msgSent            = "Email queued/sent"
)
