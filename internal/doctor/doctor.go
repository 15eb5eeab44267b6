// Package doctor statically checks a formhook configuration.
package doctor

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/formhook/internal/audit"
	"github.com/mattjoyce/formhook/internal/config"
	"github.com/mattjoyce/formhook/internal/dkim"
)

const (
	minSecretLength = 16
	// smtpWorstCase is connect + greeting + socket timeouts of one session.
	smtpWorstCase = 50 * time.Second
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid      bool    `json:"valid"`
	Source     string  `json:"source,omitempty"`
	SourceHash string  `json:"source_hash,omitempty"`
	Errors     []Issue `json:"errors,omitempty"`
	Warnings   []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor for cfg.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{
		Valid:      true,
		Source:     d.cfg.SourcePath,
		SourceHash: d.cfg.SourceHash,
	}

	d.validateSMTP(r)
	d.validateDKIM(r)
	d.validateAuditDir(r)
	d.validateServer(r)
	d.warnWeakSecrets(r)
	d.warnProductionExposure(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateSMTP(r *Result) {
	s := d.cfg.SMTP
	if s.Host == "" {
		d.addError(r, "smtp", "smtp.host", "smtp.host is required (set SMTP_HOST)")
	}
	switch s.Port {
	case 465, 587, 25, 2525:
	default:
		d.addWarning(r, "smtp", "smtp.port",
			fmt.Sprintf("unusual SMTP port %d; port 465 uses implicit TLS, any other port requires STARTTLS", s.Port))
	}

	if s.User == "" {
		d.addWarning(r, "smtp", "smtp.user", "no SMTP user configured; messages will be sent unauthenticated")
	} else if s.Pass == "" {
		d.addError(r, "smtp", "smtp.pass", "smtp.pass is required when smtp.user is set")
	}

	sender := s.Sender()
	if sender == "" {
		d.addError(r, "smtp", "smtp.from", "no sender address: set smtp.from or smtp.user")
	} else if _, err := mail.ParseAddress(sender); err != nil {
		d.addError(r, "smtp", "smtp.from", fmt.Sprintf("sender %q is not a valid address: %v", sender, err))
	}

	if s.ReplyTo == "" {
		d.addWarning(r, "smtp", "smtp.reply_to", "no reply-to address; replies go to the sender")
	} else if _, err := mail.ParseAddress(s.ReplyTo); err != nil {
		d.addError(r, "smtp", "smtp.reply_to", fmt.Sprintf("reply-to %q is not a valid address: %v", s.ReplyTo, err))
	}

	if s.CAFile != "" {
		if _, err := os.Stat(s.CAFile); err != nil {
			d.addError(r, "smtp", "smtp.ca_file", fmt.Sprintf("cannot read CA file: %v", err))
		}
	}
}

func (d *Doctor) validateDKIM(r *Result) {
	c := d.cfg.SMTP.DKIM
	if !c.Enabled() {
		return
	}
	if _, err := dkim.New(c); err != nil {
		d.addError(r, "dkim", "smtp.dkim", err.Error())
		return
	}
	if c.Domain == "" && dkim.DomainOf(d.cfg.SMTP.Sender()) == "" {
		d.addError(r, "dkim", "smtp.dkim.domain", "no signing domain: set smtp.dkim.domain or a sender with a domain")
	}
}

// validateAuditDir checks that records can actually be created.
func (d *Doctor) validateAuditDir(r *Result) {
	dir := d.cfg.Audit.Dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.addError(r, "audit", "audit.dir", fmt.Sprintf("cannot create audit directory: %v", err))
		return
	}
	probe, err := os.CreateTemp(dir, ".formhook-doctor-*")
	if err != nil {
		d.addError(r, "audit", "audit.dir", fmt.Sprintf("audit directory is not writable: %v", err))
		return
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)

	if err := audit.CheckLocalFilesystem(dir); err != nil {
		d.addWarning(r, "audit", "audit.dir", err.Error())
	}
}

func (d *Doctor) validateServer(r *Result) {
	if u := d.cfg.Server.PublicURL; u != "" {
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			d.addError(r, "server", "server.public_url", fmt.Sprintf("public_url %q must be an absolute http(s) URL", u))
		}
	}
	if wt := d.cfg.Server.WriteTimeout; wt > 0 && wt <= smtpWorstCase {
		d.addWarning(r, "server", "server.write_timeout",
			fmt.Sprintf("write_timeout %s does not cover a slow SMTP session (%s)", wt, smtpWorstCase))
	}
	if d.cfg.RateLimit.Window < time.Second {
		d.addWarning(r, "rate_limit", "rate_limit.window", "rate limit window below one second is ineffective")
	}
}

func (d *Doctor) warnWeakSecrets(r *Result) {
	if len(d.cfg.Webhook.Path) < minSecretLength {
		d.addWarning(r, "secrets", "webhook.path",
			fmt.Sprintf("webhook path is shorter than %d characters and may be guessable", minSecretLength))
	}
	if t := d.cfg.Debug.Token; t != "" && len(t) < minSecretLength {
		d.addWarning(r, "secrets", "debug.token",
			fmt.Sprintf("debug token is shorter than %d characters", minSecretLength))
	}
}

func (d *Doctor) warnProductionExposure(r *Result) {
	if d.cfg.Environment != "production" {
		return
	}
	if d.cfg.Debug.Token != "" {
		d.addWarning(r, "production", "debug.token", "debug endpoint is enabled in production")
	}
	for _, o := range d.cfg.CORS.Origins {
		if o == "*" {
			d.addWarning(r, "production", "cors.origins", "any origin may post to the webhook; consider restricting cors.origins")
			break
		}
	}
	if d.cfg.SMTP.DisableVerify {
		d.addWarning(r, "production", "smtp.disable_verify", "SMTP verification is disabled")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Source != "" {
		fmt.Fprintf(&b, "Config: %s", r.Source)
		if r.SourceHash != "" {
			fmt.Fprintf(&b, " (blake3 %s)", shortHash(r.SourceHash))
		}
		b.WriteString("\n")
	}

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
