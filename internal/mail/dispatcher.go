package mail

import (
	"context"
	"fmt"
	"log/slog"
	netmail "net/mail"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/formhook/internal/config"
	"github.com/mattjoyce/formhook/internal/dkim"
	"github.com/mattjoyce/formhook/internal/submission"
)

const verifyTimeout = 30 * time.Second

// DispatchError wraps any failure to hand a confirmation to the relay.
type DispatchError struct {
	Op  string
	Err error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("mail %s: %v", e.Op, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Session is one SMTP relay connection description.
//
//go:generate mockgen -destination=mocks/mock_session.go -package=mocks github.com/mattjoyce/formhook/internal/mail Session
type Session interface {
	Verify(ctx context.Context) error
	Send(ctx context.Context, env Envelope) error
}

// SessionFactory builds a Session from transport settings.
type SessionFactory func(TransportConfig, *slog.Logger) Session

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSessionFactory replaces the SMTP transport.
func WithSessionFactory(f SessionFactory) Option {
	return func(d *Dispatcher) { d.newSession = f }
}

// WithClock overrides the Date header time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher sends one confirmation message per submission. A fresh
// transport is built for every send.
type Dispatcher struct {
	smtp          config.SMTPConfig
	transport     TransportConfig
	signer        *dkim.Signer
	logger        *slog.Logger
	now           func() time.Time
	newSession    SessionFactory
	disableVerify bool
}

// NewDispatcher validates SMTP settings and prepares the DKIM signer.
func NewDispatcher(cfg config.SMTPConfig, logger *slog.Logger, opts ...Option) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	transport, err := TransportConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	signer, err := dkim.New(cfg.DKIM)
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		smtp:          cfg,
		transport:     transport,
		signer:        signer,
		logger:        logger.With("component", "mail"),
		now:           time.Now,
		disableVerify: cfg.DisableVerify,
		newSession: func(tc TransportConfig, l *slog.Logger) Session {
			return NewTransport(tc, l)
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger.Info("smtp configured",
		"host", transport.Host,
		"port", transport.Port,
		"mode", transport.Mode(),
		"user", transport.Username,
		"dkim_selector", signer.Selector(),
	)
	return d, nil
}

// Verify checks connectivity and credentials synchronously.
func (d *Dispatcher) Verify(ctx context.Context) error {
	if err := d.newSession(d.transport, d.logger).Verify(ctx); err != nil {
		return &DispatchError{Op: "verify", Err: err}
	}
	return nil
}

// Send composes, signs and delivers the confirmation for s. It returns the
// Message-ID of the delivered message.
func (d *Dispatcher) Send(ctx context.Context, s submission.Submission) (string, error) {
	session := d.newSession(d.transport, d.logger)

	if !d.disableVerify {
		go d.verifyInBackground(ctx, session)
	}

	sender := d.smtp.Sender()
	addr, err := netmail.ParseAddress(sender)
	if err != nil {
		return "", &DispatchError{Op: "compose", Err: fmt.Errorf("parse sender %q: %w", sender, err)}
	}
	envelopeFrom := addr.Address

	msg := Compose(sender, d.smtp.ReplyTo, s, d.now(), uuid.NewString())
	data, err := msg.Bytes()
	if err != nil {
		return "", &DispatchError{Op: "compose", Err: err}
	}
	if data, err = d.signer.Sign(data, sender); err != nil {
		return "", &DispatchError{Op: "sign", Err: err}
	}

	if err := session.Send(ctx, Envelope{From: envelopeFrom, To: s.Email, Data: data}); err != nil {
		return "", &DispatchError{Op: "send", Err: err}
	}
	d.logger.Info("confirmation sent", "message_id", msg.MessageID, "to", s.Email)
	return msg.MessageID, nil
}

func (d *Dispatcher) verifyInBackground(ctx context.Context, session Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), verifyTimeout)
	defer cancel()
	if err := session.Verify(ctx); err != nil {
		d.logger.Warn("smtp verify failed", "error", err)
		return
	}
	d.logger.Debug("smtp ready")
}
