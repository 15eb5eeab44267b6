// Package mail sends the confirmation message for an accepted submission.
package mail

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"os"
	"strconv"
	"time"

	"github.com/mattjoyce/formhook/internal/config"
)

const (
	DefaultConnectTimeout  = 15 * time.Second
	DefaultGreetingTimeout = 15 * time.Second
	DefaultSocketTimeout   = 20 * time.Second
)

// ErrNoSTARTTLS is returned when TLS is required but the server does not offer STARTTLS.
var ErrNoSTARTTLS = errors.New("smtp server does not support STARTTLS")

// TransportConfig is the connection description for a single SMTP session.
type TransportConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	HeloName string

	// Secure uses implicit TLS from the first byte (port 465).
	Secure bool
	// RequireTLS fails the session unless STARTTLS succeeds.
	RequireTLS bool
	TLS        *tls.Config

	ConnectTimeout  time.Duration
	GreetingTimeout time.Duration
	SocketTimeout   time.Duration

	// Trace logs each session step at debug level.
	Trace bool
}

// TransportConfigFrom derives the transport settings from SMTP configuration.
func TransportConfigFrom(c config.SMTPConfig) (TransportConfig, error) {
	port := c.Port
	if port == 0 {
		port = config.DefaultSMTPPort
	}
	secure := port == 465

	tlsConf := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: c.Host,
	}
	if c.CAFile != "" {
		pool, err := loadRoots(c.CAFile)
		if err != nil {
			return TransportConfig{}, err
		}
		tlsConf.RootCAs = pool
	}

	return TransportConfig{
		Host:            c.Host,
		Port:            port,
		Username:        c.User,
		Password:        c.Pass,
		HeloName:        c.HeloName,
		Secure:          secure,
		RequireTLS:      !secure,
		TLS:             tlsConf,
		ConnectTimeout:  DefaultConnectTimeout,
		GreetingTimeout: DefaultGreetingTimeout,
		SocketTimeout:   DefaultSocketTimeout,
		Trace:           c.Trace,
	}, nil
}

func loadRoots(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read smtp ca file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("smtp ca file %s contains no certificates", path)
	}
	return pool, nil
}

// Addr returns host:port.
func (c TransportConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Mode names the TLS mode for logging.
func (c TransportConfig) Mode() string {
	switch {
	case c.Secure:
		return "tls"
	case c.RequireTLS:
		return "starttls"
	default:
		return "starttls-optional"
	}
}

// Transport runs SMTP sessions against one relay. It holds no connection
// between calls.
type Transport struct {
	cfg    TransportConfig
	logger *slog.Logger
}

// NewTransport returns a Transport for cfg.
func NewTransport(cfg TransportConfig, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{cfg: cfg, logger: logger}
}

// Verify connects, negotiates TLS and authenticates, then quits.
func (t *Transport) Verify(ctx context.Context) error {
	client, done, err := t.open(ctx)
	if err != nil {
		return err
	}
	defer done()
	if err := client.Quit(); err != nil {
		return fmt.Errorf("quit: %w", err)
	}
	return nil
}

// Envelope is an encoded message with its SMTP envelope addresses.
type Envelope struct {
	From string
	To   string
	Data []byte
}

// Send delivers env in one SMTP session.
func (t *Transport) Send(ctx context.Context, env Envelope) error {
	client, done, err := t.open(ctx)
	if err != nil {
		return err
	}
	defer done()

	if err := client.Mail(env.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	t.trace("MAIL FROM accepted", "from", env.From)
	if err := client.Rcpt(env.To); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	t.trace("RCPT TO accepted", "to", env.To)

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data start: %w", err)
	}
	if _, err := w.Write(env.Data); err != nil {
		return fmt.Errorf("data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data close: %w", err)
	}
	t.trace("DATA accepted", "bytes", len(env.Data))

	if err := client.Quit(); err != nil {
		return fmt.Errorf("quit: %w", err)
	}
	return nil
}

// open dials, reads the greeting, negotiates TLS and authenticates. The
// returned func releases the connection.
func (t *Transport) open(ctx context.Context) (*smtp.Client, func(), error) {
	cfg := t.cfg
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", cfg.Addr(), err)
	}
	t.trace("connected", "addr", cfg.Addr(), "mode", cfg.Mode())

	// Closing the connection unblocks any in-flight read when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	release := func() {
		stop()
		_ = conn.Close()
	}

	if err := conn.SetDeadline(t.deadline(ctx, cfg.GreetingTimeout)); err != nil {
		release()
		return nil, nil, fmt.Errorf("set deadline: %w", err)
	}

	if cfg.Secure {
		tlsConn := tls.Client(conn, cfg.TLS)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			release()
			return nil, nil, fmt.Errorf("tls handshake: %w", err)
		}
		conn = tlsConn
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("greeting: %w", err)
	}
	release = func() {
		stop()
		_ = client.Close()
	}

	if err := conn.SetDeadline(t.deadline(ctx, cfg.SocketTimeout)); err != nil {
		release()
		return nil, nil, fmt.Errorf("set deadline: %w", err)
	}

	if cfg.HeloName != "" {
		if err := client.Hello(cfg.HeloName); err != nil {
			release()
			return nil, nil, fmt.Errorf("helo: %w", err)
		}
	}

	if !cfg.Secure {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(cfg.TLS); err != nil {
				release()
				return nil, nil, fmt.Errorf("starttls: %w", err)
			}
			t.trace("starttls negotiated")
		} else if cfg.RequireTLS {
			release()
			return nil, nil, ErrNoSTARTTLS
		}
	}

	if cfg.Username != "" {
		if ok, _ := client.Extension("AUTH"); !ok {
			release()
			return nil, nil, errors.New("smtp server does not support AUTH")
		}
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			release()
			return nil, nil, fmt.Errorf("auth: %w", err)
		}
		t.trace("authenticated", "user", cfg.Username)
	}

	return client, release, nil
}

// deadline is now+d, or the context deadline when that is sooner.
func (t *Transport) deadline(ctx context.Context, d time.Duration) time.Time {
	dl := time.Now().Add(d)
	if ctxDL, ok := ctx.Deadline(); ok && ctxDL.Before(dl) {
		return ctxDL
	}
	return dl
}

func (t *Transport) trace(msg string, args ...any) {
	if t.cfg.Trace {
		t.logger.Debug("smtp: "+msg, args...)
	}
}
