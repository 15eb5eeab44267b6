package mail

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/formhook/internal/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testCert is a self-signed certificate valid for 127.0.0.1.
type testCert struct {
	tls  tls.Certificate
	pool *x509.CertPool
	pem  []byte
}

func generateSelfSignedCert(t *testing.T) testCert {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "formhook test relay"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(certPEM))
	return testCert{tls: pair, pool: pool, pem: certPEM}
}

// fakeRelay is a minimal ESMTP server on 127.0.0.1:0.
type fakeRelay struct {
	t           *testing.T
	ln          net.Listener
	cert        testCert
	startTLS    bool
	implicitTLS bool
	auth        bool

	mu       sync.Mutex
	commands []string
	creds    []string
	messages []string
}

func newFakeRelay(t *testing.T, cert testCert, setup func(*fakeRelay)) *fakeRelay {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	r := &fakeRelay{t: t, ln: ln, cert: cert}
	if setup != nil {
		setup(r)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go r.serve()
	return r
}

func (r *fakeRelay) port() int { return r.ln.Addr().(*net.TCPAddr).Port }

func (r *fakeRelay) serve() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return
		}
		go r.handle(conn)
	}
}

func (r *fakeRelay) record(dst *[]string, v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*dst = append(*dst, v)
}

func (r *fakeRelay) snapshot() (commands, creds, messages []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...), append([]string(nil), r.creds...), append([]string(nil), r.messages...)
}

func (r *fakeRelay) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	serverTLS := &tls.Config{Certificates: []tls.Certificate{r.cert.tls}}
	secure := false
	if r.implicitTLS {
		conn = tls.Server(conn, serverTLS)
		secure = true
	}
	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)
	reply := func(lines ...string) {
		for _, l := range lines {
			fmt.Fprint(bw, l+"\r\n")
		}
		_ = bw.Flush()
	}

	reply("220 fake.relay ESMTP")
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		if verb != "AUTH" {
			r.record(&r.commands, line)
		} else {
			r.record(&r.commands, "AUTH")
		}

		switch verb {
		case "EHLO":
			ext := []string{"fake.relay"}
			if r.startTLS && !secure {
				ext = append(ext, "STARTTLS")
			}
			if r.auth && secure {
				ext = append(ext, "AUTH PLAIN")
			}
			for i, e := range ext {
				sep := "-"
				if i == len(ext)-1 {
					sep = " "
				}
				fmt.Fprintf(bw, "250%s%s\r\n", sep, e)
			}
			_ = bw.Flush()
		case "HELO", "NOOP", "RSET", "MAIL", "RCPT":
			reply("250 OK")
		case "STARTTLS":
			reply("220 Ready to start TLS")
			tlsConn := tls.Server(conn, serverTLS)
			if err := tlsConn.Handshake(); err != nil {
				return
			}
			conn = tlsConn
			br = bufio.NewReader(conn)
			bw = bufio.NewWriter(conn)
			secure = true
		case "AUTH":
			var cred string
			if parts := strings.Fields(line); len(parts) == 3 {
				raw, _ := base64.StdEncoding.DecodeString(parts[2])
				cred = string(raw)
				r.record(&r.creds, cred)
			}
			if strings.HasSuffix(cred, "\x00wrong") {
				reply("535 5.7.8 Authentication failed")
				continue
			}
			reply("235 2.7.0 Authentication successful")
		case "DATA":
			reply("354 End data with <CR><LF>.<CR><LF>")
			var body strings.Builder
			for {
				l, err := br.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				body.WriteString(l)
			}
			r.record(&r.messages, body.String())
			reply("250 OK queued")
		case "QUIT":
			reply("221 Bye")
			return
		default:
			reply("502 Command not implemented")
		}
	}
}

func relayConfig(r *fakeRelay) TransportConfig {
	return TransportConfig{
		Host:            "127.0.0.1",
		Port:            r.port(),
		Username:        "mailer@example.com",
		Password:        "s3cret",
		RequireTLS:      true,
		TLS:             &tls.Config{MinVersion: tls.VersionTLS12, ServerName: "127.0.0.1", RootCAs: r.cert.pool},
		ConnectTimeout:  2 * time.Second,
		GreetingTimeout: 2 * time.Second,
		SocketTimeout:   2 * time.Second,
	}
}

func TestTransportConfigFrom(t *testing.T) {
	tests := []struct {
		name       string
		in         config.SMTPConfig
		port       int
		secure     bool
		requireTLS bool
	}{
		{name: "default port is implicit tls", in: config.SMTPConfig{Host: "smtp.example.com"}, port: 465, secure: true},
		{name: "465", in: config.SMTPConfig{Host: "smtp.example.com", Port: 465}, port: 465, secure: true},
		{name: "587 requires starttls", in: config.SMTPConfig{Host: "smtp.example.com", Port: 587}, port: 587, requireTLS: true},
		{name: "25 requires starttls", in: config.SMTPConfig{Host: "smtp.example.com", Port: 25}, port: 25, requireTLS: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc, err := TransportConfigFrom(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.port, tc.Port)
			assert.Equal(t, tt.secure, tc.Secure)
			assert.Equal(t, tt.requireTLS, tc.RequireTLS)
			assert.Equal(t, uint16(tls.VersionTLS12), tc.TLS.MinVersion)
			assert.Equal(t, "smtp.example.com", tc.TLS.ServerName)
			assert.False(t, tc.TLS.InsecureSkipVerify)
			assert.Equal(t, 15*time.Second, tc.ConnectTimeout)
			assert.Equal(t, 15*time.Second, tc.GreetingTimeout)
			assert.Equal(t, 20*time.Second, tc.SocketTimeout)
		})
	}
}

func TestTransportConfigFromCAFile(t *testing.T) {
	cert := generateSelfSignedCert(t)
	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, cert.pem, 0o600))

	tc, err := TransportConfigFrom(config.SMTPConfig{Host: "h", CAFile: path})
	require.NoError(t, err)
	assert.NotNil(t, tc.TLS.RootCAs)

	require.NoError(t, os.WriteFile(path, []byte("nothing here"), 0o600))
	_, err = TransportConfigFrom(config.SMTPConfig{Host: "h", CAFile: path})
	assert.Error(t, err)
}

func TestTransportSendSTARTTLS(t *testing.T) {
	cert := generateSelfSignedCert(t)
	relay := newFakeRelay(t, cert, func(r *fakeRelay) {
		r.startTLS = true
		r.auth = true
	})

	tr := NewTransport(relayConfig(relay), quietLogger())
	err := tr.Send(context.Background(), Envelope{
		From: "mailer@example.com",
		To:   "jo@x.com",
		Data: []byte("Subject: hi\r\n\r\nhello\r\n"),
	})
	require.NoError(t, err)

	commands, creds, messages := relay.snapshot()
	assert.Contains(t, commands, "STARTTLS")
	assert.Contains(t, commands, "MAIL FROM:<mailer@example.com>")
	assert.Contains(t, commands, "RCPT TO:<jo@x.com>")
	assert.Equal(t, []string{"\x00mailer@example.com\x00s3cret"}, creds)
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "hello")
}

func TestTransportImplicitTLS(t *testing.T) {
	cert := generateSelfSignedCert(t)
	relay := newFakeRelay(t, cert, func(r *fakeRelay) {
		r.implicitTLS = true
		r.auth = true
	})

	cfg := relayConfig(relay)
	cfg.Secure = true
	cfg.RequireTLS = false

	require.NoError(t, NewTransport(cfg, quietLogger()).Verify(context.Background()))

	commands, creds, _ := relay.snapshot()
	assert.NotContains(t, commands, "STARTTLS")
	assert.Len(t, creds, 1)
	assert.Equal(t, "QUIT", commands[len(commands)-1])
}

func TestTransportRequiresSTARTTLS(t *testing.T) {
	cert := generateSelfSignedCert(t)
	relay := newFakeRelay(t, cert, nil)

	err := NewTransport(relayConfig(relay), quietLogger()).Verify(context.Background())
	assert.True(t, errors.Is(err, ErrNoSTARTTLS), "got %v", err)
}

func TestTransportRejectsUntrustedCertificate(t *testing.T) {
	relay := newFakeRelay(t, generateSelfSignedCert(t), func(r *fakeRelay) { r.startTLS = true })

	cfg := relayConfig(relay)
	cfg.TLS = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: "127.0.0.1"}

	err := NewTransport(cfg, quietLogger()).Verify(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starttls")
}

func TestTransportAuthFailure(t *testing.T) {
	cert := generateSelfSignedCert(t)
	relay := newFakeRelay(t, cert, func(r *fakeRelay) {
		r.startTLS = true
		r.auth = true
	})

	cfg := relayConfig(relay)
	cfg.Password = "wrong"
	err := NewTransport(cfg, quietLogger()).Verify(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth")
}

func TestTransportDialError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	cfg := TransportConfig{Host: "127.0.0.1", Port: port, ConnectTimeout: time.Second}
	err = NewTransport(cfg, quietLogger()).Verify(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial")
}

func TestTransportHonoursContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Never greet.
		time.Sleep(3 * time.Second)
		_ = conn.Close()
	}()

	cfg := TransportConfig{
		Host:            "127.0.0.1",
		Port:            ln.Addr().(*net.TCPAddr).Port,
		ConnectTimeout:  time.Second,
		GreetingTimeout: 10 * time.Second,
		SocketTimeout:   10 * time.Second,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = NewTransport(cfg, quietLogger()).Verify(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestTransportConfigMode(t *testing.T) {
	assert.Equal(t, "tls", TransportConfig{Secure: true}.Mode())
	assert.Equal(t, "starttls", TransportConfig{RequireTLS: true}.Mode())
	assert.Equal(t, "starttls-optional", TransportConfig{}.Mode())
	assert.Equal(t, "127.0.0.1:25", TransportConfig{Host: "127.0.0.1", Port: 25}.Addr())
}
