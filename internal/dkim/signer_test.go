package dkim

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rsaPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
}

func TestNewDisabled(t *testing.T) {
	signer, err := New(Config{})
	require.NoError(t, err)
	assert.Nil(t, signer)

	msg := []byte("From: a@b.co\r\n\r\nhi\r\n")
	out, err := signer.Sign(msg, "a@b.co")
	require.NoError(t, err)
	assert.Equal(t, msg, out)
}

func TestNewRequiresSelector(t *testing.T) {
	_, err := New(Config{PrivateKey: rsaPEM(t)})
	assert.True(t, errors.Is(err, ErrNoSelector))
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(Config{Selector: "mail"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key_path or private_key")
}

func TestNewFromKeyPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dkim.pem")
	require.NoError(t, os.WriteFile(path, []byte(rsaPEM(t)), 0o600))

	signer, err := New(Config{Selector: "mail", KeyPath: path})
	require.NoError(t, err)
	assert.Equal(t, "mail", signer.Selector())
}

func TestNewRejectsGarbageKey(t *testing.T) {
	_, err := New(Config{Selector: "mail", PrivateKey: "not a key"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no private key")
}

func TestSignAddsHeader(t *testing.T) {
	signer, err := New(Config{Selector: "mail", PrivateKey: rsaPEM(t)})
	require.NoError(t, err)

	raw := "From: Site <hello@Example.com>\nTo: jo@x.com\nSubject: Hi\n\nBody\n"
	signed, err := signer.Sign([]byte(raw), "Site <hello@Example.com>")
	require.NoError(t, err)

	out := string(signed)
	assert.True(t, strings.HasPrefix(out, "DKIM-Signature:"))
	assert.Contains(t, out, "d=example.com")
	assert.Contains(t, out, "s=mail")
	assert.Contains(t, out, "\r\nFrom: Site <hello@Example.com>\r\n")
}

func TestSignEd25519PKCS8(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	keyPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))

	signer, err := New(Config{Selector: "ed", Domain: "Example.org", PrivateKey: keyPEM})
	require.NoError(t, err)

	signed, err := signer.Sign([]byte("From: a@b.co\r\nSubject: x\r\n\r\nbody\r\n"), "a@b.co")
	require.NoError(t, err)
	assert.Contains(t, string(signed), "a=ed25519-sha256")
	assert.Contains(t, string(signed), "d=example.org")
}

func TestSignSkipsSignedMessage(t *testing.T) {
	signer, err := New(Config{Selector: "mail", PrivateKey: rsaPEM(t)})
	require.NoError(t, err)

	raw := "DKIM-Signature: existing\r\nFrom: a@b.co\r\n\r\nBody\r\n"
	signed, err := signer.Sign([]byte(raw), "a@b.co")
	require.NoError(t, err)
	assert.Equal(t, raw, string(signed))
}

func TestSignWithoutDomain(t *testing.T) {
	signer, err := New(Config{Selector: "mail", PrivateKey: rsaPEM(t)})
	require.NoError(t, err)

	_, err = signer.Sign([]byte("From: nobody\r\n\r\nx\r\n"), "nobody")
	require.Error(t, err)
}

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "x.com", DomainOf("jo@X.com"))
	assert.Equal(t, "x.com", DomainOf("Jo <jo@x.com>"))
	assert.Equal(t, "", DomainOf("jo@"))
	assert.Equal(t, "", DomainOf(""))
}
