// Package audit persists one JSON record per accepted webhook call.
//
// Records are written before any outbound mail is attempted, so a delivered
// but unlogged submission cannot occur. Files are never updated or removed by
// formhook.
package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// TimestampLayout is the UTC millisecond ISO-8601 form used in records and
// filenames.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

const (
	digestPrefix = "blake3:"
	unknownEmail = "unknown"
)

// Record is the on-disk audit document.
type Record struct {
	Timestamp     string          `json:"timestamp"`
	SubmissionID  string          `json:"submissionId"`
	Payload       json.RawMessage `json:"payload"`
	ClientIP      string          `json:"clientIp"`
	UserAgent     string          `json:"userAgent,omitempty"`
	PayloadDigest string          `json:"payloadDigest"`
}

// PersistenceError wraps any failure to write an audit record.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("audit %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("audit %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Option configures a Writer.
type Option func(*Writer)

// WithClock overrides the time source used for timestamps and filenames.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// WithIDFunc overrides the submission ID generator.
func WithIDFunc(fn func() string) Option {
	return func(w *Writer) { w.newID = fn }
}

// Writer writes audit records into a single directory.
type Writer struct {
	dir   string
	now   func() time.Time
	newID func() string
}

// NewWriter creates dir if needed and returns a Writer for it.
func NewWriter(dir string, opts ...Option) (*Writer, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, &PersistenceError{Op: "init", Err: fmt.Errorf("audit directory is empty")}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &PersistenceError{Op: "init", Path: dir, Err: err}
	}
	w := &Writer{
		dir:   dir,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Dir returns the directory records are written to.
func (w *Writer) Dir() string { return w.dir }

// Record persists payload with the caller's metadata and returns the record
// and the path it was written to. payload must be valid JSON.
func (w *Writer) Record(ctx context.Context, payload json.RawMessage, clientIP, userAgent string) (*Record, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", &PersistenceError{Op: "write", Err: err}
	}

	digest, err := Digest(payload)
	if err != nil {
		return nil, "", &PersistenceError{Op: "encode", Err: err}
	}

	ts := w.now().UTC()
	rec := &Record{
		Timestamp:     ts.Format(TimestampLayout),
		SubmissionID:  w.newID(),
		Payload:       payload,
		ClientIP:      clientIP,
		UserAgent:     userAgent,
		PayloadDigest: digest,
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, "", &PersistenceError{Op: "encode", Err: err}
	}
	data = append(data, '\n')

	// The directory may have been removed since startup.
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return nil, "", &PersistenceError{Op: "mkdir", Path: w.dir, Err: err}
	}

	path := filepath.Join(w.dir, Filename(ts, emailOf(payload)))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, "", &PersistenceError{Op: "create", Path: path, Err: err}
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return nil, "", &PersistenceError{Op: "write", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return nil, "", &PersistenceError{Op: "close", Path: path, Err: err}
	}
	return rec, path, nil
}

// Filename builds "<timestamp>-<sanitized email>.json" where ":" and "." in
// the ISO timestamp become "-".
func Filename(ts time.Time, email string) string {
	stamp := ts.UTC().Format(TimestampLayout)
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)
	return stamp + "-" + SanitizeEmail(email) + ".json"
}

// SanitizeEmail lowercases email and replaces every rune outside [a-z0-9.-]
// with "_".
func SanitizeEmail(email string) string {
	if email == "" {
		return unknownEmail
	}
	var b strings.Builder
	for _, r := range strings.ToLower(email) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Digest returns "blake3:<hex>" over the canonical encoding of payload.
func Digest(payload json.RawMessage) (string, error) {
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(canonical)
	return digestPrefix + hex.EncodeToString(sum[:]), nil
}

func emailOf(payload json.RawMessage) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(fields["email"], &s); err != nil {
		return ""
	}
	return s
}
