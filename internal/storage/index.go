package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/formhook/internal/audit"
)

// Entry is one indexed audit record.
type Entry struct {
	SubmissionID  string `json:"submissionId"`
	File          string `json:"file"`
	ReceivedAt    string `json:"receivedAt"`
	Email         string `json:"email,omitempty"`
	ClientIP      string `json:"clientIp,omitempty"`
	UserAgent     string `json:"userAgent,omitempty"`
	PayloadDigest string `json:"payloadDigest"`
	Verified      bool   `json:"verified"`
	VerifyError   string `json:"verifyError,omitempty"`
}

// IndexReport summarizes an IndexDir run.
type IndexReport struct {
	Dir        string   `json:"dir"`
	Scanned    int      `json:"scanned"`
	Indexed    int      `json:"indexed"`
	Unverified int      `json:"unverified"`
	Skipped    []string `json:"skipped,omitempty"`
}

// Index writes audit records into a SQLite database.
type Index struct {
	db  *sql.DB
	now func() time.Time
}

// NewIndex wraps an open database. The schema must already exist.
func NewIndex(db *sql.DB) *Index {
	return &Index{db: db, now: time.Now}
}

// IndexDir upserts every *.json record under dir. Records whose digest no
// longer matches are indexed with verified = false; unreadable files are
// reported in Skipped.
func (x *Index) IndexDir(ctx context.Context, dir string) (*IndexReport, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	sort.Strings(matches)

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO submissions (submission_id, file, received_at, email, client_ip, user_agent, payload_digest, verified, verify_error, indexed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(submission_id) DO UPDATE SET
  file = excluded.file,
  received_at = excluded.received_at,
  email = excluded.email,
  client_ip = excluded.client_ip,
  user_agent = excluded.user_agent,
  payload_digest = excluded.payload_digest,
  verified = excluded.verified,
  verify_error = excluded.verify_error,
  indexed_at = excluded.indexed_at;`)
	if err != nil {
		return nil, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	report := &IndexReport{Dir: dir}
	indexedAt := x.now().UTC().Format(time.RFC3339)
	for _, path := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.Scanned++
		name := filepath.Base(path)

		rec, err := audit.ReadRecord(path)
		if err != nil || rec.SubmissionID == "" {
			report.Skipped = append(report.Skipped, name)
			continue
		}

		verified := true
		var verifyErr sql.NullString
		if err := rec.Check(); err != nil {
			verified = false
			verifyErr = sql.NullString{String: err.Error(), Valid: true}
			report.Unverified++
		}

		if _, err := stmt.ExecContext(ctx,
			rec.SubmissionID, name, rec.Timestamp, strings.ToLower(rec.Email()),
			rec.ClientIP, rec.UserAgent, rec.PayloadDigest, verified, verifyErr, indexedAt,
		); err != nil {
			return nil, fmt.Errorf("index %s: %w", name, err)
		}
		report.Indexed++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return report, nil
}

// Query filters Search results. Zero values match everything.
type Query struct {
	Email string
	Since time.Time
	Limit int
}

// Search returns indexed records matching q, newest first.
func (x *Index) Search(ctx context.Context, q Query) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if q.Email != "" {
		where = append(where, "email = ? COLLATE NOCASE")
		args = append(args, q.Email)
	}
	if !q.Since.IsZero() {
		where = append(where, "received_at >= ?")
		args = append(args, q.Since.UTC().Format(audit.TimestampLayout))
	}

	query := `SELECT submission_id, file, received_at, email, client_ip, user_agent, payload_digest, verified, COALESCE(verify_error, '')
FROM submissions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY received_at DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := x.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search submissions: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.SubmissionID, &e.File, &e.ReceivedAt, &e.Email, &e.ClientIP,
			&e.UserAgent, &e.PayloadDigest, &e.Verified, &e.VerifyError); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
