package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// VerifyFailure names a record that failed verification.
type VerifyFailure struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// VerifyReport summarizes a directory verification.
type VerifyReport struct {
	Dir      string          `json:"dir"`
	Checked  int             `json:"checked"`
	Failures []VerifyFailure `json:"failures,omitempty"`
}

// OK reports whether every record verified.
func (r *VerifyReport) OK() bool { return len(r.Failures) == 0 }

// ReadRecord decodes the record stored at path without verifying it.
func ReadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

// Verify re-reads a record and checks its payload against the stored digest.
func Verify(path string) error {
	rec, err := ReadRecord(path)
	if err != nil {
		return err
	}
	return rec.Check()
}

// Check recomputes the payload digest and compares it to the stored one.
func (r *Record) Check() error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("record has no payload")
	}
	if r.PayloadDigest == "" {
		return fmt.Errorf("record has no payload digest")
	}
	got, err := Digest(r.Payload)
	if err != nil {
		return fmt.Errorf("digest payload: %w", err)
	}
	if got != r.PayloadDigest {
		return fmt.Errorf("digest mismatch: expected %s, got %s", r.PayloadDigest, got)
	}
	return nil
}

// Email returns the submitter address in the payload, or "" if absent.
func (r *Record) Email() string {
	return emailOf(r.Payload)
}

// VerifyDir verifies every *.json record directly under dir.
func VerifyDir(dir string) (*VerifyReport, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	sort.Strings(matches)

	report := &VerifyReport{Dir: dir}
	for _, path := range matches {
		report.Checked++
		if err := Verify(path); err != nil {
			report.Failures = append(report.Failures, VerifyFailure{
				File:  filepath.Base(path),
				Error: err.Error(),
			})
		}
	}
	return report, nil
}
