// Package submission decodes and validates contact-form webhook bodies.
package submission

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// Validation error codes. The code is safe to expose to callers.
const (
	CodeMissingFields = "missing_fields"
	CodeInvalidEmail  = "invalid_email"
	CodeInvalidBody   = "invalid_body"
)

// DefaultSource is used for the source tracking header when the form did not send one.
const DefaultSource = "Unknown"

// jsSpace is ECMAScript whitespace as a character-class body. RE2's \s alone
// misses \v, U+FEFF and the Unicode separators.
const jsSpace = `\s\v\p{Z}\x{FEFF}`

var emailPattern = regexp.MustCompile(`^[^` + jsSpace + `@]+@[^` + jsSpace + `@]+\.[^` + jsSpace + `]+$`)

// Submission is a single contact/booking form post.
type Submission struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Company string `json:"company,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Message string `json:"message,omitempty"`
	Source  string `json:"source,omitempty"`
}

// SourceOrDefault returns Source, or DefaultSource when it is empty.
func (s Submission) SourceOrDefault() string {
	if s.Source == "" {
		return DefaultSource
	}
	return s.Source
}

// ValidationError reports a client input defect.
type ValidationError struct {
	Code string
	Err  error
}

func (e *ValidationError) Error() string {
	switch e.Code {
	case CodeMissingFields:
		return "Missing required fields: name and email"
	case CodeInvalidEmail:
		return "Invalid email format"
	default:
		return "Invalid request body"
	}
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Decode parses a JSON request body. It returns the typed submission together
// with a copy of the raw payload, which is what gets audited.
func Decode(body []byte) (Submission, json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Submission{}, nil, &ValidationError{Code: CodeInvalidBody, Err: errors.New("body is not a JSON object")}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Submission{}, nil, &ValidationError{Code: CodeInvalidBody, Err: err}
	}

	// Keys are matched exactly. "EMAIL" or "Email" is not the email field.
	var s Submission
	for key, dst := range map[string]*string{
		"name":    &s.Name,
		"email":   &s.Email,
		"company": &s.Company,
		"phone":   &s.Phone,
		"message": &s.Message,
		"source":  &s.Source,
	} {
		v, ok := fields[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return Submission{}, nil, &ValidationError{Code: CodeInvalidBody, Err: fmt.Errorf("field %q: %w", key, err)}
		}
	}

	raw := make(json.RawMessage, len(trimmed))
	copy(raw, trimmed)
	return s, raw, nil
}

// Validate checks required fields and the email shape. Fields are returned
// unchanged: no trimming, no normalization.
func Validate(s Submission) (Submission, error) {
	if s.Name == "" || s.Email == "" {
		return Submission{}, &ValidationError{Code: CodeMissingFields}
	}
	if !emailPattern.MatchString(s.Email) {
		return Submission{}, &ValidationError{Code: CodeInvalidEmail}
	}
	return s, nil
}
