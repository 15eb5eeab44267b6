// Package auth guards operator endpoints with a static bearer token.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingHeader = errors.New("missing Authorization header")
	ErrBadFormat     = errors.New("invalid Authorization header format")
	ErrEmptyToken    = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid bearer token")
)

// ExtractBearerToken returns the token of an "Authorization: Bearer" header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingHeader
	}

	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", ErrBadFormat
	}

	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}

// TokenMatches compares in constant time. Empty tokens never match.
func TokenMatches(presented, want string) bool {
	if presented == "" || want == "" {
		return false
	}
	if len(presented) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(want)) == 1
}

// Authenticate checks r against want.
func Authenticate(r *http.Request, want string) error {
	presented, err := ExtractBearerToken(r)
	if err != nil {
		return err
	}
	if !TokenMatches(presented, want) {
		return ErrInvalidToken
	}
	return nil
}

// RequireBearer rejects requests without the expected token by calling deny.
func RequireBearer(want string, deny func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := Authenticate(r, want); err != nil {
				deny(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
