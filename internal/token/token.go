// Package token issues and validates the opaque tokens that correlate
// anonymous web events to campaign recipients. Generation is pure;
// resolution is a unique-index lookup owned by the funnel store.
package token

import "github.com/google/uuid"

// Generate returns a new globally unique tracking token. Tokens are issued
// once per recipient at dispatch time and never reused.
func Generate() string {
	return uuid.NewString()
}

// WellFormed reports whether s has the shape of an issued token. Malformed
// tokens are not errors for callers; tracking degrades to anonymous instead
// of failing the request.
func WellFormed(s string) bool {
	if s == "" {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
