package webhooks

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"
)

// BasicAuthenticator is the shared-secret gate: HTTP Basic Auth checked
// against one or more configured "username:password" pairs. Comparison is
// constant-time; credential length must not leak through timing either, so
// both sides are hashed before comparing.
//
// With no pairs configured the gate is open and webhooks are accepted
// unauthenticated. That is a documented configuration risk, not a bug.
type BasicAuthenticator struct {
	pairs [][32]byte
}

// NewBasicAuthenticator builds the gate from "user:password" strings.
// Malformed entries (no colon) are ignored.
func NewBasicAuthenticator(credentials []string) *BasicAuthenticator {
	a := &BasicAuthenticator{}
	for _, cred := range credentials {
		if !strings.Contains(cred, ":") {
			continue
		}
		a.pairs = append(a.pairs, sha256.Sum256([]byte(cred)))
	}
	return a
}

// Enabled reports whether any credential pair is configured.
func (a *BasicAuthenticator) Enabled() bool {
	return a != nil && len(a.pairs) > 0
}

// Authenticate checks the request's Basic Auth header. It returns a
// *ValidationError (401) on failure and nil when the gate is open or the
// credentials match.
func (a *BasicAuthenticator) Authenticate(espName string, req *Request) error {
	if !a.Enabled() {
		return nil
	}
	if !req.BasicAuthSet {
		return &ValidationError{ESPName: espName, Reason: "missing basic auth", StatusCode: 401}
	}

	supplied := sha256.Sum256([]byte(req.BasicAuthUser + ":" + req.BasicAuthPass))
	matched := 0
	for _, pair := range a.pairs {
		// Check every pair so timing does not reveal which (if any) matched.
		matched |= subtle.ConstantTimeCompare(pair[:], supplied[:])
	}
	if matched != 1 {
		return &ValidationError{ESPName: espName, Reason: "bad basic auth credentials", StatusCode: 401}
	}
	return nil
}
