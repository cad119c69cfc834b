// Package auth holds the token verification contract the hub depends on
// plus two implementations: a production RS256 verifier that mirrors the
// reference auth server's public-key fetch flow, and a static verifier
// for local/dev runs and tests.
//
// The hub never implements token issuance or revocation; it only
// consumes the verdict of whichever Verifier it is configured with.
package auth

import (
	"context"
	"errors"
)

// ErrInvalidToken is returned by a Verifier when a token is missing,
// malformed, expired, or otherwise fails verification. Callers should
// treat any non-nil error as auth_failed and must not inspect its type
// beyond errors.Is checks against sentinels this package exports.
var ErrInvalidToken = errors.New("invalid or expired token")

// Verifier authenticates a bearer token, returning the subject it
// authenticates or an error. Implementations are expected to be
// non-blocking or bounded-latency.
type Verifier interface {
	Verify(ctx context.Context, token string) (subject string, err error)
}
