package auth

import "context"

// StaticVerifier is a non-network Verifier for local/dev runs and
// tests. With an empty Secrets map it accepts any non-empty token and
// treats the token itself as the subject; with a populated map it only
// accepts tokens present as keys, returning the mapped subject.
//
// Dependency-injected behind the same Verifier interface as JWTVerifier,
// so Server wiring is identical whichever one is plugged in.
type StaticVerifier struct {
	Secrets map[string]string
}

// Verify implements Verifier.
func (v *StaticVerifier) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	if len(v.Secrets) == 0 {
		return token, nil
	}
	subject, ok := v.Secrets[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return subject, nil
}
