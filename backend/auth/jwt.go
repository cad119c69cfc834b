package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

const (
	defaultCacheTTL     = 60 * time.Second
	defaultFetchTimeout = 5 * time.Second
)

// publicKeyResponse is the shape the reference auth server's
// GET /public_key endpoint returns (original_source/auth_server.py).
type publicKeyResponse struct {
	PublicKey string `json:"public_key"`
}

// JWTVerifierConfig configures a JWTVerifier.
type JWTVerifierConfig struct {
	// PublicKeyURL is fetched to obtain the RS256 public key used to
	// verify tokens, e.g. "http://127.0.0.1:8081/public_key".
	PublicKeyURL string
	// CacheTTL bounds how long a fetched key is trusted before a
	// routine refetch. Defaults to 60s, matching the reference server.
	CacheTTL time.Duration
	// HTTPClient is used to fetch the public key. Defaults to a client
	// with a 5s timeout when nil.
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// JWTVerifier validates RS256-signed bearer tokens against a public key
// fetched from an external auth server, generalizing
// original_source/server.py's fetch_public_key/verify_jwt: the key is
// cached for CacheTTL, and on a validation failure other than expiry the
// key is force-refreshed once and the token retried, in case the auth
// server rotated its keypair since the last fetch. Expired tokens are
// rejected without a refresh.
type JWTVerifier struct {
	url        string
	cacheTTL   time.Duration
	httpClient *http.Client
	logger     zerolog.Logger

	mu        sync.Mutex
	key       *rsa.PublicKey
	fetchedAt time.Time
}

// NewJWTVerifier builds a JWTVerifier from cfg.
func NewJWTVerifier(cfg JWTVerifierConfig) *JWTVerifier {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &JWTVerifier{
		url:        cfg.PublicKeyURL,
		cacheTTL:   ttl,
		httpClient: client,
		logger:     cfg.Logger.With().Str("component", "auth").Logger(),
	}
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	key, err := v.publicKey(ctx, false)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	sub, verifyErr := verifyWithKey(token, key)
	if verifyErr == nil {
		return sub, nil
	}
	if errors.Is(verifyErr, jwt.ErrTokenExpired) {
		v.logger.Warn().Msg("jwt expired")
		return "", ErrInvalidToken
	}

	// The key may have rotated since our last fetch; refresh once and
	// retry, mirroring the reference implementation's fallback.
	v.logger.Warn().Err(verifyErr).Msg("jwt invalid, refreshing public key and retrying once")
	refreshed, refreshErr := v.publicKey(ctx, true)
	if refreshErr != nil {
		return "", ErrInvalidToken
	}
	sub, retryErr := verifyWithKey(token, refreshed)
	if retryErr != nil {
		return "", ErrInvalidToken
	}
	return sub, nil
}

func verifyWithKey(token string, key *rsa.PublicKey) (string, error) {
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

func (v *JWTVerifier) publicKey(ctx context.Context, forceRefresh bool) (*rsa.PublicKey, error) {
	v.mu.Lock()
	if !forceRefresh && v.key != nil && time.Since(v.fetchedAt) < v.cacheTTL {
		key := v.key
		v.mu.Unlock()
		return key, nil
	}
	v.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("public key endpoint returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var parsed publicKeyResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(parsed.PublicKey))
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.key = key
	v.fetchedAt = time.Now()
	v.mu.Unlock()
	return key, nil
}
