// Package service orchestrates the token verifier, room registry, and
// router behind the small interface the connection handler consumes.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nullbridge/signalhub/backend/auth"
	"github.com/nullbridge/signalhub/backend/model"
	"github.com/nullbridge/signalhub/backend/ratelimit"
	"github.com/nullbridge/signalhub/backend/registry"
	"github.com/nullbridge/signalhub/backend/router"
	"github.com/rs/zerolog"
)

// ErrAuthFailed wraps a Verifier rejection.
var ErrAuthFailed = errors.New("token verification failed")

// Config wires a Service's collaborators as plain interfaces/structs,
// injected rather than constructed internally.
type Config struct {
	Verifier auth.Verifier
	Registry *registry.Registry
	Router   *router.Router
	Logger   zerolog.Logger

	// RateLimitN and RateLimitW parameterize the per-connection sliding
	// window (defaults: N=10, W=1s).
	RateLimitN int
	RateLimitW time.Duration

	// OutboxSize bounds each admitted member's outbound queue.
	OutboxSize int
}

// Service is the orchestration layer the connection handler (server/ws)
// depends on.
type Service struct {
	verifier   auth.Verifier
	reg        *registry.Registry
	router     *router.Router
	logger     zerolog.Logger
	rateN      int
	rateW      time.Duration
	outboxSize int
}

// New builds a Service from cfg.
func New(cfg Config) *Service {
	n := cfg.RateLimitN
	if n <= 0 {
		n = 10
	}
	w := cfg.RateLimitW
	if w <= 0 {
		w = time.Second
	}
	outbox := cfg.OutboxSize
	if outbox <= 0 {
		outbox = registry.DefaultOutboxSize
	}
	return &Service{
		verifier:   cfg.Verifier,
		reg:        cfg.Registry,
		router:     cfg.Router,
		logger:     cfg.Logger.With().Str("component", "service").Logger(),
		rateN:      n,
		rateW:      w,
		outboxSize: outbox,
	}
}

// VerifyToken delegates to the configured Token Verifier.
func (s *Service) VerifyToken(ctx context.Context, token string) (string, error) {
	subject, err := s.verifier.Verify(ctx, token)
	if err != nil {
		return "", errors.Join(ErrAuthFailed, err)
	}
	return subject, nil
}

// NewLimiter constructs a fresh, connection-owned rate limiter using the
// service's configured N/W. The returned Limiter must only ever be
// touched by the connection's own read loop.
func (s *Service) NewLimiter() *ratelimit.Limiter {
	return ratelimit.New(s.rateN, s.rateW)
}

// Admit atomically joins clientID to room code (creating the room if
// absent) and, on success, announces peer_joined to the room's
// pre-existing members before returning — so no relay frame from the
// new member can be observed before its own join announcement.
func (s *Service) Admit(code, clientID, subject string, closeFn func()) (*registry.Member, error) {
	m, err := s.reg.Admit(code, clientID, subject, s.outboxSize, closeFn)
	if err != nil {
		return nil, err
	}

	frame, marshalErr := json.Marshal(model.NewPeerJoined(clientID))
	if marshalErr != nil {
		s.logger.Error().Err(marshalErr).Msg("failed to marshal peer_joined envelope")
		return m, nil
	}
	s.router.Fanout(code, clientID, frame)
	s.logger.Info().Str("room", code).Str("clientId", clientID).Msg("member admitted")
	return m, nil
}

// Remove detaches clientID from room code and announces peer_left to
// whichever members remain. peer_left is only emitted after the
// member's read loop has already terminated: the caller (the connection
// handler) only calls Remove once both of its activities have exited.
func (s *Service) Remove(code, clientID string) {
	s.reg.Remove(code, clientID)

	frame, err := json.Marshal(model.NewPeerLeft(clientID))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal peer_left envelope")
		return
	}
	// clientID has already left the registry snapshot; passing it as
	// sender is harmless (there is nothing left to exclude) and keeps
	// this call symmetric with Admit's use of Fanout.
	s.router.Fanout(code, clientID, frame)
	s.logger.Info().Str("room", code).Str("clientId", clientID).Msg("member removed")
}

// Relay forwards an opaque peer frame from clientID to the rest of
// code's members, verbatim, without parsing its payload.
func (s *Service) Relay(code, clientID string, frame []byte) {
	s.router.Fanout(code, clientID, frame)
}

// Stats exposes registry-wide counts for the admin endpoint.
func (s *Service) Stats() (rooms, members int) {
	return s.reg.Stats()
}
