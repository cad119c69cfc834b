// Package sweeper implements a background task that periodically closes
// rooms whose lastActivity has fallen behind a configured TTL.
//
// It follows the same Run lifecycle shape as the ws and admin servers,
// minus their error channel: one goroutine, cooperative cancellation via
// context, signature Run(ctx, wg). A
// sweep never fails outright — at worst it finds nothing idle — so
// faults from an individual room close are only logged and the sweeper
// keeps running.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/nullbridge/signalhub/backend/registry"
	"github.com/rs/zerolog"
)

const (
	// DefaultPeriod is the recommended sweep interval.
	DefaultPeriod = time.Minute
	// DefaultTTL is the recommended idle-room TTL.
	DefaultTTL = 2 * time.Hour
)

// Counters is the subset of metrics the sweeper increments.
type Counters interface {
	IncSweeps()
}

// Sweeper periodically evicts idle rooms from a Registry.
type Sweeper struct {
	reg     *registry.Registry
	period  time.Duration
	ttl     time.Duration
	logger  zerolog.Logger
	metrics Counters
}

// Config configures a Sweeper. Zero values fall back to DefaultPeriod
// and DefaultTTL.
type Config struct {
	Period  time.Duration
	TTL     time.Duration
	Logger  zerolog.Logger
	Metrics Counters
}

// New builds a Sweeper bound to reg.
func New(reg *registry.Registry, cfg Config) *Sweeper {
	period := cfg.Period
	if period <= 0 {
		period = DefaultPeriod
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Sweeper{
		reg:     reg,
		period:  period,
		ttl:     ttl,
		logger:  cfg.Logger.With().Str("component", "sweeper").Logger(),
		metrics: cfg.Metrics,
	}
}

// Run drives the sweep loop until ctx is cancelled. wg.Done is called on
// return, so the sweeper composes with the WS and admin servers under
// one root context and one WaitGroup in the server shell.
func (s *Sweeper) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer func() {
		s.logger.Debug().Msg("sweeper stopped")
		wg.Done()
	}()

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	s.logger.Info().Dur("period", s.period).Dur("ttl", s.ttl).Msg("sweeper started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(time.Now())
		}
	}
}

func (s *Sweeper) sweepOnce(now time.Time) {
	victims := s.reg.SweepIdle(now, s.ttl)
	if len(victims) == 0 {
		return
	}

	for code, members := range victims {
		for _, m := range members {
			m.CloseWithReason(registry.ReasonIdleExpired)
		}
		s.logger.Info().Str("room", code).Int("members", len(members)).Msg("room swept for inactivity")
		if s.metrics != nil {
			s.metrics.IncSweeps()
		}
	}
}
