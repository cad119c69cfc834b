// Package router implements fan-out of accepted frames to every other
// member of a room.
//
// The hub always broadcasts to a room's other members rather than
// routing to a single addressee: targetId is advisory only, since
// payloads are already encrypted end to end and the hub has no more
// precise way to address a specific peer than "everyone else".
package router

import (
	"github.com/nullbridge/signalhub/backend/registry"
	"github.com/rs/zerolog"
)

// Counters is the subset of metrics the router increments. Kept as an
// interface so router tests do not need the concrete metrics package.
type Counters interface {
	IncFramesRelayed()
	IncSlowConsumer()
}

// Router fans an accepted frame out to every other member of the
// sender's room, never blocking on a slow peer.
type Router struct {
	reg     *registry.Registry
	logger  zerolog.Logger
	metrics Counters
}

// New builds a Router bound to reg. metrics may be nil in tests.
func New(reg *registry.Registry, logger zerolog.Logger, metrics Counters) *Router {
	return &Router{
		reg:     reg,
		logger:  logger.With().Str("component", "router").Logger(),
		metrics: metrics,
	}
}

// Fanout delivers frame, received from sender in room code, to every
// other current member of that room. It touches the room's activity
// timestamp first, then snapshots membership so no room lock is held
// while writing to outbound queues.
//
// A member whose Outbox is full is treated as a slow consumer: its
// connection is closed rather than blocking the sender or silently
// dropping the frame for well-behaved peers.
func (rt *Router) Fanout(code, sender string, frame []byte) {
	rt.reg.TouchedNow(code)

	members := rt.reg.MembersOf(code)
	for _, m := range members {
		if m.ClientID == sender {
			continue
		}
		select {
		case m.Outbox <- frame:
			if rt.metrics != nil {
				rt.metrics.IncFramesRelayed()
			}
		default:
			rt.logger.Warn().
				Str("room", code).
				Str("clientId", m.ClientID).
				Msg("slow consumer, closing connection")
			if rt.metrics != nil {
				rt.metrics.IncSlowConsumer()
			}
			// The outbox is already full; there is no room left to
			// queue an explanatory error envelope. The connection
			// handler's close path is responsible for the wire-level
			// close.
			m.CloseWithReason(registry.ReasonSlowConsumer)
		}
	}
}
