// Package metrics holds the process-wide, in-memory counters exposed by
// the admin/health endpoint. Counters are purely observational and never
// influence routing decisions.
package metrics

import "sync/atomic"

// Counters aggregates the operational events the server shell logs:
// connection lifecycle, rejections, and sweeps.
type Counters struct {
	framesRelayed atomic.Int64
	rateLimited   atomic.Int64
	roomsFull     atomic.Int64
	authFailed    atomic.Int64
	slowConsumer  atomic.Int64
	sweeps        atomic.Int64
}

// New returns a zeroed Counters.
func New() *Counters { return &Counters{} }

func (c *Counters) IncFramesRelayed() { c.framesRelayed.Add(1) }
func (c *Counters) IncRateLimited()   { c.rateLimited.Add(1) }
func (c *Counters) IncRoomsFull()     { c.roomsFull.Add(1) }
func (c *Counters) IncAuthFailed()    { c.authFailed.Add(1) }
func (c *Counters) IncSlowConsumer()  { c.slowConsumer.Add(1) }
func (c *Counters) IncSweeps()        { c.sweeps.Add(1) }

// Snapshot is the JSON-serializable point-in-time value of all
// counters, returned by the admin endpoint's /stats route.
type Snapshot struct {
	FramesRelayed int64 `json:"framesRelayed"`
	RateLimited   int64 `json:"rateLimited"`
	RoomsFull     int64 `json:"roomsFull"`
	AuthFailed    int64 `json:"authFailed"`
	SlowConsumer  int64 `json:"slowConsumer"`
	Sweeps        int64 `json:"sweeps"`
}

// Snapshot reads all counters atomically-per-field (not a consistent
// multi-field snapshot, which is acceptable for operational counters).
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		FramesRelayed: c.framesRelayed.Load(),
		RateLimited:   c.rateLimited.Load(),
		RoomsFull:     c.roomsFull.Load(),
		AuthFailed:    c.authFailed.Load(),
		SlowConsumer:  c.slowConsumer.Load(),
		Sweeps:        c.sweeps.Load(),
	}
}
