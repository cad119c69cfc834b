package ratelimit_test

import (
	"testing"
	"time"

	"github.com/nullbridge/signalhub/backend/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_AdmitsUpToN(t *testing.T) {
	l := ratelimit.New(10, time.Second)
	base := time.Now()

	for i := 0; i < 10; i++ {
		require.True(t, l.TryAdmit(base.Add(time.Duration(i)*time.Millisecond)), "frame %d should admit", i)
	}
	assert.False(t, l.TryAdmit(base.Add(11*time.Millisecond)), "11th frame within window must be denied")
}

func TestLimiter_RecoversAfterWindow(t *testing.T) {
	l := ratelimit.New(2, time.Second)
	base := time.Now()

	require.True(t, l.TryAdmit(base))
	require.True(t, l.TryAdmit(base.Add(10*time.Millisecond)))
	require.False(t, l.TryAdmit(base.Add(20*time.Millisecond)))

	// Just at the boundary the oldest entry is not yet stale.
	assert.False(t, l.TryAdmit(base.Add(time.Second)))
	// Past the window the oldest slot frees up.
	assert.True(t, l.TryAdmit(base.Add(time.Second+time.Millisecond)))
}

func TestLimiter_SingleSlot(t *testing.T) {
	l := ratelimit.New(1, 100*time.Millisecond)
	base := time.Now()

	require.True(t, l.TryAdmit(base))
	require.False(t, l.TryAdmit(base.Add(50*time.Millisecond)))
	require.True(t, l.TryAdmit(base.Add(101*time.Millisecond)))
}
