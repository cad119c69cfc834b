package registry_test

import (
	"testing"
	"time"

	"github.com/nullbridge/signalhub/backend/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmit_CapacityEnforced(t *testing.T) {
	r := registry.New(registry.Config{Capacity: 4})

	for _, id := range []string{"A", "B", "C", "D"} {
		_, err := r.Admit("abc", id, "sub-"+id, 0, nil)
		require.NoError(t, err)
	}

	_, err := r.Admit("abc", "E", "sub-E", 0, nil)
	assert.ErrorIs(t, err, registry.ErrRoomFull)
}

func TestAdmit_DuplicateClientID(t *testing.T) {
	r := registry.New(registry.Config{})
	_, err := r.Admit("abc", "A", "sub", 0, nil)
	require.NoError(t, err)

	_, err = r.Admit("abc", "A", "sub", 0, nil)
	assert.ErrorIs(t, err, registry.ErrDuplicateID)
}

func TestAdmitRemoveAdmit_NoResidualState(t *testing.T) {
	r := registry.New(registry.Config{})
	_, err := r.Admit("abc", "A", "sub", 0, nil)
	require.NoError(t, err)

	r.Remove("abc", "A")
	// Idempotent: second remove is a no-op.
	r.Remove("abc", "A")

	_, err = r.Admit("abc", "A", "sub", 0, nil)
	assert.NoError(t, err)
}

func TestMembersOf_InsertionOrder(t *testing.T) {
	r := registry.New(registry.Config{})
	for _, id := range []string{"A", "B", "C"} {
		_, err := r.Admit("abc", id, "sub", 0, nil)
		require.NoError(t, err)
	}

	members := r.MembersOf("abc")
	require.Len(t, members, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{members[0].ClientID, members[1].ClientID, members[2].ClientID})
}

func TestSweepIdle_BoundaryInclusive(t *testing.T) {
	r := registry.New(registry.Config{})
	_, err := r.Admit("xyz", "A", "sub", 0, nil)
	require.NoError(t, err)

	ttl := 2 * time.Hour
	lastActivity := r.TouchedNow("xyz")

	// Exactly at the boundary: lastActivity == sweepTime - ttl -> eligible.
	victims := r.SweepIdle(lastActivity.Add(ttl), ttl)
	require.Contains(t, victims, "xyz")

	rooms, members := r.Stats()
	assert.Equal(t, 0, rooms)
	assert.Equal(t, 0, members)
}

func TestSweepIdle_NotYetIdle(t *testing.T) {
	r := registry.New(registry.Config{})
	_, err := r.Admit("xyz", "A", "sub", 0, nil)
	require.NoError(t, err)

	victims := r.SweepIdle(time.Now(), 2*time.Hour)
	assert.Empty(t, victims)
}

func TestClose_Idempotent(t *testing.T) {
	calls := 0
	r := registry.New(registry.Config{})
	m, err := r.Admit("abc", "A", "sub", 0, func() { calls++ })
	require.NoError(t, err)

	m.Close()
	m.Close()
	assert.Equal(t, 1, calls)
}

func TestCloseWithReason_FirstCallWins(t *testing.T) {
	r := registry.New(registry.Config{})
	m, err := r.Admit("abc", "A", "sub", 0, func() {})
	require.NoError(t, err)

	m.CloseWithReason(registry.ReasonSlowConsumer)
	m.CloseWithReason(registry.ReasonIdleExpired)

	assert.Equal(t, registry.ReasonSlowConsumer, m.Reason())
}

func TestReason_DefaultsToNone(t *testing.T) {
	r := registry.New(registry.Config{})
	m, err := r.Admit("abc", "A", "sub", 0, func() {})
	require.NoError(t, err)

	m.Close()
	assert.Equal(t, registry.ReasonNone, m.Reason())
}
