package router_test

import (
	"testing"

	"github.com/nullbridge/signalhub/backend/registry"
	"github.com/nullbridge/signalhub/backend/router"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanout_ExcludesSender(t *testing.T) {
	reg := registry.New(registry.Config{})
	a, err := reg.Admit("abc", "A", "sub", 8, func() {})
	require.NoError(t, err)
	b, err := reg.Admit("abc", "B", "sub", 8, func() {})
	require.NoError(t, err)
	c, err := reg.Admit("abc", "C", "sub", 8, func() {})
	require.NoError(t, err)

	rt := router.New(reg, zerolog.Nop(), nil)
	rt.Fanout("abc", "A", []byte("X"))

	assert.Equal(t, []byte("X"), <-b.Outbox)
	assert.Equal(t, []byte("X"), <-c.Outbox)
	select {
	case <-a.Outbox:
		t.Fatal("sender must not receive its own frame")
	default:
	}
}

func TestFanout_SlowConsumerClosed(t *testing.T) {
	reg := registry.New(registry.Config{})
	a, err := reg.Admit("abc", "A", "sub", 8, func() {})
	require.NoError(t, err)
	closed := make(chan struct{})
	b, err := reg.Admit("abc", "B", "sub", 1, func() { close(closed) })
	require.NoError(t, err)

	rt := router.New(reg, zerolog.Nop(), nil)
	// Fill B's single-slot outbox first.
	b.Outbox <- []byte("prefill")

	rt.Fanout("abc", "A", []byte("X"))

	select {
	case <-closed:
	default:
		t.Fatal("slow consumer should have been closed")
	}
	assert.Equal(t, registry.ReasonSlowConsumer, b.Reason())
	_ = a
}
