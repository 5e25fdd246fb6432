package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate(t *testing.T) {
	g := NewGate()
	require.False(t, g.Blocked())
	require.NoError(t, g.Wait(context.Background()))

	g.Block(time.Minute)
	require.True(t, g.Blocked())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)

	released := make(chan error, 1)
	go func() { released <- g.Wait(context.Background()) }()
	g.Unblock()
	select {
	case err := <-released:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by unblock")
	}
	g.Unblock()
	assert.False(t, g.Blocked())
}

func TestGateExpires(t *testing.T) {
	g := NewGate()
	g.Block(30 * time.Millisecond)
	g.Block(30 * time.Millisecond)
	require.True(t, g.Blocked())
	assert.Eventually(t, func() bool { return !g.Blocked() }, time.Second, 5*time.Millisecond)
}
