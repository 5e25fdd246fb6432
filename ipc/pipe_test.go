package ipc

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/InsulaLabs/ringfs/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyClientNeverBlocks(t *testing.T) {
	p := NewPipe(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), Size: 2})

	assert.True(t, p.NotifyClient(StartClientService{}))
	assert.True(t, p.NotifyClient(CoordinatorStatus{IsCoordinator: true, Coordinator: "a"}))
	assert.False(t, p.NotifyClient(DeleteChunkFile{Path: "/x"}))
	assert.EqualValues(t, 1, p.Dropped())

	assert.Equal(t, StartClientService{}, <-p.ClientInbox())
	assert.Equal(t, CoordinatorStatus{IsCoordinator: true, Coordinator: "a"}, <-p.ClientInbox())
}

func TestSubmitWaitsForRoom(t *testing.T) {
	p := NewPipe(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), Size: 1})
	env := wire.Originate("a", wire.NodeRemoved{Address: "b"})

	require.NoError(t, p.Submit(context.Background(), Mutation{Envelope: env}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Submit(ctx, Mutation{Envelope: env}), context.DeadlineExceeded)

	got := <-p.MembershipInbox()
	assert.Equal(t, env.ID, got.(Mutation).Envelope.ID)
}
