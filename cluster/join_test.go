package cluster

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/InsulaLabs/ringfs/transport"
	"github.com/InsulaLabs/ringfs/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func accountEverywhere(nodes []*testNode, username string) func() bool {
	return func() bool {
		for _, n := range nodes {
			if _, err := n.store.GetAccount(username); err != nil {
				return false
			}
		}
		return true
	}
}

// quiesce waits until every join has lifted its block.
func quiesce(t *testing.T, net *transport.MemNetwork, nodes []*testNode) {
	t.Helper()
	require.Eventually(t, func() bool {
		if net.Broadcasts(wire.KindBlockQueueing) != net.Broadcasts(wire.KindUnblockQueueing) {
			return false
		}
		for _, n := range nodes {
			if n.gate.Blocked() {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
}

func TestBlockHoldsOutboundGossip(t *testing.T) {
	net := transport.NewMemNetwork()
	nodes := startRing(t, net, 2)
	a, b := nodes[0], nodes[1]
	ctx := context.Background()
	quiesce(t, net, nodes)

	// a joiner copying its snapshot
	joiner := net.Discovery("10.0.0.9")
	require.NoError(t, joiner.Broadcast(ctx, wire.New(wire.BlockQueueing{})))
	require.Eventually(t, func() bool {
		return a.gate.Blocked() && b.gate.Blocked()
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, a.originate(ctx, wire.AccountCreated{Username: "alice", Secret: "s3cret", RootDirID: 1}))
	time.Sleep(150 * time.Millisecond)
	_, err := b.store.GetAccount("alice")
	assert.Error(t, err, "gossip crossed a closed gate")
	assert.Zero(t, net.Deliveries(b.Address(), wire.KindAccountCreated))

	require.NoError(t, joiner.Broadcast(ctx, wire.New(wire.UnblockQueueing{})))
	require.Eventually(t, accountEverywhere(nodes, "alice"), 5*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, net.Deliveries(b.Address(), wire.KindAccountCreated))
	assert.False(t, a.gate.Blocked())
}

func TestBlockExpiresWithoutUnblock(t *testing.T) {
	net := transport.NewMemNetwork()
	nodes := startRing(t, net, 2, func(cfg *Config) {
		cfg.Join.BlockTimeout = 300 * time.Millisecond
	})
	a, b := nodes[0], nodes[1]
	ctx := context.Background()
	quiesce(t, net, nodes)

	// the joiner dies before it can lift the block
	joiner := net.Discovery("10.0.0.9")
	require.NoError(t, joiner.Broadcast(ctx, wire.New(wire.BlockQueueing{})))
	require.Eventually(t, a.gate.Blocked, time.Second, 10*time.Millisecond)

	require.NoError(t, a.originate(ctx, wire.AccountCreated{Username: "alice", Secret: "s3cret", RootDirID: 1}))
	require.Eventually(t, accountEverywhere(nodes, "alice"), 5*time.Second, 20*time.Millisecond)
	assert.False(t, a.gate.Blocked())
	assert.False(t, b.gate.Blocked())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, net.Deliveries(b.Address(), wire.KindAccountCreated))
}

func TestMutationsDuringJoinConverge(t *testing.T) {
	net := transport.NewMemNetwork()
	nodes := startRing(t, net, 2)
	origin := nodes[0]
	const count = 20

	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		for i := 1; i <= count; i++ {
			body := wire.AccountCreated{Username: fmt.Sprintf("user%d", i), Secret: "s3cret", RootDirID: int64(i)}
			if err := origin.originate(context.Background(), body); err != nil {
				errs <- err
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	nodes = append(nodes, startTestNode(t, net, "10.0.0.3", 12))
	waitForRing(t, nodes)
	require.NoError(t, <-errs)

	for i := 1; i <= count; i++ {
		require.Eventually(t, accountEverywhere(nodes, fmt.Sprintf("user%d", i)), 5*time.Second, 20*time.Millisecond)
	}
	assert.Positive(t, net.Broadcasts(wire.KindBlockQueueing))
	quiesce(t, net, nodes)
	for _, n := range nodes {
		assert.LessOrEqual(t, net.Deliveries(n.Address(), wire.KindAccountCreated), MaxNeighbors*count)
	}
}
