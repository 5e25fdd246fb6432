package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/InsulaLabs/ringfs/transport"
	"github.com/InsulaLabs/ringfs/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloodAcrossLargerRing(t *testing.T) {
	net := transport.NewMemNetwork()
	nodes := startRing(t, net, 6)
	// let the join announcements finish travelling
	time.Sleep(200 * time.Millisecond)

	staleBefore := make(map[string]int64)
	for _, n := range nodes {
		staleBefore[n.Address()] = n.StaleCount()
	}

	origin := nodes[2]
	require.NoError(t, origin.originate(context.Background(), wire.AccountCreated{Username: "carol", Secret: "s3cret", RootDirID: 1}))

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if _, err := n.store.GetAccount("carol"); err != nil {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	total := 0
	for _, n := range nodes {
		got := net.Deliveries(n.Address(), wire.KindAccountCreated)
		total += got
		if n == origin {
			assert.Zero(t, got, "flood came back to its origin")
			continue
		}
		assert.GreaterOrEqual(t, got, 1, "node %s", n.Address())
		assert.LessOrEqual(t, got, MaxNeighbors, "node %s got more copies than it has neighbors", n.Address())
		stale := int(n.StaleCount() - staleBefore[n.Address()])
		assert.Equal(t, 1, got-stale, "node %s applied the message %d times", n.Address(), got-stale)
	}
	assert.LessOrEqual(t, total, MaxNeighbors*(len(nodes)-1))
}
