package cluster

import (
	"sync/atomic"
	"testing"

	"github.com/InsulaLabs/ringfs/transport"
	"github.com/InsulaLabs/ringfs/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trackedConn struct {
	fakeConn
	closed atomic.Bool
}

func (c *trackedConn) Close() error {
	c.closed.Store(true)
	return nil
}

func TestHandOffAfterWaiterGaveUp(t *testing.T) {
	net := transport.NewMemNetwork()
	n := startTestNode(t, net, "10.0.0.1", 1)
	key := waitKey{wire.KindRespondToIntroduction, "10.0.0.7"}

	incoming, stop := n.expect(key)
	w := n.takeWaiter(key.kind, key.address)
	require.NotNil(t, w)
	stop()

	late := &trackedConn{fakeConn: fakeConn{"10.0.0.7"}}
	assert.False(t, n.handOff(w, late))
	assert.True(t, late.closed.Load())
	assert.Zero(t, len(incoming))

	incoming, stop = n.expect(key)
	defer stop()
	w = n.takeWaiter(key.kind, key.address)
	require.NotNil(t, w)

	conn := &trackedConn{fakeConn: fakeConn{"10.0.0.7"}}
	require.True(t, n.handOff(w, conn))
	assert.Equal(t, transport.Conn(conn), <-incoming)
	assert.False(t, conn.closed.Load())
}
