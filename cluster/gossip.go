package cluster

import (
	"context"

	"github.com/InsulaLabs/ringfs/ipc"
	"github.com/InsulaLabs/ringfs/wire"
)

// receiveGossip applies a mutation that arrived on from and passes it on
// around the ring. Copies this node already applied are dropped.
func (n *Node) receiveGossip(ctx context.Context, from *link, env wire.Envelope) {
	if env.Trail.Contains(n.self.Address) || n.seen(env.ID) {
		n.stale.Add(1)
		n.logger.Debug("stale gossip discarded", "kind", env.Kind(), "id", env.ID, "from", from.address())
		return
	}

	var nodesChanged bool
	err := n.store.Exclusive(func() error {
		var err error
		nodesChanged, err = n.applier.Apply(env.Body)
		return err
	})
	if err != nil {
		n.logger.Error("applying gossip failed", "kind", env.Kind(), "id", env.ID, "from", from.address(), "error", err)
	}
	if nodesChanged {
		n.reelect()
	}

	n.forward(ctx, env)
}

// seen records id and reports whether it was already recorded.
func (n *Node) seen(id string) bool {
	if id == "" {
		return false
	}
	_, found := n.applied.GetOrSet(id, struct{}{})
	return found
}

// forward relays env to every neighbor that is not already on its trail.
func (n *Node) forward(ctx context.Context, env wire.Envelope) {
	relayed := env.Relay(n.self.Address)
	for _, l := range n.ring.neighbors() {
		if env.Trail.Contains(l.address()) {
			continue
		}
		if err := l.conn.Send(ctx, relayed); err != nil {
			n.logger.Warn("relaying gossip failed", "kind", env.Kind(), "peer", l.address(), "error", err)
		}
	}
}

// flood sends a mutation this node originated to all of its neighbors.
func (n *Node) flood(ctx context.Context, env wire.Envelope) {
	n.seen(env.ID)
	for _, l := range n.ring.neighbors() {
		if err := l.conn.Send(ctx, env); err != nil {
			n.logger.Warn("gossip send failed", "kind", env.Kind(), "peer", l.address(), "error", err)
		}
	}
}

// drain moves locally applied mutations from the pipe onto the ring. It
// holds back while the cluster is blocked for a snapshot transfer.
func (n *Node) drain(ctx context.Context) {
	for {
		if err := n.gate.Wait(ctx); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case msg := <-n.pipe.MembershipInbox():
			m, ok := msg.(ipc.Mutation)
			if !ok {
				n.logger.Warn("unexpected message for membership side", "message", msg)
				continue
			}
			// the gate may have closed while we waited on the inbox
			for n.gate.Blocked() {
				if err := n.gate.Wait(ctx); err != nil {
					return
				}
			}
			n.flood(ctx, m.Envelope)
		}
	}
}

// originate applies body locally and queues it for gossip.
func (n *Node) originate(ctx context.Context, body wire.Payload) error {
	var nodesChanged bool
	err := n.store.Exclusive(func() error {
		var err error
		nodesChanged, err = n.applier.Apply(body)
		return err
	})
	if err != nil {
		return err
	}
	if nodesChanged {
		n.reelect()
	}
	return n.pipe.Submit(ctx, ipc.Mutation{Envelope: wire.Originate(n.self.Address, body)})
}
