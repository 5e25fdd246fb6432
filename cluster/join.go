package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/InsulaLabs/ringfs/db/models"
	"github.com/InsulaLabs/ringfs/ipc"
	"github.com/InsulaLabs/ringfs/transport"
	"github.com/InsulaLabs/ringfs/wire"
)

var (
	ErrRejected      = errors.New("peer rejected the connection")
	ErrJoinAbandoned = errors.New("join handshake abandoned")
)

// confirmWindow is how long a host waits for the joiner's confirmation,
// measured in accept timeouts. The joiner may first wait for a sibling.
const confirmWindow = 3

// join announces this node on the subnet and joins whichever ring member
// answers first. With no answer the node starts a ring of its own.
func (n *Node) join(ctx context.Context) error {
	hosts, stopHosts := n.expect(waitKey{wire.KindRespondToBroadcast, anyAddress})
	defer stopHosts()
	// the sibling dials us as soon as the host introduces us, possibly
	// before we have read the introduction
	siblings, stopSiblings := n.expect(waitKey{wire.KindRespondToIntroduction, anyAddress})
	defer stopSiblings()

	var host transport.Conn
	for attempt := 1; attempt <= n.joinCfg.Attempts && host == nil; attempt++ {
		n.logger.Info("announcing join", "attempt", attempt)
		n.broadcast(ctx, wire.JoinAnnounce{Address: n.self.Address})

		timer := time.NewTimer(n.joinCfg.AcceptTimeout)
		select {
		case host = <-hosts:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
	}

	if host == nil {
		return n.bootstrap()
	}
	return n.joinVia(ctx, host, siblings)
}

// bootstrap makes this node the only member of a new ring.
func (n *Node) bootstrap() error {
	n.logger.Info("no ring answered, starting a new cluster")
	if err := n.registerNode(n.self); err != nil {
		return err
	}
	n.joined.Store(true)
	n.pipe.NotifyClient(ipc.StartClientService{})
	return nil
}

func (n *Node) confirmation() wire.ConfirmHandshake {
	return wire.ConfirmHandshake{
		AvailableBytes: n.self.AvailableBytes,
		Rack:           n.self.Rack,
		Priority:       n.self.Priority,
	}
}

// joinVia finishes the joiner's side of the handshake with host and then
// copies the cluster metadata from its first neighbor.
func (n *Node) joinVia(ctx context.Context, host transport.Conn, siblings <-chan transport.Conn) error {
	logger := n.logger.With("host", host.RemoteAddress())

	intro, err := n.receiveWithin(ctx, host, n.joinCfg.AcceptTimeout)
	if err != nil {
		host.Close()
		return fmt.Errorf("waiting for introduction: %w", err)
	}
	peer, ok := intro.Body.(wire.IntroducePeer)
	if !ok {
		host.Close()
		return fmt.Errorf("%w: expected introduce-peer, got %s", wire.ErrMalformed, intro.Kind())
	}

	links := []*link{newLink(host)}
	if peer.Address != "" {
		sibling, err := n.awaitSibling(ctx, siblings, peer.Address)
		if err != nil {
			host.Close()
			return err
		}
		if err := sibling.Send(ctx, wire.New(n.confirmation())); err != nil {
			sibling.Close()
			host.Close()
			return fmt.Errorf("confirming sibling %s: %w", peer.Address, err)
		}
		links = append(links, newLink(sibling))
	}
	if err := host.Send(ctx, wire.New(n.confirmation())); err != nil {
		for _, l := range links {
			l.conn.Close()
		}
		return fmt.Errorf("confirming host: %w", err)
	}

	for _, l := range links {
		if err := n.ring.add(l); err != nil {
			l.conn.Close()
			continue
		}
		n.attach(l)
	}
	logger.Info("linked into ring", "neighbors", n.ring.addresses())

	return n.syncSnapshot(ctx)
}

func (n *Node) awaitSibling(ctx context.Context, siblings <-chan transport.Conn, address string) (transport.Conn, error) {
	timer := time.NewTimer(n.joinCfg.AcceptTimeout)
	defer timer.Stop()
	for {
		select {
		case conn := <-siblings:
			if conn.RemoteAddress() == address {
				return conn, nil
			}
			n.logger.Warn("unexpected peer instead of introduced sibling", "peer", conn.RemoteAddress(), "sibling", address)
			conn.Close()
			var stop func()
			siblings, stop = n.expect(waitKey{wire.KindRespondToIntroduction, address})
			defer stop()
		case <-timer.C:
			return nil, fmt.Errorf("%w: sibling %s never connected", ErrJoinAbandoned, address)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// syncSnapshot pauses gossip across the cluster, replaces the local store
// with a neighbor's snapshot and announces this node.
func (n *Node) syncSnapshot(ctx context.Context) error {
	neighbors := n.ring.neighbors()
	if len(neighbors) == 0 {
		return fmt.Errorf("%w: no neighbor left to copy from", ErrJoinAbandoned)
	}
	source := neighbors[0]

	n.broadcast(ctx, wire.BlockQueueing{})
	defer n.broadcast(ctx, wire.UnblockQueueing{})

	if err := source.conn.Send(ctx, wire.New(wire.RequestSnapshot{})); err != nil {
		return fmt.Errorf("requesting snapshot from %s: %w", source.address(), err)
	}

	timer := time.NewTimer(n.joinCfg.BlockTimeout)
	defer timer.Stop()
	var dump []byte
	select {
	case dump = <-n.snapshots:
	case <-timer.C:
		return fmt.Errorf("%w: no snapshot from %s", ErrJoinAbandoned, source.address())
	case <-ctx.Done():
		return ctx.Err()
	}

	err := n.store.Exclusive(func() error {
		return n.store.LoadSnapshot(dump)
	})
	if err != nil {
		return fmt.Errorf("loading snapshot: %w", err)
	}
	n.logger.Info("snapshot loaded", "source", source.address(), "bytes", len(dump))

	if err := n.originate(ctx, n.nodeUpdate(n.self)); err != nil {
		return fmt.Errorf("announcing self: %w", err)
	}
	n.joined.Store(true)
	n.pipe.NotifyClient(ipc.StartClientService{})
	return nil
}

func (n *Node) nodeUpdate(node models.ClusterNode) wire.NodeUpdated {
	return wire.NodeUpdated{
		Address:        node.Address,
		AvailableBytes: node.AvailableBytes,
		Rack:           node.Rack,
		Priority:       node.Priority,
	}
}

// -------------------------- hosting

// host runs the ring member's side of a join: it introduces joiner to its
// first neighbor and splices joiner in between the two.
func (n *Node) host(ctx context.Context, joiner string) {
	logger := n.logger.With("joiner", joiner)

	conn, err := n.dialer.Dial(ctx, joiner)
	if err != nil {
		logger.Warn("cannot reach joining node", "error", err)
		return
	}
	if err := n.greet(ctx, conn, wire.RespondToBroadcast{}); err != nil {
		logger.Debug("joiner declined", "error", err)
		conn.Close()
		return
	}

	neighbors := n.ring.neighbors()
	var sibling *link
	if len(neighbors) > 0 {
		sibling = neighbors[0]
	}

	intro := wire.IntroducePeer{}
	if sibling != nil {
		intro.Address = sibling.address()
	}
	if err := conn.Send(ctx, wire.New(intro)); err != nil {
		logger.Warn("introduction not delivered", "error", err)
		conn.Close()
		return
	}
	if sibling != nil {
		if err := sibling.conn.Send(ctx, wire.New(wire.IntroducePeer{Address: joiner})); err != nil {
			logger.Warn("sibling not told about joiner", "sibling", sibling.address(), "error", err)
		}
	}

	env, err := n.receiveWithin(ctx, conn, confirmWindow*n.joinCfg.AcceptTimeout)
	if err != nil {
		logger.Warn("joiner never confirmed", "error", err)
		conn.Close()
		return
	}
	confirm, ok := env.Body.(wire.ConfirmHandshake)
	if !ok {
		logger.Warn("malformed confirmation, dropping joiner", "kind", env.Kind())
		conn.Close()
		return
	}

	joined := models.ClusterNode{
		Address:        joiner,
		Rack:           confirm.Rack,
		AvailableBytes: confirm.AvailableBytes,
		Priority:       confirm.Priority,
	}
	if err := n.originate(ctx, n.nodeUpdate(joined)); err != nil {
		logger.Error("recording joined node", "error", err)
	}

	l := newLink(conn)
	if len(neighbors) >= MaxNeighbors {
		n.detach(ctx, sibling)
		if !n.ring.replaceAsFirst(sibling, l) {
			err = n.ring.addFirst(l)
		}
	} else {
		err = n.ring.addFirst(l)
	}
	if err != nil {
		logger.Error("no room for joiner", "error", err)
		conn.Close()
		return
	}
	n.attach(l)
}

// introduced runs on the host's first neighbor: it links to the joiner and
// drops the host when that would exceed the ring degree.
func (n *Node) introduced(ctx context.Context, introducer *link, joiner string) {
	logger := n.logger.With("joiner", joiner, "introducer", introducer.address())

	conn, err := n.dialer.Dial(ctx, joiner)
	if err != nil {
		logger.Warn("cannot reach introduced node", "error", err)
		return
	}
	if err := n.greet(ctx, conn, wire.RespondToIntroduction{}); err != nil {
		logger.Warn("introduced node declined", "error", err)
		conn.Close()
		return
	}

	env, err := n.receiveWithin(ctx, conn, n.joinCfg.AcceptTimeout)
	if err != nil {
		logger.Warn("introduced node never confirmed", "error", err)
		conn.Close()
		return
	}
	confirm, ok := env.Body.(wire.ConfirmHandshake)
	if !ok {
		logger.Warn("malformed confirmation, dropping introduced node", "kind", env.Kind())
		conn.Close()
		return
	}
	err = n.registerNode(models.ClusterNode{
		Address:        joiner,
		Rack:           confirm.Rack,
		AvailableBytes: confirm.AvailableBytes,
		Priority:       confirm.Priority,
	})
	if err != nil {
		logger.Error("recording introduced node", "error", err)
	}

	l := newLink(conn)
	if n.ring.add(l) == nil {
		n.attach(l)
		return
	}
	n.detach(ctx, introducer)
	if !n.ring.replace(introducer, l) {
		if err := n.ring.add(l); err != nil {
			logger.Error("no room for introduced node", "error", err)
			conn.Close()
			return
		}
	}
	n.attach(l)
}

// -------------------------- handshake helpers

// greet sends the opening message of an outbound connection and waits for
// the peer's verdict.
func (n *Node) greet(ctx context.Context, conn transport.Conn, opening wire.Payload) error {
	if err := conn.Send(ctx, wire.New(opening)); err != nil {
		return err
	}
	env, err := n.receiveWithin(ctx, conn, n.joinCfg.AcceptTimeout)
	if err != nil {
		return err
	}
	switch env.Body.(type) {
	case wire.Accept:
		return nil
	case wire.Reject:
		return ErrRejected
	}
	return fmt.Errorf("%w: expected accept or reject, got %s", wire.ErrMalformed, env.Kind())
}

func (n *Node) receiveWithin(ctx context.Context, conn transport.Conn, timeout time.Duration) (wire.Envelope, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.Receive(rctx)
}
