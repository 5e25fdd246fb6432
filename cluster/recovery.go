package cluster

import (
	"context"
	"errors"
	"time"

	"github.com/InsulaLabs/ringfs/ipc"
	"github.com/InsulaLabs/ringfs/transport"
	"github.com/InsulaLabs/ringfs/wire"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

var ErrRecoveryExhausted = errors.New("ring recovery exhausted")

// LinkState tracks a ring slot from the failure of its neighbor onwards.
type LinkState int

const (
	Connected LinkState = iota
	Detecting
	Healing
	Detached
)

func (s LinkState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Detecting:
		return "detecting"
	case Healing:
		return "healing"
	case Detached:
		return "detached"
	}
	return "unknown"
}

type HealOutcome int

const (
	Recovered HealOutcome = iota
	TimedOut
)

type HealResult struct {
	Outcome HealOutcome
	Peer    string
}

// ShouldListen decides which of two healing survivors accepts the new link.
// The larger address listens and the other connects.
func ShouldListen(self, peer string) bool {
	return self > peer
}

// SlotState reports the recovery state of the slot that held failed.
// Slots that never failed are Connected.
func (n *Node) SlotState(failed string) LinkState {
	n.healMu.Lock()
	defer n.healMu.Unlock()
	if s, ok := n.states[failed]; ok {
		return s
	}
	return Connected
}

func (n *Node) setState(failed string, s LinkState) {
	n.healMu.Lock()
	n.states[failed] = s
	n.healMu.Unlock()
	n.logger.Debug("ring slot state", "failed", failed, "state", s.String())
}

// onLinkFailure runs when a neighbor's link breaks without a stop-link.
func (n *Node) onLinkFailure(ctx context.Context, l *link) {
	failed := l.address()
	n.ring.remove(l)
	l.conn.Close()

	n.setState(failed, Detecting)
	n.logger.Warn("ring neighbor lost", "peer", failed, "remaining", n.ring.addresses())

	wasCoordinator := n.Coordinator() == failed
	err := n.store.Exclusive(func() error {
		_, err := n.store.RemoveNode(failed)
		return err
	})
	if err != nil {
		n.logger.Error("removing failed node", "peer", failed, "error", err)
	}
	n.reelect()

	if n.ring.size() == 0 {
		n.setState(failed, Detached)
		n.logger.Warn("last ring neighbor lost, continuing standalone", "peer", failed)
		return
	}

	found := make(chan string, 1)
	n.healMu.Lock()
	n.rendezvous[failed] = found
	n.healMu.Unlock()
	defer func() {
		n.healMu.Lock()
		delete(n.rendezvous, failed)
		n.healMu.Unlock()
	}()
	n.deadLinks.Set(failed, struct{}{}, ttlcache.DefaultTTL)

	if wasCoordinator {
		n.broadcast(ctx, wire.CoordinatorDown{Address: failed})
	}
	removal := wire.Originate(n.self.Address, wire.NodeRemoved{Address: failed})
	if err := n.pipe.Submit(ctx, ipc.Mutation{Envelope: removal}); err != nil {
		n.logger.Error("queueing node removal", "peer", failed, "error", err)
	}
	n.broadcast(ctx, wire.PeerFailure{Failed: failed, Reporter: n.self.Address})
	n.setState(failed, Healing)

	var result HealResult
	timer := time.NewTimer(n.recCfg.ResponseTimeout)
	select {
	case peer := <-found:
		timer.Stop()
		result = n.heal(ctx, peer)
	case <-timer.C:
		result = HealResult{Outcome: TimedOut}
	case <-ctx.Done():
		timer.Stop()
		return
	}

	n.settle(failed, result)
}

func (n *Node) settle(failed string, result HealResult) {
	if result.Outcome == Recovered {
		n.setState(failed, Connected)
		n.logger.Info("ring healed", "failed", failed, "peer", result.Peer, "neighbors", n.ring.addresses())
		return
	}
	n.setState(failed, Detached)
	n.logger.Error("ring left open", "failed", failed, "peer", result.Peer, "error", ErrRecoveryExhausted)
}

// healLate links to a survivor that reported the failure after this node
// had already given up waiting for one.
func (n *Node) healLate(failed, peer string) {
	n.healMu.Lock()
	if n.states[failed] != Detached {
		n.healMu.Unlock()
		return
	}
	n.states[failed] = Healing
	n.healMu.Unlock()

	n.logger.Info("late survivor reported, healing", "failed", failed, "peer", peer)
	n.spawn(func(ctx context.Context) {
		n.settle(failed, n.heal(ctx, peer))
	})
}

// heal links this node to peer, the other survivor of the same failure.
func (n *Node) heal(ctx context.Context, peer string) HealResult {
	if n.ring.find(peer) != nil {
		return HealResult{Outcome: Recovered, Peer: peer}
	}
	if ShouldListen(n.self.Address, peer) {
		return n.healAsListener(ctx, peer)
	}
	return n.healAsConnector(ctx, peer)
}

func (n *Node) healAsListener(ctx context.Context, peer string) HealResult {
	incoming, stop := n.expect(waitKey{wire.KindRespondToIntroduction, peer})
	defer stop()

	timer := time.NewTimer(n.recCfg.AcceptTimeout)
	defer timer.Stop()
	select {
	case conn := <-incoming:
		if n.adopt(conn) {
			return HealResult{Outcome: Recovered, Peer: peer}
		}
	case <-timer.C:
		n.logger.Warn("surviving peer never connected", "peer", peer)
	case <-ctx.Done():
	}
	return HealResult{Outcome: TimedOut, Peer: peer}
}

func (n *Node) healAsConnector(ctx context.Context, peer string) HealResult {
	limiter := rate.NewLimiter(rate.Limit(n.recCfg.ConnectRate), 1)
	for attempt := 1; attempt <= n.recCfg.ConnectAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		conn, err := n.dialer.Dial(ctx, peer)
		if err != nil {
			n.logger.Debug("healing connect failed", "peer", peer, "attempt", attempt, "error", err)
			continue
		}
		if err := n.greet(ctx, conn, wire.RespondToIntroduction{}); err != nil {
			n.logger.Debug("healing handshake failed", "peer", peer, "attempt", attempt, "error", err)
			conn.Close()
			continue
		}
		if n.adopt(conn) {
			return HealResult{Outcome: Recovered, Peer: peer}
		}
		break
	}
	return HealResult{Outcome: TimedOut, Peer: peer}
}

// adopt puts a healed connection into the ring.
func (n *Node) adopt(conn transport.Conn) bool {
	l := newLink(conn)
	if err := n.ring.add(l); err != nil {
		n.logger.Error("no room for healed link", "peer", conn.RemoteAddress(), "error", err)
		conn.Close()
		return false
	}
	n.attach(l)
	return true
}

// onPeerFailure answers a survivor of a failure this node also saw.
func (n *Node) onPeerFailure(ctx context.Context, p wire.PeerFailure) {
	if p.Reporter == n.self.Address || !n.deadLinks.Has(p.Failed) {
		return
	}
	n.logger.Info("other survivor found", "failed", p.Failed, "peer", p.Reporter)
	if !n.deliver(p.Failed, p.Reporter) {
		n.healLate(p.Failed, p.Reporter)
	}
	n.broadcast(ctx, wire.PeerFailureResponse{
		Failed:    p.Failed,
		Reporter:  p.Reporter,
		Responder: n.self.Address,
	})
}

func (n *Node) onPeerFailureResponse(p wire.PeerFailureResponse) {
	if p.Reporter != n.self.Address || p.Responder == n.self.Address {
		return
	}
	n.deliver(p.Failed, p.Responder)
}

// deliver hands peer to the recovery waiting on failed and reports whether
// one was waiting. Only the first peer counts.
func (n *Node) deliver(failed, peer string) bool {
	n.healMu.Lock()
	found := n.rendezvous[failed]
	n.healMu.Unlock()
	if found == nil {
		return false
	}
	select {
	case found <- peer:
	default:
	}
	return true
}

func (n *Node) onCoordinatorDown(p wire.CoordinatorDown) {
	if p.Address == n.self.Address {
		n.logger.Warn("peer reports this node as a dead coordinator")
		return
	}
	err := n.store.Exclusive(func() error {
		_, err := n.store.RemoveNode(p.Address)
		return err
	})
	if err != nil {
		n.logger.Error("removing dead coordinator", "coordinator", p.Address, "error", err)
	}
	n.reelect()
}
