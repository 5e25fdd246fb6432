package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/InsulaLabs/ringfs/config"
	"github.com/InsulaLabs/ringfs/db/meta"
	"github.com/InsulaLabs/ringfs/db/models"
	"github.com/InsulaLabs/ringfs/ipc"
	"github.com/InsulaLabs/ringfs/transport"
	"github.com/InsulaLabs/ringfs/wire"
	"github.com/jellydator/ttlcache/v3"
)

type Config struct {
	Logger    *slog.Logger
	Self      models.ClusterNode
	Store     *meta.Store
	Pipe      *ipc.Pipe
	Dialer    transport.Dialer
	Listener  transport.Listener
	Discovery transport.Discovery
	Join      config.Join
	Recovery  config.Recovery
	Cache     config.Cache
}

// Node is the membership side of a storage node: it keeps the ring, relays
// gossip, tracks the coordinator and heals the ring around failures.
type Node struct {
	logger    *slog.Logger
	self      models.ClusterNode
	store     *meta.Store
	pipe      *ipc.Pipe
	applier   *Applier
	dialer    transport.Dialer
	listener  transport.Listener
	discovery transport.Discovery
	joinCfg   config.Join
	recCfg    config.Recovery

	ring ring
	gate *Gate

	joined    atomic.Bool
	hosting   atomic.Bool // one join is hosted at a time
	joinSeen  *ttlcache.Cache[string, struct{}]
	deadLinks *ttlcache.Cache[string, struct{}]
	applied   *ttlcache.Cache[string, struct{}]

	waitMu  sync.Mutex
	waiters map[waitKey]*waiter

	snapshots chan []byte

	healMu     sync.Mutex
	rendezvous map[string]chan string
	states     map[string]LinkState

	coordMu     sync.Mutex
	coordinator string

	stale atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// waitKey names a pending inbound connection: the first message kind and
// the dialer's address, or anyAddress.
type waitKey struct {
	kind    wire.Kind
	address string
}

const anyAddress = "*"

func New(cfg Config) (*Node, error) {
	if cfg.Store == nil || cfg.Pipe == nil || cfg.Dialer == nil || cfg.Listener == nil || cfg.Discovery == nil {
		return nil, errors.New("cluster node requires store, pipe, dialer, listener and discovery")
	}
	if cfg.Self.Address == "" {
		return nil, config.ErrAddressMissing
	}

	logger := cfg.Logger.WithGroup("cluster").With("self", cfg.Self.Address)

	n := &Node{
		logger:    logger,
		self:      cfg.Self,
		store:     cfg.Store,
		pipe:      cfg.Pipe,
		dialer:    cfg.Dialer,
		listener:  cfg.Listener,
		discovery: cfg.Discovery,
		joinCfg:   cfg.Join,
		recCfg:    cfg.Recovery,
		gate:      NewGate(),
		joinSeen: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](cfg.Cache.JoinDedupTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		deadLinks: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](cfg.Cache.DeadLinkTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		applied: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](cfg.Cache.GossipTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		waiters:    make(map[waitKey]*waiter),
		snapshots:  make(chan []byte, 1),
		rendezvous: make(map[string]chan string),
		states:     make(map[string]LinkState),
	}
	n.applier = NewApplier(ApplierConfig{
		Logger: cfg.Logger,
		Store:  cfg.Store,
		Pipe:   cfg.Pipe,
		Self:   cfg.Self.Address,
	})
	return n, nil
}

func (n *Node) Address() string {
	return n.self.Address
}

func (n *Node) Applier() *Applier {
	return n.applier
}

// Neighbors lists the current ring neighbors, first neighbor first.
func (n *Node) Neighbors() []string {
	return n.ring.addresses()
}

// StaleCount is the number of gossip copies discarded because this node
// had already applied them.
func (n *Node) StaleCount() int64 {
	return n.stale.Load()
}

func (n *Node) Joined() bool {
	return n.joined.Load()
}

// Start runs the background loops and joins the cluster. It returns once
// the node is part of a ring, or is the first node of a new one.
func (n *Node) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)

	go n.joinSeen.Start()
	go n.deadLinks.Start()
	go n.applied.Start()

	n.spawn(n.acceptLoop)
	n.spawn(n.discoveryLoop)
	n.spawn(n.drain)

	if err := n.join(n.ctx); err != nil {
		return fmt.Errorf("joining cluster: %w", err)
	}
	return nil
}

// Stop drops every link without triggering recovery and waits for the
// background loops.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	for _, l := range n.ring.drain() {
		l.closing.Store(true)
		l.conn.Close()
	}
	n.wg.Wait()
	n.joinSeen.Stop()
	n.deadLinks.Stop()
	n.applied.Stop()
	n.logger.Info("cluster node stopped")
}

func (n *Node) spawn(fn func(ctx context.Context)) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn(n.ctx)
	}()
}

// -------------------------- inbound connections

type waiter struct {
	ch        chan transport.Conn
	cancelled bool // guarded by Node.waitMu
}

// expect registers interest in the next inbound connection matching key.
// The returned cancel must be called when the caller stops waiting.
func (n *Node) expect(key waitKey) (<-chan transport.Conn, func()) {
	w := &waiter{ch: make(chan transport.Conn, 1)}
	n.waitMu.Lock()
	n.waiters[key] = w
	n.waitMu.Unlock()

	return w.ch, func() {
		n.waitMu.Lock()
		if n.waiters[key] == w {
			delete(n.waiters, key)
		}
		w.cancelled = true
		n.waitMu.Unlock()
		select {
		case c := <-w.ch:
			c.Close()
		default:
		}
	}
}

func (n *Node) takeWaiter(kind wire.Kind, address string) *waiter {
	n.waitMu.Lock()
	defer n.waitMu.Unlock()
	for _, key := range []waitKey{{kind, address}, {kind, anyAddress}} {
		if w, ok := n.waiters[key]; ok {
			delete(n.waiters, key)
			return w
		}
	}
	return nil
}

// handOff gives conn to w. A waiter that gave up in the meantime gets
// nothing and conn is closed.
func (n *Node) handOff(w *waiter, conn transport.Conn) bool {
	n.waitMu.Lock()
	defer n.waitMu.Unlock()
	if w.cancelled {
		conn.Close()
		return false
	}
	w.ch <- conn
	return true
}

func (n *Node) acceptLoop(ctx context.Context) {
	for {
		conn, err := n.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				n.logger.Error("accept loop stopped", "error", err)
			}
			return
		}
		go n.route(ctx, conn)
	}
}

// route reads the first message of an inbound connection and hands the
// connection to whoever is waiting for it. Unexpected dialers are rejected.
func (n *Node) route(ctx context.Context, conn transport.Conn) {
	rctx, cancel := context.WithTimeout(ctx, n.joinCfg.AcceptTimeout)
	env, err := conn.Receive(rctx)
	cancel()
	if err != nil {
		n.logger.Debug("inbound connection gave no greeting", "peer", conn.RemoteAddress(), "error", err)
		conn.Close()
		return
	}

	switch env.Kind() {
	case wire.KindRespondToBroadcast, wire.KindRespondToIntroduction:
	default:
		n.logger.Warn("unexpected greeting, dropping connection", "peer", conn.RemoteAddress(), "kind", env.Kind())
		conn.Close()
		return
	}

	w := n.takeWaiter(env.Kind(), conn.RemoteAddress())
	if w == nil {
		n.logger.Debug("rejecting unexpected dialer", "peer", conn.RemoteAddress(), "kind", env.Kind())
		conn.Send(ctx, wire.New(wire.Reject{}))
		conn.Close()
		return
	}
	if err := conn.Send(ctx, wire.New(wire.Accept{})); err != nil {
		n.logger.Debug("accept not delivered", "peer", conn.RemoteAddress(), "error", err)
		conn.Close()
		return
	}
	if !n.handOff(w, conn) {
		n.logger.Debug("waiter gone, dropping accepted connection", "peer", conn.RemoteAddress(), "kind", env.Kind())
	}
}

// -------------------------- discovery

func (n *Node) discoveryLoop(ctx context.Context) {
	for {
		a, err := n.discovery.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				n.logger.Error("discovery loop stopped", "error", err)
			}
			return
		}
		n.handleAnnouncement(ctx, a)
	}
}

func (n *Node) handleAnnouncement(ctx context.Context, a transport.Announcement) {
	switch p := a.Envelope.Body.(type) {
	case wire.JoinAnnounce:
		if p.Address == n.self.Address || !n.joined.Load() {
			return
		}
		if n.joinSeen.Has(p.Address) {
			return
		}
		if !n.hosting.CompareAndSwap(false, true) {
			n.logger.Debug("busy hosting a join, ignoring announce", "joiner", p.Address)
			return
		}
		n.joinSeen.Set(p.Address, struct{}{}, ttlcache.DefaultTTL)
		go func() {
			defer n.hosting.Store(false)
			n.host(ctx, p.Address)
		}()

	case wire.BlockQueueing:
		if a.From == n.self.Address {
			return
		}
		n.logger.Info("outbound gossip blocked", "by", a.From)
		n.gate.Block(n.joinCfg.BlockTimeout)

	case wire.UnblockQueueing:
		if a.From == n.self.Address {
			return
		}
		n.logger.Info("outbound gossip unblocked", "by", a.From)
		n.gate.Unblock()

	case wire.PeerFailure:
		n.onPeerFailure(ctx, p)

	case wire.PeerFailureResponse:
		n.onPeerFailureResponse(p)

	case wire.CoordinatorDown:
		if a.From == n.self.Address {
			return
		}
		n.onCoordinatorDown(p)

	default:
		n.logger.Warn("unexpected discovery message", "from", a.From, "kind", a.Envelope.Kind())
	}
}

func (n *Node) broadcast(ctx context.Context, body wire.Payload) {
	if err := n.discovery.Broadcast(ctx, wire.New(body)); err != nil {
		n.logger.Error("broadcast failed", "kind", body.Kind(), "error", err)
	}
}

// -------------------------- ring links

// attach starts the read loop of a link that is already in the ring.
func (n *Node) attach(l *link) {
	n.logger.Info("ring link up", "peer", l.address(), "neighbors", n.ring.addresses())
	n.spawn(func(ctx context.Context) {
		n.serveLink(ctx, l)
	})
}

// detach drops a link on purpose: the peer is told to stop and the read
// loop ends without recovery.
func (n *Node) detach(ctx context.Context, l *link) {
	l.closing.Store(true)
	if err := l.conn.Send(ctx, wire.New(wire.StopLink{})); err != nil {
		n.logger.Debug("stop-link not delivered", "peer", l.address(), "error", err)
	}
	l.conn.Close()
}

func (n *Node) serveLink(ctx context.Context, l *link) {
	for {
		env, err := l.conn.Receive(ctx)
		if err != nil {
			if l.closing.Load() || ctx.Err() != nil {
				n.ring.remove(l)
				return
			}
			if errors.Is(err, wire.ErrMalformed) {
				n.logger.Warn("malformed message on ring link, dropping it", "peer", l.address(), "error", err)
			}
			n.onLinkFailure(ctx, l)
			return
		}

		if wire.IsMutation(env.Kind()) {
			n.receiveGossip(ctx, l, env)
			continue
		}

		switch p := env.Body.(type) {
		case wire.StopLink:
			n.logger.Info("peer dropped link", "peer", l.address())
			l.closing.Store(true)
			n.ring.remove(l)
			l.conn.Close()
			return

		case wire.IntroducePeer:
			if p.Address == "" {
				continue
			}
			go n.introduced(ctx, l, p.Address)

		case wire.RequestSnapshot:
			go n.sendSnapshot(ctx, l)

		case wire.SendSnapshot:
			select {
			case n.snapshots <- p.Dump:
			default:
				n.logger.Warn("unrequested snapshot dropped", "peer", l.address())
			}

		default:
			n.logger.Warn("unexpected message on ring link", "peer", l.address(), "kind", env.Kind())
		}
	}
}

func (n *Node) sendSnapshot(ctx context.Context, l *link) {
	dump, err := n.store.Snapshot()
	if err != nil {
		n.logger.Error("snapshot for peer failed", "peer", l.address(), "error", err)
		return
	}
	if err := l.conn.Send(ctx, wire.New(wire.SendSnapshot{Dump: dump})); err != nil {
		n.logger.Error("sending snapshot failed", "peer", l.address(), "error", err)
		return
	}
	n.logger.Info("snapshot sent", "peer", l.address(), "bytes", len(dump))
}

// registerNode stores a node learned through a handshake and re-elects.
func (n *Node) registerNode(node models.ClusterNode) error {
	node.LastSeen = time.Now().UTC()
	err := n.store.Exclusive(func() error {
		return n.store.PutNode(node)
	})
	if err != nil {
		return err
	}
	n.reelect()
	return nil
}
