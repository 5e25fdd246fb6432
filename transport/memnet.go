package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/InsulaLabs/ringfs/wire"
)

const memBuffer = 256

// MemNetwork is an in-process network for running whole clusters inside one
// test binary. Every message still goes through the wire codec.
type MemNetwork struct {
	mu         sync.Mutex
	listeners  map[string]*memListener
	discovery  map[string]*memDiscovery
	conns      map[string][]*memConn
	deliveries map[string]map[wire.Kind]int
	broadcasts map[wire.Kind]int
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		listeners:  make(map[string]*memListener),
		discovery:  make(map[string]*memDiscovery),
		conns:      make(map[string][]*memConn),
		deliveries: make(map[string]map[wire.Kind]int),
		broadcasts: make(map[wire.Kind]int),
	}
}

// Deliveries counts the messages of kind sent to address over ring links.
func (n *MemNetwork) Deliveries(address string, kind wire.Kind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.deliveries[address][kind]
}

func (n *MemNetwork) Broadcasts(kind wire.Kind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.broadcasts[kind]
}

// Kill simulates a crash of address: its listener and discovery endpoint go
// away and every link it holds is closed under its peers.
func (n *MemNetwork) Kill(address string) {
	n.mu.Lock()
	l := n.listeners[address]
	delete(n.listeners, address)
	d := n.discovery[address]
	delete(n.discovery, address)
	conns := n.conns[address]
	delete(n.conns, address)
	n.mu.Unlock()

	if l != nil {
		l.Close()
	}
	if d != nil {
		d.Close()
	}
	for _, c := range conns {
		c.Close()
	}
}

// Cut closes every link between a and b and leaves their other links up.
func (n *MemNetwork) Cut(a, b string) {
	n.mu.Lock()
	var cut []*memConn
	for _, c := range n.conns[a] {
		if c.remote == b {
			cut = append(cut, c)
		}
	}
	n.mu.Unlock()

	for _, c := range cut {
		c.Close()
	}
}

func (n *MemNetwork) track(c *memConn) {
	n.mu.Lock()
	n.conns[c.local] = append(n.conns[c.local], c)
	n.mu.Unlock()
}

func (n *MemNetwork) countDelivery(to string, kind wire.Kind) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.deliveries[to] == nil {
		n.deliveries[to] = make(map[wire.Kind]int)
	}
	n.deliveries[to][kind]++
}

// -------------------------- links

// memPipe carries one direction of a link.
type memPipe struct {
	ch     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newMemPipe() *memPipe {
	return &memPipe{ch: make(chan []byte, memBuffer), closed: make(chan struct{})}
}

func (p *memPipe) close() {
	p.once.Do(func() { close(p.closed) })
}

type memConn struct {
	net    *MemNetwork
	local  string
	remote string
	in     *memPipe
	out    *memPipe
}

var _ Conn = &memConn{}

func (c *memConn) RemoteAddress() string {
	return c.remote
}

func (c *memConn) Send(ctx context.Context, env wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	select {
	case <-c.out.closed:
		return fmt.Errorf("%w: sending %s to %s", ErrClosed, env.Kind(), c.remote)
	default:
	}
	select {
	case c.out.ch <- data:
		c.net.countDelivery(c.remote, env.Kind())
		return nil
	case <-c.out.closed:
		return fmt.Errorf("%w: sending %s to %s", ErrClosed, env.Kind(), c.remote)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive drains queued messages before reporting a closed link, so a
// stop-link followed by a close arrives in order.
func (c *memConn) Receive(ctx context.Context) (wire.Envelope, error) {
	select {
	case data := <-c.in.ch:
		return wire.Decode(data)
	default:
	}
	select {
	case data := <-c.in.ch:
		return wire.Decode(data)
	case <-c.in.closed:
		select {
		case data := <-c.in.ch:
			return wire.Decode(data)
		default:
			return wire.Envelope{}, ErrClosed
		}
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
}

func (c *memConn) Close() error {
	c.in.close()
	c.out.close()
	return nil
}

// -------------------------- listener and dialer

type memListener struct {
	address  string
	accepted chan Conn
	closed   chan struct{}
	once     sync.Once
}

func (n *MemNetwork) Listen(address string) (Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, taken := n.listeners[address]; taken {
		return nil, fmt.Errorf("address %s already listening", address)
	}
	l := &memListener{
		address:  address,
		accepted: make(chan Conn, acceptBacklog),
		closed:   make(chan struct{}),
	}
	n.listeners[address] = l
	return l, nil
}

func (l *memListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.accepted:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, ErrClosed
	}
}

func (l *memListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

type memDialer struct {
	net  *MemNetwork
	self string
}

func (n *MemNetwork) Dialer(self string) Dialer {
	return &memDialer{net: n, self: self}
}

func (d *memDialer) Dial(ctx context.Context, address string) (Conn, error) {
	d.net.mu.Lock()
	l, ok := d.net.listeners[address]
	d.net.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnreachable, address)
	}

	forward, backward := newMemPipe(), newMemPipe()
	client := &memConn{net: d.net, local: d.self, remote: address, in: backward, out: forward}
	server := &memConn{net: d.net, local: address, remote: d.self, in: forward, out: backward}

	select {
	case l.accepted <- server:
	case <-l.closed:
		return nil, fmt.Errorf("%w: %s", ErrPeerUnreachable, address)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrPeerUnreachable, address, ctx.Err())
	}
	d.net.track(client)
	d.net.track(server)
	return client, nil
}

// -------------------------- discovery

type memDiscovery struct {
	net     *MemNetwork
	address string
	inbox   chan Announcement
	closed  chan struct{}
	once    sync.Once
}

// Discovery registers address on the simulated subnet. Like a real
// broadcast, a node also hears its own announcements.
func (n *MemNetwork) Discovery(address string) Discovery {
	d := &memDiscovery{
		net:     n,
		address: address,
		inbox:   make(chan Announcement, memBuffer),
		closed:  make(chan struct{}),
	}
	n.mu.Lock()
	n.discovery[address] = d
	n.mu.Unlock()
	return d
}

func (d *memDiscovery) Broadcast(ctx context.Context, env wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}

	d.net.mu.Lock()
	d.net.broadcasts[env.Kind()]++
	targets := make([]*memDiscovery, 0, len(d.net.discovery))
	for _, t := range d.net.discovery {
		targets = append(targets, t)
	}
	d.net.mu.Unlock()

	for _, t := range targets {
		decoded, err := wire.Decode(data)
		if err != nil {
			return err
		}
		select {
		case t.inbox <- Announcement{From: d.address, Envelope: decoded}:
		default:
		}
	}
	return nil
}

func (d *memDiscovery) Receive(ctx context.Context) (Announcement, error) {
	select {
	case a := <-d.inbox:
		return a, nil
	case <-d.closed:
		return Announcement{}, ErrClosed
	case <-ctx.Done():
		return Announcement{}, ctx.Err()
	}
}

func (d *memDiscovery) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}
