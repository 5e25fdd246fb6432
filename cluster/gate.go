package cluster

import (
	"context"
	"sync"
	"time"
)

// Gate pauses outbound gossip while a joining node copies a snapshot. A
// block that is never lifted expires on its own.
type Gate struct {
	mu    sync.Mutex
	open  chan struct{} // closed while the gate is open
	timer *time.Timer
}

func NewGate() *Gate {
	open := make(chan struct{})
	close(open)
	return &Gate{open: open}
}

func (g *Gate) Block(timeout time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-g.open:
		g.open = make(chan struct{})
	default:
	}
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(timeout, g.Unblock)
}

func (g *Gate) Unblock() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	select {
	case <-g.open:
	default:
		close(g.open)
	}
}

func (g *Gate) Blocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
		return false
	default:
		return true
	}
}

// Wait returns once the gate is open.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	open := g.open
	g.mu.Unlock()

	select {
	case <-open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
