package cluster

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/InsulaLabs/ringfs/transport"
)

// MaxNeighbors bounds the ring degree of every node.
const MaxNeighbors = 2

var ErrRingFull = errors.New("node already has two ring neighbors")

// link is one ring edge. A link marked closing was dropped on purpose, so
// its read loop ending is not a failure.
type link struct {
	conn    transport.Conn
	since   time.Time
	closing atomic.Bool
}

func newLink(conn transport.Conn) *link {
	return &link{conn: conn, since: time.Now()}
}

func (l *link) address() string {
	return l.conn.RemoteAddress()
}

// ring holds the ordered neighbor list; index 0 is the first neighbor.
type ring struct {
	mu    sync.Mutex
	links []*link
}

func (r *ring) add(l *link) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.links) >= MaxNeighbors {
		return ErrRingFull
	}
	r.links = append(r.links, l)
	return nil
}

// addFirst makes l the first neighbor.
func (r *ring) addFirst(l *link) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.links) >= MaxNeighbors {
		return ErrRingFull
	}
	r.links = append([]*link{l}, r.links...)
	return nil
}

// replace swaps old for l in place. It reports false when old is no longer
// in the ring.
func (r *ring) replace(old, l *link) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.links {
		if existing == old {
			r.links[i] = l
			return true
		}
	}
	return false
}

// replaceAsFirst removes old and puts l at index 0.
func (r *ring) replaceAsFirst(old, l *link) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := []*link{l}
	found := false
	for _, existing := range r.links {
		if existing == old {
			found = true
			continue
		}
		kept = append(kept, existing)
	}
	if !found {
		return false
	}
	r.links = kept
	return true
}

func (r *ring) remove(l *link) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.links {
		if existing == l {
			r.links = append(r.links[:i], r.links[i+1:]...)
			return true
		}
	}
	return false
}

func (r *ring) neighbors() []*link {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*link, len(r.links))
	copy(out, r.links)
	return out
}

func (r *ring) find(address string) *link {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.links {
		if l.address() == address {
			return l
		}
	}
	return nil
}

func (r *ring) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

func (r *ring) addresses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.links))
	for i, l := range r.links {
		out[i] = l.address()
	}
	return out
}

// drain empties the ring and returns what it held.
func (r *ring) drain() []*link {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.links
	r.links = nil
	return out
}
