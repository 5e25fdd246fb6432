package transport

import (
	"context"
	"errors"

	"github.com/InsulaLabs/ringfs/wire"
)

var (
	ErrPeerUnreachable = errors.New("peer unreachable")
	ErrClosed          = errors.New("connection closed")
)

// Conn is a point-to-point link to one peer. Send may be called from many
// goroutines; Receive from one.
type Conn interface {
	RemoteAddress() string
	Send(ctx context.Context, env wire.Envelope) error
	Receive(ctx context.Context) (wire.Envelope, error)
	Close() error
}

type Dialer interface {
	// Dial fails with ErrPeerUnreachable when no link could be established.
	Dial(ctx context.Context, address string) (Conn, error)
}

type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

// Announcement is a datagram received over discovery.
type Announcement struct {
	From     string
	Envelope wire.Envelope
}

// Discovery reaches every node on the subnet without a ring link.
type Discovery interface {
	Broadcast(ctx context.Context, env wire.Envelope) error
	Receive(ctx context.Context) (Announcement, error)
	Close() error
}
