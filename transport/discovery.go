package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/InsulaLabs/ringfs/wire"
)

const maxDatagram = 8192

type UDPDiscoveryConfig struct {
	Logger    *slog.Logger
	Broadcast string // directed broadcast address of the subnet
	Port      int
}

// UDPDiscovery sends envelopes to every node on the subnet by UDP broadcast.
// Delivery is best effort.
type UDPDiscovery struct {
	logger *slog.Logger
	conn   *net.UDPConn
	target *net.UDPAddr
}

var _ Discovery = &UDPDiscovery{}

func NewUDPDiscovery(cfg UDPDiscoveryConfig) (*UDPDiscovery, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("listening for discovery on port %d: %w", cfg.Port, err)
	}
	target, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(cfg.Broadcast, strconv.Itoa(cfg.Port)))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("resolving broadcast address %s: %w", cfg.Broadcast, err)
	}
	return &UDPDiscovery{
		logger: cfg.Logger.WithGroup("discovery"),
		conn:   conn,
		target: target,
	}, nil
}

func (d *UDPDiscovery) Broadcast(ctx context.Context, env wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	if len(data) > maxDatagram {
		return fmt.Errorf("%s message of %d bytes exceeds datagram limit", env.Kind(), len(data))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := d.conn.WriteToUDP(data, d.target); err != nil {
		return fmt.Errorf("broadcasting %s: %w", env.Kind(), err)
	}
	d.logger.Debug("broadcast sent", "kind", env.Kind(), "id", env.ID)
	return nil
}

// Receive returns the next well-formed datagram. Malformed datagrams are
// logged and skipped; they never end the receive loop.
func (d *UDPDiscovery) Receive(ctx context.Context) (Announcement, error) {
	stop := context.AfterFunc(ctx, func() {
		d.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return Announcement{}, ctx.Err()
			}
			return Announcement{}, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		env, err := wire.Decode(buf[:n])
		if err != nil {
			d.logger.Warn("dropping malformed datagram", "from", from.String(), "error", err)
			continue
		}
		return Announcement{From: from.IP.String(), Envelope: env}, nil
	}
}

func (d *UDPDiscovery) Close() error {
	return d.conn.Close()
}
