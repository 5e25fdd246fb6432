package ipc

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/InsulaLabs/ringfs/wire"
)

// Message is anything carried between the membership side and the client
// service side of a node.
type Message interface {
	isMessage()
}

// StartClientService tells the client side the metadata store is ready.
type StartClientService struct{}

type CoordinatorStatus struct {
	IsCoordinator bool
	Coordinator   string
}

// DeleteChunkFile asks the client side to drop a local chunk file and
// give its bytes back to the node's capacity.
type DeleteChunkFile struct {
	Path string
	Size int64
}

// Mutation is a locally applied change the membership side must gossip.
type Mutation struct {
	Envelope wire.Envelope
}

func (StartClientService) isMessage() {}
func (CoordinatorStatus) isMessage()  {}
func (DeleteChunkFile) isMessage()    {}
func (Mutation) isMessage()           {}

type Config struct {
	Logger *slog.Logger
	Size   int
}

// Pipe connects the two halves of a node. Signals towards the client side
// never block the sender; mutations towards membership apply backpressure.
type Pipe struct {
	logger       *slog.Logger
	toClient     chan Message
	toMembership chan Message
	dropped      atomic.Int64
}

func NewPipe(cfg Config) *Pipe {
	if cfg.Size <= 0 {
		cfg.Size = 1024
	}
	return &Pipe{
		logger:       cfg.Logger.WithGroup("ipc"),
		toClient:     make(chan Message, cfg.Size),
		toMembership: make(chan Message, cfg.Size),
	}
}

// NotifyClient queues msg for the client side, dropping it if the queue is full.
func (p *Pipe) NotifyClient(msg Message) bool {
	select {
	case p.toClient <- msg:
		return true
	default:
		p.dropped.Add(1)
		p.logger.Error("client queue full, dropping message", "type", typeName(msg))
		return false
	}
}

// Submit queues msg for the membership side, waiting for room.
func (p *Pipe) Submit(ctx context.Context, msg Message) error {
	select {
	case p.toMembership <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipe) ClientInbox() <-chan Message {
	return p.toClient
}

func (p *Pipe) MembershipInbox() <-chan Message {
	return p.toMembership
}

func (p *Pipe) Dropped() int64 {
	return p.dropped.Load()
}

func typeName(msg Message) string {
	switch msg.(type) {
	case StartClientService:
		return "start-client-service"
	case CoordinatorStatus:
		return "coordinator-status"
	case DeleteChunkFile:
		return "delete-chunk-file"
	case Mutation:
		return "mutation"
	}
	return "unknown"
}
