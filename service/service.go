package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/InsulaLabs/ringfs/cluster"
	"github.com/InsulaLabs/ringfs/config"
	"github.com/InsulaLabs/ringfs/db/meta"
	"github.com/InsulaLabs/ringfs/db/tkv"
	"github.com/InsulaLabs/ringfs/ipc"
	"github.com/InsulaLabs/ringfs/storage"
	"github.com/InsulaLabs/ringfs/wire"
)

var (
	ErrNotReady        = errors.New("client service has not started")
	ErrNotCoordinator  = errors.New("this node is not the coordinator")
	ErrAccountExists   = errors.New("account already exists")
	ErrBadCredentials  = errors.New("invalid username or secret")
	ErrSessionInvalid  = errors.New("session is invalid or expired")
	ErrNoPermission    = errors.New("permission denied")
	ErrDirectoryExists = errors.New("directory already exists")
	ErrDuplicateFile   = errors.New("file already exists in directory")
	ErrDuplicateChunk  = errors.New("chunk already stored on this node")
	ErrSequenceInvalid = errors.New("chunk sequence out of range")
	ErrInvalidName     = errors.New("name must not be empty or contain '/'")
	ErrChunkElsewhere  = errors.New("chunk is hosted on another node")
)

const defaultSessionTTL = 12 * time.Hour

type Config struct {
	Logger    *slog.Logger
	Self      string
	Store     *meta.Store
	KV        tkv.TKV // session tokens live in its cache
	Chunks    *storage.ChunkStore
	Pipe      *ipc.Pipe
	Applier   *cluster.Applier
	Placement config.Placement

	SessionTTL time.Duration
	// RequireCoordinator refuses mutations on every node but the coordinator.
	RequireCoordinator bool
}

// Service is the client-facing side of a node. Every mutation it accepts is
// applied to the local store first and then handed to the membership side
// for gossip.
type Service struct {
	logger    *slog.Logger
	self      string
	store     *meta.Store
	kv        tkv.TKV
	chunks    *storage.ChunkStore
	pipe      *ipc.Pipe
	applier   *cluster.Applier
	placement config.Placement

	sessionTTL         time.Duration
	requireCoordinator bool

	ready atomic.Bool

	coordMu       sync.Mutex
	coordinator   string
	isCoordinator bool
}

func New(cfg Config) *Service {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	return &Service{
		logger:             cfg.Logger.WithGroup("service"),
		self:               cfg.Self,
		store:              cfg.Store,
		kv:                 cfg.KV,
		chunks:             cfg.Chunks,
		pipe:               cfg.Pipe,
		applier:            cfg.Applier,
		placement:          cfg.Placement,
		sessionTTL:         cfg.SessionTTL,
		requireCoordinator: cfg.RequireCoordinator,
	}
}

// Run handles signals from the membership side until ctx ends.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.pipe.ClientInbox():
			s.handle(ctx, msg)
		}
	}
}

func (s *Service) handle(ctx context.Context, msg ipc.Message) {
	switch m := msg.(type) {
	case ipc.StartClientService:
		if !s.ready.Swap(true) {
			s.logger.Info("client service started")
		}

	case ipc.CoordinatorStatus:
		s.coordMu.Lock()
		s.coordinator = m.Coordinator
		s.isCoordinator = m.IsCoordinator
		s.coordMu.Unlock()
		s.logger.Info("coordinator status", "coordinator", m.Coordinator, "self", m.IsCoordinator)

	case ipc.DeleteChunkFile:
		node, err := s.chunks.RemoveChunkFile(m.Path, m.Size)
		if err != nil {
			s.logger.Error("deleting chunk file", "path", m.Path, "error", err)
			return
		}
		if err := s.commit(ctx, nodeUpdate(node)); err != nil {
			s.logger.Error("announcing released capacity", "error", err)
		}

	default:
		s.logger.Warn("unexpected message for client side", "message", fmt.Sprintf("%T", msg))
	}
}

func (s *Service) Ready() bool {
	return s.ready.Load()
}

func (s *Service) Coordinator() string {
	s.coordMu.Lock()
	defer s.coordMu.Unlock()
	return s.coordinator
}

func (s *Service) IsCoordinator() bool {
	s.coordMu.Lock()
	defer s.coordMu.Unlock()
	return s.isCoordinator
}

// guard admits a mutation.
func (s *Service) guard() error {
	if !s.ready.Load() {
		return ErrNotReady
	}
	if s.requireCoordinator && !s.IsCoordinator() {
		return fmt.Errorf("%w: coordinator is %q", ErrNotCoordinator, s.Coordinator())
	}
	return nil
}

// commit applies bodies locally as one unit and queues them for gossip.
func (s *Service) commit(ctx context.Context, bodies ...wire.Payload) error {
	if err := s.applyLocal(bodies...); err != nil {
		return err
	}
	return s.submit(ctx, bodies...)
}

func (s *Service) applyLocal(bodies ...wire.Payload) error {
	return s.store.Exclusive(func() error {
		for _, body := range bodies {
			if _, err := s.applier.Apply(body); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) submit(ctx context.Context, bodies ...wire.Payload) error {
	for _, body := range bodies {
		env := wire.Originate(s.self, body)
		if err := s.pipe.Submit(ctx, ipc.Mutation{Envelope: env}); err != nil {
			return fmt.Errorf("queueing %s for gossip: %w", body.Kind(), err)
		}
	}
	return nil
}
