package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/InsulaLabs/ringfs/cluster"
	"github.com/InsulaLabs/ringfs/config"
	"github.com/InsulaLabs/ringfs/db/meta"
	"github.com/InsulaLabs/ringfs/db/models"
	"github.com/InsulaLabs/ringfs/db/tkv"
	"github.com/InsulaLabs/ringfs/ipc"
	"github.com/InsulaLabs/ringfs/placement"
	"github.com/InsulaLabs/ringfs/storage"
	"github.com/InsulaLabs/ringfs/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const self = "10.0.0.1"

type fixture struct {
	svc     *Service
	store   *meta.Store
	pipe    *ipc.Pipe
	applier *cluster.Applier
	root    string
}

func newFixture(t *testing.T, requireCoordinator bool) *fixture {
	t.Helper()
	return newFixtureKV(t, requireCoordinator, nil)
}

// newFixtureKV lets wrap stand in front of the key/value store.
func newFixtureKV(t *testing.T, requireCoordinator bool, wrap func(tkv.TKV) tkv.TKV) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var kv tkv.TKV
	kv, err := tkv.New(tkv.Config{Logger: logger, BadgerLogLevel: slog.LevelError, InMemory: true, CacheTTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	if wrap != nil {
		kv = wrap(kv)
	}

	store := meta.New(meta.Config{Logger: logger, KV: kv})
	require.NoError(t, store.PutNode(models.ClusterNode{Address: self, Rack: 1, AvailableBytes: 1000, Priority: 1}))
	require.NoError(t, store.PutNode(models.ClusterNode{Address: "10.0.0.2", Rack: 2, AvailableBytes: 1000, Priority: 2}))

	pipe := ipc.NewPipe(ipc.Config{Logger: logger})
	applier := cluster.NewApplier(cluster.ApplierConfig{Logger: logger, Store: store, Pipe: pipe, Self: self})
	root := t.TempDir()
	chunks, err := storage.New(storage.Config{Logger: logger, Root: root, Self: self, Store: store})
	require.NoError(t, err)

	svc := New(Config{
		Logger:             logger,
		Self:               self,
		Store:              store,
		KV:                 kv,
		Chunks:             chunks,
		Pipe:               pipe,
		Applier:            applier,
		Placement:          config.Placement{ChunkSize: 64, ReplicationFactor: 2},
		RequireCoordinator: requireCoordinator,
	})
	svc.handle(context.Background(), ipc.StartClientService{})
	return &fixture{svc: svc, store: store, pipe: pipe, applier: applier, root: root}
}

// gossiped drains the mutations queued for the membership side.
func (f *fixture) gossiped() []wire.Envelope {
	var out []wire.Envelope
	for len(f.pipe.MembershipInbox()) > 0 {
		if m, ok := (<-f.pipe.MembershipInbox()).(ipc.Mutation); ok {
			out = append(out, m.Envelope)
		}
	}
	return out
}

// settle handles whatever the applier asked of the client side.
func (f *fixture) settle() {
	for len(f.pipe.ClientInbox()) > 0 {
		f.svc.handle(context.Background(), <-f.pipe.ClientInbox())
	}
}

func TestNotReady(t *testing.T) {
	f := newFixture(t, false)
	f.svc.ready.Store(false)
	assert.ErrorIs(t, f.svc.CreateAccount(context.Background(), "alice", "pw"), ErrNotReady)
}

func TestAccountsAndSessions(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	require.NoError(t, f.svc.CreateAccount(ctx, "alice", "correct horse"))
	assert.ErrorIs(t, f.svc.CreateAccount(ctx, "alice", "again"), ErrAccountExists)
	assert.ErrorIs(t, f.svc.CreateAccount(ctx, "a/b", "pw"), ErrInvalidName)

	acct, err := f.store.GetAccount("alice")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse", acct.Secret)

	envs := f.gossiped()
	require.Len(t, envs, 1)
	created, ok := envs[0].Body.(wire.AccountCreated)
	require.True(t, ok)
	assert.Equal(t, acct.Secret, created.Secret)
	assert.Equal(t, self, envs[0].Trail.Origin())

	root, err := f.store.RootDirectory("alice")
	require.NoError(t, err)
	level, err := f.store.DirectoryPermission("alice", root.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PermOwner, level)

	_, err = f.svc.Login("alice", "wrong")
	assert.ErrorIs(t, err, ErrBadCredentials)
	_, err = f.svc.Login("nobody", "wrong")
	assert.ErrorIs(t, err, ErrBadCredentials)

	token, err := f.svc.Login("alice", "correct horse")
	require.NoError(t, err)
	user, err := f.svc.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	require.NoError(t, f.svc.Logout(token))
	_, err = f.svc.Authenticate(token)
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestFileLifecycle(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	require.NoError(t, f.svc.CreateAccount(ctx, "alice", "pw"))
	require.NoError(t, f.svc.CreateAccount(ctx, "bob", "pw"))

	dir, err := f.svc.CreateDirectory(ctx, "alice", "alice", "docs")
	require.NoError(t, err)
	_, err = f.svc.CreateDirectory(ctx, "alice", "alice", "docs")
	assert.ErrorIs(t, err, ErrDirectoryExists)
	_, err = f.svc.CreateDirectory(ctx, "bob", "alice", "intruder")
	assert.ErrorIs(t, err, ErrNoPermission)

	file, plan, err := f.svc.CreateFile(ctx, "alice", "alice/docs", "report.txt", 150)
	require.NoError(t, err)
	assert.Equal(t, "report", file.Name)
	assert.Equal(t, "txt", file.Extension)
	assert.Equal(t, dir.ID, file.DirectoryID)
	assert.Equal(t, []placement.Placement{
		{Size: 64, Node: self},
		{Size: 64, Node: "10.0.0.2"},
		{Size: 22, Node: self},
	}, plan)
	assert.Equal(t, len(plan), file.ChunkCount)

	_, _, err = f.svc.CreateFile(ctx, "alice", "alice/docs", "report.txt", 10)
	assert.ErrorIs(t, err, ErrDuplicateFile)
	_, _, err = f.svc.CreateFile(ctx, "alice", "alice/docs", "huge.bin", 5000)
	assert.ErrorIs(t, err, placement.ErrOutOfSpace)

	_, _, err = f.svc.GetFile("alice", file.ID)
	assert.ErrorIs(t, err, meta.ErrCorruptedFile)

	first, err := f.svc.CommitChunk(ctx, "alice", file.ID, 1, strings.NewReader(strings.Repeat("a", 64)), 64)
	require.NoError(t, err)
	_, err = f.svc.CommitChunk(ctx, "alice", file.ID, 1, strings.NewReader(strings.Repeat("a", 64)), 64)
	assert.ErrorIs(t, err, ErrDuplicateChunk)
	_, err = f.svc.CommitChunk(ctx, "alice", file.ID, 4, strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, ErrSequenceInvalid)
	_, err = f.svc.CommitChunk(ctx, "bob", file.ID, 3, strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, ErrNoPermission)

	// sequence 2 lives on the other node and arrives by gossip
	require.NoError(t, f.store.Exclusive(func() error {
		_, err := f.applier.Apply(wire.ChunkCommitted{ID: 100, Sequence: 2, LocalPath: "/remote/x", Size: 64, FileID: file.ID, NodeAddress: "10.0.0.2"})
		return err
	}))
	_, err = f.svc.CommitChunk(ctx, "alice", file.ID, 3, strings.NewReader(strings.Repeat("c", 22)), 22)
	require.NoError(t, err)

	node, err := f.store.GetNode(self)
	require.NoError(t, err)
	assert.Equal(t, int64(1000-64-22), node.AvailableBytes)

	got, locations, err := f.svc.GetFile("alice", file.ID)
	require.NoError(t, err)
	assert.True(t, got.Complete)
	assert.Equal(t, []models.ChunkLocation{
		{Sequence: 1, NodeAddress: self},
		{Sequence: 2, NodeAddress: "10.0.0.2"},
		{Sequence: 3, NodeAddress: self},
	}, locations)

	_, _, err = f.svc.GetFile("bob", file.ID)
	assert.ErrorIs(t, err, ErrNoPermission)

	rc, chunk, err := f.svc.OpenChunk("alice", file.ID, 3)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("c", 22), string(data))
	assert.Equal(t, self, chunk.NodeAddress)

	_, chunk, err = f.svc.OpenChunk("alice", file.ID, 2)
	assert.ErrorIs(t, err, ErrChunkElsewhere)
	assert.Equal(t, "10.0.0.2", chunk.NodeAddress)
	_, _, err = f.svc.OpenChunk("bob", file.ID, 1)
	assert.ErrorIs(t, err, ErrNoPermission)
	assert.ErrorIs(t, f.svc.Grant(ctx, "bob", models.Permission{Username: "bob", FileID: models.Int64Ptr(file.ID), Level: models.PermOwner}), ErrNoPermission)
	require.NoError(t, f.svc.Grant(ctx, "alice", models.Permission{Username: "bob", FileID: models.Int64Ptr(file.ID), Level: models.PermReadOnly}))
	_, _, err = f.svc.GetFile("bob", file.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.RemoveFile(ctx, "bob", file.ID), ErrNoPermission)

	require.NoError(t, f.svc.RemoveFile(ctx, "alice", file.ID))
	f.settle()

	_, err = f.store.GetFile(file.ID)
	assert.ErrorIs(t, err, meta.ErrNotFound)
	_, err = os.Stat(first.LocalPath)
	assert.True(t, os.IsNotExist(err), "local chunk file removed")

	node, err = f.store.GetNode(self)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), node.AvailableBytes)

	var kinds []wire.Kind
	for _, env := range f.gossiped() {
		kinds = append(kinds, env.Kind())
	}
	assert.Contains(t, kinds, wire.KindFileRemoved)
	assert.Contains(t, kinds, wire.KindChunkCommitted)
	assert.Contains(t, kinds, wire.KindNodeUpdated)
}

func TestRequireCoordinator(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.CreateAccount(ctx, "alice", "pw"), ErrNotCoordinator)

	f.svc.handle(ctx, ipc.CoordinatorStatus{IsCoordinator: true, Coordinator: self})
	assert.True(t, f.svc.IsCoordinator())
	require.NoError(t, f.svc.CreateAccount(ctx, "alice", "pw"))
}

func TestReplicas(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.store.PutNode(models.ClusterNode{Address: "10.0.0.3", Rack: 1, AvailableBytes: 1000, Priority: 3}))

	require.NoError(t, f.svc.CreateAccount(ctx, "alice", "pw"))
	file, _, err := f.svc.CreateFile(ctx, "alice", "alice", "data", 10)
	require.NoError(t, err)
	_, err = f.svc.CommitChunk(ctx, "alice", file.ID, 1, strings.NewReader("0123456789"), 10)
	require.NoError(t, err)

	replicas, err := f.svc.Replicas(file.ID, 1)
	require.NoError(t, err)
	require.Len(t, replicas, 1)
	assert.Equal(t, "10.0.0.2", replicas[0].Address, "another rack first")

	_, err = f.svc.Replicas(file.ID, 2)
	assert.ErrorIs(t, err, meta.ErrNotFound)
}

// chunkIDFailure breaks chunk id allocation once armed.
type chunkIDFailure struct {
	tkv.TKV
	armed atomic.Bool
}

func (k *chunkIDFailure) NextID(name string) (int64, error) {
	if name == meta.SeqChunk && k.armed.Load() {
		return 0, errors.New("sequence unavailable")
	}
	return k.TKV.NextID(name)
}

func TestCommitChunkRollsBack(t *testing.T) {
	failing := &chunkIDFailure{}
	f := newFixtureKV(t, false, func(kv tkv.TKV) tkv.TKV {
		failing.TKV = kv
		return failing
	})
	ctx := context.Background()

	require.NoError(t, f.svc.CreateAccount(ctx, "alice", "pw"))
	file, _, err := f.svc.CreateFile(ctx, "alice", "alice", "notes.txt", 10)
	require.NoError(t, err)

	failing.armed.Store(true)
	_, err = f.svc.CommitChunk(ctx, "alice", file.ID, 1, strings.NewReader("0123456789"), 10)
	require.Error(t, err)

	node, err := f.store.GetNode(self)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), node.AvailableBytes, "reserved bytes released")
	entries, err := os.ReadDir(f.root)
	require.NoError(t, err)
	assert.Empty(t, entries, "chunk file and checksum removed")
	has, err := f.store.HasChunk(file.ID, 1, self)
	require.NoError(t, err)
	assert.False(t, has)

	failing.armed.Store(false)
	_, err = f.svc.CommitChunk(ctx, "alice", file.ID, 1, strings.NewReader("0123456789"), 10)
	require.NoError(t, err)
	node, err = f.store.GetNode(self)
	require.NoError(t, err)
	assert.Equal(t, int64(990), node.AvailableBytes)
}

func TestCreateFileNormalizesName(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.svc.CreateAccount(ctx, "alice", "pw"))

	_, _, err := f.svc.CreateFile(ctx, "alice", "alice", "a", 10)
	require.NoError(t, err)
	_, _, err = f.svc.CreateFile(ctx, "alice", "alice", "a.", 10)
	assert.ErrorIs(t, err, ErrDuplicateFile)
}
