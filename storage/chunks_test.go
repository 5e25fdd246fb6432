package storage

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/InsulaLabs/ringfs/db/meta"
	"github.com/InsulaLabs/ringfs/db/models"
	"github.com/InsulaLabs/ringfs/db/tkv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChunkStore(t *testing.T, capacity int64) (*ChunkStore, *meta.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	kv, err := tkv.New(tkv.Config{Logger: logger, BadgerLogLevel: slog.LevelError, InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	store := meta.New(meta.Config{Logger: logger, KV: kv})
	require.NoError(t, store.PutNode(models.ClusterNode{Address: "10.0.0.1", AvailableBytes: capacity}))

	cs, err := New(Config{Logger: logger, Root: t.TempDir(), Self: "10.0.0.1", Store: store})
	require.NoError(t, err)
	return cs, store
}

func TestWriteAndOpen(t *testing.T) {
	cs, _ := newTestChunkStore(t, 100)

	stored, err := cs.Write(strings.NewReader("hello chunk"), 11)
	require.NoError(t, err)
	assert.Equal(t, int64(11), stored.Size)
	assert.Equal(t, cs.Root(), filepath.Dir(stored.Path))
	assert.Len(t, stored.SHA256, 64)

	r, err := cs.Open(stored.Path)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello chunk", string(data))

	other, err := cs.Write(strings.NewReader("hello chunk"), 11)
	require.NoError(t, err)
	assert.NotEqual(t, stored.Path, other.Path)
}

func TestWriteSizeMismatch(t *testing.T) {
	cs, _ := newTestChunkStore(t, 100)

	for name, input := range map[string]string{"short": "abc", "long": "abcdefgh"} {
		t.Run(name, func(t *testing.T) {
			_, err := cs.Write(strings.NewReader(input), 5)
			assert.ErrorIs(t, err, ErrChunkSizeInvalid)
		})
	}

	entries, err := os.ReadDir(cs.Root())
	require.NoError(t, err)
	assert.Empty(t, entries, "failed writes leave nothing behind")
}

func TestVerifyDetectsTampering(t *testing.T) {
	cs, _ := newTestChunkStore(t, 100)

	stored, err := cs.Write(bytes.NewReader([]byte{1, 2, 3}), 3)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(stored.Path, []byte{1, 2, 4}, 0644))

	assert.ErrorIs(t, cs.Verify(stored.Path), ErrChecksumMismatch)
	_, err = cs.Open(stored.Path)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	assert.ErrorIs(t, cs.Verify("/etc/passwd"), ErrOutsideRoot)
}

func TestCapacityAccounting(t *testing.T) {
	cs, store := newTestChunkStore(t, 100)

	node, err := cs.Reserve(64)
	require.NoError(t, err)
	assert.Equal(t, int64(36), node.AvailableBytes)

	_, err = cs.Reserve(40)
	assert.ErrorIs(t, err, meta.ErrCapacityExceeded)

	stored, err := cs.Write(strings.NewReader(strings.Repeat("x", 64)), 64)
	require.NoError(t, err)

	node, err = cs.RemoveChunkFile(stored.Path, stored.Size)
	require.NoError(t, err)
	assert.Equal(t, int64(100), node.AvailableBytes)
	_, err = os.Stat(stored.Path)
	assert.True(t, os.IsNotExist(err))

	recorded, err := store.GetNode("10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), recorded.AvailableBytes)

	_, err = cs.RemoveChunkFile(filepath.Join(cs.Root(), "..", "escape"), 1)
	assert.ErrorIs(t, err, ErrOutsideRoot)
}
