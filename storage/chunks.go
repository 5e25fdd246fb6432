package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/InsulaLabs/ringfs/db/meta"
	"github.com/InsulaLabs/ringfs/db/models"
	"github.com/google/uuid"
)

const checksumSuffix = ".sha256"

var (
	ErrOutsideRoot      = errors.New("chunk path is outside the storage root")
	ErrChunkSizeInvalid = errors.New("chunk size does not match the bytes received")
	ErrChecksumMismatch = errors.New("chunk checksum mismatch")
)

type Config struct {
	Logger *slog.Logger
	Root   string
	Self   string // address whose capacity the chunks count against
	Store  *meta.Store
}

// ChunkStore keeps the chunk files hosted by this node, one file per chunk
// named by a random uuid, with its sha256 next to it.
type ChunkStore struct {
	logger *slog.Logger
	root   string
	self   string
	store  *meta.Store
}

// Stored describes a chunk file after a successful write.
type Stored struct {
	Path   string
	Size   int64
	SHA256 string
}

func New(cfg Config) (*ChunkStore, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	return &ChunkStore{
		logger: cfg.Logger.WithGroup("storage"),
		root:   root,
		self:   cfg.Self,
		store:  cfg.Store,
	}, nil
}

func (s *ChunkStore) Root() string {
	return s.root
}

// NewPath allocates the local path for a chunk that is about to arrive.
func (s *ChunkStore) NewPath() string {
	return filepath.Join(s.root, uuid.New().String())
}

func (s *ChunkStore) checkPath(path string) error {
	clean := filepath.Clean(path)
	if !strings.HasPrefix(clean, s.root+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return nil
}

// Write copies exactly size bytes from r into a new chunk file.
func (s *ChunkStore) Write(r io.Reader, size int64) (Stored, error) {
	path := s.NewPath()
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return Stored{}, fmt.Errorf("creating chunk file: %w", err)
	}

	hasher := sha256.New()
	// one extra byte tells an oversized stream apart from an exact one
	written, err := io.Copy(io.MultiWriter(dst, hasher), io.LimitReader(r, size+1))
	closeErr := dst.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && written != size {
		err = fmt.Errorf("%w: expected %d bytes, got %d", ErrChunkSizeInvalid, size, written)
	}
	if err != nil {
		os.Remove(path)
		return Stored{}, err
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if err := os.WriteFile(path+checksumSuffix, []byte(sum), 0644); err != nil {
		os.Remove(path)
		return Stored{}, fmt.Errorf("writing chunk checksum: %w", err)
	}

	s.logger.Debug("chunk written", "path", path, "size", size)
	return Stored{Path: path, Size: size, SHA256: sum}, nil
}

// Open returns the chunk's bytes after checking them against the stored sum.
func (s *ChunkStore) Open(path string) (io.ReadCloser, error) {
	if err := s.Verify(path); err != nil {
		return nil, err
	}
	return os.Open(path)
}

func (s *ChunkStore) Verify(path string) error {
	if err := s.checkPath(path); err != nil {
		return err
	}
	want, err := os.ReadFile(path + checksumSuffix)
	if err != nil {
		return fmt.Errorf("reading chunk checksum: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening chunk: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return fmt.Errorf("hashing chunk: %w", err)
	}
	if hex.EncodeToString(hasher.Sum(nil)) != strings.TrimSpace(string(want)) {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, path)
	}
	return nil
}

// Reserve takes size bytes from this node's recorded capacity.
func (s *ChunkStore) Reserve(size int64) (models.ClusterNode, error) {
	var node models.ClusterNode
	err := s.store.Exclusive(func() error {
		var err error
		node, err = s.store.AdjustCapacity(s.self, -size)
		return err
	})
	return node, err
}

// Release gives size bytes back to this node's recorded capacity.
func (s *ChunkStore) Release(size int64) (models.ClusterNode, error) {
	var node models.ClusterNode
	err := s.store.Exclusive(func() error {
		var err error
		node, err = s.store.AdjustCapacity(s.self, size)
		return err
	})
	return node, err
}

// RemoveChunkFile deletes a local chunk file and returns its bytes to the
// node's capacity. A file that is already gone still releases its bytes.
func (s *ChunkStore) RemoveChunkFile(path string, size int64) (models.ClusterNode, error) {
	if err := s.checkPath(path); err != nil {
		return models.ClusterNode{}, err
	}
	for _, p := range []string{path, path + checksumSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return models.ClusterNode{}, fmt.Errorf("removing chunk file: %w", err)
		}
	}
	node, err := s.Release(size)
	if err != nil {
		return node, err
	}
	s.logger.Debug("chunk file removed", "path", path, "size", size, "available", node.AvailableBytes)
	return node, nil
}
