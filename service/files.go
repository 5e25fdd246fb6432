package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/InsulaLabs/ringfs/db/meta"
	"github.com/InsulaLabs/ringfs/db/models"
	"github.com/InsulaLabs/ringfs/placement"
	"github.com/InsulaLabs/ringfs/wire"
)

func nodeUpdate(n models.ClusterNode) wire.NodeUpdated {
	return wire.NodeUpdated{
		Address:        n.Address,
		AvailableBytes: n.AvailableBytes,
		Rack:           n.Rack,
		Priority:       n.Priority,
	}
}

func validName(name string) bool {
	return name != "" && !strings.Contains(name, "/") && name != models.RootDirName
}

// directoryLevel is the caller's grant on a directory. A missing grant is
// ErrNoPermission.
func (s *Service) directoryLevel(username string, dirID int64) (models.PermissionLevel, error) {
	level, err := s.store.DirectoryPermission(username, dirID)
	if errors.Is(err, meta.ErrNotFound) {
		return "", ErrNoPermission
	}
	return level, err
}

// fileLevel is the caller's grant on a file, falling back to the grant on
// the directory holding it.
func (s *Service) fileLevel(username string, f models.FileEntry) (models.PermissionLevel, error) {
	level, err := s.store.FilePermission(username, f.ID)
	if err == nil {
		return level, nil
	}
	if !errors.Is(err, meta.ErrNotFound) {
		return "", err
	}
	return s.directoryLevel(username, f.DirectoryID)
}

// CreateDirectory makes name under the directory at parentPath
// ("account/dir/sub").
func (s *Service) CreateDirectory(ctx context.Context, username, parentPath, name string) (models.Directory, error) {
	if err := s.guard(); err != nil {
		return models.Directory{}, err
	}
	if !validName(name) {
		return models.Directory{}, ErrInvalidName
	}

	parent, err := s.store.ResolvePath(parentPath)
	if err != nil {
		return models.Directory{}, err
	}
	level, err := s.directoryLevel(username, parent.ID)
	if err != nil {
		return models.Directory{}, err
	}
	if !level.CanWrite() {
		return models.Directory{}, ErrNoPermission
	}

	_, err = s.store.ChildDirectory(parent.ID, name)
	if err == nil {
		return models.Directory{}, ErrDirectoryExists
	}
	if !errors.Is(err, meta.ErrNotFound) {
		return models.Directory{}, err
	}

	id, err := s.store.NextID(meta.SeqDirectory)
	if err != nil {
		return models.Directory{}, err
	}
	err = s.commit(ctx, wire.DirCreated{ID: id, Name: name, ParentID: parent.ID, Owner: username})
	if err != nil {
		return models.Directory{}, err
	}
	return models.Directory{ID: id, Name: name, ParentID: models.Int64Ptr(parent.ID), Owner: username}, nil
}

// CreateFile records a new file of size bytes in the directory at dirPath
// and plans where its chunks go. The file holds no bytes yet; the returned
// plan has one entry per chunk, in sequence order.
func (s *Service) CreateFile(ctx context.Context, username, dirPath, fullName string, size int64) (models.FileEntry, []placement.Placement, error) {
	if err := s.guard(); err != nil {
		return models.FileEntry{}, nil, err
	}
	name, ext := models.SplitFileName(fullName)
	if !validName(name) {
		return models.FileEntry{}, nil, ErrInvalidName
	}

	dir, err := s.store.ResolvePath(dirPath)
	if err != nil {
		return models.FileEntry{}, nil, err
	}
	level, err := s.directoryLevel(username, dir.ID)
	if err != nil {
		return models.FileEntry{}, nil, err
	}
	if !level.CanWrite() {
		return models.FileEntry{}, nil, ErrNoPermission
	}

	_, err = s.store.FindFile(dir.ID, models.FileEntry{Name: name, Extension: ext}.FullName())
	if err == nil {
		return models.FileEntry{}, nil, ErrDuplicateFile
	}
	if !errors.Is(err, meta.ErrNotFound) {
		return models.FileEntry{}, nil, err
	}

	nodes, err := s.store.ListNodes()
	if err != nil {
		return models.FileEntry{}, nil, err
	}
	plan, err := placement.PlanChunks(size, nodes, s.placement.ChunkSize)
	if err != nil {
		return models.FileEntry{}, nil, err
	}

	id, err := s.store.NextID(meta.SeqFile)
	if err != nil {
		return models.FileEntry{}, nil, err
	}
	f := models.FileEntry{ID: id, Name: name, Extension: ext, DirectoryID: dir.ID, ChunkCount: len(plan)}
	err = s.commit(ctx, wire.FileCreated{
		ID:          f.ID,
		Name:        f.Name,
		Extension:   f.Extension,
		DirectoryID: f.DirectoryID,
		ChunkCount:  f.ChunkCount,
		Owner:       username,
	})
	if err != nil {
		return models.FileEntry{}, nil, err
	}
	s.logger.Info("file created", "file", id, "name", fullName, "chunks", len(plan))
	return f, plan, nil
}

// CommitChunk stores sequence of a file on this node once its bytes have
// arrived, charging this node's capacity.
func (s *Service) CommitChunk(ctx context.Context, username string, fileID int64, sequence int, r io.Reader, size int64) (models.Chunk, error) {
	if err := s.guard(); err != nil {
		return models.Chunk{}, err
	}

	f, err := s.store.GetFile(fileID)
	if err != nil {
		return models.Chunk{}, err
	}
	if sequence < 1 || sequence > f.ChunkCount {
		return models.Chunk{}, fmt.Errorf("%w: %d of %d", ErrSequenceInvalid, sequence, f.ChunkCount)
	}
	level, err := s.fileLevel(username, f)
	if err != nil {
		return models.Chunk{}, err
	}
	if !level.CanWrite() {
		return models.Chunk{}, ErrNoPermission
	}

	dup, err := s.store.HasChunk(fileID, sequence, s.self)
	if err != nil {
		return models.Chunk{}, err
	}
	if dup {
		return models.Chunk{}, ErrDuplicateChunk
	}

	node, err := s.chunks.Reserve(size)
	if err != nil {
		return models.Chunk{}, err
	}
	stored, err := s.chunks.Write(r, size)
	if err != nil {
		if _, relErr := s.chunks.Release(size); relErr != nil {
			s.logger.Error("releasing capacity after failed write", "error", relErr)
		}
		return models.Chunk{}, err
	}
	recorded := false
	defer func() {
		if recorded {
			return
		}
		if _, err := s.chunks.RemoveChunkFile(stored.Path, size); err != nil {
			s.logger.Error("rolling back uncommitted chunk", "path", stored.Path, "error", err)
		}
	}()

	id, err := s.store.NextID(meta.SeqChunk)
	if err != nil {
		return models.Chunk{}, err
	}
	c := models.Chunk{
		ID:          id,
		Sequence:    sequence,
		LocalPath:   stored.Path,
		Size:        stored.Size,
		FileID:      fileID,
		NodeAddress: s.self,
	}
	bodies := []wire.Payload{
		wire.ChunkCommitted{
			ID:          c.ID,
			Sequence:    c.Sequence,
			LocalPath:   c.LocalPath,
			Size:        c.Size,
			FileID:      c.FileID,
			NodeAddress: c.NodeAddress,
		},
		nodeUpdate(node),
	}
	if err := s.applyLocal(bodies...); err != nil {
		return models.Chunk{}, err
	}
	// the chunk is on record from here on, even if gossip fails
	recorded = true
	if err := s.submit(ctx, bodies...); err != nil {
		return models.Chunk{}, err
	}
	return c, nil
}

// RemoveFile deletes a file everywhere. Each node drops its own chunk files
// when the removal reaches it.
func (s *Service) RemoveFile(ctx context.Context, username string, fileID int64) error {
	if err := s.guard(); err != nil {
		return err
	}
	f, err := s.store.GetFile(fileID)
	if err != nil {
		return err
	}
	level, err := s.fileLevel(username, f)
	if err != nil {
		return err
	}
	if level != models.PermOwner {
		return ErrNoPermission
	}
	return s.commit(ctx, wire.FileRemoved{FileID: fileID})
}

// Grant gives grantee a level on a directory or a file. Only an owner of
// the resource may grant.
func (s *Service) Grant(ctx context.Context, owner string, p models.Permission) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if _, err := s.store.GetAccount(p.Username); err != nil {
		return err
	}

	var level models.PermissionLevel
	var err error
	if p.DirectoryID != nil {
		if _, err := s.store.GetDirectory(*p.DirectoryID); err != nil {
			return err
		}
		level, err = s.directoryLevel(owner, *p.DirectoryID)
	} else {
		var f models.FileEntry
		if f, err = s.store.GetFile(*p.FileID); err != nil {
			return err
		}
		level, err = s.fileLevel(owner, f)
	}
	if err != nil {
		return err
	}
	if level != models.PermOwner {
		return ErrNoPermission
	}

	return s.commit(ctx, wire.PermissionGranted{
		Username:    p.Username,
		DirectoryID: p.DirectoryID,
		FileID:      p.FileID,
		Level:       string(p.Level),
	})
}

// GetFile lists which node serves each chunk of a file, in sequence order.
func (s *Service) GetFile(username string, fileID int64) (models.FileEntry, []models.ChunkLocation, error) {
	f, err := s.store.GetFile(fileID)
	if err != nil {
		return models.FileEntry{}, nil, err
	}
	level, err := s.fileLevel(username, f)
	if err != nil {
		return models.FileEntry{}, nil, err
	}
	if !level.CanRead() {
		return models.FileEntry{}, nil, ErrNoPermission
	}

	locations, err := s.store.ChunkLocations(f)
	if err != nil {
		return models.FileEntry{}, nil, err
	}
	f.Complete = true
	return f, locations, nil
}

// Replicas picks where copies of a committed chunk should go.
func (s *Service) Replicas(fileID int64, sequence int) ([]models.ClusterNode, error) {
	chunks, err := s.store.ListChunks(fileID)
	if err != nil {
		return nil, err
	}
	var primary string
	for _, c := range chunks {
		if c.Sequence == sequence {
			primary = c.NodeAddress
			break
		}
	}
	if primary == "" {
		return nil, fmt.Errorf("%w: no chunk %d of file %d", meta.ErrNotFound, sequence, fileID)
	}

	nodes, err := s.store.ListNodes()
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if n.Address == primary {
			return placement.PlanReplicas(n, s.placement.ChunkSize, nodes, s.placement.ReplicationFactor), nil
		}
	}
	return nil, fmt.Errorf("%w: node %s holding chunk %d", meta.ErrNotFound, primary, sequence)
}

// OpenChunk returns the bytes of a chunk hosted here. When every copy lives
// on other nodes the returned chunk names one of them alongside
// ErrChunkElsewhere.
func (s *Service) OpenChunk(username string, fileID int64, sequence int) (io.ReadCloser, models.Chunk, error) {
	f, err := s.store.GetFile(fileID)
	if err != nil {
		return nil, models.Chunk{}, err
	}
	level, err := s.fileLevel(username, f)
	if err != nil {
		return nil, models.Chunk{}, err
	}
	if !level.CanRead() {
		return nil, models.Chunk{}, ErrNoPermission
	}

	chunks, err := s.store.ListChunks(fileID)
	if err != nil {
		return nil, models.Chunk{}, err
	}
	var remote *models.Chunk
	for i, c := range chunks {
		if c.Sequence != sequence {
			continue
		}
		if c.NodeAddress != s.self {
			if remote == nil {
				remote = &chunks[i]
			}
			continue
		}
		rc, err := s.chunks.Open(c.LocalPath)
		if err != nil {
			return nil, c, err
		}
		return rc, c, nil
	}
	if remote != nil {
		return nil, *remote, ErrChunkElsewhere
	}
	return nil, models.Chunk{}, fmt.Errorf("%w: no chunk %d of file %d", meta.ErrNotFound, sequence, fileID)
}
