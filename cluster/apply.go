package cluster

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/InsulaLabs/ringfs/db/meta"
	"github.com/InsulaLabs/ringfs/db/models"
	"github.com/InsulaLabs/ringfs/ipc"
	"github.com/InsulaLabs/ringfs/wire"
)

type ApplierConfig struct {
	Logger *slog.Logger
	Store  *meta.Store
	Pipe   *ipc.Pipe
	Self   string
}

// Applier turns a mutation into metadata writes. The same code runs for
// mutations made locally and for mutations received by gossip, so every
// replica converges on the same records. Apply is an upsert: applying a
// mutation twice leaves the store as applying it once.
//
// Callers must hold the store's exclusive guard.
type Applier struct {
	logger *slog.Logger
	store  *meta.Store
	pipe   *ipc.Pipe
	self   string
}

func NewApplier(cfg ApplierConfig) *Applier {
	return &Applier{
		logger: cfg.Logger.WithGroup("apply"),
		store:  cfg.Store,
		pipe:   cfg.Pipe,
		self:   cfg.Self,
	}
}

// Apply writes body to the store. nodesChanged reports whether the cluster
// node set was touched, which calls for a new election.
func (a *Applier) Apply(body wire.Payload) (nodesChanged bool, err error) {
	a.logger.Debug("Applying mutation", "kind", body.Kind())

	switch p := body.(type) {
	case wire.NodeUpdated:
		err := a.store.PutNode(models.ClusterNode{
			Address:        p.Address,
			Rack:           p.Rack,
			AvailableBytes: p.AvailableBytes,
			Priority:       p.Priority,
			LastSeen:       time.Now().UTC(),
		})
		if err != nil {
			return false, fmt.Errorf("node-updated %s: %w", p.Address, err)
		}
		return true, nil

	case wire.NodeRemoved:
		if p.Address == a.self {
			a.logger.Warn("Ignoring removal of self", "address", p.Address)
			return false, nil
		}
		existed, err := a.store.RemoveNode(p.Address)
		if err != nil {
			return false, fmt.Errorf("node-removed %s: %w", p.Address, err)
		}
		return existed, nil

	case wire.AccountCreated:
		return false, a.applyAccount(p)

	case wire.DirCreated:
		err := a.store.PutDirectory(models.Directory{
			ID:       p.ID,
			Name:     p.Name,
			ParentID: models.Int64Ptr(p.ParentID),
			Owner:    p.Owner,
		})
		if err != nil {
			return false, fmt.Errorf("dir-created %d: %w", p.ID, err)
		}
		err = a.store.PutPermission(models.Permission{
			Username:    p.Owner,
			DirectoryID: models.Int64Ptr(p.ID),
			Level:       models.PermOwner,
		})
		if err != nil {
			return false, fmt.Errorf("dir-created %d owner permission: %w", p.ID, err)
		}
		return false, nil

	case wire.FileCreated:
		err := a.store.PutFile(models.FileEntry{
			ID:          p.ID,
			Name:        p.Name,
			Extension:   p.Extension,
			DirectoryID: p.DirectoryID,
			ChunkCount:  p.ChunkCount,
		})
		if err != nil {
			return false, fmt.Errorf("file-created %d: %w", p.ID, err)
		}
		err = a.store.PutPermission(models.Permission{
			Username: p.Owner,
			FileID:   models.Int64Ptr(p.ID),
			Level:    models.PermOwner,
		})
		if err != nil {
			return false, fmt.Errorf("file-created %d owner permission: %w", p.ID, err)
		}
		return false, nil

	case wire.FileRemoved:
		chunks, err := a.store.RemoveFile(p.FileID)
		if err != nil {
			return false, fmt.Errorf("file-removed %d: %w", p.FileID, err)
		}
		for _, c := range chunks {
			a.releaseLocal(c)
		}
		return false, nil

	case wire.ChunkCommitted:
		err := a.store.PutChunk(models.Chunk{
			ID:          p.ID,
			Sequence:    p.Sequence,
			LocalPath:   p.LocalPath,
			Size:        p.Size,
			FileID:      p.FileID,
			NodeAddress: p.NodeAddress,
		})
		if err != nil {
			return false, fmt.Errorf("chunk-committed %d: %w", p.ID, err)
		}
		return false, nil

	case wire.ChunkRemoved:
		c, err := a.store.RemoveChunk(p.FileID, p.ChunkID)
		if errors.Is(err, meta.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("chunk-removed %d: %w", p.ChunkID, err)
		}
		a.releaseLocal(c)
		return false, nil

	case wire.PermissionGranted:
		err := a.store.PutPermission(models.Permission{
			Username:    p.Username,
			DirectoryID: p.DirectoryID,
			FileID:      p.FileID,
			Level:       models.PermissionLevel(p.Level),
		})
		if err != nil {
			return false, fmt.Errorf("permission-granted for %s: %w", p.Username, err)
		}
		return false, nil
	}

	return false, fmt.Errorf("%w: %s is not a mutation", wire.ErrMalformed, body.Kind())
}

// applyAccount creates the account with its root directory and owner
// permission. An account that already exists only has its secret replaced.
func (a *Applier) applyAccount(p wire.AccountCreated) error {
	existing, err := a.store.GetAccount(p.Username)
	switch {
	case err == nil:
		existing.Secret = p.Secret
		if err := a.store.PutAccount(existing); err != nil {
			return fmt.Errorf("account-created %s update: %w", p.Username, err)
		}
		return nil
	case !errors.Is(err, meta.ErrNotFound):
		return fmt.Errorf("account-created %s: %w", p.Username, err)
	}

	if err := a.store.PutAccount(models.Account{Username: p.Username, Secret: p.Secret}); err != nil {
		return fmt.Errorf("account-created %s: %w", p.Username, err)
	}
	err = a.store.PutDirectory(models.Directory{
		ID:    p.RootDirID,
		Name:  models.RootDirName,
		Owner: p.Username,
	})
	if err != nil {
		return fmt.Errorf("account-created %s root directory: %w", p.Username, err)
	}
	err = a.store.PutPermission(models.Permission{
		Username:    p.Username,
		DirectoryID: models.Int64Ptr(p.RootDirID),
		Level:       models.PermOwner,
	})
	if err != nil {
		return fmt.Errorf("account-created %s root permission: %w", p.Username, err)
	}
	return nil
}

func (a *Applier) releaseLocal(c models.Chunk) {
	if c.NodeAddress != a.self {
		return
	}
	a.pipe.NotifyClient(ipc.DeleteChunkFile{Path: c.LocalPath, Size: c.Size})
}
