package meta

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/InsulaLabs/ringfs/db/models"
	"github.com/InsulaLabs/ringfs/db/tkv"
	"github.com/pkg/errors"
)

/*
	Key layout

	node/<addr>                      ClusterNode
	account/<user>                   Account
	dir/<id>                         Directory
	dirroot/<user>                   id of the account root
	dirchild/<parent>/<name>         id of a child directory
	file/<id>                        FileEntry
	fileidx/<dir>/<name.ext>         id of a file in a directory
	perm/<user>/d/<id>               Permission on a directory
	perm/<user>/f/<id>               Permission on a file
	chunk/<file>/<chunk>             Chunk
*/

const (
	SeqDirectory = "dir"
	SeqFile      = "file"
	SeqChunk     = "chunk"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrCorruptedFile    = errors.New("corrupted file: chunk sequence incomplete")
	ErrInvalidPath      = errors.New("invalid directory path")
)

type Config struct {
	Logger *slog.Logger
	KV     tkv.TKV
}

// Store is the entity layer over the node's key/value store. It has no
// network awareness. Writes that must not interleave with gossip apply or
// recovery go through Exclusive.
type Store struct {
	logger *slog.Logger
	kv     tkv.TKV
	mu     sync.Mutex
}

func New(cfg Config) *Store {
	return &Store{
		logger: cfg.Logger.WithGroup("meta"),
		kv:     cfg.KV,
	}
}

// Exclusive runs fn while holding the node's metadata write guard.
func (s *Store) Exclusive(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func (s *Store) NextID(seq string) (int64, error) {
	id, err := s.kv.NextID(seq)
	return id, errors.Wrapf(err, "allocating %s id", seq)
}

func (s *Store) Snapshot() ([]byte, error) {
	dump, err := s.kv.Backup()
	return dump, errors.Wrap(err, "taking metadata snapshot")
}

func (s *Store) LoadSnapshot(dump []byte) error {
	return errors.Wrap(s.kv.Restore(dump), "loading metadata snapshot")
}

// -------------------------- helpers

func idKey(prefix string, id int64) string {
	return prefix + strconv.FormatInt(id, 10)
}

func (s *Store) put(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", key)
	}
	return errors.Wrapf(s.kv.Set(key, string(raw)), "writing %s", key)
}

func (s *Store) load(key string, v any) error {
	raw, err := s.kv.Get(key)
	if err != nil {
		var nf *tkv.ErrKeyNotFound
		if errors.As(err, &nf) {
			return errors.Wrap(ErrNotFound, key)
		}
		return errors.Wrapf(err, "reading %s", key)
	}
	return errors.Wrapf(json.Unmarshal([]byte(raw), v), "decoding %s", key)
}

func (s *Store) loadID(key string) (int64, error) {
	raw, err := s.kv.Get(key)
	if err != nil {
		var nf *tkv.ErrKeyNotFound
		if errors.As(err, &nf) {
			return 0, errors.Wrap(ErrNotFound, key)
		}
		return 0, errors.Wrapf(err, "reading %s", key)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	return id, errors.Wrapf(err, "index %s", key)
}

func scanAll[T any](s *Store, prefix string) ([]T, error) {
	entries, err := s.kv.Scan(prefix)
	if err != nil {
		return nil, errors.Wrapf(err, "scanning %s", prefix)
	}
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		var v T
		if err := json.Unmarshal([]byte(e.Value), &v); err != nil {
			return nil, errors.Wrapf(err, "decoding %s", e.Key)
		}
		out = append(out, v)
	}
	return out, nil
}

// -------------------------- nodes

func (s *Store) PutNode(n models.ClusterNode) error {
	return s.put("node/"+n.Address, n)
}

func (s *Store) GetNode(address string) (models.ClusterNode, error) {
	var n models.ClusterNode
	err := s.load("node/"+address, &n)
	return n, err
}

// RemoveNode reports whether a record existed.
func (s *Store) RemoveNode(address string) (bool, error) {
	if _, err := s.GetNode(address); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, errors.Wrapf(s.kv.Delete("node/"+address), "removing node %s", address)
}

// ListNodes returns every known node ordered by address.
func (s *Store) ListNodes() ([]models.ClusterNode, error) {
	nodes, err := scanAll[models.ClusterNode](s, "node/")
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Address < nodes[j].Address })
	return nodes, nil
}

// AdjustCapacity adds delta to a node's available bytes. A result below zero
// fails with ErrCapacityExceeded and leaves the record untouched.
func (s *Store) AdjustCapacity(address string, delta int64) (models.ClusterNode, error) {
	n, err := s.GetNode(address)
	if err != nil {
		return n, err
	}
	if n.AvailableBytes+delta < 0 {
		return n, errors.Wrapf(ErrCapacityExceeded, "node %s has %d bytes, needs %d", address, n.AvailableBytes, -delta)
	}
	n.AvailableBytes += delta
	return n, s.PutNode(n)
}

// -------------------------- accounts

func (s *Store) PutAccount(a models.Account) error {
	return s.put("account/"+a.Username, a)
}

func (s *Store) GetAccount(username string) (models.Account, error) {
	var a models.Account
	err := s.load("account/"+username, &a)
	return a, err
}

// -------------------------- directories

// PutDirectory upserts a directory and its lookup index.
func (s *Store) PutDirectory(d models.Directory) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "encoding directory")
	}
	var index string
	if d.IsRoot() {
		index = "dirroot/" + d.Owner
	} else {
		index = "dirchild/" + strconv.FormatInt(*d.ParentID, 10) + "/" + d.Name
	}
	id := strconv.FormatInt(d.ID, 10)
	if err := s.kv.BatchSet([]tkv.TKVBatchEntry{
		{Key: idKey("dir/", d.ID), Value: string(raw)},
		{Key: index, Value: id},
	}); err != nil {
		return errors.Wrapf(err, "writing directory %d", d.ID)
	}
	return errors.Wrap(s.kv.ObserveID(SeqDirectory, d.ID), "observing directory id")
}

func (s *Store) GetDirectory(id int64) (models.Directory, error) {
	var d models.Directory
	err := s.load(idKey("dir/", id), &d)
	return d, err
}

func (s *Store) RootDirectory(username string) (models.Directory, error) {
	id, err := s.loadID("dirroot/" + username)
	if err != nil {
		return models.Directory{}, err
	}
	return s.GetDirectory(id)
}

func (s *Store) ChildDirectory(parentID int64, name string) (models.Directory, error) {
	id, err := s.loadID("dirchild/" + strconv.FormatInt(parentID, 10) + "/" + name)
	if err != nil {
		return models.Directory{}, err
	}
	return s.GetDirectory(id)
}

// ResolvePath walks "account/dir/sub" down from the account's root. A bare
// account name resolves to the root.
func (s *Store) ResolvePath(path string) (models.Directory, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if parts[0] == "" {
		return models.Directory{}, ErrInvalidPath
	}
	dir, err := s.RootDirectory(parts[0])
	if err != nil {
		return dir, errors.Wrapf(err, "resolving %q", path)
	}
	for _, name := range parts[1:] {
		if name == "" {
			return models.Directory{}, ErrInvalidPath
		}
		dir, err = s.ChildDirectory(dir.ID, name)
		if err != nil {
			return dir, errors.Wrapf(err, "resolving %q", path)
		}
	}
	return dir, nil
}

// -------------------------- files

func fileIndexKey(dirID int64, fullName string) string {
	return "fileidx/" + strconv.FormatInt(dirID, 10) + "/" + fullName
}

func (s *Store) PutFile(f models.FileEntry) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "encoding file")
	}
	if err := s.kv.BatchSet([]tkv.TKVBatchEntry{
		{Key: idKey("file/", f.ID), Value: string(raw)},
		{Key: fileIndexKey(f.DirectoryID, f.FullName()), Value: strconv.FormatInt(f.ID, 10)},
	}); err != nil {
		return errors.Wrapf(err, "writing file %d", f.ID)
	}
	return errors.Wrap(s.kv.ObserveID(SeqFile, f.ID), "observing file id")
}

func (s *Store) GetFile(id int64) (models.FileEntry, error) {
	var f models.FileEntry
	err := s.load(idKey("file/", id), &f)
	return f, err
}

func (s *Store) FindFile(dirID int64, fullName string) (models.FileEntry, error) {
	id, err := s.loadID(fileIndexKey(dirID, fullName))
	if err != nil {
		return models.FileEntry{}, err
	}
	return s.GetFile(id)
}

// RemoveFile deletes a file together with its chunks and the permissions
// that reference it. The removed chunks are returned so the caller can drop
// local chunk files. Removing an unknown file is not an error.
func (s *Store) RemoveFile(id int64) ([]models.Chunk, error) {
	f, err := s.GetFile(id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	chunks, err := s.ListChunks(id)
	if err != nil {
		return nil, err
	}

	keys := []string{idKey("file/", id), fileIndexKey(f.DirectoryID, f.FullName())}
	for _, c := range chunks {
		keys = append(keys, chunkKey(c.FileID, c.ID))
	}

	perms, err := s.kv.Iterate("perm/", 0, 0)
	if err != nil {
		return nil, errors.Wrap(err, "listing permissions")
	}
	suffix := "/f/" + strconv.FormatInt(id, 10)
	for _, k := range perms {
		if strings.HasSuffix(k, suffix) {
			keys = append(keys, k)
		}
	}

	if err := s.kv.BatchDelete(keys); err != nil {
		return nil, errors.Wrapf(err, "removing file %d", id)
	}
	return chunks, nil
}

// -------------------------- permissions

func permKey(username string, dirID, fileID *int64) string {
	if fileID != nil {
		return "perm/" + username + "/f/" + strconv.FormatInt(*fileID, 10)
	}
	return "perm/" + username + "/d/" + strconv.FormatInt(*dirID, 10)
}

// PutPermission upserts the single grant an account holds on a resource.
func (s *Store) PutPermission(p models.Permission) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return s.put(permKey(p.Username, p.DirectoryID, p.FileID), p)
}

func (s *Store) DirectoryPermission(username string, dirID int64) (models.PermissionLevel, error) {
	var p models.Permission
	if err := s.load(permKey(username, &dirID, nil), &p); err != nil {
		return "", err
	}
	return p.Level, nil
}

func (s *Store) FilePermission(username string, fileID int64) (models.PermissionLevel, error) {
	var p models.Permission
	if err := s.load(permKey(username, nil, &fileID), &p); err != nil {
		return "", err
	}
	return p.Level, nil
}

func (s *Store) ListPermissions(username string) ([]models.Permission, error) {
	return scanAll[models.Permission](s, "perm/"+username+"/")
}

// -------------------------- chunks

func chunkKey(fileID, chunkID int64) string {
	return "chunk/" + strconv.FormatInt(fileID, 10) + "/" + strconv.FormatInt(chunkID, 10)
}

func (s *Store) PutChunk(c models.Chunk) error {
	if err := s.put(chunkKey(c.FileID, c.ID), c); err != nil {
		return err
	}
	return errors.Wrap(s.kv.ObserveID(SeqChunk, c.ID), "observing chunk id")
}

// RemoveChunk deletes one chunk record and returns it.
func (s *Store) RemoveChunk(fileID, chunkID int64) (models.Chunk, error) {
	var c models.Chunk
	if err := s.load(chunkKey(fileID, chunkID), &c); err != nil {
		return c, err
	}
	return c, errors.Wrapf(s.kv.Delete(chunkKey(fileID, chunkID)), "removing chunk %d", chunkID)
}

// ListChunks returns a file's chunks ordered by sequence.
func (s *Store) ListChunks(fileID int64) ([]models.Chunk, error) {
	chunks, err := scanAll[models.Chunk](s, "chunk/"+strconv.FormatInt(fileID, 10)+"/")
	if err != nil {
		return nil, err
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Sequence != chunks[j].Sequence {
			return chunks[i].Sequence < chunks[j].Sequence
		}
		return chunks[i].NodeAddress < chunks[j].NodeAddress
	})
	return chunks, nil
}

// HasChunk reports whether node already holds sequence seq of file.
func (s *Store) HasChunk(fileID int64, seq int, node string) (bool, error) {
	chunks, err := s.ListChunks(fileID)
	if err != nil {
		return false, err
	}
	for _, c := range chunks {
		if c.Sequence == seq && c.NodeAddress == node {
			return true, nil
		}
	}
	return false, nil
}

// ChunkLocations lists one holder per sequence 1..ChunkCount. Any missing
// sequence makes the file unservable.
func (s *Store) ChunkLocations(f models.FileEntry) ([]models.ChunkLocation, error) {
	chunks, err := s.ListChunks(f.ID)
	if err != nil {
		return nil, err
	}
	bySeq := make(map[int]string, len(chunks))
	for _, c := range chunks {
		if _, ok := bySeq[c.Sequence]; !ok {
			bySeq[c.Sequence] = c.NodeAddress
		}
	}
	locations := make([]models.ChunkLocation, 0, f.ChunkCount)
	for seq := 1; seq <= f.ChunkCount; seq++ {
		node, ok := bySeq[seq]
		if !ok {
			return nil, errors.Wrapf(ErrCorruptedFile, "file %d missing sequence %d", f.ID, seq)
		}
		locations = append(locations, models.ChunkLocation{Sequence: seq, NodeAddress: node})
	}
	return locations, nil
}
