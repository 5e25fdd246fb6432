package models

import (
	"errors"
	"strings"
)

/*
	File system metadata. Every entity is created on one node and replicated
	to the rest of the ring by gossip; integer ids are allocated by the node
	that originated the mutation and travel with it.
*/

// RootDirName names the directory bootstrapped for every account.
const RootDirName = "__root__"

type Account struct {
	Username string `json:"username"`
	Secret   string `json:"secret"` // bcrypt hash
}

type Directory struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	ParentID *int64 `json:"parent_id,omitempty"` // nil only for an account root
	Owner    string `json:"owner"`
}

func (d Directory) IsRoot() bool {
	return d.ParentID == nil
}

type FileEntry struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Extension   string `json:"extension,omitempty"`
	Complete    bool   `json:"complete"`
	DirectoryID int64  `json:"directory_id"`
	ChunkCount  int    `json:"chunk_count"` // fixed at creation
}

// FullName is name.extension, or just name when there is no extension.
func (f FileEntry) FullName() string {
	if f.Extension == "" {
		return f.Name
	}
	return f.Name + "." + f.Extension
}

// SplitFileName is the inverse of FileEntry.FullName. Only the first dot separates.
func SplitFileName(full string) (name, extension string) {
	name, extension, _ = strings.Cut(full, ".")
	return name, extension
}

type PermissionLevel string

const (
	PermReadOnly  PermissionLevel = "read-only"
	PermWriteOnly PermissionLevel = "write-only"
	PermReadWrite PermissionLevel = "read-write"
	PermOwner     PermissionLevel = "owner"
)

func (p PermissionLevel) Valid() bool {
	switch p {
	case PermReadOnly, PermWriteOnly, PermReadWrite, PermOwner:
		return true
	}
	return false
}

func (p PermissionLevel) CanRead() bool {
	return p == PermReadOnly || p == PermReadWrite || p == PermOwner
}

func (p PermissionLevel) CanWrite() bool {
	return p == PermWriteOnly || p == PermReadWrite || p == PermOwner
}

var (
	ErrPermissionNoResource   = errors.New("permission must reference a directory or a file")
	ErrPermissionTwoResources = errors.New("permission cannot reference both a directory and a file")
	ErrPermissionLevelInvalid = errors.New("invalid permission level")
)

// Permission ties one account to exactly one directory or file.
type Permission struct {
	Username    string          `json:"username"`
	DirectoryID *int64          `json:"directory_id,omitempty"`
	FileID      *int64          `json:"file_id,omitempty"`
	Level       PermissionLevel `json:"level"`
}

func (p Permission) Validate() error {
	if p.DirectoryID == nil && p.FileID == nil {
		return ErrPermissionNoResource
	}
	if p.DirectoryID != nil && p.FileID != nil {
		return ErrPermissionTwoResources
	}
	if !p.Level.Valid() {
		return ErrPermissionLevelInvalid
	}
	return nil
}

type Chunk struct {
	ID          int64  `json:"id"`
	Sequence    int    `json:"sequence"` // 1-based position within the file
	LocalPath   string `json:"local_path"`
	Size        int64  `json:"size"`
	FileID      int64  `json:"file_id"`
	NodeAddress string `json:"node_address"`
}

// ChunkLocation is what a reader needs to fetch one chunk.
type ChunkLocation struct {
	Sequence    int    `json:"sequence"`
	NodeAddress string `json:"node_address"`
}

func Int64Ptr(v int64) *int64 {
	return &v
}
