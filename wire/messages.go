package wire

import "github.com/InsulaLabs/ringfs/db/models"

type Kind string

const (
	KindJoinAnnounce          Kind = "join-announce"
	KindIntroducePeer         Kind = "introduce-peer"
	KindConfirmHandshake      Kind = "confirm-handshake"
	KindStopLink              Kind = "stop-link"
	KindRespondToBroadcast    Kind = "respond-to-broadcast"
	KindRespondToIntroduction Kind = "respond-to-introduction"
	KindAccept                Kind = "accept"
	KindReject                Kind = "reject"
	KindRequestSnapshot       Kind = "request-snapshot"
	KindSendSnapshot          Kind = "send-snapshot"
	KindBlockQueueing         Kind = "block-queueing"
	KindUnblockQueueing       Kind = "unblock-queueing"
	KindPeerFailure           Kind = "peer-failure"
	KindPeerFailureResponse   Kind = "peer-failure-response"
	KindCoordinatorDown       Kind = "coordinator-down"

	// Gossiped mutations.
	KindNodeUpdated       Kind = "node-updated"
	KindNodeRemoved       Kind = "node-removed"
	KindAccountCreated    Kind = "account-created"
	KindDirCreated        Kind = "dir-created"
	KindFileCreated       Kind = "file-created"
	KindFileRemoved       Kind = "file-removed"
	KindChunkCommitted    Kind = "chunk-committed"
	KindChunkRemoved      Kind = "chunk-removed"
	KindPermissionGranted Kind = "permission-granted"
)

// Payload is implemented by every message body. The kind is the envelope's
// discriminant.
type Payload interface {
	Kind() Kind
}

// validator is implemented by payloads with required fields.
type validator interface {
	validate() error
}

type JoinAnnounce struct {
	Address string `json:"address"`
}

// IntroducePeer with an empty address tells the joiner it has no sibling.
type IntroducePeer struct {
	Address string `json:"address,omitempty"`
}

type ConfirmHandshake struct {
	AvailableBytes int64 `json:"available_bytes"`
	Rack           int   `json:"rack"`
	Priority       int   `json:"priority"`
}

type StopLink struct{}
type RespondToBroadcast struct{}
type RespondToIntroduction struct{}
type Accept struct{}
type Reject struct{}
type RequestSnapshot struct{}

type SendSnapshot struct {
	Dump []byte `json:"dump"`
}

type BlockQueueing struct{}
type UnblockQueueing struct{}

type PeerFailure struct {
	Failed   string `json:"failed"`
	Reporter string `json:"reporter"`
}

type PeerFailureResponse struct {
	Failed    string `json:"failed"`
	Reporter  string `json:"reporter"`
	Responder string `json:"responder"`
}

type CoordinatorDown struct {
	Address string `json:"address"`
}

type NodeUpdated struct {
	Address        string `json:"address"`
	AvailableBytes int64  `json:"available_bytes"`
	Rack           int    `json:"rack"`
	Priority       int    `json:"priority"`
}

type NodeRemoved struct {
	Address string `json:"address"`
}

// AccountCreated also bootstraps the account's root directory.
type AccountCreated struct {
	Username  string `json:"username"`
	Secret    string `json:"secret"`
	RootDirID int64  `json:"root_dir_id"`
}

type DirCreated struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	ParentID int64  `json:"parent_id"`
	Owner    string `json:"owner"`
}

type FileCreated struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Extension   string `json:"extension,omitempty"`
	DirectoryID int64  `json:"directory_id"`
	ChunkCount  int    `json:"chunk_count"`
	Owner       string `json:"owner"`
}

type FileRemoved struct {
	FileID int64 `json:"file_id"`
}

type ChunkCommitted struct {
	ID          int64  `json:"id"`
	Sequence    int    `json:"sequence"`
	LocalPath   string `json:"local_path"`
	Size        int64  `json:"size"`
	FileID      int64  `json:"file_id"`
	NodeAddress string `json:"node_address"`
}

type ChunkRemoved struct {
	FileID  int64 `json:"file_id"`
	ChunkID int64 `json:"chunk_id"`
}

type PermissionGranted struct {
	Username    string `json:"username"`
	DirectoryID *int64 `json:"directory_id,omitempty"`
	FileID      *int64 `json:"file_id,omitempty"`
	Level       string `json:"level"`
}

func (JoinAnnounce) Kind() Kind          { return KindJoinAnnounce }
func (IntroducePeer) Kind() Kind         { return KindIntroducePeer }
func (ConfirmHandshake) Kind() Kind      { return KindConfirmHandshake }
func (StopLink) Kind() Kind              { return KindStopLink }
func (RespondToBroadcast) Kind() Kind    { return KindRespondToBroadcast }
func (RespondToIntroduction) Kind() Kind { return KindRespondToIntroduction }
func (Accept) Kind() Kind                { return KindAccept }
func (Reject) Kind() Kind                { return KindReject }
func (RequestSnapshot) Kind() Kind       { return KindRequestSnapshot }
func (SendSnapshot) Kind() Kind          { return KindSendSnapshot }
func (BlockQueueing) Kind() Kind         { return KindBlockQueueing }
func (UnblockQueueing) Kind() Kind       { return KindUnblockQueueing }
func (PeerFailure) Kind() Kind           { return KindPeerFailure }
func (PeerFailureResponse) Kind() Kind   { return KindPeerFailureResponse }
func (CoordinatorDown) Kind() Kind       { return KindCoordinatorDown }
func (NodeUpdated) Kind() Kind           { return KindNodeUpdated }
func (NodeRemoved) Kind() Kind           { return KindNodeRemoved }
func (AccountCreated) Kind() Kind        { return KindAccountCreated }
func (DirCreated) Kind() Kind            { return KindDirCreated }
func (FileCreated) Kind() Kind           { return KindFileCreated }
func (FileRemoved) Kind() Kind           { return KindFileRemoved }
func (ChunkCommitted) Kind() Kind        { return KindChunkCommitted }
func (ChunkRemoved) Kind() Kind          { return KindChunkRemoved }
func (PermissionGranted) Kind() Kind     { return KindPermissionGranted }

func (p JoinAnnounce) validate() error {
	return ensure(p.Address != "", "join-announce without address")
}

func (p ConfirmHandshake) validate() error {
	return ensure(p.AvailableBytes >= 0, "negative capacity in handshake")
}

func (p PeerFailure) validate() error {
	return ensure(p.Failed != "" && p.Reporter != "", "peer-failure missing addresses")
}

func (p PeerFailureResponse) validate() error {
	return ensure(p.Failed != "" && p.Reporter != "" && p.Responder != "", "peer-failure-response missing addresses")
}

func (p CoordinatorDown) validate() error {
	return ensure(p.Address != "", "coordinator-down without address")
}

func (p NodeUpdated) validate() error {
	return ensure(p.Address != "" && p.AvailableBytes >= 0, "node-updated missing address or negative capacity")
}

func (p NodeRemoved) validate() error {
	return ensure(p.Address != "", "node-removed without address")
}

func (p AccountCreated) validate() error {
	return ensure(p.Username != "" && p.RootDirID > 0, "account-created missing username or root directory")
}

func (p DirCreated) validate() error {
	return ensure(p.ID > 0 && p.ParentID > 0 && p.Name != "", "dir-created missing id, parent or name")
}

func (p FileCreated) validate() error {
	return ensure(p.ID > 0 && p.DirectoryID > 0 && p.Name != "" && p.ChunkCount >= 0, "file-created incomplete")
}

func (p ChunkCommitted) validate() error {
	return ensure(p.ID > 0 && p.FileID > 0 && p.Sequence >= 1 && p.NodeAddress != "", "chunk-committed incomplete")
}

func (p PermissionGranted) validate() error {
	if err := ensure(p.Username != "" && (p.DirectoryID == nil) != (p.FileID == nil), "permission-granted must name exactly one resource"); err != nil {
		return err
	}
	return ensure(models.PermissionLevel(p.Level).Valid(), "permission-granted with unknown level")
}

// IsMutation reports whether a kind is a gossiped metadata mutation that
// carries a trail.
func IsMutation(k Kind) bool {
	switch k {
	case KindNodeUpdated, KindNodeRemoved, KindAccountCreated, KindDirCreated,
		KindFileCreated, KindFileRemoved, KindChunkCommitted, KindChunkRemoved,
		KindPermissionGranted:
		return true
	}
	return false
}
