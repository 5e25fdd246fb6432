package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrMalformed wraps every decode failure: unknown kind, bad payload, bad trail.
var ErrMalformed = errors.New("malformed message")

// Envelope is the single unit exchanged between nodes.
type Envelope struct {
	ID    string
	Trail Trail
	Body  Payload
}

func (e Envelope) Kind() Kind {
	if e.Body == nil {
		return ""
	}
	return e.Body.Kind()
}

// New wraps a control message. Control messages carry no trail.
func New(body Payload) Envelope {
	return Envelope{ID: uuid.NewString(), Body: body}
}

// Originate wraps a mutation created on origin, seeding the trail with it.
func Originate(origin string, body Payload) Envelope {
	return Envelope{ID: uuid.NewString(), Trail: NewTrail(origin), Body: body}
}

// Relay returns the envelope as forwarded by addr.
func (e Envelope) Relay(addr string) Envelope {
	e.Trail = e.Trail.Append(addr)
	return e
}

type frame struct {
	ID      string          `json:"id,omitempty"`
	Kind    Kind            `json:"kind"`
	Trail   *Trail          `json:"trail,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func Encode(e Envelope) ([]byte, error) {
	if e.Body == nil {
		return nil, fmt.Errorf("%w: envelope without body", ErrMalformed)
	}
	payload, err := json.Marshal(e.Body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", e.Kind(), err)
	}
	f := frame{ID: e.ID, Kind: e.Kind(), Payload: payload}
	if IsMutation(e.Kind()) {
		trail := e.Trail
		f.Trail = &trail
	}
	return json.Marshal(f)
}

func Decode(data []byte) (Envelope, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	decode, ok := registry[f.Kind]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: unknown kind %q", ErrMalformed, f.Kind)
	}

	raw := f.Payload
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	body, err := decode(raw)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %s payload: %v", ErrMalformed, f.Kind, err)
	}

	env := Envelope{ID: f.ID, Body: body}
	if IsMutation(f.Kind) {
		if f.Trail == nil || f.Trail.Len() == 0 {
			return Envelope{}, fmt.Errorf("%w: %s without trail", ErrMalformed, f.Kind)
		}
		env.Trail = *f.Trail
	}
	return env, nil
}

type decoder func(raw json.RawMessage) (Payload, error)

func strict[T Payload]() decoder {
	return func(raw json.RawMessage) (Payload, error) {
		var v T
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		if check, ok := any(v).(validator); ok {
			if err := check.validate(); err != nil {
				return nil, err
			}
		}
		return v, nil
	}
}

var registry = map[Kind]decoder{
	KindJoinAnnounce:          strict[JoinAnnounce](),
	KindIntroducePeer:         strict[IntroducePeer](),
	KindConfirmHandshake:      strict[ConfirmHandshake](),
	KindStopLink:              strict[StopLink](),
	KindRespondToBroadcast:    strict[RespondToBroadcast](),
	KindRespondToIntroduction: strict[RespondToIntroduction](),
	KindAccept:                strict[Accept](),
	KindReject:                strict[Reject](),
	KindRequestSnapshot:       strict[RequestSnapshot](),
	KindSendSnapshot:          strict[SendSnapshot](),
	KindBlockQueueing:         strict[BlockQueueing](),
	KindUnblockQueueing:       strict[UnblockQueueing](),
	KindPeerFailure:           strict[PeerFailure](),
	KindPeerFailureResponse:   strict[PeerFailureResponse](),
	KindCoordinatorDown:       strict[CoordinatorDown](),
	KindNodeUpdated:           strict[NodeUpdated](),
	KindNodeRemoved:           strict[NodeRemoved](),
	KindAccountCreated:        strict[AccountCreated](),
	KindDirCreated:            strict[DirCreated](),
	KindFileCreated:           strict[FileCreated](),
	KindFileRemoved:           strict[FileRemoved](),
	KindChunkCommitted:        strict[ChunkCommitted](),
	KindChunkRemoved:          strict[ChunkRemoved](),
	KindPermissionGranted:     strict[PermissionGranted](),
}

func ensure(ok bool, msg string) error {
	if ok {
		return nil
	}
	return errors.New(msg)
}
