package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/callvault/signalcore/internal/address"
)

// Kind discriminates the closed set of signaling payload variants. An
// unrecognized kind is a typed decode error, never an ignored field.
type Kind string

const (
	KindRegister     Kind = "register"
	KindPing         Kind = "ping"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindReject       Kind = "reject"
	KindCancel       Kind = "cancel"
	KindICECandidate Kind = "ice-candidate"
	KindHangup       Kind = "hangup"
	KindMuteState    Kind = "mute-state"
	KindCreateRoom   Kind = "create-room"
	KindJoinRoom     Kind = "join-room"
	KindLeaveRoom    Kind = "leave-room"
	KindLockRoom     Kind = "lock-room"
	KindEndRoom      Kind = "end-room"
	KindRoomInvite   Kind = "room-invite"
)

// CallKind selects the media profile requested by an offer.
type CallKind string

const (
	CallVideo CallKind = "video"
	CallVoice CallKind = "voice"
)

var (
	ErrUnknownKind    = errors.New("envelope: unknown payload kind")
	ErrInvalidPayload = errors.New("envelope: invalid payload")
)

// Body is the closed variant set of signaling payload bodies. Only types in
// this package implement it.
type Body interface {
	Kind() Kind
	validate() error
}

// Register binds the connection to the envelope's signer address. It must be
// the first verified message on a fresh transport connection.
type Register struct{}

func (Register) Kind() Kind      { return KindRegister }
func (Register) validate() error { return nil }

// Ping is a liveness probe; the server answers with a pong.
type Ping struct{}

func (Ping) Kind() Kind      { return KindPing }
func (Ping) validate() error { return nil }

// Offer initiates a call to Callee. SDP is relayed verbatim; the core never
// interprets it.
type Offer struct {
	Callee address.Address           `json:"callee"`
	Call   CallKind                  `json:"call"`
	SDP    webrtc.SessionDescription `json:"sdp"`
}

func (Offer) Kind() Kind { return KindOffer }

func (o Offer) validate() error {
	if o.Callee.IsZero() {
		return fmt.Errorf("%w: offer missing callee", ErrInvalidPayload)
	}
	if o.Call != CallVideo && o.Call != CallVoice {
		return fmt.Errorf("%w: offer call kind %q", ErrInvalidPayload, o.Call)
	}
	if o.SDP.SDP == "" {
		return fmt.Errorf("%w: offer missing sdp", ErrInvalidPayload)
	}
	return nil
}

// Answer accepts a ringing call from To.
type Answer struct {
	To  address.Address           `json:"to"`
	SDP webrtc.SessionDescription `json:"sdp"`
}

func (Answer) Kind() Kind { return KindAnswer }

func (a Answer) validate() error {
	if a.To.IsZero() {
		return fmt.Errorf("%w: answer missing to", ErrInvalidPayload)
	}
	if a.SDP.SDP == "" {
		return fmt.Errorf("%w: answer missing sdp", ErrInvalidPayload)
	}
	return nil
}

// Reject declines a ringing call from To.
type Reject struct {
	To address.Address `json:"to"`
}

func (Reject) Kind() Kind { return KindReject }

func (r Reject) validate() error {
	if r.To.IsZero() {
		return fmt.Errorf("%w: reject missing to", ErrInvalidPayload)
	}
	return nil
}

// Cancel withdraws a ringing or queued call to To. Idempotent.
type Cancel struct {
	To address.Address `json:"to"`
}

func (Cancel) Kind() Kind { return KindCancel }

func (c Cancel) validate() error {
	if c.To.IsZero() {
		return fmt.Errorf("%w: cancel missing to", ErrInvalidPayload)
	}
	return nil
}

// ICECandidate carries one trickled candidate for the live session with To.
type ICECandidate struct {
	To        address.Address         `json:"to"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

func (ICECandidate) Kind() Kind { return KindICECandidate }

func (c ICECandidate) validate() error {
	if c.To.IsZero() {
		return fmt.Errorf("%w: ice-candidate missing to", ErrInvalidPayload)
	}
	if c.Candidate.Candidate == "" {
		return fmt.Errorf("%w: ice-candidate missing candidate", ErrInvalidPayload)
	}
	return nil
}

// Hangup terminates the live session with To.
type Hangup struct {
	To address.Address `json:"to"`
}

func (Hangup) Kind() Kind { return KindHangup }

func (h Hangup) validate() error {
	if h.To.IsZero() {
		return fmt.Errorf("%w: hangup missing to", ErrInvalidPayload)
	}
	return nil
}

// MuteState announces the sender's own mute/video toggles. In a room it is
// broadcast to the roster; in a one-to-one session it is relayed to the peer.
type MuteState struct {
	RoomID   string           `json:"roomId,omitempty"`
	To       *address.Address `json:"to,omitempty"`
	Muted    bool             `json:"muted"`
	VideoOff bool             `json:"videoOff"`
}

func (MuteState) Kind() Kind { return KindMuteState }

func (m MuteState) validate() error {
	if m.RoomID == "" && (m.To == nil || m.To.IsZero()) {
		return fmt.Errorf("%w: mute-state needs roomId or to", ErrInvalidPayload)
	}
	if m.RoomID != "" && m.To != nil {
		return fmt.Errorf("%w: mute-state has both roomId and to", ErrInvalidPayload)
	}
	return nil
}

// CreateRoom opens a new group room hosted by the signer.
type CreateRoom struct {
	Video bool `json:"video"`
}

func (CreateRoom) Kind() Kind      { return KindCreateRoom }
func (CreateRoom) validate() error { return nil }

// JoinRoom requests membership. InviteToken is required while the room is
// locked.
type JoinRoom struct {
	RoomID      string `json:"roomId"`
	InviteToken string `json:"inviteToken,omitempty"`
}

func (JoinRoom) Kind() Kind { return KindJoinRoom }

func (j JoinRoom) validate() error {
	if j.RoomID == "" {
		return fmt.Errorf("%w: join-room missing roomId", ErrInvalidPayload)
	}
	return nil
}

// LeaveRoom removes the signer from the roster.
type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

func (LeaveRoom) Kind() Kind { return KindLeaveRoom }

func (l LeaveRoom) validate() error {
	if l.RoomID == "" {
		return fmt.Errorf("%w: leave-room missing roomId", ErrInvalidPayload)
	}
	return nil
}

// LockRoom sets the room's lock state. Host only.
type LockRoom struct {
	RoomID string `json:"roomId"`
	Locked bool   `json:"locked"`
}

func (LockRoom) Kind() Kind { return KindLockRoom }

func (l LockRoom) validate() error {
	if l.RoomID == "" {
		return fmt.Errorf("%w: lock-room missing roomId", ErrInvalidPayload)
	}
	return nil
}

// EndRoom ends the room for every participant. Host only.
type EndRoom struct {
	RoomID string `json:"roomId"`
}

func (EndRoom) Kind() Kind { return KindEndRoom }

func (e EndRoom) validate() error {
	if e.RoomID == "" {
		return fmt.Errorf("%w: end-room missing roomId", ErrInvalidPayload)
	}
	return nil
}

// RoomInvite asks the server to mint a join token for the room. Host only.
type RoomInvite struct {
	RoomID string `json:"roomId"`
}

func (RoomInvite) Kind() Kind { return KindRoomInvite }

func (r RoomInvite) validate() error {
	if r.RoomID == "" {
		return fmt.Errorf("%w: room-invite missing roomId", ErrInvalidPayload)
	}
	return nil
}

// Payload is a tagged payload variant: a kind plus the matching body. Its
// wire form is {"kind": "...", "body": {...}}.
type Payload struct {
	Body Body
}

func (p Payload) Kind() Kind {
	if p.Body == nil {
		return ""
	}
	return p.Body.Kind()
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Body == nil {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		Body Body `json:"body"`
	}{Kind: p.Body.Kind(), Body: p.Body})
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var head struct {
		Kind Kind            `json:"kind"`
		Body json.RawMessage `json:"body"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&head); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("%w: trailing data", ErrInvalidPayload)
	}

	body, err := newBody(head.Kind)
	if err != nil {
		return err
	}
	if len(head.Body) > 0 {
		bodyDec := json.NewDecoder(bytes.NewReader(head.Body))
		bodyDec.DisallowUnknownFields()
		if err := bodyDec.Decode(body); err != nil {
			return fmt.Errorf("%w: %s body: %v", ErrInvalidPayload, head.Kind, err)
		}
	}

	concrete := dereference(body)
	if err := concrete.validate(); err != nil {
		return err
	}
	p.Body = concrete
	return nil
}

func newBody(k Kind) (any, error) {
	switch k {
	case KindRegister:
		return &Register{}, nil
	case KindPing:
		return &Ping{}, nil
	case KindOffer:
		return &Offer{}, nil
	case KindAnswer:
		return &Answer{}, nil
	case KindReject:
		return &Reject{}, nil
	case KindCancel:
		return &Cancel{}, nil
	case KindICECandidate:
		return &ICECandidate{}, nil
	case KindHangup:
		return &Hangup{}, nil
	case KindMuteState:
		return &MuteState{}, nil
	case KindCreateRoom:
		return &CreateRoom{}, nil
	case KindJoinRoom:
		return &JoinRoom{}, nil
	case KindLeaveRoom:
		return &LeaveRoom{}, nil
	case KindLockRoom:
		return &LockRoom{}, nil
	case KindEndRoom:
		return &EndRoom{}, nil
	case KindRoomInvite:
		return &RoomInvite{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, k)
	}
}

func dereference(body any) Body {
	switch b := body.(type) {
	case *Register:
		return *b
	case *Ping:
		return *b
	case *Offer:
		return *b
	case *Answer:
		return *b
	case *Reject:
		return *b
	case *Cancel:
		return *b
	case *ICECandidate:
		return *b
	case *Hangup:
		return *b
	case *MuteState:
		return *b
	case *CreateRoom:
		return *b
	case *JoinRoom:
		return *b
	case *LeaveRoom:
		return *b
	case *LockRoom:
		return *b
	case *EndRoom:
		return *b
	case *RoomInvite:
		return *b
	default:
		panic("envelope: unreachable payload type")
	}
}
