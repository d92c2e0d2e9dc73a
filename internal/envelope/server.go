package envelope

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/callvault/signalcore/internal/address"
)

// ServerType discriminates server-to-client notifications. Outbound
// messages are not signed; they travel over the authenticated connection
// the client registered on.
type ServerType string

const (
	ServerSuccess ServerType = "success"
	ServerError   ServerType = "error"
	ServerPong    ServerType = "pong"

	ServerIncomingCall  ServerType = "incoming-call"
	ServerCallAnswered  ServerType = "call-answered"
	ServerCallRejected  ServerType = "call-rejected"
	ServerCallCancelled ServerType = "call-cancelled"
	ServerICECandidate  ServerType = "ice-candidate"
	ServerSessionEnded  ServerType = "session-ended"
	ServerMuteState     ServerType = "mute-state"

	ServerQueued       ServerType = "queued"
	ServerQueueExpired ServerType = "queue-expired"

	ServerRoomCreated ServerType = "room-created"
	ServerRoomRoster  ServerType = "room-roster"
	ServerRoomLocked  ServerType = "room-locked"
	ServerRoomInvite  ServerType = "room-invite"
	ServerRoomEnded   ServerType = "room-ended"
)

// Participant is one roster slot in a room broadcast.
type Participant struct {
	Address    address.Address `json:"address"`
	IsHost     bool            `json:"isHost"`
	IsMuted    bool            `json:"isMuted"`
	IsVideoOff bool            `json:"isVideoOff"`
	JoinedAt   time.Time       `json:"joinedAt"`
}

// ServerMessage is the flat outbound wire form; unused fields are omitted.
type ServerMessage struct {
	Type    ServerType `json:"type"`
	Message string     `json:"message,omitempty"`
	Code    string     `json:"code,omitempty"`

	SessionID string           `json:"sessionId,omitempty"`
	From      *address.Address `json:"from,omitempty"`
	Call      CallKind         `json:"call,omitempty"`
	Reason    string           `json:"reason,omitempty"`

	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`

	Muted    *bool `json:"muted,omitempty"`
	VideoOff *bool `json:"videoOff,omitempty"`

	Position int `json:"position,omitempty"`

	RoomID       string        `json:"roomId,omitempty"`
	Locked       *bool         `json:"locked,omitempty"`
	InviteToken  string        `json:"inviteToken,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
}

// EncodeServer renders msg for the wire. Encoding a ServerMessage cannot
// fail in practice; the error is kept for symmetry with Parse.
func EncodeServer(msg ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}
