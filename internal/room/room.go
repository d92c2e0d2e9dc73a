// Package room implements multi-party group rooms: an open/locked/ended
// lifecycle, host-only controls, invite tokens for locked rooms, and roster
// broadcasts to every member on change.
package room

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/callvault/signalcore/internal/address"
	"github.com/callvault/signalcore/internal/envelope"
	"github.com/callvault/signalcore/internal/metrics"
	"github.com/callvault/signalcore/internal/registry"
)

var (
	// ErrNoSuchRoom is returned for an unknown or already ended room ID.
	ErrNoSuchRoom = errors.New("no such room")

	// ErrRoomLocked is returned when joining a locked room without a valid
	// invite token.
	ErrRoomLocked = errors.New("room locked")

	// ErrNotHost is returned when a non-host attempts a host-only operation.
	ErrNotHost = errors.New("not the room host")

	// ErrNotMember is returned when the signer is not on the roster.
	ErrNotMember = errors.New("not a room member")

	// ErrAlreadyMember is returned for a join by an existing member.
	ErrAlreadyMember = errors.New("already a room member")
)

// DefaultInviteTTL bounds how long a minted join token stays redeemable.
const DefaultInviteTTL = 10 * time.Minute

// HostLeavePolicy says what happens to a room when its host departs.
type HostLeavePolicy string

const (
	// HostLeaveTransfer hands the room to the earliest remaining joiner.
	HostLeaveTransfer HostLeavePolicy = "transfer"

	// HostLeaveEnd ends the room for everyone.
	HostLeaveEnd HostLeavePolicy = "end"
)

// Clock abstracts time reads for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type member struct {
	addr     address.Address
	joinedAt time.Time
	muted    bool
	videoOff bool
}

type room struct {
	id        string
	video     bool
	createdAt time.Time
	locked    bool
	host      address.Address

	// members keeps join order; index 0 is the earliest surviving joiner.
	members []member

	// invites maps outstanding join tokens to their expiry. Tokens are
	// single-use and scoped to this room.
	invites map[string]time.Time
}

func (r *room) memberIndex(addr address.Address) int {
	for i, m := range r.members {
		if m.addr == addr {
			return i
		}
	}
	return -1
}

// Config wires the Manager's runtime dependencies.
type Config struct {
	Log      *slog.Logger
	Clock    Clock
	Registry *registry.Registry
	Metrics  *metrics.Metrics

	InviteTTL       time.Duration
	HostLeavePolicy HostLeavePolicy
}

// Manager owns every live room. Room cardinality is low relative to call
// traffic, so one mutex guards the table and the rooms in it; no operation
// holds it across transport writes.
type Manager struct {
	log      *slog.Logger
	clock    Clock
	registry *registry.Registry
	metrics  *metrics.Metrics

	inviteTTL   time.Duration
	leavePolicy HostLeavePolicy

	mu     sync.Mutex
	rooms  map[string]*room
	byAddr map[address.Address]map[string]struct{}
}

func NewManager(cfg Config) *Manager {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.InviteTTL <= 0 {
		cfg.InviteTTL = DefaultInviteTTL
	}
	if cfg.HostLeavePolicy == "" {
		cfg.HostLeavePolicy = HostLeaveTransfer
	}
	return &Manager{
		log:         cfg.Log,
		clock:       cfg.Clock,
		registry:    cfg.Registry,
		metrics:     cfg.Metrics,
		inviteTTL:   cfg.InviteTTL,
		leavePolicy: cfg.HostLeavePolicy,
		rooms:       make(map[string]*room),
		byAddr:      make(map[address.Address]map[string]struct{}),
	}
}

// Create opens a new unlocked room hosted by host and returns its ID.
func (m *Manager) Create(host address.Address, video bool) string {
	now := m.clock.Now()
	r := &room{
		id:        uuid.NewString(),
		video:     video,
		createdAt: now,
		host:      host,
		members:   []member{{addr: host, joinedAt: now}},
		invites:   make(map[string]time.Time),
	}

	m.mu.Lock()
	m.rooms[r.id] = r
	m.indexLocked(host, r.id)
	roster := rosterLocked(r)
	m.mu.Unlock()

	m.metrics.Inc(metrics.RoomsCreated)
	m.log.Info("room created", "room_id", r.id, "host", host.String(), "video", video)

	m.notify(host, envelope.ServerMessage{
		Type:         envelope.ServerRoomCreated,
		RoomID:       r.id,
		Participants: roster,
	})
	return r.id
}

// Join adds signer to the roster. A locked room admits only a valid,
// unexpired invite token; tokens are consumed on use.
func (m *Manager) Join(signer address.Address, roomID, inviteToken string) error {
	now := m.clock.Now()

	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return ErrNoSuchRoom
	}
	if r.memberIndex(signer) >= 0 {
		m.mu.Unlock()
		return ErrAlreadyMember
	}
	if r.locked {
		exp, valid := r.invites[inviteToken]
		if inviteToken == "" || !valid || now.After(exp) {
			m.mu.Unlock()
			return ErrRoomLocked
		}
		delete(r.invites, inviteToken)
	}
	r.members = append(r.members, member{addr: signer, joinedAt: now})
	m.indexLocked(signer, roomID)
	roster := rosterLocked(r)
	recipients := memberAddrsLocked(r)
	m.mu.Unlock()

	m.broadcastRoster(roomID, roster, recipients)
	return nil
}

// Leave removes signer from the roster. The last member leaving ends the
// room; a departing host either transfers to the earliest remaining joiner
// or ends the room, per the configured policy.
func (m *Manager) Leave(signer address.Address, roomID string) error {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return ErrNoSuchRoom
	}
	idx := r.memberIndex(signer)
	if idx < 0 {
		m.mu.Unlock()
		return ErrNotMember
	}

	wasHost := r.host == signer
	r.members = append(r.members[:idx], r.members[idx+1:]...)
	m.unindexLocked(signer, roomID)

	if len(r.members) == 0 || (wasHost && m.leavePolicy == HostLeaveEnd) {
		recipients := memberAddrsLocked(r)
		m.endLocked(r)
		m.mu.Unlock()

		m.announceEnded(roomID, recipients)
		return nil
	}
	if wasHost {
		r.host = r.members[0].addr
	}
	roster := rosterLocked(r)
	recipients := memberAddrsLocked(r)
	m.mu.Unlock()

	m.broadcastRoster(roomID, roster, recipients)
	return nil
}

// SetLocked flips the room's lock state. Host only.
func (m *Manager) SetLocked(signer address.Address, roomID string, locked bool) error {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return ErrNoSuchRoom
	}
	if r.host != signer {
		m.mu.Unlock()
		return ErrNotHost
	}
	r.locked = locked
	recipients := memberAddrsLocked(r)
	m.mu.Unlock()

	msg := envelope.ServerMessage{
		Type:   envelope.ServerRoomLocked,
		RoomID: roomID,
		Locked: &locked,
	}
	for _, addr := range recipients {
		m.notify(addr, msg)
	}
	return nil
}

// End terminates the room for every member. Host only.
func (m *Manager) End(signer address.Address, roomID string) error {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return ErrNoSuchRoom
	}
	if r.host != signer {
		m.mu.Unlock()
		return ErrNotHost
	}
	recipients := memberAddrsLocked(r)
	m.endLocked(r)
	m.mu.Unlock()

	m.announceEnded(roomID, recipients)
	return nil
}

// Invite mints a join token for the room and returns it to the host. Host
// only. The token expires after the configured TTL.
func (m *Manager) Invite(signer address.Address, roomID string) (string, error) {
	now := m.clock.Now()

	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return "", ErrNoSuchRoom
	}
	if r.host != signer {
		m.mu.Unlock()
		return "", ErrNotHost
	}
	token := uuid.NewString()
	r.invites[token] = now.Add(m.inviteTTL)
	for tok, exp := range r.invites {
		if now.After(exp) {
			delete(r.invites, tok)
		}
	}
	m.mu.Unlock()

	m.notify(signer, envelope.ServerMessage{
		Type:        envelope.ServerRoomInvite,
		RoomID:      roomID,
		InviteToken: token,
	})
	return token, nil
}

// SetMuteState updates signer's own mute/video toggles and broadcasts the
// new roster.
func (m *Manager) SetMuteState(signer address.Address, roomID string, muted, videoOff bool) error {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return ErrNoSuchRoom
	}
	idx := r.memberIndex(signer)
	if idx < 0 {
		m.mu.Unlock()
		return ErrNotMember
	}
	r.members[idx].muted = muted
	r.members[idx].videoOff = videoOff
	roster := rosterLocked(r)
	recipients := memberAddrsLocked(r)
	m.mu.Unlock()

	m.broadcastRoster(roomID, roster, recipients)
	return nil
}

// OnAddressOffline treats the loss of addr's last binding as leaving every
// room it was in.
func (m *Manager) OnAddressOffline(addr address.Address) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.byAddr[addr]))
	for id := range m.byAddr[addr] {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		if err := m.Leave(addr, id); err != nil && !errors.Is(err, ErrNoSuchRoom) && !errors.Is(err, ErrNotMember) {
			m.log.Warn("offline leave failed", "room_id", id, "err", err)
		}
	}
}

// Roster returns the current roster of the room.
func (m *Manager) Roster(roomID string) ([]envelope.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrNoSuchRoom
	}
	return rosterLocked(r), nil
}

// Host reports the room's current host.
func (m *Manager) Host(roomID string) (address.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return address.Address{}, ErrNoSuchRoom
	}
	return r.host, nil
}

// Locked reports the room's lock state.
func (m *Manager) Locked(roomID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return false, ErrNoSuchRoom
	}
	return r.locked, nil
}

func (m *Manager) indexLocked(addr address.Address, roomID string) {
	set, ok := m.byAddr[addr]
	if !ok {
		set = make(map[string]struct{})
		m.byAddr[addr] = set
	}
	set[roomID] = struct{}{}
}

func (m *Manager) unindexLocked(addr address.Address, roomID string) {
	if set, ok := m.byAddr[addr]; ok {
		delete(set, roomID)
		if len(set) == 0 {
			delete(m.byAddr, addr)
		}
	}
}

func (m *Manager) endLocked(r *room) {
	for _, mem := range r.members {
		m.unindexLocked(mem.addr, r.id)
	}
	r.members = nil
	r.invites = nil
	delete(m.rooms, r.id)
}

func (m *Manager) announceEnded(roomID string, recipients []address.Address) {
	m.metrics.Inc(metrics.RoomsEnded)
	m.log.Info("room ended", "room_id", roomID)
	msg := envelope.ServerMessage{
		Type:   envelope.ServerRoomEnded,
		RoomID: roomID,
	}
	for _, addr := range recipients {
		m.notify(addr, msg)
	}
}

func (m *Manager) broadcastRoster(roomID string, roster []envelope.Participant, recipients []address.Address) {
	msg := envelope.ServerMessage{
		Type:         envelope.ServerRoomRoster,
		RoomID:       roomID,
		Participants: roster,
	}
	for _, addr := range recipients {
		m.notify(addr, msg)
	}
}

func (m *Manager) notify(addr address.Address, msg envelope.ServerMessage) {
	data, err := envelope.EncodeServer(msg)
	if err != nil {
		m.log.Error("encode server message", "err", err)
		return
	}
	m.registry.SendTo(addr, data)
}

func rosterLocked(r *room) []envelope.Participant {
	out := make([]envelope.Participant, len(r.members))
	for i, mem := range r.members {
		out[i] = envelope.Participant{
			Address:    mem.addr,
			IsHost:     mem.addr == r.host,
			IsMuted:    mem.muted,
			IsVideoOff: mem.videoOff,
			JoinedAt:   mem.joinedAt,
		}
	}
	return out
}

func memberAddrsLocked(r *room) []address.Address {
	out := make([]address.Address, len(r.members))
	for i, mem := range r.members {
		out[i] = mem.addr
	}
	return out
}
