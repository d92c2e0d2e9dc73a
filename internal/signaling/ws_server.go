// Package signaling is the websocket surface: it upgrades GET /ws, demands
// a verified register envelope as the first message, binds the connection
// into the registry, and dispatches subsequent envelopes to the relay and
// the room manager.
package signaling

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/callvault/signalcore/internal/address"
	"github.com/callvault/signalcore/internal/envelope"
	"github.com/callvault/signalcore/internal/metrics"
	"github.com/callvault/signalcore/internal/registry"
	"github.com/callvault/signalcore/internal/relay"
	"github.com/callvault/signalcore/internal/room"
	"github.com/callvault/signalcore/internal/verify"
)

const wsWriteWait = 1 * time.Second

const (
	// DefaultRegisterTimeout bounds how long a fresh connection may sit
	// unregistered.
	DefaultRegisterTimeout = 10 * time.Second

	// DefaultMaxMessageBytes bounds one inbound signaling message. SDP
	// bodies dominate; candidates and control messages are far smaller.
	DefaultMaxMessageBytes = 64 * 1024

	// DefaultMaxMessagesPerSecond bounds inbound message rate per
	// connection.
	DefaultMaxMessagesPerSecond = 20
)

// Clock abstracts time reads for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config wires the websocket server's collaborators and limits.
type Config struct {
	Log      *slog.Logger
	Clock    Clock
	Verifier *verify.Verifier
	Registry *registry.Registry
	Relay    *relay.Relay
	Rooms    *room.Manager
	Metrics  *metrics.Metrics

	RegisterTimeout      time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
}

// WebSocketServer implements the signaling endpoint used by clients.
//
// It enforces the register-first handshake plus per-connection limits to
// avoid idle unregistered connections and large or high-rate signaling
// messages.
type WebSocketServer struct {
	log      *slog.Logger
	clock    Clock
	verifier *verify.Verifier
	registry *registry.Registry
	relay    *relay.Relay
	rooms    *room.Manager
	metrics  *metrics.Metrics

	registerTimeout time.Duration
	maxMessageBytes int64
	maxPerSecond    int

	upgrader websocket.Upgrader
}

func NewWebSocketServer(cfg Config) (*WebSocketServer, error) {
	if cfg.Verifier == nil || cfg.Registry == nil || cfg.Relay == nil || cfg.Rooms == nil {
		return nil, errors.New("signaling: verifier, registry, relay and rooms are required")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = DefaultRegisterTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}
	return &WebSocketServer{
		log:             cfg.Log,
		clock:           cfg.Clock,
		verifier:        cfg.Verifier,
		registry:        cfg.Registry,
		relay:           cfg.Relay,
		rooms:           cfg.Rooms,
		metrics:         cfg.Metrics,
		registerTimeout: cfg.RegisterTimeout,
		maxMessageBytes: cfg.MaxMessageBytes,
		maxPerSecond:    cfg.MaxMessagesPerSecond,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(s.registerTimeout))

	limiter := newRateLimiter(s.maxPerSecond, s.clock.Now())

	var binding *registry.Binding
	var signer address.Address
	defer func() {
		if binding == nil {
			return
		}
		s.registry.Unbind(binding)
		s.metrics.Inc(metrics.ConnectionsUnbound)
		if len(s.registry.Lookup(signer)) == 0 {
			s.relay.OnAddressOffline(signer)
			s.rooms.OnAddressOffline(signer)
		}
	}()

	for {
		if !limiter.Allow(s.clock.Now()) {
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msgType, msgReader, err := conn.NextReader()
		if err != nil {
			if binding == nil && isTimeout(err) {
				writeClose(conn, websocket.ClosePolicyViolation, "registration timeout")
			}
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := readLimited(msgReader, s.maxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				writeClose(conn, websocket.CloseMessageTooBig, "message too large")
				return
			}
			writeClose(conn, websocket.CloseInternalServerErr, "failed to read message")
			return
		}

		env, err := envelope.Parse(msg)
		if err != nil {
			if binding == nil {
				writeClose(conn, websocket.CloseUnsupportedData, "invalid envelope")
				return
			}
			s.sendError(binding, err)
			continue
		}

		if binding == nil {
			if env.Payload.Kind() != envelope.KindRegister {
				writeClose(conn, websocket.ClosePolicyViolation, "registration required")
				return
			}
			if err := s.verifier.Verify(env, s.clock.Now()); err != nil {
				s.metrics.Inc(metrics.EnvelopesRejected)
				writeClose(conn, websocket.ClosePolicyViolation, "invalid registration")
				return
			}

			signer = env.Signer
			binding = s.registry.Bind(signer, &wsSender{conn: conn})
			s.metrics.Inc(metrics.ConnectionsBound)
			_ = conn.SetReadDeadline(time.Time{})

			s.log.Info("connection registered",
				"binding_id", binding.ID(), "address", signer.String())
			s.send(binding, envelope.ServerMessage{
				Type:    envelope.ServerSuccess,
				Message: "Registered successfully",
			})

			// A returning callee may have callers waiting.
			s.relay.ServeQueue(signer)
			continue
		}

		if env.Signer != signer {
			writeClose(conn, websocket.ClosePolicyViolation, "signer mismatch")
			return
		}
		if err := s.dispatch(binding, env); err != nil {
			s.sendError(binding, err)
		}
	}
}

// dispatch routes one verified-or-verifiable envelope from a registered
// connection. Offers self-verify inside the relay so the rate limiter can
// run before nonce consumption; every other kind is verified here.
func (s *WebSocketServer) dispatch(binding *registry.Binding, env *envelope.Envelope) error {
	if env.Payload.Kind() == envelope.KindOffer {
		return s.relay.HandleOffer(env)
	}

	if err := s.verifier.Verify(env, s.clock.Now()); err != nil {
		s.metrics.Inc(metrics.EnvelopesRejected)
		return err
	}

	switch body := env.Payload.Body.(type) {
	case envelope.Register:
		return errAlreadyRegistered
	case envelope.Ping:
		s.send(binding, envelope.ServerMessage{Type: envelope.ServerPong})
		return nil

	case envelope.Answer:
		return s.relay.HandleAnswer(env.Signer, body)
	case envelope.Reject:
		return s.relay.HandleReject(env.Signer, body)
	case envelope.Cancel:
		return s.relay.HandleCancel(env.Signer, body)
	case envelope.ICECandidate:
		return s.relay.HandleCandidate(env.Signer, body)
	case envelope.Hangup:
		return s.relay.HandleHangup(env.Signer, body)
	case envelope.MuteState:
		if body.RoomID != "" {
			return s.rooms.SetMuteState(env.Signer, body.RoomID, body.Muted, body.VideoOff)
		}
		return s.relay.HandlePeerMuteState(env.Signer, body)

	case envelope.CreateRoom:
		s.rooms.Create(env.Signer, body.Video)
		return nil
	case envelope.JoinRoom:
		return s.rooms.Join(env.Signer, body.RoomID, body.InviteToken)
	case envelope.LeaveRoom:
		return s.rooms.Leave(env.Signer, body.RoomID)
	case envelope.LockRoom:
		return s.rooms.SetLocked(env.Signer, body.RoomID, body.Locked)
	case envelope.EndRoom:
		return s.rooms.End(env.Signer, body.RoomID)
	case envelope.RoomInvite:
		_, err := s.rooms.Invite(env.Signer, body.RoomID)
		return err

	default:
		return envelope.ErrUnknownKind
	}
}

func (s *WebSocketServer) send(binding *registry.Binding, msg envelope.ServerMessage) {
	data, err := envelope.EncodeServer(msg)
	if err != nil {
		s.log.Error("encode server message", "err", err)
		return
	}
	if err := binding.Enqueue(data); err != nil {
		s.log.Debug("enqueue to closed binding", "binding_id", binding.ID())
	}
}

func (s *WebSocketServer) sendError(binding *registry.Binding, err error) {
	s.send(binding, envelope.ServerMessage{
		Type:    envelope.ServerError,
		Code:    errorCode(err),
		Message: err.Error(),
	})
}

// wsSender adapts a websocket connection to the registry's Sender. Send
// runs only on the binding's writer goroutine.
type wsSender struct {
	conn *websocket.Conn
}

func (w *wsSender) Send(data []byte) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsSender) Close() error {
	writeClose(w.conn, websocket.CloseGoingAway, "connection closed")
	return w.conn.Close()
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}

type rateLimiter struct {
	rate     float64
	capacity float64
	tokens   float64
	last     time.Time
}

func newRateLimiter(messagesPerSecond int, now time.Time) *rateLimiter {
	rate := float64(messagesPerSecond)
	return &rateLimiter{
		rate:     rate,
		capacity: rate,
		tokens:   rate,
		last:     now,
	}
}

func (rl *rateLimiter) Allow(now time.Time) bool {
	elapsed := now.Sub(rl.last).Seconds()
	rl.tokens += elapsed * rl.rate
	if rl.tokens > rl.capacity {
		rl.tokens = rl.capacity
	}
	rl.last = now

	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}
