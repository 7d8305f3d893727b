package router

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/devverse/chat-core/internal/chat"
	"github.com/devverse/chat-core/internal/identity"
	"github.com/devverse/chat-core/internal/metrics"
	"github.com/devverse/chat-core/internal/presence"
	"github.com/devverse/chat-core/internal/protocol"
	"github.com/devverse/chat-core/internal/typing"
)

// Outbound delivers serialized events to local connections. Implemented by
// the WebSocket gateway.
type Outbound interface {
	// SendToUser writes data to every live local connection of the user.
	// A user with zero local connections is a silent no-op.
	SendToUser(userID string, data []byte)
	// SendToConn writes data to one specific connection.
	SendToConn(connID string, data []byte) error
}

// Publisher mirrors events to other server instances. Nil disables
// cross-instance fan-out (single-node deployments).
type Publisher interface {
	PublishChatEvent(sessionID string, data []byte) error
	PublishPresence(userID string, data []byte) error
}

// Router is the session router. It tracks which sessions each user has open,
// dispatches inbound events to the message pipeline and typing coordinator,
// and fans resulting events out to the other participant's connections only
// (seen receipts go to the original sender's connections instead).
type Router struct {
	origin   string
	pipeline *chat.Pipeline
	registry *presence.Registry
	typing   *typing.Coordinator
	outbound Outbound

	publisher Publisher              // optional
	lastSeen  presence.LastSeenStore // optional

	mu             sync.RWMutex
	sessionsByUser map[string]map[string]struct{} // userID -> open session ids
	names          map[string]string              // userID -> display name from last join
}

// Config carries the Router's collaborators.
type Config struct {
	Origin       string // instance name, used to drop self-published events
	Pipeline     *chat.Pipeline
	Registry     *presence.Registry
	Outbound     Outbound
	Publisher    Publisher              // may be nil
	LastSeen     presence.LastSeenStore // may be nil
	TypingWindow time.Duration          // zero means typing.DefaultWindow
}

// New creates a Router. The typing coordinator is owned by the router so its
// Active/Idle transitions fan out through the same path as everything else.
func New(cfg Config) *Router {
	r := &Router{
		origin:         cfg.Origin,
		pipeline:       cfg.Pipeline,
		registry:       cfg.Registry,
		outbound:       cfg.Outbound,
		publisher:      cfg.Publisher,
		lastSeen:       cfg.LastSeen,
		sessionsByUser: make(map[string]map[string]struct{}),
		names:          make(map[string]string),
	}
	r.typing = typing.NewCoordinator(cfg.TypingWindow, r.typingStarted, r.typingStopped)
	return r
}

// Typing returns the router-owned typing coordinator, for disconnect cleanup
// and shutdown wiring.
func (r *Router) Typing() *typing.Coordinator {
	return r.typing
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// Connect registers a new connection for the user. On the Offline -> Online
// edge it announces userOnline to every peer with an open session against
// this user; a second tab while the first is live announces nothing. The
// joining connection receives an initialStatus snapshot for each session the
// user already has open.
func (r *Router) Connect(userID, connID string) {
	wentOnline := r.registry.AddConnection(userID, connID)
	metrics.OnlineUsers.Set(float64(r.registry.OnlineCount()))

	if wentOnline {
		r.broadcastPresence(userID, true, time.Time{})
	}

	for _, sessionID := range r.openSessions(userID) {
		peerID := r.peerOf(sessionID, userID)
		if peerID == "" {
			continue
		}
		if data, err := r.statusSnapshot(context.Background(), peerID); err == nil {
			_ = r.outbound.SendToConn(connID, data)
		}
	}
}

// Disconnect unregisters a connection. On the Online -> Offline edge it
// expires the user's typing indicators, persists the last-seen timestamp,
// announces userOffline exactly once, and evicts session caches whose
// participants are now both offline.
func (r *Router) Disconnect(userID, connID string) {
	wentOffline, lastSeenAt := r.registry.RemoveConnection(userID, connID)
	metrics.OnlineUsers.Set(float64(r.registry.OnlineCount()))
	if !wentOffline {
		return
	}

	r.typing.DisconnectUser(userID)
	metrics.ActiveTyping.Set(float64(r.typing.ActiveCount()))

	if r.lastSeen != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := r.lastSeen.Save(ctx, userID, lastSeenAt); err != nil {
			log.Printf("[router] persist last seen user=%s: %v", userID, err)
		}
		cancel()
	}

	r.broadcastPresence(userID, false, lastSeenAt)

	// The in-memory session is a cache; drop it once both sides are gone.
	for _, sessionID := range r.openSessions(userID) {
		peerID := r.peerOf(sessionID, userID)
		if peerID != "" && !r.registry.Query(peerID).Online {
			r.pipeline.Evict(sessionID)
		}
	}
	metrics.ActiveSessions.Set(float64(r.pipeline.LiveSessions()))
}

// ---------------------------------------------------------------------------
// Inbound events
// ---------------------------------------------------------------------------

// Join opens (or attaches to) the session with the peer. The joining
// connection receives the replayed history and the peer's presence snapshot.
// Unseen peer messages become visible through the replay but are not
// auto-marked seen; that requires an explicit markAsSeen.
func (r *Router) Join(ctx context.Context, userID, firstName, peerID, connID string) error {
	if peerID == userID || !identity.ValidUserID(peerID) {
		r.sendError(connID, "invalid_peer", "invalid peer id")
		return nil
	}

	session, err := r.pipeline.Join(ctx, userID, peerID)
	if err != nil {
		r.sendError(connID, "join_failed", "could not open chat session")
		return err
	}
	metrics.ActiveSessions.Set(float64(r.pipeline.LiveSessions()))

	r.mu.Lock()
	if firstName != "" {
		r.names[userID] = firstName
	}
	// A session is open for both participants as soon as either joins, so
	// presence transitions reach the peer even before they join themselves.
	for _, uid := range []string{userID, peerID} {
		open, ok := r.sessionsByUser[uid]
		if !ok {
			open = make(map[string]struct{})
			r.sessionsByUser[uid] = open
		}
		open[session.ID] = struct{}{}
	}
	r.mu.Unlock()

	history := session.History()
	replay := protocol.HistoryMsg{SessionID: session.ID, Messages: make([]protocol.HistoryMessage, 0, len(history))}
	for _, m := range history {
		replay.Messages = append(replay.Messages, protocol.HistoryMessage{
			ID:        m.ID,
			SenderID:  m.SenderID,
			FirstName: m.SenderName,
			Text:      m.Text,
			Time:      m.CreatedAt.Format(time.RFC3339Nano),
			Seen:      m.Seen,
		})
	}
	if data, err := protocol.NewServerMessage(protocol.TypeHistory, replay); err == nil {
		_ = r.outbound.SendToConn(connID, data)
	}

	if data, err := r.statusSnapshot(ctx, peerID); err == nil {
		_ = r.outbound.SendToConn(connID, data)
	}
	return nil
}

// SendMessage validates and appends the message, then delivers it to the
// peer's live connections. A rejected message is acked negatively to the
// sending connection only; the peer never learns it existed. If the peer is
// offline the message is already durable and will arrive via history replay.
func (r *Router) SendMessage(ctx context.Context, userID, peerID, connID, text string) {
	sessionID := chat.SessionID(userID, peerID)

	start := time.Now()
	msg, err := r.pipeline.Append(ctx, sessionID, userID, r.nameOf(userID), text)
	metrics.AppendLatency.Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, chat.ErrInvalidMessage):
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		r.sendError(connID, "invalid_message", "message rejected")
		return
	case errors.Is(err, chat.ErrSessionNotFound):
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		r.sendError(connID, "session_not_found", "no open session with this peer, rejoin the chat")
		return
	case err != nil:
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		log.Printf("[router] append session=%s: %v", sessionID, err)
		r.sendError(connID, "internal", "message could not be stored")
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeMessageReceived, protocol.MessageReceivedMsg{
		ID:        msg.ID,
		SenderID:  msg.SenderID,
		FirstName: msg.SenderName,
		Text:      msg.Text,
		Time:      msg.CreatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		log.Printf("[router] build messageReceived session=%s: %v", sessionID, err)
		return
	}

	if r.registry.Query(peerID).Online {
		metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	} else {
		metrics.MessagesTotal.WithLabelValues("stored_only").Inc()
	}
	r.outbound.SendToUser(peerID, data)

	r.publishChat(sessionID, Event{
		Kind:       EventMessage,
		SessionID:  sessionID,
		UserID:     userID,
		SenderName: msg.SenderName,
		Message:    &msg,
	})
}

// MarkSeen flips the peer's unseen messages and, when anything actually
// changed, emits exactly one seenReceipt burst to the message author's
// connections (the acker's peer). A repeat ack with nothing new is silent.
func (r *Router) MarkSeen(ctx context.Context, userID, peerID, connID string) {
	sessionID := chat.SessionID(userID, peerID)

	changed, err := r.pipeline.MarkSeen(ctx, sessionID, userID)
	switch {
	case errors.Is(err, chat.ErrSessionNotFound):
		r.sendError(connID, "session_not_found", "no open session with this peer, rejoin the chat")
		return
	case err != nil:
		log.Printf("[router] mark seen session=%s: %v", sessionID, err)
		return
	}
	if len(changed) == 0 {
		return
	}

	metrics.SeenReceiptsTotal.Inc()
	data, err := protocol.NewServerMessage(protocol.TypeSeenReceipt, protocol.SeenReceiptMsg{SessionID: sessionID})
	if err != nil {
		return
	}
	r.outbound.SendToUser(peerID, data)

	r.publishChat(sessionID, Event{Kind: EventSeen, SessionID: sessionID, UserID: userID})
}

// TypingEvent feeds a typing keystroke into the coordinator. The session must
// be open; typing in an unknown session is dropped without an ack (it is
// transient state, not worth a round trip).
func (r *Router) TypingEvent(userID, peerID, senderName string) {
	sessionID := chat.SessionID(userID, peerID)
	if s := r.pipeline.Session(sessionID); s == nil || !s.IsParticipant(userID) {
		return
	}
	if senderName == "" {
		senderName = r.nameOf(userID)
	}
	r.typing.Typing(sessionID, userID, senderName)
	metrics.ActiveTyping.Set(float64(r.typing.ActiveCount()))
}

// StopTypingEvent explicitly ends the user's typing state for the session.
func (r *Router) StopTypingEvent(userID, peerID string) {
	r.typing.StopTyping(chat.SessionID(userID, peerID), userID)
	metrics.ActiveTyping.Set(float64(r.typing.ActiveCount()))
}

// RequestStatus sends the target user's presence snapshot to the requesting
// connection.
func (r *Router) RequestStatus(ctx context.Context, targetID, connID string) {
	if data, err := r.statusSnapshot(ctx, targetID); err == nil {
		_ = r.outbound.SendToConn(connID, data)
	}
}

// ---------------------------------------------------------------------------
// Typing coordinator callbacks
// ---------------------------------------------------------------------------

func (r *Router) typingStarted(sessionID, typistID, typistName string) {
	data, err := protocol.NewServerMessage(protocol.TypeTargetTyping, protocol.TargetTypingMsg{
		SenderID:   typistID,
		SenderName: typistName,
	})
	if err != nil {
		return
	}
	if peerID := r.peerOf(sessionID, typistID); peerID != "" {
		r.outbound.SendToUser(peerID, data)
	}
	r.publishChat(sessionID, Event{Kind: EventTyping, SessionID: sessionID, UserID: typistID, SenderName: typistName})
}

func (r *Router) typingStopped(sessionID, typistID, _ string) {
	data, err := protocol.NewServerMessage(protocol.TypeTargetStopTyping, protocol.TargetStopTypingMsg{
		SenderID: typistID,
	})
	if err != nil {
		return
	}
	if peerID := r.peerOf(sessionID, typistID); peerID != "" {
		r.outbound.SendToUser(peerID, data)
	}
	r.publishChat(sessionID, Event{Kind: EventStopTyping, SessionID: sessionID, UserID: typistID})
}

// ---------------------------------------------------------------------------
// Remote events (other instances via NATS)
// ---------------------------------------------------------------------------

// HandleRemoteChat applies a chat event published by another instance,
// delivering it to locally connected recipients. Self-published events are
// dropped by origin.
func (r *Router) HandleRemoteChat(data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("[router] remote chat event unmarshal: %v", err)
		return
	}
	if ev.Origin == r.origin {
		return
	}

	peerID := r.peerOf(ev.SessionID, ev.UserID)
	if peerID == "" {
		// Session unknown here; fall back to the canonical id split.
		a, b, ok := chat.ParticipantsOf(ev.SessionID)
		if !ok {
			return
		}
		if ev.UserID == a {
			peerID = b
		} else {
			peerID = a
		}
	}

	switch ev.Kind {
	case EventMessage:
		if ev.Message == nil {
			return
		}
		out, err := protocol.NewServerMessage(protocol.TypeMessageReceived, protocol.MessageReceivedMsg{
			ID:        ev.Message.ID,
			SenderID:  ev.Message.SenderID,
			FirstName: ev.Message.SenderName,
			Text:      ev.Message.Text,
			Time:      ev.Message.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return
		}
		r.outbound.SendToUser(peerID, out)

	case EventSeen:
		out, err := protocol.NewServerMessage(protocol.TypeSeenReceipt, protocol.SeenReceiptMsg{SessionID: ev.SessionID})
		if err != nil {
			return
		}
		r.outbound.SendToUser(peerID, out)

	case EventTyping:
		out, err := protocol.NewServerMessage(protocol.TypeTargetTyping, protocol.TargetTypingMsg{
			SenderID:   ev.UserID,
			SenderName: ev.SenderName,
		})
		if err != nil {
			return
		}
		r.outbound.SendToUser(peerID, out)

	case EventStopTyping:
		out, err := protocol.NewServerMessage(protocol.TypeTargetStopTyping, protocol.TargetStopTypingMsg{
			SenderID: ev.UserID,
		})
		if err != nil {
			return
		}
		r.outbound.SendToUser(peerID, out)
	}
}

// HandleRemotePresence applies a presence transition published by another
// instance: the registry learns the remote last-seen time and local users
// with an open session against the subject are notified.
func (r *Router) HandleRemotePresence(data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("[router] remote presence event unmarshal: %v", err)
		return
	}
	if ev.Origin == r.origin {
		return
	}

	var out []byte
	var err error
	switch ev.Kind {
	case EventOnline:
		out, err = protocol.NewServerMessage(protocol.TypeUserOnline, protocol.UserOnlineMsg{UserID: ev.UserID})
	case EventOffline:
		if t, perr := time.Parse(time.RFC3339Nano, ev.LastSeen); perr == nil {
			r.registry.SeedLastSeen(ev.UserID, t)
		}
		out, err = protocol.NewServerMessage(protocol.TypeUserOffline, protocol.UserOfflineMsg{
			UserID:   ev.UserID,
			LastSeen: ev.LastSeen,
		})
	default:
		return
	}
	if err != nil {
		return
	}

	for _, peerID := range r.peersWithSession(ev.UserID) {
		r.outbound.SendToUser(peerID, out)
	}
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// statusSnapshot builds an initialStatus event for the user. For an offline
// user never observed by this instance, the durable last-seen store is
// consulted as a fallback.
func (r *Router) statusSnapshot(ctx context.Context, userID string) ([]byte, error) {
	st := r.registry.Query(userID)
	if !st.Online && st.LastSeen.IsZero() && r.lastSeen != nil {
		if t, ok, err := r.lastSeen.Load(ctx, userID); err == nil && ok {
			r.registry.SeedLastSeen(userID, t)
			st.LastSeen = t
		}
	}

	snap := protocol.InitialStatusMsg{UserID: userID, IsOnline: st.Online}
	if !st.Online && !st.LastSeen.IsZero() {
		snap.LastSeen = st.LastSeen.Format(time.RFC3339Nano)
	}
	return protocol.NewServerMessage(protocol.TypeInitialStatus, snap)
}

// broadcastPresence notifies every peer with an open session against the
// user, and mirrors the transition to other instances.
func (r *Router) broadcastPresence(userID string, online bool, lastSeenAt time.Time) {
	var out []byte
	var err error
	ev := Event{Origin: r.origin, UserID: userID}

	if online {
		ev.Kind = EventOnline
		out, err = protocol.NewServerMessage(protocol.TypeUserOnline, protocol.UserOnlineMsg{UserID: userID})
	} else {
		ev.Kind = EventOffline
		ev.LastSeen = lastSeenAt.Format(time.RFC3339Nano)
		out, err = protocol.NewServerMessage(protocol.TypeUserOffline, protocol.UserOfflineMsg{
			UserID:   userID,
			LastSeen: ev.LastSeen,
		})
	}
	if err != nil {
		return
	}

	for _, peerID := range r.peersWithSession(userID) {
		r.outbound.SendToUser(peerID, out)
	}

	if r.publisher != nil {
		if data, err := json.Marshal(ev); err == nil {
			if err := r.publisher.PublishPresence(userID, data); err != nil {
				log.Printf("[router] publish presence user=%s: %v", userID, err)
			}
		}
	}
}

func (r *Router) publishChat(sessionID string, ev Event) {
	if r.publisher == nil {
		return
	}
	ev.Origin = r.origin
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := r.publisher.PublishChatEvent(sessionID, data); err != nil {
		log.Printf("[router] publish chat session=%s: %v", sessionID, err)
	}
}

func (r *Router) openSessions(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessionsByUser[userID]))
	for id := range r.sessionsByUser[userID] {
		out = append(out, id)
	}
	return out
}

// peersWithSession returns the local view of users holding an open session
// against userID.
func (r *Router) peersWithSession(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var peers []string
	for id := range r.sessionsByUser[userID] {
		a, b, ok := chat.ParticipantsOf(id)
		if !ok {
			continue
		}
		if a == userID {
			peers = append(peers, b)
		} else {
			peers = append(peers, a)
		}
	}
	return peers
}

func (r *Router) peerOf(sessionID, userID string) string {
	if s := r.pipeline.Session(sessionID); s != nil {
		return s.Peer(userID)
	}
	a, b, ok := chat.ParticipantsOf(sessionID)
	if !ok {
		return ""
	}
	switch userID {
	case a:
		return b
	case b:
		return a
	}
	return ""
}

func (r *Router) nameOf(userID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names[userID]
}

func (r *Router) sendError(connID, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
	if err != nil {
		return
	}
	if err := r.outbound.SendToConn(connID, data); err != nil {
		log.Printf("[router] send error ack conn=%s: %v", connID, err)
	}
}
