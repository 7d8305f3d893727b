package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/devverse/chat-core/internal/chat"
	"github.com/devverse/chat-core/internal/presence"
	"github.com/devverse/chat-core/internal/protocol"
)

// fakeOutbound records every event handed to the gateway, decoded to maps.
// Like the real gateway, SendToUser is a silent no-op for users without a
// live connection.
type fakeOutbound struct {
	mu     sync.Mutex
	live   map[string]bool
	byUser map[string][]map[string]interface{}
	byConn map[string][]map[string]interface{}
}

func newFakeOutbound() *fakeOutbound {
	return &fakeOutbound{
		live:   make(map[string]bool),
		byUser: make(map[string][]map[string]interface{}),
		byConn: make(map[string][]map[string]interface{}),
	}
}

func decode(data []byte) map[string]interface{} {
	var m map[string]interface{}
	_ = json.Unmarshal(data, &m)
	return m
}

func (f *fakeOutbound) setLive(userID string) {
	f.mu.Lock()
	f.live[userID] = true
	f.mu.Unlock()
}

func (f *fakeOutbound) SendToUser(userID string, data []byte) {
	f.mu.Lock()
	if f.live[userID] {
		f.byUser[userID] = append(f.byUser[userID], decode(data))
	}
	f.mu.Unlock()
}

func (f *fakeOutbound) SendToConn(connID string, data []byte) error {
	f.mu.Lock()
	f.byConn[connID] = append(f.byConn[connID], decode(data))
	f.mu.Unlock()
	return nil
}

func (f *fakeOutbound) userEvents(userID, msgType string) []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]interface{}
	for _, ev := range f.byUser[userID] {
		if ev["type"] == msgType {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeOutbound) connEvents(connID, msgType string) []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]interface{}
	for _, ev := range f.byConn[connID] {
		if ev["type"] == msgType {
			out = append(out, ev)
		}
	}
	return out
}

func newTestRouter(t *testing.T) (*Router, *fakeOutbound) {
	t.Helper()
	out := newFakeOutbound()
	r := New(Config{
		Origin:       "test-1",
		Pipeline:     chat.NewPipeline(chat.NewMemoryStore()),
		Registry:     presence.NewRegistry(),
		Outbound:     out,
		TypingWindow: time.Minute, // expiry driven explicitly in tests
	})
	t.Cleanup(r.Typing().Shutdown)
	return r, out
}

func join(t *testing.T, r *Router, userID, name, peerID, connID string) {
	t.Helper()
	out := r.outbound.(*fakeOutbound)
	out.setLive(userID)
	r.Connect(userID, connID)
	if err := r.Join(context.Background(), userID, name, peerID, connID); err != nil {
		t.Fatalf("join %s: %v", userID, err)
	}
}

func TestMessagesDeliveredInOrder(t *testing.T) {
	r, out := newTestRouter(t)
	ctx := context.Background()

	join(t, r, "alice", "Alice", "bob", "a1")
	join(t, r, "bob", "Bob", "alice", "b1")

	r.SendMessage(ctx, "alice", "bob", "a1", "hi")
	r.SendMessage(ctx, "alice", "bob", "a1", "there")

	got := out.userEvents("bob", protocol.TypeMessageReceived)
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries to bob, got %d", len(got))
	}
	if got[0]["text"] != "hi" || got[1]["text"] != "there" {
		t.Fatalf("messages out of order: %v", got)
	}
	if got[0]["id"].(float64) >= got[1]["id"].(float64) {
		t.Fatalf("ids not increasing: %v then %v", got[0]["id"], got[1]["id"])
	}

	// Never echoed to the sender's own connections.
	if echoes := out.userEvents("alice", protocol.TypeMessageReceived); len(echoes) != 0 {
		t.Fatalf("message echoed to sender: %v", echoes)
	}
}

func TestRejectedMessageInvisibleToPeer(t *testing.T) {
	r, out := newTestRouter(t)
	ctx := context.Background()

	join(t, r, "alice", "Alice", "bob", "a1")
	join(t, r, "bob", "Bob", "alice", "b1")

	r.SendMessage(ctx, "alice", "bob", "a1", "   ")

	if got := out.userEvents("bob", protocol.TypeMessageReceived); len(got) != 0 {
		t.Fatalf("peer saw a rejected message: %v", got)
	}
	acks := out.connEvents("a1", protocol.TypeError)
	if len(acks) != 1 || acks[0]["code"] != "invalid_message" {
		t.Fatalf("expected one invalid_message ack, got %v", acks)
	}
}

func TestJoinRejectsInvalidPeer(t *testing.T) {
	r, out := newTestRouter(t)
	ctx := context.Background()

	r.Connect("alice", "a1")
	for _, peer := range []string{"alice", "", "bob:mallory"} {
		if err := r.Join(ctx, "alice", "Alice", peer, "a1"); err != nil {
			t.Fatalf("join with peer %q returned error: %v", peer, err)
		}
	}

	acks := out.connEvents("a1", protocol.TypeError)
	if len(acks) != 3 {
		t.Fatalf("expected 3 rejections, got %d: %v", len(acks), acks)
	}
	for _, ack := range acks {
		if ack["code"] != "invalid_peer" {
			t.Errorf("expected invalid_peer ack, got %v", ack)
		}
	}
}

func TestSendWithoutJoinToldToRejoin(t *testing.T) {
	r, out := newTestRouter(t)

	r.Connect("alice", "a1")
	r.SendMessage(context.Background(), "alice", "bob", "a1", "hello")

	acks := out.connEvents("a1", protocol.TypeError)
	if len(acks) != 1 || acks[0]["code"] != "session_not_found" {
		t.Fatalf("expected session_not_found ack, got %v", acks)
	}
}

func TestSeenReceiptBurstOnce(t *testing.T) {
	r, out := newTestRouter(t)
	ctx := context.Background()

	// Bob sends 3 messages, then alice joins and acks.
	join(t, r, "bob", "Bob", "alice", "b1")
	r.SendMessage(ctx, "bob", "alice", "b1", "one")
	r.SendMessage(ctx, "bob", "alice", "b1", "two")
	r.SendMessage(ctx, "bob", "alice", "b1", "three")

	join(t, r, "alice", "Alice", "bob", "a1")
	replays := out.connEvents("a1", protocol.TypeHistory)
	if len(replays) != 1 {
		t.Fatalf("expected 1 history replay, got %d", len(replays))
	}
	if msgs := replays[0]["messages"].([]interface{}); len(msgs) != 3 {
		t.Fatalf("expected 3 replayed messages, got %d", len(msgs))
	}

	r.MarkSeen(ctx, "alice", "bob", "a1")
	if got := out.userEvents("bob", protocol.TypeSeenReceipt); len(got) != 1 {
		t.Fatalf("expected exactly 1 seenReceipt to bob, got %d", len(got))
	}

	// Repeat ack with nothing new: no second burst.
	r.MarkSeen(ctx, "alice", "bob", "a1")
	if got := out.userEvents("bob", protocol.TypeSeenReceipt); len(got) != 1 {
		t.Fatalf("repeat markAsSeen produced a duplicate receipt: %d", len(got))
	}
}

func TestTypingThenStopFansOutOnce(t *testing.T) {
	r, out := newTestRouter(t)

	join(t, r, "alice", "Alice", "bob", "a1")
	join(t, r, "bob", "Bob", "alice", "b1")

	r.TypingEvent("alice", "bob", "Alice")
	r.TypingEvent("alice", "bob", "Alice") // keystroke storm: no re-emit
	r.StopTypingEvent("alice", "bob")

	starts := out.userEvents("bob", protocol.TypeTargetTyping)
	stops := out.userEvents("bob", protocol.TypeTargetStopTyping)
	if len(starts) != 1 || len(stops) != 1 {
		t.Fatalf("expected 1 start + 1 stop, got %d + %d", len(starts), len(stops))
	}
	if starts[0]["senderName"] != "Alice" {
		t.Errorf("typing event lost sender name: %v", starts[0])
	}

	// The typist's own tabs see nothing.
	if got := out.userEvents("alice", protocol.TypeTargetTyping); len(got) != 0 {
		t.Fatalf("typing echoed to typist: %v", got)
	}
}

func TestDisconnectExpiresTyping(t *testing.T) {
	r, out := newTestRouter(t)

	join(t, r, "alice", "Alice", "bob", "a1")
	join(t, r, "bob", "Bob", "alice", "b1")

	r.TypingEvent("alice", "bob", "Alice")
	r.Disconnect("alice", "a1")

	stops := out.userEvents("bob", protocol.TypeTargetStopTyping)
	if len(stops) != 1 {
		t.Fatalf("expected typing stop on typist disconnect, got %d", len(stops))
	}
}

func TestTwoTabsNoPresenceFlap(t *testing.T) {
	r, out := newTestRouter(t)

	join(t, r, "bob", "Bob", "alice", "b1")
	join(t, r, "alice", "Alice", "bob", "a1")
	r.Connect("alice", "a2") // second tab

	// Opening the second tab fired no duplicate userOnline at bob.
	if got := out.userEvents("bob", protocol.TypeUserOnline); len(got) != 1 {
		t.Fatalf("expected exactly 1 userOnline at bob, got %d", len(got))
	}

	r.Disconnect("alice", "a1")
	if got := out.userEvents("bob", protocol.TypeUserOffline); len(got) != 0 {
		t.Fatalf("userOffline fired while a tab was still live: %v", got)
	}

	before := time.Now()
	r.Disconnect("alice", "a2")
	got := out.userEvents("bob", protocol.TypeUserOffline)
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 userOffline, got %d", len(got))
	}
	lastSeen, err := time.Parse(time.RFC3339Nano, got[0]["lastSeen"].(string))
	if err != nil {
		t.Fatalf("bad lastSeen: %v", err)
	}
	if lastSeen.Before(before.Add(-time.Second)) {
		t.Errorf("lastSeen not the final disconnect time: %v", lastSeen)
	}
}

func TestOfflinePeerStillGetsDurableMessage(t *testing.T) {
	r, out := newTestRouter(t)
	ctx := context.Background()

	join(t, r, "alice", "Alice", "bob", "a1")
	r.SendMessage(ctx, "alice", "bob", "a1", "you there?")

	// Bob was offline: nothing was delivered live.
	if got := out.userEvents("bob", protocol.TypeMessageReceived); len(got) != 0 {
		t.Fatalf("message delivered to offline peer: %v", got)
	}

	// But the join replay carries it.
	join(t, r, "bob", "Bob", "alice", "b1")
	replays := out.connEvents("b1", protocol.TypeHistory)
	if len(replays) != 1 {
		t.Fatalf("expected history replay, got %d", len(replays))
	}
	msgs := replays[0]["messages"].([]interface{})
	if len(msgs) != 1 {
		t.Fatalf("expected 1 replayed message, got %d", len(msgs))
	}
	if msgs[0].(map[string]interface{})["text"] != "you there?" {
		t.Errorf("wrong replayed message: %v", msgs[0])
	}
}

func TestInitialStatusOnConnectForOpenSessions(t *testing.T) {
	r, out := newTestRouter(t)

	join(t, r, "alice", "Alice", "bob", "a1")
	r.Disconnect("alice", "a1")

	// Alice reconnects; the session is still open, so a fresh snapshot of
	// bob's presence arrives without a new join.
	r.Connect("alice", "a2")
	snaps := out.connEvents("a2", protocol.TypeInitialStatus)
	if len(snaps) != 1 {
		t.Fatalf("expected 1 initialStatus on reconnect, got %d", len(snaps))
	}
	if snaps[0]["userId"] != "bob" || snaps[0]["isOnline"] != false {
		t.Errorf("unexpected snapshot: %v", snaps[0])
	}
}

func TestRequestStatus(t *testing.T) {
	r, out := newTestRouter(t)

	r.Connect("bob", "b1")
	r.Connect("alice", "a1")
	r.RequestStatus(context.Background(), "bob", "a1")

	snaps := out.connEvents("a1", protocol.TypeInitialStatus)
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	if snaps[0]["userId"] != "bob" || snaps[0]["isOnline"] != true {
		t.Errorf("unexpected snapshot: %v", snaps[0])
	}
}

func TestRemoteEventsFilteredByOrigin(t *testing.T) {
	r, out := newTestRouter(t)
	join(t, r, "bob", "Bob", "alice", "b1")

	sessionID := chat.SessionID("alice", "bob")
	msg := chat.Message{ID: 1, SessionID: sessionID, SenderID: "alice", SenderName: "Alice", Text: "from afar", CreatedAt: time.Now()}

	// Event from another instance is delivered to the local peer.
	remote, _ := json.Marshal(Event{Kind: EventMessage, Origin: "other-2", SessionID: sessionID, UserID: "alice", Message: &msg})
	r.HandleRemoteChat(remote)
	if got := out.userEvents("bob", protocol.TypeMessageReceived); len(got) != 1 {
		t.Fatalf("remote message not delivered: %d", len(got))
	}

	// The same event with our own origin is dropped.
	self, _ := json.Marshal(Event{Kind: EventMessage, Origin: "test-1", SessionID: sessionID, UserID: "alice", Message: &msg})
	r.HandleRemoteChat(self)
	if got := out.userEvents("bob", protocol.TypeMessageReceived); len(got) != 1 {
		t.Fatalf("self-origin event was not filtered: %d", len(got))
	}
}

func TestRemotePresenceSeedsLastSeen(t *testing.T) {
	r, out := newTestRouter(t)
	join(t, r, "bob", "Bob", "alice", "b1")

	when := time.Now().Add(-10 * time.Minute).UTC()
	remote, _ := json.Marshal(Event{
		Kind:     EventOffline,
		Origin:   "other-2",
		UserID:   "alice",
		LastSeen: when.Format(time.RFC3339Nano),
	})
	r.HandleRemotePresence(remote)

	if got := out.userEvents("bob", protocol.TypeUserOffline); len(got) != 1 {
		t.Fatalf("remote offline not forwarded: %d", len(got))
	}

	// A later status snapshot reflects the seeded last-seen time.
	r.RequestStatus(context.Background(), "alice", "b1")
	snaps := out.connEvents("b1", protocol.TypeInitialStatus)
	if len(snaps) == 0 {
		t.Fatal("no snapshot delivered")
	}
	last := snaps[len(snaps)-1]
	if last["isOnline"] != false || last["lastSeen"] == nil {
		t.Errorf("seeded last-seen missing from snapshot: %v", last)
	}
}
