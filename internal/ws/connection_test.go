package ws

import (
	"net"
	"sync"
	"testing"
	"time"
)

func newTestConn(t *testing.T, id, userID string, fd int) *Connection {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	c := &Connection{
		ID:        id,
		UserID:    userID,
		Conn:      server,
		Fd:        fd,
		CreatedAt: time.Now(),
	}
	c.Touch()
	return c
}

func TestConnectionActivityTracking(t *testing.T) {
	c := newTestConn(t, "c1", "alice", 10)

	before := c.LastActive()
	if before.IsZero() {
		t.Fatal("fresh connection has no activity timestamp")
	}

	// Concurrent touches and reads must agree on a sane timestamp.
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.Touch()
				if c.LastActive().Before(before) {
					t.Error("activity timestamp moved backwards")
					return
				}
			}
		}()
	}
	wg.Wait()

	if c.LastActive().Before(before) {
		t.Error("final activity timestamp older than initial")
	}
}

func TestConnectionManagerLookups(t *testing.T) {
	cm := NewConnectionManager()

	c1 := newTestConn(t, "c1", "alice", 10)
	c2 := newTestConn(t, "c2", "alice", 11)
	c3 := newTestConn(t, "c3", "bob", 12)
	cm.Add(c1)
	cm.Add(c2)
	cm.Add(c3)

	if cm.Count() != 3 {
		t.Fatalf("expected 3 connections, got %d", cm.Count())
	}
	if got := cm.Get("c2"); got != c2 {
		t.Errorf("Get(c2) returned %v", got)
	}
	if got := cm.GetByFd(12); got != c3 {
		t.Errorf("GetByFd(12) returned %v", got)
	}
	if got := cm.ByUser("alice"); len(got) != 2 {
		t.Errorf("expected 2 connections for alice, got %d", len(got))
	}
	if got := cm.ByUser("nobody"); len(got) != 0 {
		t.Errorf("expected no connections for unknown user, got %d", len(got))
	}
}

func TestConnectionManagerRemove(t *testing.T) {
	cm := NewConnectionManager()
	c1 := newTestConn(t, "c1", "alice", 10)
	c2 := newTestConn(t, "c2", "alice", 11)
	cm.Add(c1)
	cm.Add(c2)

	if !cm.Remove("c1") {
		t.Fatal("expected Remove to report the connection existed")
	}
	if cm.Remove("c1") {
		t.Fatal("second Remove of the same id should be a no-op")
	}

	if got := cm.ByUser("alice"); len(got) != 1 || got[0] != c2 {
		t.Fatalf("user index not pruned: %v", got)
	}
	if cm.Get("c1") != nil || cm.GetByFd(10) != nil {
		t.Error("removed connection still resolvable")
	}

	// Removing the last connection clears the user entry entirely.
	cm.Remove("c2")
	if got := cm.ByUser("alice"); len(got) != 0 {
		t.Fatalf("expected empty user index, got %v", got)
	}
}

func TestConnectionManagerRemoveByFd(t *testing.T) {
	cm := NewConnectionManager()
	c := newTestConn(t, "c1", "alice", 10)
	cm.Add(c)

	if got := cm.RemoveByFd(10); got != c {
		t.Fatalf("RemoveByFd returned %v", got)
	}
	if got := cm.RemoveByFd(10); got != nil {
		t.Fatalf("second RemoveByFd should return nil, got %v", got)
	}
	if cm.Count() != 0 {
		t.Errorf("expected empty manager, got %d", cm.Count())
	}
}
