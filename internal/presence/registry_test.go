package presence

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestOnlineIffConnectionsExist(t *testing.T) {
	r := NewRegistry()

	if r.Query("alice").Online {
		t.Fatal("unknown user reported online")
	}

	if !r.AddConnection("alice", "c1") {
		t.Fatal("expected 0->1 edge to report online transition")
	}
	if !r.Query("alice").Online {
		t.Fatal("user with one connection reported offline")
	}

	offline, _ := r.RemoveConnection("alice", "c1")
	if !offline {
		t.Fatal("expected 1->0 edge to report offline transition")
	}
	if r.Query("alice").Online {
		t.Fatal("user with no connections reported online")
	}
}

func TestSecondTabDoesNotFlap(t *testing.T) {
	r := NewRegistry()

	if !r.AddConnection("alice", "tab1") {
		t.Fatal("expected online transition for first tab")
	}
	if r.AddConnection("alice", "tab2") {
		t.Fatal("second tab must not fire a second online transition")
	}

	// Tab 1 closes while tab 2 remains: no offline transition.
	offline, _ := r.RemoveConnection("alice", "tab1")
	if offline {
		t.Fatal("offline transition fired while another tab was live")
	}
	if !r.Query("alice").Online {
		t.Fatal("user reported offline while one tab remains")
	}

	before := time.Now()
	offline, lastSeen := r.RemoveConnection("alice", "tab2")
	if !offline {
		t.Fatal("expected offline transition when last tab closed")
	}
	if lastSeen.Before(before) {
		t.Errorf("lastSeen %v earlier than disconnect time %v", lastSeen, before)
	}

	st := r.Query("alice")
	if st.Online {
		t.Fatal("user reported online after last tab closed")
	}
	if !st.LastSeen.Equal(lastSeen) {
		t.Errorf("Query lastSeen %v != transition lastSeen %v", st.LastSeen, lastSeen)
	}
}

func TestRemoveUnknownConnectionIsNoop(t *testing.T) {
	r := NewRegistry()

	if off, _ := r.RemoveConnection("ghost", "c1"); off {
		t.Fatal("removing a connection for an unknown user fired a transition")
	}

	r.AddConnection("alice", "c1")
	if off, _ := r.RemoveConnection("alice", "never-added"); off {
		t.Fatal("removing an unknown handle fired a transition")
	}
	if !r.Query("alice").Online {
		t.Fatal("no-op removal changed presence state")
	}
}

func TestDuplicateAddIsNoop(t *testing.T) {
	r := NewRegistry()

	r.AddConnection("alice", "c1")
	if r.AddConnection("alice", "c1") {
		t.Fatal("duplicate handle add fired a transition")
	}

	// A single removal must take the user offline: the set holds one handle.
	if off, _ := r.RemoveConnection("alice", "c1"); !off {
		t.Fatal("expected offline after removing the only handle")
	}
}

func TestLastSeenMonotonic(t *testing.T) {
	r := NewRegistry()

	r.AddConnection("alice", "c1")
	_, first := r.RemoveConnection("alice", "c1")

	r.AddConnection("alice", "c2")
	_, second := r.RemoveConnection("alice", "c2")

	if second.Before(first) {
		t.Errorf("lastSeen went backwards: %v then %v", first, second)
	}
}

func TestSeedLastSeen(t *testing.T) {
	r := NewRegistry()
	past := time.Now().Add(-time.Hour)

	r.SeedLastSeen("alice", past)
	st := r.Query("alice")
	if st.Online {
		t.Fatal("seeding made an offline user online")
	}
	if !st.LastSeen.Equal(past) {
		t.Errorf("expected seeded lastSeen %v, got %v", past, st.LastSeen)
	}

	// Seeding must never move the timestamp backwards.
	r.SeedLastSeen("alice", past.Add(-time.Hour))
	if got := r.Query("alice").LastSeen; !got.Equal(past) {
		t.Errorf("seed moved lastSeen backwards to %v", got)
	}

	// Seeding must not touch an online user.
	r.AddConnection("bob", "c1")
	r.SeedLastSeen("bob", past)
	if !r.Query("bob").Online {
		t.Fatal("seed took an online user offline")
	}
}

func TestConnectionsSnapshot(t *testing.T) {
	r := NewRegistry()

	r.AddConnection("alice", "c1")
	r.AddConnection("alice", "c2")

	conns := r.Connections("alice")
	if len(conns) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(conns))
	}
	seen := map[string]bool{}
	for _, id := range conns {
		seen[id] = true
	}
	if !seen["c1"] || !seen["c2"] {
		t.Errorf("snapshot missing handles: %v", conns)
	}

	if got := r.Connections("nobody"); len(got) != 0 {
		t.Errorf("expected empty snapshot for unknown user, got %v", got)
	}
}

func TestOnlineCount(t *testing.T) {
	r := NewRegistry()

	r.AddConnection("alice", "c1")
	r.AddConnection("bob", "c1")
	r.AddConnection("bob", "c2")
	r.RemoveConnection("alice", "c1")

	if got := r.OnlineCount(); got != 1 {
		t.Fatalf("expected 1 online user, got %d", got)
	}
}

// TestConcurrentTransitions churns many connections for the same user from
// concurrent goroutines and verifies the registry emits exactly one online
// and one offline transition per actual edge.
func TestConcurrentTransitions(t *testing.T) {
	r := NewRegistry()
	const workers = 50

	var onlineEdges, offlineEdges int64
	var wg sync.WaitGroup
	wg.Add(workers)

	for i := 0; i < workers; i++ {
		go func(id int) {
			defer wg.Done()
			connID := fmt.Sprintf("conn-%d", id)
			if r.AddConnection("alice", connID) {
				atomic.AddInt64(&onlineEdges, 1)
			}
			if off, _ := r.RemoveConnection("alice", connID); off {
				atomic.AddInt64(&offlineEdges, 1)
			}
		}(i)
	}
	wg.Wait()

	// Every observed edge pair must balance, the final state must be offline,
	// and at least one full online/offline cycle must have happened.
	if onlineEdges != offlineEdges {
		t.Fatalf("unbalanced transitions: %d online vs %d offline", onlineEdges, offlineEdges)
	}
	if onlineEdges < 1 {
		t.Fatal("no transitions observed")
	}
	if r.Query("alice").Online {
		t.Fatal("user still online after all connections removed")
	}
}
