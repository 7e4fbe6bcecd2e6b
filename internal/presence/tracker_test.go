package presence

import (
	"sync"
	"testing"
	"time"
)

func TestMarkOnlineAndLookup(t *testing.T) {
	tr := NewTracker()

	tr.MarkOnline("worker-1", "conn-1")

	rec, ok := tr.Lookup("worker-1")
	if !ok {
		t.Fatal("expected record after MarkOnline")
	}
	if rec.Status != StatusOnline {
		t.Errorf("status = %q, want %q", rec.Status, StatusOnline)
	}
	if rec.ConnRef != "conn-1" {
		t.Errorf("conn ref = %q, want conn-1", rec.ConnRef)
	}
	if !tr.IsOnline("worker-1") {
		t.Error("IsOnline should report true")
	}
}

func TestLookupUnknownAgent(t *testing.T) {
	tr := NewTracker()

	if _, ok := tr.Lookup("never-connected"); ok {
		t.Error("expected ok=false for agent that never connected")
	}
	if tr.IsOnline("never-connected") {
		t.Error("unknown agent should not be online")
	}
}

func TestMarkOfflineRetainsLastSeen(t *testing.T) {
	tr := NewTracker()
	clock := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return clock }

	tr.MarkOnline("worker-1", "conn-1")
	clock = clock.Add(5 * time.Minute)
	tr.MarkOffline("worker-1")

	rec, ok := tr.Lookup("worker-1")
	if !ok {
		t.Fatal("record should survive disconnect")
	}
	if rec.Status != StatusOffline {
		t.Errorf("status = %q, want %q", rec.Status, StatusOffline)
	}
	if !rec.LastSeen.Equal(clock) {
		t.Errorf("last seen = %v, want %v", rec.LastSeen, clock)
	}
	if rec.ConnRef != "" {
		t.Errorf("conn ref should be cleared, got %q", rec.ConnRef)
	}
}

func TestMarkOfflineUnknownAgentNoop(t *testing.T) {
	tr := NewTracker()
	tr.MarkOffline("ghost")

	if _, ok := tr.Lookup("ghost"); ok {
		t.Error("MarkOffline must not create a record")
	}
}

func TestReconnectSupersedesPriorConnection(t *testing.T) {
	tr := NewTracker()

	tr.MarkOnline("worker-1", "conn-old")
	tr.MarkOnline("worker-1", "conn-new")

	rec, _ := tr.Lookup("worker-1")
	if rec.ConnRef != "conn-new" {
		t.Fatalf("conn ref = %q, want conn-new", rec.ConnRef)
	}
	if tr.OnlineCount() != 1 {
		t.Errorf("online count = %d, want 1", tr.OnlineCount())
	}
}

func TestMarkOfflineRefIgnoresSupersededConnection(t *testing.T) {
	tr := NewTracker()

	tr.MarkOnline("worker-1", "conn-old")
	tr.MarkOnline("worker-1", "conn-new")

	// The old socket's teardown arrives after the new connection registered.
	tr.MarkOfflineRef("worker-1", "conn-old")

	if !tr.IsOnline("worker-1") {
		t.Fatal("superseded connection close must not knock agent offline")
	}

	tr.MarkOfflineRef("worker-1", "conn-new")
	if tr.IsOnline("worker-1") {
		t.Fatal("current connection close should take agent offline")
	}
}

func TestOnlineCountAndSnapshot(t *testing.T) {
	tr := NewTracker()

	tr.MarkOnline("a", "c1")
	tr.MarkOnline("b", "c2")
	tr.MarkOnline("c", "c3")
	tr.MarkOffline("b")

	if got := tr.OnlineCount(); got != 2 {
		t.Errorf("online count = %d, want 2", got)
	}

	snap := tr.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot len = %d, want 3 (offline records retained)", len(snap))
	}
}

func TestLookupReturnsCopy(t *testing.T) {
	tr := NewTracker()
	tr.MarkOnline("a", "c1")

	rec, _ := tr.Lookup("a")
	rec.Status = StatusOffline

	if !tr.IsOnline("a") {
		t.Error("mutating a Lookup result must not affect tracker state")
	}
}

func TestConcurrentAccess(t *testing.T) {
	tr := NewTracker()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n%10))
			tr.MarkOnline(id, ConnRef(id))
			tr.Lookup(id)
			tr.IsOnline(id)
			tr.MarkOfflineRef(id, ConnRef(id))
		}(i)
	}
	wg.Wait()

	// All refs resolved against themselves, so everyone ends offline.
	for _, rec := range tr.Snapshot() {
		if rec.Status == StatusOnline {
			t.Errorf("agent %s still online after all refs closed", rec.AgentID)
		}
	}
}
