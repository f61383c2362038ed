package cluster

import (
	"testing"
	"time"

	"github.com/akeem/nanite/internal/broker/memorybroker"
	"github.com/akeem/nanite/internal/envelope"
	"github.com/akeem/nanite/internal/logging"
	"github.com/akeem/nanite/internal/serializer"
)

func newTestRegistry() *Registry {
	return New(memorybroker.New(), serializer.New("json"), logging.NewNop())
}

func TestServiceIndexInvariant(t *testing.T) {
	r := newTestRegistry()
	r.ObserveRegister("A", []string{"hash", "log"}, 0.1)

	if _, ok := r.index["hash"]["A"]; !ok {
		t.Fatal("A should be indexed under hash")
	}
	if _, ok := r.index["log"]["A"]; !ok {
		t.Fatal("A should be indexed under log")
	}

	// Re-register with a narrower service set; stale entries must be removed.
	r.ObserveRegister("A", []string{"hash"}, 0.1)
	if _, ok := r.index["log"]["A"]; ok {
		t.Fatal("stale log index entry for A was not removed")
	}
}

func TestTargetsForLeastLoadedTieBreak(t *testing.T) {
	r := newTestRegistry()
	r.ObserveRegister("B", []string{"hash"}, 0.5)
	r.ObserveRegister("A", []string{"hash"}, 0.5)

	got := r.TargetsFor(envelope.Envelope{Type: "hash", Selector: envelope.SelectorLeastLoaded})
	if len(got) != 1 || got[0] != "A" {
		t.Fatalf("expected [A] on tie, got %v", got)
	}
}

func TestTargetsForExplicitTarget(t *testing.T) {
	r := newTestRegistry()
	r.ObserveRegister("A", []string{"hash"}, 0.1)

	// target agent exists but doesn't advertise the service -> empty
	got := r.TargetsFor(envelope.Envelope{Type: "other", Target: "A"})
	if len(got) != 0 {
		t.Fatalf("expected no targets, got %v", got)
	}

	got = r.TargetsFor(envelope.Envelope{Type: "hash", Target: "A"})
	if len(got) != 1 || got[0] != "A" {
		t.Fatalf("expected [A], got %v", got)
	}

	got = r.TargetsFor(envelope.Envelope{Type: "hash", Target: "missing"})
	if len(got) != 0 {
		t.Fatalf("expected no targets for unknown explicit target, got %v", got)
	}
}

func TestTargetsForAll(t *testing.T) {
	r := newTestRegistry()
	r.ObserveRegister("A", []string{"log"}, 0.1)
	r.ObserveRegister("B", []string{"log"}, 0.1)

	got := r.TargetsFor(envelope.Envelope{Type: "log", Selector: envelope.SelectorAll})
	if len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("expected [A B] deterministic order, got %v", got)
	}
}

func TestTargetsForRoundRobinFairness(t *testing.T) {
	r := newTestRegistry()
	r.ObserveRegister("A", []string{"s"}, 0)
	r.ObserveRegister("B", []string{"s"}, 0)
	r.ObserveRegister("C", []string{"s"}, 0)

	want := []string{"A", "B", "C", "A"}
	for i, w := range want {
		got := r.TargetsFor(envelope.Envelope{Type: "s", Selector: envelope.SelectorRoundRobin})
		if len(got) != 1 || got[0] != w {
			t.Fatalf("call %d: expected [%s], got %v", i, w, got)
		}
	}
}

func TestRoundRobinCursorResetsOnShrink(t *testing.T) {
	r := newTestRegistry()
	r.ObserveRegister("A", []string{"s"}, 0)
	r.ObserveRegister("B", []string{"s"}, 0)
	r.ObserveRegister("C", []string{"s"}, 0)

	// advance cursor to 2 (pointing at C)
	r.TargetsFor(envelope.Envelope{Type: "s", Selector: envelope.SelectorRoundRobin})
	r.TargetsFor(envelope.Envelope{Type: "s", Selector: envelope.SelectorRoundRobin})

	// shrink the candidate set below the cursor
	r.ObserveUnregister("C")
	r.ObserveUnregister("B")

	got := r.TargetsFor(envelope.Envelope{Type: "s", Selector: envelope.SelectorRoundRobin})
	if len(got) != 1 || got[0] != "A" {
		t.Fatalf("expected cursor reset to select [A], got %v", got)
	}
}

func TestReapEvictsExpiredAgents(t *testing.T) {
	r := newTestRegistry()
	r.ObserveRegister("A", []string{"hash"}, 0.1)

	// Force last_seen into the past by reaping far enough in the future.
	evicted := r.Reap(time.Now().Add(20*time.Second), 15*time.Second)
	if len(evicted) != 1 || evicted[0] != "A" {
		t.Fatalf("expected A evicted, got %v", evicted)
	}

	got := r.TargetsFor(envelope.Envelope{Type: "hash"})
	if len(got) != 0 {
		t.Fatalf("expected no targets after reap, got %v", got)
	}
}

func TestHeartbeatForUnknownAgentIgnored(t *testing.T) {
	r := newTestRegistry()
	r.ObserveHeartbeat("ghost", 0.2)
	if len(r.agents) != 0 {
		t.Fatal("heartbeat for unknown agent must not synthesize a record")
	}
}

func TestObserveFromLeasePresentAndAbsent(t *testing.T) {
	r := newTestRegistry()

	r.ObserveFromLease("A", "10.0.0.1:9000", []string{"hash"}, 0.2, true)
	got := r.TargetsFor(envelope.Envelope{Type: "hash"})
	if len(got) != 1 || got[0] != "A" {
		t.Fatalf("expected lease-bridged register to produce target [A], got %v", got)
	}

	r.ObserveFromLease("A", "10.0.0.1:9000", nil, 0, false)
	got = r.TargetsFor(envelope.Envelope{Type: "hash"})
	if len(got) != 0 {
		t.Fatalf("expected lease-bridged absence to unregister A, got %v", got)
	}
}

func TestUnregisterRemovesAllServiceEntries(t *testing.T) {
	r := newTestRegistry()
	r.ObserveRegister("A", []string{"hash", "log"}, 0.1)
	r.ObserveUnregister("A")

	if len(r.index) != 0 {
		t.Fatalf("expected empty index after unregister, got %v", r.index)
	}
}
