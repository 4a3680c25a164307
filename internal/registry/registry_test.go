package registry

import (
	"testing"

	"github.com/ccroswhite/lora-hub/internal/loraproto"
)

func nodeID(b byte) loraproto.NodeID {
	var n loraproto.NodeID
	n[0] = b
	return n
}

func TestAddReusesSlotForKnownNode(t *testing.T) {
	r := New(2, 4)
	n := nodeID(1)

	idx1, err := r.Add(n, [16]byte{1}, 100)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.UpdateRx(idx1, 5, 200); err != nil {
		t.Fatalf("UpdateRx: %v", err)
	}

	idx2, err := r.Add(n, [16]byte{2}, 300)
	if err != nil {
		t.Fatalf("Add (re-adopt): %v", err)
	}
	if idx1 != idx2 {
		t.Fatalf("re-adopting the same node-id changed slot: %d -> %d", idx1, idx2)
	}

	rec, ok := r.Get(idx2)
	if !ok {
		t.Fatal("expected active record after re-adoption")
	}
	if rec.RxCounter != 0 || rec.LastRxCounter != SentinelCounter {
		t.Fatalf("re-adoption did not reset counters: rx=%d lastRx=%#x", rec.RxCounter, rec.LastRxCounter)
	}
}

func TestAddFailsWhenFull(t *testing.T) {
	r := New(1, 1)
	if _, err := r.Add(nodeID(1), [16]byte{}, 0); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if _, err := r.Add(nodeID(2), [16]byte{}, 0); err == nil {
		t.Fatal("expected error adding to a full table")
	}
}

func TestValidateRejectsReplayAndDuplicate(t *testing.T) {
	r := New(1, 1)
	idx, _ := r.Add(nodeID(1), [16]byte{}, 0)

	if !r.Validate(idx, 0) {
		t.Fatal("expected counter 0 to validate against a fresh record")
	}
	if err := r.UpdateRx(idx, 0, 0); err != nil {
		t.Fatalf("UpdateRx: %v", err)
	}

	if r.Validate(idx, 0) {
		t.Fatal("expected duplicate counter 0 to be rejected")
	}
	if !r.Validate(idx, 1) {
		t.Fatal("expected counter 1 to validate after accepting 0")
	}
	if err := r.UpdateRx(idx, 1, 0); err != nil {
		t.Fatalf("UpdateRx: %v", err)
	}

	if r.Validate(idx, 0) {
		t.Fatal("expected counter 0 to be rejected as a replay after rx_counter advanced")
	}
}

func TestSyncResetsDuplicateDetection(t *testing.T) {
	r := New(1, 1)
	idx, _ := r.Add(nodeID(1), [16]byte{}, 0)
	r.Validate(idx, 3)
	r.UpdateRx(idx, 3, 0)

	if err := r.Sync(idx, 10, 0); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	rec, _ := r.Get(idx)
	if rec.RxCounter != 10 || rec.LastRxCounter != SentinelCounter {
		t.Fatalf("Sync did not set expected state: rx=%d lastRx=%#x", rec.RxCounter, rec.LastRxCounter)
	}
	if !r.Validate(idx, 10) {
		t.Fatal("expected counter 10 to validate right after Sync")
	}
}

func TestAddDiscoveredIgnoresAdoptedNode(t *testing.T) {
	r := New(1, 4)
	n := nodeID(1)
	r.Add(n, [16]byte{}, 0)

	r.AddDiscovered(n, -80, 7.5, 0)
	if r.DiscoveredCount() != 0 {
		t.Fatalf("expected adopted node to be ignored by AddDiscovered, got %d entries", r.DiscoveredCount())
	}
}

func TestAddDiscoveredOverwritesOldestWhenFull(t *testing.T) {
	r := New(4, 2)
	r.AddDiscovered(nodeID(1), -70, 5, 100)
	r.AddDiscovered(nodeID(2), -70, 5, 200)
	r.AddDiscovered(nodeID(3), -70, 5, 300)

	if r.DiscoveredCount() != 2 {
		t.Fatalf("expected discovered table capped at 2, got %d", r.DiscoveredCount())
	}
}

func TestPurgeOlderThan(t *testing.T) {
	r := New(4, 4)
	r.AddDiscovered(nodeID(1), -70, 5, 0)
	r.AddDiscovered(nodeID(2), -70, 5, 50_000)

	r.PurgeOlderThan(60_000, 61_000)
	if r.DiscoveredCount() != 1 {
		t.Fatalf("expected one stale entry purged, got %d remaining", r.DiscoveredCount())
	}
}

func TestRemoveClearsSlot(t *testing.T) {
	r := New(2, 2)
	idx, _ := r.Add(nodeID(1), [16]byte{}, 0)
	r.Remove(idx)
	if _, ok := r.Get(idx); ok {
		t.Fatal("expected record to be inactive after Remove")
	}
	if r.Find(nodeID(1)) >= 0 {
		t.Fatal("expected Find to report removed node as absent")
	}
}
