// Package registry implements the hub's node registry: a fixed-capacity
// table of adopted LoRa nodes with per-node session keys and replay-defense
// counters, plus a small table of recently-heard but not-yet-adopted nodes.
package registry

import (
	"fmt"
	"sync"

	"github.com/ccroswhite/lora-hub/internal/loraproto"
)

// SentinelCounter marks a record that has just been synchronized and has
// not yet accepted a receive counter.
const SentinelCounter uint32 = 0xFFFFFFFF

// DefaultCapacity is the typical adopted-node table size (N_MAX).
const DefaultCapacity = 10

// DefaultDiscoveredCapacity is the typical discovered-node table size (D_MAX).
const DefaultDiscoveredCapacity = 10

// DefaultDiscoveredAgeMs is how long an un-adopted discovered node is
// remembered before it ages out.
const DefaultDiscoveredAgeMs = 60_000

// NodeRecord is one adopted node's state.
type NodeRecord struct {
	NodeID        loraproto.NodeID
	SessionKey    [16]byte
	TxCounter     uint32
	RxCounter     uint32
	LastRxCounter uint32
	LastSeenMs    uint64
	Active        bool
}

// DiscoveredNode is a recently-heard, not-yet-adopted node.
type DiscoveredNode struct {
	NodeID     loraproto.NodeID
	LastSeenMs uint64
	RSSI       int16
	SNR        float32
}

// Registry holds the adopted-node table and the discovered-node table. It
// is safe for direct concurrent use, though the dispatch goroutine is
// expected to be its sole writer in normal operation.
type Registry struct {
	mu sync.Mutex

	records  []NodeRecord
	capacity int

	discovered    []DiscoveredNode
	discoveredCap int
}

// New creates a Registry with the given adopted-node and discovered-node
// capacities.
func New(capacity, discoveredCapacity int) *Registry {
	return &Registry{
		records:       make([]NodeRecord, 0, capacity),
		capacity:      capacity,
		discovered:    make([]DiscoveredNode, 0, discoveredCapacity),
		discoveredCap: discoveredCapacity,
	}
}

// Find returns the index of node_id's record, or -1 if not present.
func (r *Registry) Find(nodeID loraproto.NodeID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.find(nodeID)
}

func (r *Registry) find(nodeID loraproto.NodeID) int {
	for i := range r.records {
		if r.records[i].Active && r.records[i].NodeID == nodeID {
			return i
		}
	}
	return -1
}

// Add reuses an existing slot for node_id if one exists (overwriting the
// session key and resetting counters), otherwise allocates a free slot.
// It returns the record's index, or an error if the table is full.
func (r *Registry) Add(nodeID loraproto.NodeID, sessionKey [16]byte, nowMs uint64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idx := r.find(nodeID); idx >= 0 {
		r.records[idx].SessionKey = sessionKey
		r.records[idx].TxCounter = 0
		r.records[idx].RxCounter = 0
		r.records[idx].LastRxCounter = SentinelCounter
		r.records[idx].LastSeenMs = nowMs
		return idx, nil
	}

	for i := range r.records {
		if !r.records[i].Active {
			r.records[i] = NodeRecord{
				NodeID:        nodeID,
				SessionKey:    sessionKey,
				LastRxCounter: SentinelCounter,
				LastSeenMs:    nowMs,
				Active:        true,
			}
			return i, nil
		}
	}

	if len(r.records) >= r.capacity {
		return -1, fmt.Errorf("registry: adopted-node table full (capacity %d)", r.capacity)
	}

	r.records = append(r.records, NodeRecord{
		NodeID:        nodeID,
		SessionKey:    sessionKey,
		LastRxCounter: SentinelCounter,
		LastSeenMs:    nowMs,
		Active:        true,
	})
	return len(r.records) - 1, nil
}

// Remove clears the record at index.
func (r *Registry) Remove(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.records) {
		return
	}
	r.records[index] = NodeRecord{}
}

// Clear empties the entire adopted-node table, used when a server
// session_ack delivers a (possibly empty) restoration list.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = r.records[:0]
}

// Get returns a copy of the record at index and whether it is active.
func (r *Registry) Get(index int) (NodeRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.records) || !r.records[index].Active {
		return NodeRecord{}, false
	}
	return r.records[index], true
}

// Count returns the number of active adopted-node records.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.records {
		if r.records[i].Active {
			n++
		}
	}
	return n
}

// IncrementTx post-increments tx_counter for index and returns the value
// to use on the outgoing frame.
func (r *Registry) IncrementTx(index int) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.records) || !r.records[index].Active {
		return 0, fmt.Errorf("registry: no active record at index %d", index)
	}
	c := r.records[index].TxCounter
	r.records[index].TxCounter++
	return c, nil
}

// Validate reports whether received_c is acceptable for index: rejects a
// replay (received_c < rx_counter) and a duplicate (received_c ==
// last_rx_counter). It does not itself advance any counter.
func (r *Registry) Validate(index int, receivedC uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.records) || !r.records[index].Active {
		return false
	}
	rec := &r.records[index]
	if receivedC < rec.RxCounter {
		return false
	}
	if receivedC == rec.LastRxCounter {
		return false
	}
	return true
}

// UpdateRx advances the receive state for index after a full packet has
// been validated: last_rx_counter = c, rx_counter = c + 1.
func (r *Registry) UpdateRx(index int, c uint32, nowMs uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.records) || !r.records[index].Active {
		return fmt.Errorf("registry: no active record at index %d", index)
	}
	r.records[index].LastRxCounter = c
	r.records[index].RxCounter = c + 1
	r.records[index].LastSeenMs = nowMs
	return nil
}

// Sync resynchronizes index's receive state from a node-reported transmit
// counter: the node's current tx counter becomes our next expected rx
// counter, and duplicate detection is reset via the sentinel.
func (r *Registry) Sync(index int, nodeTx, nodeRx uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.records) || !r.records[index].Active {
		return fmt.Errorf("registry: no active record at index %d", index)
	}
	_ = nodeRx
	r.records[index].RxCounter = nodeTx
	r.records[index].LastRxCounter = SentinelCounter
	return nil
}

// AddDiscovered upserts a not-yet-adopted node's last-seen/RSSI/SNR. It is
// a no-op if node_id is already adopted. When the table is full and
// node_id is new, the oldest entry is overwritten.
func (r *Registry) AddDiscovered(nodeID loraproto.NodeID, rssi int16, snr float32, nowMs uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.find(nodeID) >= 0 {
		return
	}

	for i := range r.discovered {
		if r.discovered[i].NodeID == nodeID {
			r.discovered[i].LastSeenMs = nowMs
			r.discovered[i].RSSI = rssi
			r.discovered[i].SNR = snr
			return
		}
	}

	entry := DiscoveredNode{NodeID: nodeID, LastSeenMs: nowMs, RSSI: rssi, SNR: snr}
	if len(r.discovered) < r.discoveredCap {
		r.discovered = append(r.discovered, entry)
		return
	}

	oldest := 0
	for i := range r.discovered {
		if r.discovered[i].LastSeenMs < r.discovered[oldest].LastSeenMs {
			oldest = i
		}
	}
	r.discovered[oldest] = entry
}

// PurgeOlderThan removes discovered entries whose last-seen time is more
// than ageMs older than nowMs.
func (r *Registry) PurgeOlderThan(ageMs uint64, nowMs uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.discovered[:0]
	for _, d := range r.discovered {
		if nowMs-d.LastSeenMs <= ageMs {
			kept = append(kept, d)
		}
	}
	r.discovered = kept
}

// DiscoveredCount returns the number of discovered, not-yet-adopted nodes.
func (r *Registry) DiscoveredCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.discovered)
}
