// Package lww implements the last-writer-wins CRDT map that backs
// every named map in the store. Convergence rests entirely on the HLC
// total order: the record with the greater timestamp wins, and ties
// are broken deterministically by comparing serialized value bytes so
// that merge stays commutative, associative, and idempotent regardless
// of arrival order.
package lww

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/TopGunBuild/topgun-sub011/internal/hlc"
	"github.com/TopGunBuild/topgun-sub011/internal/journal"
	"github.com/TopGunBuild/topgun-sub011/internal/logging"
)

// Record is a single LWW-CRDT cell: a value (opaque, pre-serialized
// bytes — callers own their own value encoding) stamped with the HLC
// timestamp that produced it. Deleted records are tombstones, retained
// indefinitely; there is no GC in this core, per spec §3.
type Record struct {
	Value     []byte
	Deleted   bool
	Timestamp hlc.Timestamp
}

// FailureCode enumerates the non-fatal failure modes spec §4.1 names.
type FailureCode int

const (
	None FailureCode = iota
	InvalidTimestamp
	UnknownMap
)

func (c FailureCode) String() string {
	switch c {
	case InvalidTimestamp:
		return "INVALID_TIMESTAMP"
	case UnknownMap:
		return "UNKNOWN_MAP"
	default:
		return ""
	}
}

// MergeOutcome reports what Merge did to a single key.
type MergeOutcome struct {
	Applied  bool
	Rejected bool
	Failure  FailureCode
	// Current is the record now stored for the key, win or lose.
	Current Record
}

// Map is a single named LWW-CRDT map. It is internally synchronized;
// every mutation that changes state produces exactly one journal event
// under the same critical section, so journal sequence order always
// matches application order for this map.
type Map struct {
	name   string
	nodeID string
	clock  *hlc.Clock
	jrnl   *journal.Journal

	logger *logging.Logger

	mu       sync.RWMutex
	records  map[string]Record
	versions map[string]uint64 // per-node write counts, for observability only
}

// Option configures a Map.
type Option func(*Map)

// New creates a named LWW map bound to the given clock and journal.
func New(name, nodeID string, clock *hlc.Clock, jrnl *journal.Journal, opts ...Option) *Map {
	m := &Map{
		name:     name,
		nodeID:   nodeID,
		clock:    clock,
		jrnl:     jrnl,
		logger:   logging.GetLogger("lww").With("map", name),
		records:  make(map[string]Record),
		versions: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name returns the map's name.
func (m *Map) Name() string { return m.name }

// Get returns the record at key and whether it exists at all
// (including as a tombstone).
func (m *Map) Get(key string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[key]
	return r, ok
}

// Set writes value under key, generating a timestamp from the map's
// clock if ts is nil. It emits an INSERTED or UPDATED
// journal event depending on prior presence.
func (m *Map) Set(key string, value []byte, ts *hlc.Timestamp) Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stamp hlc.Timestamp
	if ts != nil {
		stamp = *ts
	} else {
		stamp = m.clock.Now()
	}

	prev, existed := m.records[key]
	rec := Record{Value: value, Timestamp: stamp}
	m.records[key] = rec
	m.versions[m.nodeID]++

	evType := journal.Inserted
	var prevBytes []byte
	if existed {
		evType = journal.Updated
		prevBytes = prev.Value
	}
	m.jrnl.Append(journal.Input{
		Type:          evType,
		MapName:       m.name,
		Key:           key,
		Value:         value,
		PreviousValue: prevBytes,
		Timestamp:     stamp,
		NodeID:        m.nodeID,
	})
	return rec
}

// Delete writes a tombstone for key. Returns false if the key had no
// prior live record, i.e. was absent or already a tombstone (the tombstone is still written, since a delete-of-
// absent-key must still converge across peers).
func (m *Map) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, existed := m.records[key]
	stamp := m.clock.Now()
	rec := Record{Deleted: true, Timestamp: stamp}
	m.records[key] = rec
	m.versions[m.nodeID]++

	var prevBytes []byte
	if existed {
		prevBytes = prev.Value
	}
	m.jrnl.Append(journal.Input{
		Type:          journal.Deleted,
		MapName:       m.name,
		Key:           key,
		PreviousValue: prevBytes,
		Timestamp:     stamp,
		NodeID:        m.nodeID,
	})
	return existed && !prev.Deleted
}

// valueLess implements the deterministic tiebreak: lexicographic
// comparison of serialized value bytes. Returning true means a sorts
// before b, i.e. b wins the tie.
func valueLess(a, b []byte) bool {
	return bytes.Compare(a, b) < 0
}

// Merge applies an incoming record from a remote peer. It applies iff
// the incoming timestamp is strictly greater than the current one; on
// an exact timestamp tie with differing values, the deterministic byte
// tiebreak decides the winner and the losing side is recorded as
// MERGE_REJECTED so subscribers can surface the conflict. When the two
// timestamps share millis and counter and differ only by node id, the
// node id decides and an overwritten local record is likewise journaled
// as MERGE_REJECTED. The incoming timestamp is first observed by the
// map's clock (when it has one); a timestamp beyond the clock's skew
// bound is not applied, is journaled as MERGE_REJECTED, and comes back
// with Failure InvalidTimestamp. Merge never panics or returns an
// ambient error: every outcome comes back as a structured MergeOutcome
// (UnknownMap is reported by Registry.Merge).
func (m *Map) Merge(key string, incoming Record) MergeOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, existed := m.records[key]
	if m.clock != nil {
		if _, err := m.clock.Observe(incoming.Timestamp); err != nil {
			m.jrnl.Append(journal.Input{
				Type:      journal.MergeRejected,
				MapName:   m.name,
				Key:       key,
				Value:     incoming.Value,
				Timestamp: incoming.Timestamp,
				NodeID:    incoming.Timestamp.NodeID,
				Metadata:  map[string]string{"reason": "invalid-timestamp"},
			})
			return MergeOutcome{Rejected: true, Failure: InvalidTimestamp, Current: current}
		}
	}
	if !existed {
		m.records[key] = incoming
		m.emitApplied(key, incoming, Record{})
		return MergeOutcome{Applied: true, Current: incoming}
	}

	cmp := incoming.Timestamp.Compare(current.Timestamp)
	switch {
	case cmp > 0:
		m.records[key] = incoming
		m.emitApplied(key, incoming, current)
		if incoming.Timestamp.Millis == current.Timestamp.Millis && incoming.Timestamp.Counter == current.Timestamp.Counter {
			m.emitRejectedFor(key, current) // only the node id decided: the local record lost the conflict
		}
		return MergeOutcome{Applied: true, Current: incoming}
	case cmp < 0:
		m.emitRejected(key, incoming, current)
		return MergeOutcome{Rejected: true, Current: current}
	default:
		// Exact timestamp tie.
		if bytes.Equal(incoming.Value, current.Value) && incoming.Deleted == current.Deleted {
			return MergeOutcome{Applied: true, Current: current} // idempotent re-merge
		}
		if valueLess(current.tieBytes(), incoming.tieBytes()) {
			// incoming wins the tiebreak
			m.records[key] = incoming
			m.emitApplied(key, incoming, current)
			m.emitRejectedFor(key, current) // the local record that just lost is the rejected side
			return MergeOutcome{Applied: true, Current: incoming}
		}
		// current wins; incoming is the rejected side
		m.emitRejected(key, incoming, current)
		return MergeOutcome{Rejected: true, Current: current}
	}
}

// tieBytes is the byte sequence compared during a timestamp tie:
// tombstones sort using a sentinel so a deleted and a live record at
// the same timestamp still have a well-defined, deterministic order.
func (r Record) tieBytes() []byte {
	if r.Deleted {
		return []byte{0x00}
	}
	return append([]byte{0x01}, r.Value...)
}

func (m *Map) emitApplied(key string, incoming, prev Record) {
	evType := journal.Inserted
	if prev.Timestamp != (hlc.Timestamp{}) || prev.Value != nil {
		evType = journal.Updated
	}
	if incoming.Deleted {
		evType = journal.Deleted
	}
	m.jrnl.Append(journal.Input{
		Type:          evType,
		MapName:       m.name,
		Key:           key,
		Value:         incoming.Value,
		PreviousValue: prev.Value,
		Timestamp:     incoming.Timestamp,
		NodeID:        incoming.Timestamp.NodeID,
	})
}

func (m *Map) emitRejected(key string, losing, winner Record) {
	m.jrnl.Append(journal.Input{
		Type:          journal.MergeRejected,
		MapName:       m.name,
		Key:           key,
		Value:         losing.Value,
		PreviousValue: winner.Value,
		Timestamp:     losing.Timestamp,
		NodeID:        losing.Timestamp.NodeID,
		Metadata:      map[string]string{"reason": "lww-lost"},
	})
}

func (m *Map) emitRejectedFor(key string, losing Record) {
	m.jrnl.Append(journal.Input{
		Type:      journal.MergeRejected,
		MapName:   m.name,
		Key:       key,
		Value:     losing.Value,
		Timestamp: losing.Timestamp,
		NodeID:    losing.Timestamp.NodeID,
		Metadata:  map[string]string{"reason": "lww-tiebreak-lost"},
	})
}

// Snapshot returns a defensive copy of every record currently stored,
// keyed by key. Used by the coordinator's DIFF_FETCH responder and by
// tests asserting convergence between two maps.
func (m *Map) Snapshot() map[string]Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Record, len(m.records))
	for k, v := range m.records {
		out[k] = v
	}
	return out
}

// VersionVector returns the per-node write counters tracked purely for
// observability; it plays no role in merge correctness.
func (m *Map) VersionVector() map[string]uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]uint64, len(m.versions))
	for k, v := range m.versions {
		out[k] = v
	}
	return out
}

// Equal reports whether two maps hold identical state, used by
// convergence tests (spec §8 property 2).
func (m *Map) Equal(other *Map) bool {
	a, b := m.Snapshot(), other.Snapshot()
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || v.Deleted != w.Deleted || v.Timestamp != w.Timestamp || !bytes.Equal(v.Value, w.Value) {
			return false
		}
	}
	return true
}

// ErrUnknownMap is the error form of the UnknownMap failure code. A
// Registry (see registry.go) in strict mode reports a merge into a map
// that was never created through MergeOutcome.Failure, not as this error.
var ErrUnknownMap = fmt.Errorf("lww: %s", UnknownMap)
