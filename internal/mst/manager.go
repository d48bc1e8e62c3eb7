package mst

import (
	"sync"

	"github.com/TopGunBuild/topgun-sub011/internal/logging"
)

// Manager owns one Tree per partition, creating them lazily on first
// touch. It is the component the LWW layer and the anti-entropy
// service both talk to: writers call UpdateRecord as records change,
// the anti-entropy service calls CompareWithRemote and PageRanges
// when driving a sync round.
type Manager struct {
	logger *logging.Logger

	mu    sync.RWMutex
	trees map[uint32]*Tree
}

// NewManager creates an empty per-partition tree manager.
func NewManager() *Manager {
	return &Manager{
		logger: logging.GetLogger("mst"),
		trees:  make(map[uint32]*Tree),
	}
}

func (mgr *Manager) treeFor(partitionID uint32) *Tree {
	mgr.mu.RLock()
	t, ok := mgr.trees[partitionID]
	mgr.mu.RUnlock()
	if ok {
		return t
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if t, ok := mgr.trees[partitionID]; ok {
		return t
	}
	t = NewTree()
	mgr.trees[partitionID] = t
	return t
}

// UpdateRecord upserts key's value hash into the tree for partitionID.
// A deleted record's tombstone still carries a value hash (computed
// over an empty byte slice by convention) so that deletes participate
// in the root hash and are therefore detected by anti-entropy like any
// other divergence.
func (mgr *Manager) UpdateRecord(partitionID uint32, key string, valueHash Digest) {
	mgr.treeFor(partitionID).Upsert(key, valueHash)
}

// RemoveRecord removes key from partitionID's tree entirely. Not used
// by the LWW path (which tombstones instead of removing), but kept for
// administrative key purges.
func (mgr *Manager) RemoveRecord(partitionID uint32, key string) {
	mgr.treeFor(partitionID).Remove(key)
}

// RootHash returns partitionID's current root hash.
func (mgr *Manager) RootHash(partitionID uint32) Digest {
	return mgr.treeFor(partitionID).RootHash()
}

// PageRanges returns partitionID's full pre-order page-range
// serialization, the wire payload a peer compares against during
// anti-entropy.
func (mgr *Manager) PageRanges(partitionID uint32) []PageRange {
	return mgr.treeFor(partitionID).SerializePageRanges()
}

// CompareWithRemote reports whether partitionID's local root hash
// differs from a peer's remoteRootHash and, if so, the local page
// ranges a diff pass should compare against the peer's own
// serialization to localize the divergence (spec §4.3's
// "CompareWithRemote(partitionId, remoteRootHash)").
func (mgr *Manager) CompareWithRemote(partitionID uint32, remoteRootHash Digest) (needsSync bool, localRanges []PageRange) {
	t := mgr.treeFor(partitionID)
	local := t.RootHash()
	if local == remoteRootHash {
		return false, nil
	}
	return true, t.SerializePageRanges()
}

// Partitions returns the set of partition IDs with a materialized
// tree, for diagnostics.
func (mgr *Manager) Partitions() []uint32 {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	out := make([]uint32, 0, len(mgr.trees))
	for id := range mgr.trees {
		out = append(out, id)
	}
	return out
}
