// Package partition implements the deterministic key-to-partition
// router: hash(key) mod partitionCount, with an ownership table that
// only the fencing-aware rebalance path may mutate.
package partition

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"

	"github.com/TopGunBuild/topgun-sub011/internal/logging"
)

// Ownership describes which nodes currently serve a partition, and at
// which epoch that assignment was made.
type Ownership struct {
	PartitionID uint32
	Primary     string
	Replicas    []string
	Epoch       uint64
}

// Route is the result of routing a key: the partition it hashes to,
// plus its current ownership.
type Route struct {
	PartitionID uint32
	Primary     string
	Replicas    []string
	Epoch       uint64
}

// ownershipItem adapts Ownership for storage in a google/btree.BTree
// ordered by partition id, matching the MST's own use of btree for an
// ordered-by-key index.
type ownershipItem struct {
	Ownership
}

func (a ownershipItem) Less(than btree.Item) bool {
	return a.PartitionID < than.(ownershipItem).PartitionID
}

// Router maps keys to partitions and tracks each partition's current
// ownership. Ownership is only ever mutated through Rebalance, which
// stamps the new assignment with epoch+1, per spec §4.5.
type Router struct {
	logger *logging.Logger

	partitionCount uint32

	mu         sync.RWMutex
	ownerships *btree.BTree

	listeners []func(RebalanceEvent)
}

// RebalanceEvent is emitted on every completed rebalance.
type RebalanceEvent struct {
	PartitionID uint32
	Previous    Ownership
	Current     Ownership
}

// NewRouter creates a router for a fixed partition count. Partition
// count is immutable for the lifetime of a router; resharding into a
// different count is out of scope (spec §1 non-goal: cluster
// membership/sharding is a higher layer's concern, this router only
// implements the deterministic mapping function and ownership table).
func NewRouter(partitionCount uint32) *Router {
	return &Router{
		logger:         logging.GetLogger("partition"),
		partitionCount: partitionCount,
		ownerships:     btree.New(32),
	}
}

// PartitionCount returns the fixed partition count.
func (r *Router) PartitionCount() uint32 { return r.partitionCount }

// PartitionFor computes hash(key) mod partitionCount.
func (r *Router) PartitionFor(key string) uint32 {
	return uint32(xxhash.Sum64String(key) % uint64(r.partitionCount))
}

// Route resolves key to its partition and current ownership. Concurrent
// reads during a rebalance observe the old assignment until the new
// ownership is committed (spec §4.5: "read-your-writes not guaranteed
// across rebalance").
func (r *Router) Route(key string) Route {
	pid := r.PartitionFor(key)
	o := r.Ownership(pid)
	return Route{PartitionID: pid, Primary: o.Primary, Replicas: o.Replicas, Epoch: o.Epoch}
}

// Ownership returns the current ownership record for a partition, or
// the zero value if it has never been assigned.
func (r *Router) Ownership(partitionID uint32) Ownership {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item := r.ownerships.Get(ownershipItem{Ownership{PartitionID: partitionID}})
	if item == nil {
		return Ownership{PartitionID: partitionID}
	}
	return item.(ownershipItem).Ownership
}

// OnRebalance registers a listener invoked synchronously after every
// committed rebalance.
func (r *Router) OnRebalance(fn func(RebalanceEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Rebalance commits a new ownership assignment for partitionID,
// stamping it with the prior epoch + 1, and emits a partitionRebalance
// event (spec §4.5). newEpoch, when non-zero, overrides the
// incremented epoch — used when the fencing manager has already bumped
// the node's epoch for an unrelated reason and rebalance should adopt
// it rather than diverge.
func (r *Router) Rebalance(partitionID uint32, primary string, replicas []string, newEpoch uint64) Ownership {
	r.mu.Lock()
	prev := Ownership{PartitionID: partitionID}
	if item := r.ownerships.Get(ownershipItem{Ownership{PartitionID: partitionID}}); item != nil {
		prev = item.(ownershipItem).Ownership
	}

	epoch := newEpoch
	if epoch == 0 {
		epoch = prev.Epoch + 1
	}
	current := Ownership{PartitionID: partitionID, Primary: primary, Replicas: replicas, Epoch: epoch}
	r.ownerships.ReplaceOrInsert(ownershipItem{current})
	listeners := append([]func(RebalanceEvent){}, r.listeners...)
	r.mu.Unlock()

	r.logger.Info("partition rebalanced", "partition", partitionID, "primary", primary, "epoch", epoch)
	ev := RebalanceEvent{PartitionID: partitionID, Previous: prev, Current: current}
	for _, fn := range listeners {
		fn(ev)
	}
	return current
}

// AllOwnerships returns every assigned partition's ownership, ordered
// by partition id.
func (r *Router) AllOwnerships() []Ownership {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Ownership, 0, r.ownerships.Len())
	r.ownerships.Ascend(func(i btree.Item) bool {
		out = append(out, i.(ownershipItem).Ownership)
		return true
	})
	return out
}
