package mst

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vh(s string) Digest { return HashValue([]byte(s)) }

// TestInOrderTraversalIsAscending builds a tree from the exact key set
// spec scenario S2 names and asserts the in-order traversal comes back
// strictly ascending by key.
func TestInOrderTraversalIsAscending(t *testing.T) {
	keys := []string{"I", "K", "A", "E", "J", "B", "C", "D", "F", "G", "H"}
	tree := NewTree()
	for _, k := range keys {
		tree.Upsert(k, vh(k))
	}

	nodes := tree.InOrder()
	require.Len(t, nodes, len(keys))
	assert.True(t, assertSortedAscending(nodes))

	seen := make([]string, len(nodes))
	for i, n := range nodes {
		seen[i] = n.Key
	}
	assert.Equal(t, []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "K"}, seen)
}

// TestRootHashIndependentOfInsertionOrder is spec testable property 4:
// for any permutation of the same (key, valueHash) set, the resulting
// root hash is identical.
func TestRootHashIndependentOfInsertionOrder(t *testing.T) {
	keys := []string{"I", "K", "A", "E", "J", "B", "C", "D", "F", "G", "H", "apple", "zebra", "mango"}

	base := NewTree()
	for _, k := range keys {
		base.Upsert(k, vh(k))
	}
	want := base.RootHash()
	require.False(t, want.IsZero())

	for trial := 0; trial < 20; trial++ {
		perm := append([]string(nil), keys...)
		rand.New(rand.NewSource(int64(trial))).Shuffle(len(perm), func(i, j int) {
			perm[i], perm[j] = perm[j], perm[i]
		})
		tr := NewTree()
		for _, k := range perm {
			tr.Upsert(k, vh(k))
		}
		assert.Equal(t, want, tr.RootHash(), "trial %d: permutation %v diverged", trial, perm)
	}
}

// TestRootHashChangesOnAnyMutation checks the hash is sensitive to
// every kind of single-entry change: add, remove, and value change.
func TestRootHashChangesOnAnyMutation(t *testing.T) {
	tree := NewTree()
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		tree.Upsert(k, vh(k))
	}
	base := tree.RootHash()

	added := NewTree()
	for _, k := range []string{"a", "b", "c", "d", "e", "f"} {
		added.Upsert(k, vh(k))
	}
	assert.NotEqual(t, base, added.RootHash())

	removed := NewTree()
	for _, k := range []string{"a", "b", "c", "d"} {
		removed.Upsert(k, vh(k))
	}
	assert.NotEqual(t, base, removed.RootHash())

	changed := NewTree()
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		if k == "e" {
			changed.Upsert(k, vh("different-value"))
			continue
		}
		changed.Upsert(k, vh(k))
	}
	assert.NotEqual(t, base, changed.RootHash())
}

// TestEmptyTreeHashIsFixedSentinel covers spec §4.3's fixed empty-tree
// hash.
func TestEmptyTreeHashIsFixedSentinel(t *testing.T) {
	tree := NewTree()
	assert.Equal(t, ZeroDigest, tree.RootHash())
	assert.Empty(t, tree.InOrder())
}

// TestUpsertIsNonSuspendingAndLazy confirms mutation does not eagerly
// rebuild the page structure — only RootHash/SerializePageRanges do.
func TestUpsertIsNonSuspendingAndLazy(t *testing.T) {
	tree := NewTree()
	tree.Upsert("a", vh("a"))
	tree.mu.RLock()
	dirty := tree.dirty
	root := tree.root
	tree.mu.RUnlock()
	assert.True(t, dirty)
	assert.Nil(t, root)

	_ = tree.RootHash()
	tree.mu.RLock()
	dirty = tree.dirty
	tree.mu.RUnlock()
	assert.False(t, dirty)
}

// TestSerializePageRangesCoversWholeKeyspace checks every page range
// emitted has a non-empty hash and the union of ranges spans the full
// ascending key order with no overlap violations within a single page.
func TestSerializePageRangesCoversWholeKeyspace(t *testing.T) {
	keys := []string{"I", "K", "A", "E", "J", "B", "C", "D", "F", "G", "H"}
	tree := NewTree()
	for _, k := range keys {
		tree.Upsert(k, vh(k))
	}

	ranges := tree.SerializePageRanges()
	require.NotEmpty(t, ranges)
	for _, r := range ranges {
		assert.False(t, r.Hash.IsZero())
		assert.LessOrEqual(t, r.Start, r.End)
	}
}

// TestManagerPartitionsAreIndependent confirms UpdateRecord on one
// partition never affects another partition's root hash.
func TestManagerPartitionsAreIndependent(t *testing.T) {
	mgr := NewManager()
	mgr.UpdateRecord(0, "a", vh("a"))
	mgr.UpdateRecord(1, "a", vh("different"))

	assert.NotEqual(t, mgr.RootHash(0), mgr.RootHash(1))
}

// TestManagerCompareWithRemoteDetectsDivergence is the anti-entropy
// entry point spec §4.3 names: two managers holding different content
// for the same partition must report needsSync.
func TestManagerCompareWithRemoteDetectsDivergence(t *testing.T) {
	local := NewManager()
	remote := NewManager()

	for _, k := range []string{"a", "b", "c"} {
		local.UpdateRecord(0, k, vh(k))
		remote.UpdateRecord(0, k, vh(k))
	}
	needsSync, ranges := local.CompareWithRemote(0, remote.RootHash(0))
	assert.False(t, needsSync)
	assert.Nil(t, ranges)

	remote.UpdateRecord(0, "d", vh("d"))
	needsSync, ranges = local.CompareWithRemote(0, remote.RootHash(0))
	assert.True(t, needsSync)
	assert.NotEmpty(t, ranges)
}

// TestRemoveThenRootHashMatchesNeverInserted verifies remove fully
// retracts a key's contribution to the root hash.
func TestRemoveThenRootHashMatchesNeverInserted(t *testing.T) {
	withExtra := NewTree()
	withExtra.Upsert("a", vh("a"))
	withExtra.Upsert("b", vh("b"))
	withExtra.Remove("b")

	without := NewTree()
	without.Upsert("a", vh("a"))

	assert.Equal(t, without.RootHash(), withExtra.RootHash())
}
