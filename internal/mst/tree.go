// Package mst implements the Merkle Search Tree used for per-partition
// anti-entropy: an ordered (key, valueHash) structure whose root hash
// is a content digest of the full key set, independent of insertion
// order, and whose pre-order page-range serialization is the unit the
// anti-entropy diff algorithm compares across peers.
package mst

import (
	"sort"
	"sync"

	"github.com/google/btree"
)

// btreeItem is the google/btree.Item backing a Tree's eager, ordered
// key index. Every upsert/remove touches only this structure — an
// O(log n), non-suspending, in-memory operation per spec §5 — while
// the page/hash structure above it is rebuilt lazily.
type btreeItem struct {
	key       string
	valueHash Digest
}

func (a btreeItem) Less(than btree.Item) bool {
	return a.key < than.(btreeItem).key
}

const btreeDegree = 32

// Tree is a single Merkle Search Tree, one per partition.
type Tree struct {
	mu sync.RWMutex

	items *btree.BTree
	cache *pageCache

	dirty bool
	root  *Page
}

// NewTree creates an empty tree.
func NewTree() *Tree {
	return &Tree{
		items: btree.New(btreeDegree),
		cache: newPageCache(),
		dirty: false,
	}
}

// Upsert inserts or updates the (key, valueHash) entry. Non-suspending:
// it only touches the in-memory ordered index and marks the page/hash
// structure dirty; the tree is not rebuilt until RootHash or
// SerializePageRanges is next called.
func (t *Tree) Upsert(key string, valueHash Digest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items.ReplaceOrInsert(btreeItem{key: key, valueHash: valueHash})
	t.dirty = true
}

// Remove deletes key from the tree, if present.
func (t *Tree) Remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.items.Delete(btreeItem{key: key}) != nil {
		t.dirty = true
	}
}

// Len returns the number of entries currently in the tree.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.items.Len()
}

// sortedItems returns every (key, valueHash, level) triple in
// ascending key order. Caller must hold at least a read lock.
func (t *Tree) sortedItems() []leveledItem {
	out := make([]leveledItem, 0, t.items.Len())
	t.items.Ascend(func(i btree.Item) bool {
		bi := i.(btreeItem)
		out = append(out, leveledItem{key: bi.key, valueHash: bi.valueHash, level: levelOf(bi.key)})
		return true
	})
	return out
}

type leveledItem struct {
	key       string
	valueHash Digest
	level     int
}

// rebuild reconstructs the page tree from the current sorted item set
// and materializes every page hash bottom-up. Caller must hold the
// write lock.
func (t *Tree) rebuild() {
	items := t.sortedItems()
	if len(items) == 0 {
		t.root = nil
		t.dirty = false
		return
	}
	maxLevel := items[0].level
	for _, it := range items {
		if it.level > maxLevel {
			maxLevel = it.level
		}
	}
	t.root = buildPage(items, maxLevel, t.cache)
	t.dirty = false
}

// buildPage partitions a sorted run of items into the page at `level`
// that owns every item whose level equals it, recursively building a
// ltPointer subtree for the lower-level items strictly between two
// consecutive same-level items (and a HighPage subtree for the
// lower-level items after the last one). Because items arrive
// pre-sorted by key and each recursive call strictly shrinks the slice
// it's given, the result is a finite DAG with no cycles, exactly as
// spec §9 requires.
func buildPage(items []leveledItem, level int, cache *pageCache) *Page {
	if len(items) == 0 {
		return nil
	}
	page := &Page{Level: level}

	gapStart := 0
	flushGap := func(end int) *Page {
		if end <= gapStart {
			return nil
		}
		gap := items[gapStart:end]
		childLevel := gap[0].level
		for _, it := range gap {
			if it.level > childLevel {
				childLevel = it.level
			}
		}
		return buildPage(gap, childLevel, cache)
	}

	for i, it := range items {
		if it.level != level {
			continue
		}
		lt := flushGap(i)
		page.Nodes = append(page.Nodes, Node{Key: it.key, ValueHash: it.valueHash, LtPointer: lt})
		gapStart = i + 1
	}
	page.HighPage = flushGap(len(items))

	hashPage(page, cache)
	return page
}

// ensureFresh rebuilds the page tree if any upsert/remove has happened
// since the last build. Caller must hold the write lock (rebuild
// itself only reads the btree, but mutates t.root/t.dirty).
func (t *Tree) ensureFresh() {
	if t.dirty || t.root == nil && t.items.Len() > 0 {
		t.rebuild()
	}
}

// RootHash returns the tree's content hash: the empty-tree sentinel if
// the tree has no entries, otherwise the hash of the top page. Two
// trees holding identical (key, valueHash) sets have identical root
// hashes regardless of insertion order (spec §4.3, tested by property 4
// in spec §8).
func (t *Tree) RootHash() Digest {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureFresh()
	if t.root == nil {
		return ZeroDigest
	}
	return t.root.Hash()
}

// InOrder returns every (key, valueHash) pair in strictly ascending
// key order (spec §8 property 5).
func (t *Tree) InOrder() []Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureFresh()
	var out []Node
	inOrder(t.root, &out)
	return out
}

// SerializePageRanges returns the pre-order page-range traversal spec
// §4.3 names: one (start, end, hash) tuple per page, including high
// pages, in the order the anti-entropy diff algorithm expects to
// consume them.
func (t *Tree) SerializePageRanges() []PageRange {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureFresh()
	var out []PageRange
	serializePageRanges(t.root, &out)
	return out
}

// assertSortedAscending is a test helper kept in the production file
// because it is useful as a cheap runtime sanity check too; unexported
// and unused outside tests and debug tooling.
func assertSortedAscending(nodes []Node) bool {
	return sort.SliceIsSorted(nodes, func(i, j int) bool { return nodes[i].Key < nodes[j].Key })
}
