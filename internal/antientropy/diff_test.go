package antientropy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TopGunBuild/topgun-sub011/internal/mst"
)

func buildTree(keys ...string) *mst.Tree {
	tr := mst.NewTree()
	for _, k := range keys {
		tr.Upsert(k, mst.HashValue([]byte("v:"+k)))
	}
	return tr
}

// TestDiffEmptyPeerYieldsEmpty covers spec §4.4 step 1.
func TestDiffEmptyPeerYieldsEmpty(t *testing.T) {
	local := buildTree("a", "b")
	assert.Empty(t, Diff(local.SerializePageRanges(), nil))
}

// TestDiffIdenticalTreesYieldsEmpty is testable property 7: diff
// minimality when root hashes already match.
func TestDiffIdenticalTreesYieldsEmpty(t *testing.T) {
	keys := []string{"a", "b", "c", "d", "e", "f", "g"}
	local := buildTree(keys...)
	peer := buildTree(keys...)
	require.Equal(t, local.RootHash(), peer.RootHash())
	assert.Empty(t, Diff(local.SerializePageRanges(), peer.SerializePageRanges()))
}

// TestDiffScenarioS3 is spec scenario S3: peer has {bananas, platanos},
// local has {donkey}; diff(local, peer) must return a range spanning
// the peer's key interval.
func TestDiffScenarioS3(t *testing.T) {
	peer := buildTree("bananas", "platanos")
	local := buildTree("donkey")

	ranges := Diff(local.SerializePageRanges(), peer.SerializePageRanges())
	require.NotEmpty(t, ranges)

	// The union of returned ranges must cover the peer's full key span,
	// since local holds nothing overlapping it.
	minStart, maxEnd := ranges[0].Start, ranges[0].End
	for _, r := range ranges {
		if r.Start < minStart {
			minStart = r.Start
		}
		if r.End > maxEnd {
			maxEnd = r.End
		}
	}
	assert.Equal(t, "bananas", minStart)
	assert.Equal(t, "platanos", maxEnd)
}

// TestDiffSoundnessConverges is testable property 6: fetching and
// merging every DiffRange a diff pass returns makes a subsequent diff
// pass against the same peer state return empty.
func TestDiffSoundnessConverges(t *testing.T) {
	peerKeys := []string{"apple", "banana", "cherry", "date", "eggplant", "fig"}
	peer := buildTree(peerKeys...)
	local := buildTree("apple", "cherry") // missing banana, date, eggplant, fig

	ranges := Diff(local.SerializePageRanges(), peer.SerializePageRanges())
	require.NotEmpty(t, ranges)

	// Simulate fetching and merging: bring local up to the peer's full
	// key set using the same per-key hash the peer used.
	for _, k := range peerKeys {
		local.Upsert(k, mst.HashValue([]byte("v:"+k)))
	}

	assert.Empty(t, Diff(local.SerializePageRanges(), peer.SerializePageRanges()))
}

// TestDiffDisjointSingleKeyTrees exercises the simplest possible
// divergence shape between two single-page trees.
func TestDiffDisjointSingleKeyTrees(t *testing.T) {
	peer := buildTree("zzz")
	local := buildTree("aaa")

	ranges := Diff(local.SerializePageRanges(), peer.SerializePageRanges())
	require.NotEmpty(t, ranges)
	assert.Equal(t, "zzz", ranges[0].Start)
	assert.Equal(t, "zzz", ranges[0].End)
}

// TestDiffLargerTreePartialOverlap builds trees large enough to likely
// span multiple MST levels and checks the diff still terminates and
// only names ranges within the peer's key bounds.
func TestDiffLargerTreePartialOverlap(t *testing.T) {
	var peerKeys []string
	for c := 'a'; c <= 'z'; c++ {
		peerKeys = append(peerKeys, string(c))
	}
	peer := buildTree(peerKeys...)

	local := buildTree("a", "m", "z") // sparse overlap
	ranges := Diff(local.SerializePageRanges(), peer.SerializePageRanges())
	require.NotEmpty(t, ranges)
	for _, r := range ranges {
		assert.GreaterOrEqual(t, r.Start, "a")
		assert.LessOrEqual(t, r.End, "z")
		assert.LessOrEqual(t, r.Start, r.End)
	}
}
