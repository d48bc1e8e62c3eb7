// Package antientropy implements the page-range diff algorithm that
// drives convergence between two nodes holding the same partition: it
// compares a peer's and a local Merkle Search Tree's pre-order page
// serializations and produces the minimal set of key ranges the local
// side must fetch from the peer.
package antientropy

import (
	"sort"

	"github.com/gammazero/deque"

	"github.com/TopGunBuild/topgun-sub011/internal/mst"
)

// DiffRange is an inclusive key interval known to be inconsistent
// between two trees.
type DiffRange struct {
	Start string
	End   string
}

// contains reports whether inner's key span lies entirely within
// outer's, per spec §4.2's PageRange superset definition.
func contains(outer, inner mst.PageRange) bool {
	return outer.Start <= inner.Start && inner.End <= outer.End
}

// cursor wraps a gammazero/deque.Deque of page ranges, giving the diff
// walk a cheap peek/advance primitive over the peer and local pre-order
// sequences without slicing the backing array on every step.
type cursor struct {
	d *deque.Deque
}

func newCursor(ranges []mst.PageRange) *cursor {
	d := deque.New(len(ranges))
	for _, r := range ranges {
		d.PushBack(r)
	}
	return &cursor{d: d}
}

func (c *cursor) peek() (mst.PageRange, bool) {
	if c.d.Len() == 0 {
		return mst.PageRange{}, false
	}
	return c.d.Front().(mst.PageRange), true
}

func (c *cursor) advance() {
	if c.d.Len() > 0 {
		c.d.PopFront()
	}
}

// diffBuilder accumulates the consistent and inconsistent ranges the
// walk discovers; the final result subtracts consistent from
// inconsistent so overlapping marks collapse to the minimal output
// spec §4.4 step 2 calls for.
type diffBuilder struct {
	consistent   []DiffRange
	inconsistent []DiffRange
}

func (b *diffBuilder) markConsistent(start, end string) {
	if start > end {
		return
	}
	b.consistent = append(b.consistent, DiffRange{Start: start, End: end})
}

func (b *diffBuilder) markInconsistent(start, end string) {
	if start > end {
		return
	}
	b.inconsistent = append(b.inconsistent, DiffRange{Start: start, End: end})
}

// Diff compares localRanges against peerRanges — both pre-order
// page-range serializations of the same partition's MST — and returns
// the minimal set of inclusive key ranges the local side must fetch
// from the peer to converge (spec §4.4). An empty peer sequence or
// identical root hashes both yield an empty result (testable property
// 7: diff minimality).
func Diff(localRanges, peerRanges []mst.PageRange) []DiffRange {
	if len(peerRanges) == 0 {
		return nil
	}
	if len(localRanges) > 0 && localRanges[0].Hash == peerRanges[0].Hash {
		return nil
	}

	peerC := newCursor(peerRanges)
	localC := newCursor(localRanges)

	root, ok := peerC.peek()
	if !ok {
		return nil
	}

	b := &diffBuilder{}
	walkSubtree(peerC, localC, root, b)

	return subtract(b.inconsistent, b.consistent)
}

// walkSubtree implements spec §4.4 step 3-4 for the subtree rooted at
// root: peer pages nested inside root are matched against local pages
// nested inside each peer page in turn, recursing into any page whose
// hash disagrees and marking agreeing pages (and their subtrees, by
// skipping them) consistent.
func walkSubtree(peerC, localC *cursor, root mst.PageRange, b *diffBuilder) {
	lastEnd := root.Start

	for {
		p, ok := peerC.peek()
		if !ok || !contains(root, p) {
			break
		}
		peerC.advance()

		l, foundLocal, localIsSuperset := findContaining(localC, p)
		if localIsSuperset {
			// Local's head is a superset of p: the local tree is
			// strictly larger at this point in the keyspace than the
			// peer. Per spec step 3, the caller handles this — we stop
			// descending and let whatever the local side already has
			// stand, since the peer has nothing finer to offer here.
			return
		}
		if !foundLocal {
			end := p.End
			if next, ok := localC.peek(); ok && next.Start < end {
				end = next.Start
			}
			b.markInconsistent(lastEnd, end)
			lastEnd = p.End
			continue
		}

		// Shrink l by advancing local while the next local page is
		// still a superset of p, minimizing the eventual fetch window.
		for {
			next, ok := localC.peek()
			if !ok || !contains(next, p) {
				break
			}
			l = next
			localC.advance()
		}

		if l.Hash == p.Hash {
			b.markConsistent(p.Start, p.End)
			skipSubtree(peerC, p)
		} else {
			b.markInconsistent(p.Start, p.End)
			walkSubtree(peerC, localC, p, b)
		}
		lastEnd = p.End
	}

	// Any peer pages still nested in root that the loop didn't consume
	// (can happen after an early return from a nested call) are
	// inconsistent by default: the local side has no information about
	// them at all.
	for {
		p, ok := peerC.peek()
		if !ok || !contains(root, p) {
			break
		}
		peerC.advance()
		b.markInconsistent(p.Start, p.End)
	}
}

// findContaining advances localC past any page that ends before p
// starts (no overlap, skip it) and reports the first page contained in
// p, or — if the local head is itself a superset of p — signals that
// back to the caller instead of treating it as "not found".
func findContaining(localC *cursor, p mst.PageRange) (l mst.PageRange, found bool, superset bool) {
	for {
		head, ok := localC.peek()
		if !ok {
			return mst.PageRange{}, false, false
		}
		if contains(p, head) {
			return head, true, false
		}
		if contains(head, p) {
			return mst.PageRange{}, false, true
		}
		if head.End < p.Start {
			localC.advance()
			continue
		}
		return mst.PageRange{}, false, false
	}
}

// skipSubtree discards every peer page still nested inside p, since p
// and its local counterpart already agree.
func skipSubtree(peerC *cursor, p mst.PageRange) {
	for {
		next, ok := peerC.peek()
		if !ok || !contains(p, next) {
			return
		}
		peerC.advance()
	}
}

// subtract removes every consistent span from the inconsistent list
// and merges the remainder into the minimal, non-overlapping,
// ascending-order DiffRange set spec §4.4 step 2 calls for.
func subtract(inconsistent, consistent []DiffRange) []DiffRange {
	if len(inconsistent) == 0 {
		return nil
	}
	sort.Slice(inconsistent, func(i, j int) bool { return inconsistent[i].Start < inconsistent[j].Start })
	sort.Slice(consistent, func(i, j int) bool { return consistent[i].Start < consistent[j].Start })

	var out []DiffRange
	for _, r := range inconsistent {
		spans := []DiffRange{r}
		for _, c := range consistent {
			spans = subtractOne(spans, c)
		}
		out = append(out, spans...)
	}
	return mergeAdjacent(out)
}

// subtractOne removes c from every span in spans, splitting a span in
// two when c falls strictly inside it.
func subtractOne(spans []DiffRange, c DiffRange) []DiffRange {
	var out []DiffRange
	for _, s := range spans {
		if c.End < s.Start || c.Start > s.End {
			out = append(out, s)
			continue
		}
		if c.Start > s.Start {
			out = append(out, DiffRange{Start: s.Start, End: prevKey(c.Start)})
		}
		if c.End < s.End {
			out = append(out, DiffRange{Start: nextKey(c.End), End: s.End})
		}
	}
	return out
}

// nextKey returns the exact smallest string strictly greater than k:
// appending a zero byte always yields an immediate successor in the
// byte-string order.
func nextKey(k string) string { return k + "\x00" }

// prevKey returns a string strictly less than k, used only to exclude
// k itself from the end of a trimmed span. Byte strings have no exact
// predecessor (the space is dense), so this decrements the last
// non-zero byte and appends 0xff, which is sound (always < k) even
// though it is not the tightest possible bound.
func prevKey(k string) string {
	if k == "" {
		return k
	}
	b := []byte(k)
	i := len(b) - 1
	for i >= 0 && b[i] == 0x00 {
		i--
	}
	if i < 0 {
		return ""
	}
	b[i]--
	return string(b[:i+1]) + "\xff"
}

// mergeAdjacent coalesces overlapping or touching ranges after
// subtraction, sorted ascending by start key.
func mergeAdjacent(ranges []DiffRange) []DiffRange {
	if len(ranges) == 0 {
		return nil
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	out := []DiffRange{ranges[0]}
	for _, r := range ranges[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}
