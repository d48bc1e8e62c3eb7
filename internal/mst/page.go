package mst

// Node is a single (key, valueHash) entry inside a page, with an
// optional pointer to the subtree holding every key strictly between
// the previous node's key (or the page's lower bound) and this node's
// key, all of which hashed to a lower level.
type Node struct {
	Key       string
	ValueHash Digest
	LtPointer *Page
}

// Page is one level of the tree: every node in it hashed to exactly
// Level, sorted ascending by key, plus a HighPage covering every key
// greater than the page's last node that still belongs under this
// subtree's bound.
type Page struct {
	Level    int
	Nodes    []Node
	HighPage *Page

	hash  Digest
	valid bool
}

// MinKey returns the smallest key covered by this page's subtree
// (descending through the first node's LtPointer chain).
func (p *Page) MinKey() string {
	if p == nil {
		return ""
	}
	if len(p.Nodes) == 0 {
		return ""
	}
	if p.Nodes[0].LtPointer != nil {
		if k := p.Nodes[0].LtPointer.MinKey(); k != "" {
			return k
		}
	}
	return p.Nodes[0].Key
}

// MaxKey returns the largest key covered by this page's subtree
// (descending through the HighPage chain, or the last node's key).
func (p *Page) MaxKey() string {
	if p == nil {
		return ""
	}
	if p.HighPage != nil {
		if k := p.HighPage.MaxKey(); k != "" {
			return k
		}
	}
	if len(p.Nodes) == 0 {
		return ""
	}
	return p.Nodes[len(p.Nodes)-1].Key
}

// Hash returns the page's materialized hash. Build must have been
// called (directly or transitively) before this is meaningful; pages
// returned by buildPage are always already hashed.
func (p *Page) Hash() Digest {
	if p == nil {
		return ZeroDigest
	}
	return p.hash
}

// hashPage computes and caches p's hash from its own content plus its
// children's already-computed hashes, consulting the shared page-hash
// cache so that rebuilding an unchanged subtree (identical level, key
// set and child hashes) never re-runs sha256.
func hashPage(p *Page, cache *pageCache) Digest {
	if p == nil {
		return ZeroDigest
	}
	if p.valid {
		return p.hash
	}

	h := newHasher()
	h.writeInt(p.Level)
	for _, n := range p.Nodes {
		h.writeString(n.Key)
		h.writeDigest(n.ValueHash)
		h.writeDigest(hashPage(n.LtPointer, cache))
	}
	h.writeDigest(hashPage(p.HighPage, cache))

	sig := h.h
	if cached, ok := cache.lookup(sig); ok {
		p.hash = cached
		p.valid = true
		return cached
	}
	d := h.sum()
	cache.store(sig, d)
	p.hash = d
	p.valid = true
	return d
}

// inOrder appends every (key, valueHash) pair in p's subtree to out, in
// strictly ascending key order.
func inOrder(p *Page, out *[]Node) {
	if p == nil {
		return
	}
	for _, n := range p.Nodes {
		inOrder(n.LtPointer, out)
		*out = append(*out, Node{Key: n.Key, ValueHash: n.ValueHash})
	}
	inOrder(p.HighPage, out)
}

// PageRange is a page's key span plus its content hash, the unit the
// anti-entropy diff algorithm compares across peers.
type PageRange struct {
	Start string
	End   string
	Hash  Digest
}

// serializePageRanges performs the pre-order traversal spec §4.3 calls
// for: a page is emitted before its subtrees (ltPointer subtrees in
// node order, then the high page), covering every page including high
// pages.
func serializePageRanges(p *Page, out *[]PageRange) {
	if p == nil {
		return
	}
	if len(p.Nodes) > 0 {
		*out = append(*out, PageRange{Start: p.MinKey(), End: p.MaxKey(), Hash: p.hash})
	}
	for _, n := range p.Nodes {
		serializePageRanges(n.LtPointer, out)
	}
	serializePageRanges(p.HighPage, out)
}
