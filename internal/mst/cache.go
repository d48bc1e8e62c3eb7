package mst

import (
	"encoding/binary"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/cespare/xxhash/v2"
)

// pageCache memoizes page hashes by the canonical byte signature
// hashPage builds them from, so rebuilding a subtree whose content
// hasn't changed never re-runs sha256 over it. It is the concrete use
// of VictoriaMetrics/fastcache named in SPEC_FULL's domain stack.
type pageCache struct {
	c *fastcache.Cache
}

// defaultPageCacheBytes sizes the cache generously relative to a
// single node's typical partition count; fastcache evicts LRU-ish
// once full rather than growing unbounded.
const defaultPageCacheBytes = 32 * 1024 * 1024

func newPageCache() *pageCache {
	return &pageCache{c: fastcache.New(defaultPageCacheBytes)}
}

// key hashes the signature with xxhash rather than sha256: the whole
// point of the cache is to skip the sha256 call on a hit, so the
// lookup key itself must be cheaper than the value it's standing in
// for.
func (pc *pageCache) key(sig []byte) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], xxhash.Sum64(sig))
	return buf[:]
}

func (pc *pageCache) lookup(sig []byte) (Digest, bool) {
	var d Digest
	buf := pc.c.Get(nil, pc.key(sig))
	if len(buf) != len(d) {
		return Digest{}, false
	}
	copy(d[:], buf)
	return d, true
}

func (pc *pageCache) store(sig []byte, d Digest) {
	pc.c.Set(pc.key(sig), d[:])
}

func (pc *pageCache) reset() { pc.c.Reset() }
