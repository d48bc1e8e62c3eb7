package mst

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Digest is a content hash: a page hash, a value hash, or the fixed
// empty-tree sentinel.
type Digest [sha256.Size]byte

// ZeroDigest is the fixed sentinel hash of the empty tree (spec §4.3:
// "Empty tree hash is a fixed sentinel (conventionally 0)").
var ZeroDigest = Digest{}

// String renders the digest as hex, for logs and golden vectors.
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// IsZero reports whether d is the empty-tree sentinel.
func (d Digest) IsZero() bool { return d == ZeroDigest }

// ParseDigest decodes a hex string produced by Digest.String, the form
// a peer's page ranges arrive in over the wire.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, fmt.Errorf("mst: invalid digest %q: %w", s, err)
	}
	if len(b) != len(d) {
		return Digest{}, fmt.Errorf("mst: digest %q has wrong byte length %d", s, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// HashValue computes the content hash of a stored value's bytes. This
// is the valueHash half of an MST (key, valueHash) entry; the MST
// itself never sees the value, only this digest.
func HashValue(value []byte) Digest {
	return sha256.Sum256(value)
}

// levelOf assigns a key to a tree level using the leading-zero-bit
// technique spec §4.3 calls for: a strong, key-derived hash is treated
// as a biased coin flip per level, so level 0 holds the large majority
// of keys and each level up is exponentially rarer. xxhash is used
// purely for this structural decision — it never contributes to a
// page or value digest, which always use the cryptographic sha256
// above so that two independently-built trees over identical content
// are byte-for-byte comparable.
func levelOf(key string) int {
	h := xxhash.Sum64String(key)
	// Two bits consumed per level gives an expected branching factor
	// of four, keeping trees shallow without each level being vanishingly
	// rare for realistically sized key sets.
	level := 0
	for h&0x3 == 0 && level < 63 {
		level++
		h >>= 2
	}
	return level
}

// hasher accumulates the canonical byte sequence a page hash is
// computed over: (level, [(key, valueHash)...], ltPointerHashes...,
// highPageHash).
type hasher struct {
	h   []byte
	buf [8]byte
}

func newHasher() *hasher { return &hasher{} }

func (h *hasher) writeUint64(v uint64) {
	binary.BigEndian.PutUint64(h.buf[:], v)
	h.h = append(h.h, h.buf[:]...)
}

func (h *hasher) writeInt(v int) { h.writeUint64(uint64(v)) }

func (h *hasher) writeString(s string) {
	h.writeUint64(uint64(len(s)))
	h.h = append(h.h, s...)
}

func (h *hasher) writeDigest(d Digest) {
	h.h = append(h.h, d[:]...)
}

func (h *hasher) sum() Digest {
	return sha256.Sum256(h.h)
}
