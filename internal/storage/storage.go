// Package storage implements the node-local persistence adapter
// contract: get/put/delete by (map name, key) and per-map scan of LWW records, plus the
// node metadata table spec §6 names.
package storage

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/TopGunBuild/topgun-sub011/internal/lww"
)

// Key identifies a stored record by its (mapName, key) pair, per spec
// §6's persisted state layout.
type Key struct {
	MapName string
	Key     string
}

// Metadata is the per-node metadata table spec §6 names: (nodeId,
// lastSequence, epoch, partitionRoster).
type Metadata struct {
	NodeID          string
	LastSequence    uint64
	Epoch           uint64
	PartitionRoster []uint32
}

// Adapter is the storage contract every backend (badger, or an
// in-memory stand-in for tests) must satisfy. Every method is a
// suspension point per spec §5.
type Adapter interface {
	Get(ctx context.Context, k Key) (lww.Record, bool, error)
	Put(ctx context.Context, k Key, r lww.Record) error
	Delete(ctx context.Context, k Key) error
	Scan(ctx context.Context, mapName string) (map[string]lww.Record, error)

	LoadMetadata(ctx context.Context) (Metadata, error)
	SaveMetadata(ctx context.Context, m Metadata) error

	Close() error
}

// encodeRecord and decodeRecord give every Adapter implementation the
// same on-disk representation: CBOR, matching the teacher's
// common/cbor convention for persisted state (spec §6's "self-
// describing format").
func encodeRecord(r lww.Record) ([]byte, error) {
	b, err := cbor.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("storage: encoding record: %w", err)
	}
	return b, nil
}

func decodeRecord(data []byte) (lww.Record, error) {
	var r lww.Record
	if err := cbor.Unmarshal(data, &r); err != nil {
		return lww.Record{}, fmt.Errorf("storage: decoding record: %w", err)
	}
	return r, nil
}

func recordKey(k Key) []byte {
	return []byte(k.MapName + "\x00" + k.Key)
}

const metadataKey = "\x01__metadata__"
