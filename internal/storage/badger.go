package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/fxamacker/cbor/v2"

	"github.com/TopGunBuild/topgun-sub011/internal/logging"
	"github.com/TopGunBuild/topgun-sub011/internal/lww"
)

// BadgerAdapter is the reference storage.Adapter, backed by
// dgraph-io/badger/v3 as the node-local embedded KV store (the
// domain-stack dependency the teacher's go.mod already carries).
type BadgerAdapter struct {
	logger *logging.Logger
	db     *badger.DB
}

// OpenBadger opens (creating if necessary) a badger database at dir.
func OpenBadger(dir string) (*BadgerAdapter, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: opening badger at %s: %w", dir, err)
	}
	return &BadgerAdapter{logger: logging.GetLogger("storage.badger"), db: db}, nil
}

func mapPrefix(mapName string) []byte {
	return []byte(mapName + "\x00")
}

// Get implements Adapter.
func (a *BadgerAdapter) Get(ctx context.Context, k Key) (lww.Record, bool, error) {
	var rec lww.Record
	found := false
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(k))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, derr := decodeRecord(val)
			if derr != nil {
				return derr
			}
			rec = decoded
			found = true
			return nil
		})
	})
	if err != nil {
		return lww.Record{}, false, fmt.Errorf("storage: get %s/%s: %w", k.MapName, k.Key, err)
	}
	return rec, found, nil
}

// Put implements Adapter.
func (a *BadgerAdapter) Put(ctx context.Context, k Key, r lww.Record) error {
	data, err := encodeRecord(r)
	if err != nil {
		return err
	}
	err = a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(k), data)
	})
	if err != nil {
		return fmt.Errorf("storage: put %s/%s: %w", k.MapName, k.Key, err)
	}
	return nil
}

// Delete implements Adapter. Per spec's no-GC tombstone policy, callers
// should prefer Put with a tombstone Record over Delete; Delete exists
// for administrative key purges only.
func (a *BadgerAdapter) Delete(ctx context.Context, k Key) error {
	err := a.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(k))
	})
	if err != nil {
		return fmt.Errorf("storage: delete %s/%s: %w", k.MapName, k.Key, err)
	}
	return nil
}

// Scan implements Adapter, returning every record stored under
// mapName.
func (a *BadgerAdapter) Scan(ctx context.Context, mapName string) (map[string]lww.Record, error) {
	out := make(map[string]lww.Record)
	prefix := mapPrefix(mapName)
	err := a.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := string(item.Key())
			suffix := strings.TrimPrefix(key, string(prefix))
			err := item.Value(func(val []byte) error {
				rec, derr := decodeRecord(val)
				if derr != nil {
					return derr
				}
				out[suffix] = rec
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan %s: %w", mapName, err)
	}
	return out, nil
}

// LoadMetadata implements Adapter.
func (a *BadgerAdapter) LoadMetadata(ctx context.Context) (Metadata, error) {
	var m Metadata
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metadataKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &m)
		})
	})
	if err != nil {
		return Metadata{}, fmt.Errorf("storage: loading metadata: %w", err)
	}
	return m, nil
}

// SaveMetadata implements Adapter.
func (a *BadgerAdapter) SaveMetadata(ctx context.Context, m Metadata) error {
	data, err := cbor.Marshal(m)
	if err != nil {
		return fmt.Errorf("storage: encoding metadata: %w", err)
	}
	err = a.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(metadataKey), data)
	})
	if err != nil {
		return fmt.Errorf("storage: saving metadata: %w", err)
	}
	return nil
}

// Close implements Adapter.
func (a *BadgerAdapter) Close() error {
	return a.db.Close()
}
