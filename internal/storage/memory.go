package storage

import (
	"context"
	"strings"
	"sync"

	"github.com/TopGunBuild/topgun-sub011/internal/lww"
)

// MemoryAdapter is an in-memory Adapter, used by tests and by the
// cmd/syncnoded "serve" subcommand when the configured storage adapter
// is "memory", where a persistent database would be unwanted overhead.
type MemoryAdapter struct {
	mu       sync.RWMutex
	records  map[string][]byte
	metadata Metadata
}

// NewMemoryAdapter creates an empty in-memory adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{records: make(map[string][]byte)}
}

func (a *MemoryAdapter) Get(ctx context.Context, k Key) (lww.Record, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	data, ok := a.records[string(recordKey(k))]
	if !ok {
		return lww.Record{}, false, nil
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return lww.Record{}, false, err
	}
	return rec, true, nil
}

func (a *MemoryAdapter) Put(ctx context.Context, k Key, r lww.Record) error {
	data, err := encodeRecord(r)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[string(recordKey(k))] = data
	return nil
}

func (a *MemoryAdapter) Delete(ctx context.Context, k Key) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.records, string(recordKey(k)))
	return nil
}

func (a *MemoryAdapter) Scan(ctx context.Context, mapName string) (map[string]lww.Record, error) {
	prefix := string(mapPrefix(mapName))
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]lww.Record)
	for k, data := range a.records {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out[strings.TrimPrefix(k, prefix)] = rec
	}
	return out, nil
}

func (a *MemoryAdapter) LoadMetadata(ctx context.Context) (Metadata, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.metadata, nil
}

func (a *MemoryAdapter) SaveMetadata(ctx context.Context, m Metadata) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metadata = m
	return nil
}

func (a *MemoryAdapter) Close() error { return nil }
