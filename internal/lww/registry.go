package lww

import (
	"sync"

	"github.com/TopGunBuild/topgun-sub011/internal/hlc"
	"github.com/TopGunBuild/topgun-sub011/internal/journal"
)

// Registry owns every named LWW map in a node and is the entry point
// merges and local writes actually route through. It is where
// UNKNOWN_MAP becomes observable: a single Map is always "known" to
// itself, but a merge addressed to a map name the registry has never
// created is only meaningful at the routing layer.
type Registry struct {
	nodeID string
	clock  *hlc.Clock
	jrnl   *journal.Journal
	strict bool

	mu   sync.RWMutex
	maps map[string]*Map
}

// NewRegistry creates an empty map registry.
func NewRegistry(nodeID string, clock *hlc.Clock, jrnl *journal.Journal, strict bool) *Registry {
	return &Registry{
		nodeID: nodeID,
		clock:  clock,
		jrnl:   jrnl,
		strict: strict,
		maps:   make(map[string]*Map),
	}
}

// MapNames returns every map name the registry has created.
func (r *Registry) MapNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.maps))
	for name := range r.maps {
		out = append(out, name)
	}
	return out
}

// GetOrCreate returns the named map, lazily creating it if absent. It
// creates in strict mode too; only Merge refuses unknown map names.
func (r *Registry) GetOrCreate(name string) *Map {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.maps[name]; ok {
		return m
	}
	m := New(name, r.nodeID, r.clock, r.jrnl)
	r.maps[name] = m
	return m
}

// Get returns the named map and whether it has been created.
func (r *Registry) Get(name string) (*Map, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.maps[name]
	return m, ok
}

// Merge routes an incoming record to the named map. In strict mode, a
// merge against a map the registry has never created returns
// UNKNOWN_MAP instead of creating it, matching the non-fatal failure
// mode spec §4.1 names.
func (r *Registry) Merge(mapName, key string, incoming Record) MergeOutcome {
	r.mu.RLock()
	m, ok := r.maps[mapName]
	strict := r.strict
	r.mu.RUnlock()

	if !ok {
		if strict {
			return MergeOutcome{Failure: UnknownMap}
		}
		m = r.GetOrCreate(mapName)
	}
	return m.Merge(key, incoming)
}
