// Package fencing implements the epoch-based fencing manager that
// authorizes every externally-observable mutation: journal appends,
// partition transfers, and replication writes all require a currently
// valid fencing token.
package fencing

import (
	"sync"
	"time"

	"github.com/TopGunBuild/topgun-sub011/internal/logging"
)

// Token authorizes a mutation at a specific epoch. A token minted at
// one epoch stays valid for a grace window into the next epoch so that
// in-flight operations from just before a membership change aren't all
// rejected outright.
type Token struct {
	Epoch  uint64
	NodeID string
}

// EpochChange is one entry in the epoch history spec §4.6 names.
type EpochChange struct {
	Epoch     uint64
	Reason    string
	ChangedBy string
	At        time.Time
}

// TokenInvalidated is emitted when onNodeFailure immediately
// invalidates every token a failed node held.
type TokenInvalidated struct {
	Token  Token
	Reason string
}

// Manager is the node-process-wide fencing authority. Per spec §9's
// design note on global state, the epoch counter is one of the two
// legitimate process-wide singletons (the other being the metrics
// registry); a node constructs exactly one Manager.
type Manager struct {
	logger *logging.Logger

	gracePeriod time.Duration
	now         func() time.Time

	mu               sync.RWMutex
	currentEpoch     uint64
	epochChangedAt   time.Time
	epochHistory     []EpochChange
	invalidatedNodes map[string]bool // nodes whose tokens are invalid regardless of epoch window

	onEpochChanged      []func(EpochChange)
	onTokenInvalidated  []func(TokenInvalidated)
}

// Option configures a Manager.
type Option func(*Manager)

// WithNowFunc overrides the time source, for deterministic tests of
// the grace-window boundary.
func WithNowFunc(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a fencing manager starting at epoch 0.
func NewManager(gracePeriod time.Duration, opts ...Option) *Manager {
	m := &Manager{
		logger:           logging.GetLogger("fencing"),
		gracePeriod:      gracePeriod,
		now:              time.Now,
		invalidatedNodes: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.epochChangedAt = m.now()
	m.epochHistory = append(m.epochHistory, EpochChange{Epoch: 0, Reason: "init", At: m.epochChangedAt})
	return m
}

// CurrentEpoch returns the current epoch.
func (m *Manager) CurrentEpoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentEpoch
}

// EpochHistory returns a defensive copy of every recorded epoch
// transition.
func (m *Manager) EpochHistory() []EpochChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]EpochChange, len(m.epochHistory))
	copy(out, m.epochHistory)
	return out
}

// OnEpochChanged registers a listener invoked after every epoch bump.
func (m *Manager) OnEpochChanged(fn func(EpochChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEpochChanged = append(m.onEpochChanged, fn)
}

// OnTokenInvalidated registers a listener invoked whenever onNodeFailure
// invalidates a node's tokens immediately.
func (m *Manager) OnTokenInvalidated(fn func(TokenInvalidated)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTokenInvalidated = append(m.onTokenInvalidated, fn)
}

// IncrementEpoch bumps the current epoch, recording reason and by in
// the epoch history, and emits epochChanged. Epoch increments take the
// write lock (spec §5: "epoch increments take a write lock").
func (m *Manager) IncrementEpoch(reason, by string) uint64 {
	m.mu.Lock()
	m.currentEpoch++
	m.epochChangedAt = m.now()
	change := EpochChange{Epoch: m.currentEpoch, Reason: reason, ChangedBy: by, At: m.epochChangedAt}
	m.epochHistory = append(m.epochHistory, change)
	listeners := append([]func(EpochChange){}, m.onEpochChanged...)
	newEpoch := m.currentEpoch
	m.mu.Unlock()

	m.logger.Info("epoch incremented", "epoch", newEpoch, "reason", reason, "by", by)
	for _, fn := range listeners {
		fn(change)
	}
	return newEpoch
}

// Mint issues a token for nodeID at the current epoch.
func (m *Manager) Mint(nodeID string) Token {
	return Token{Epoch: m.CurrentEpoch(), NodeID: nodeID}
}

// ValidationResult is the structured outcome of validating a token,
// matching spec §7's "low layers return structured results" rule:
// Valid is the only success path, and the two failure reasons are
// distinguished so callers can decide whether a retry-after-refresh is
// even meaningful.
type ValidationResult struct {
	Valid  bool
	Reason string // "" when Valid; otherwise "epoch-expired" or "node-invalidated"
}

// Validate checks whether tok currently authorizes a mutation.
// Fencing tokens are validated under a read lock (spec §5).
func (m *Manager) Validate(tok Token) ValidationResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.invalidatedNodes[tok.NodeID] {
		return ValidationResult{Valid: false, Reason: "node-invalidated"}
	}

	switch {
	case tok.Epoch == m.currentEpoch:
		return ValidationResult{Valid: true}
	case tok.Epoch+1 == m.currentEpoch:
		if m.now().Sub(m.epochChangedAt) <= m.gracePeriod {
			return ValidationResult{Valid: true}
		}
		return ValidationResult{Valid: false, Reason: "epoch-expired"}
	default:
		// tok.Epoch+2 <= currentEpoch, or tok.Epoch > currentEpoch
		// (a token from the future is never valid either).
		return ValidationResult{Valid: false, Reason: "epoch-expired"}
	}
}

// OnNodeFailure increments the epoch and immediately invalidates every
// token nodeID holds, regardless of the grace window, emitting
// tokenInvalidated for observability (spec §4.6).
func (m *Manager) OnNodeFailure(nodeID string) uint64 {
	newEpoch := m.IncrementEpoch("node-failure", nodeID)

	m.mu.Lock()
	m.invalidatedNodes[nodeID] = true
	listeners := append([]func(TokenInvalidated){}, m.onTokenInvalidated...)
	m.mu.Unlock()

	ev := TokenInvalidated{Token: Token{NodeID: nodeID}, Reason: "node-failure"}
	for _, fn := range listeners {
		fn(ev)
	}
	return newEpoch
}

// OnMembershipChange increments the epoch for a non-failure membership
// event (join, graceful leave, reconfiguration); old tokens still
// follow the grace-window rule rather than being invalidated outright.
func (m *Manager) OnMembershipChange(reason string) uint64 {
	return m.IncrementEpoch(reason, "")
}

// ClearInvalidation lifts a node-failure invalidation once the node has
// rejoined and minted a fresh token at the current epoch — otherwise a
// recovered node could never acquire a valid token again.
func (m *Manager) ClearInvalidation(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.invalidatedNodes, nodeID)
}
