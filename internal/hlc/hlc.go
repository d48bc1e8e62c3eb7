// Package hlc implements the hybrid logical clock used to order
// mutations across the cluster. A timestamp is a triple of physical
// millis, a causal counter, and the generating node's id; the triple
// is totally ordered and advances monotonically both locally and on
// receipt of a remote timestamp.
package hlc

import (
	"fmt"
	"sync"
	"time"
)

// Timestamp is a single hybrid-logical-clock reading.
type Timestamp struct {
	Millis  uint64
	Counter uint32
	NodeID  string
}

// Compare returns -1, 0, or 1 as t is less than, equal to, or greater
// than other, ordering first by millis, then counter, then node id.
func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.Millis < other.Millis:
		return -1
	case t.Millis > other.Millis:
		return 1
	}
	switch {
	case t.Counter < other.Counter:
		return -1
	case t.Counter > other.Counter:
		return 1
	}
	switch {
	case t.NodeID < other.NodeID:
		return -1
	case t.NodeID > other.NodeID:
		return 1
	}
	return 0
}

// Less reports whether t sorts strictly before other.
func (t Timestamp) Less(other Timestamp) bool { return t.Compare(other) < 0 }

// String renders the timestamp in a stable, sortable form, useful in
// log lines and golden-vector tests.
func (t Timestamp) String() string {
	return fmt.Sprintf("%020d.%010d.%s", t.Millis, t.Counter, t.NodeID)
}

// Zero is the smallest possible timestamp for a given node, used as a
// sentinel "never written" value.
func Zero(nodeID string) Timestamp {
	return Timestamp{NodeID: nodeID}
}

// Clock is a single node's hybrid logical clock. All methods are
// goroutine-safe; suspension is never required since generation is a
// pure, non-blocking computation.
type Clock struct {
	mu       sync.Mutex
	nodeID   string
	last     Timestamp
	now      func() time.Time
	skewBound time.Duration
}

// Option configures a Clock.
type Option func(*Clock)

// WithNowFunc overrides the physical clock source, for deterministic
// tests.
func WithNowFunc(now func() time.Time) Option {
	return func(c *Clock) { c.now = now }
}

// WithSkewBound sets the maximum amount by which an incoming remote
// timestamp may exceed the local physical clock before it is rejected
// as INVALID_TIMESTAMP. Zero disables the check.
func WithSkewBound(d time.Duration) Option {
	return func(c *Clock) { c.skewBound = d }
}

// New creates a clock for the given node id, starting at the zero
// timestamp.
func New(nodeID string, opts ...Option) *Clock {
	c := &Clock{
		nodeID: nodeID,
		last:   Zero(nodeID),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func millisOf(t time.Time) uint64 {
	return uint64(t.UnixMilli())
}

// Now generates the next local timestamp: max(localPhysicalMillis,
// lastSeen.millis), bumping the counter when the physical clock hasn't
// advanced past the last reading.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := millisOf(c.now())
	next := c.last
	next.NodeID = c.nodeID
	if phys > c.last.Millis {
		next.Millis = phys
		next.Counter = 0
	} else {
		next.Millis = c.last.Millis
		next.Counter = c.last.Counter + 1
	}
	c.last = next
	return next
}

// Last returns the most recently generated or observed timestamp
// without advancing the clock.
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// ErrInvalidTimestamp is returned by Observe when a remote timestamp's
// physical component exceeds the local clock by more than the
// configured skew bound.
type ErrInvalidTimestamp struct {
	Remote Timestamp
	Local  time.Time
	Bound  time.Duration
}

func (e *ErrInvalidTimestamp) Error() string {
	return fmt.Sprintf("hlc: remote timestamp %s exceeds skew bound %s from local time %s",
		e.Remote, e.Bound, e.Local.Format(time.RFC3339Nano))
}

// Observe advances the clock on receipt of a remote timestamp: the
// local clock becomes max(local, received), bumping the counter if the
// two millis components tie. Returns the merged timestamp, or an error
// if the remote timestamp is further in the future than the configured
// skew bound allows; the clock is left unchanged in that case.
func (c *Clock) Observe(remote Timestamp) (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.skewBound > 0 {
		localMillis := millisOf(now)
		if remote.Millis > localMillis && time.Duration(remote.Millis-localMillis)*time.Millisecond > c.skewBound {
			return Timestamp{}, &ErrInvalidTimestamp{Remote: remote, Local: now, Bound: c.skewBound}
		}
	}

	phys := millisOf(now)
	maxMillis := c.last.Millis
	if remote.Millis > maxMillis {
		maxMillis = remote.Millis
	}
	if phys > maxMillis {
		maxMillis = phys
	}

	var counter uint32
	switch {
	case maxMillis == c.last.Millis && maxMillis == remote.Millis:
		if c.last.Counter > remote.Counter {
			counter = c.last.Counter + 1
		} else {
			counter = remote.Counter + 1
		}
	case maxMillis == c.last.Millis:
		counter = c.last.Counter + 1
	case maxMillis == remote.Millis:
		counter = remote.Counter + 1
	default:
		counter = 0
	}

	next := Timestamp{Millis: maxMillis, Counter: counter, NodeID: c.nodeID}
	c.last = next
	return next, nil
}
