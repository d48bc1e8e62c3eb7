// Package journal implements the append-only event log that records
// every applied mutation to the LWW state. It is the single source of
// truth both for broadcast fan-out and for replaying state to a newly
// synced peer.
package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/eapache/channels"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/TopGunBuild/topgun-sub011/internal/hlc"
	"github.com/TopGunBuild/topgun-sub011/internal/logging"
)

// EventType classifies a journaled mutation.
type EventType int

const (
	Inserted EventType = iota
	Updated
	Deleted
	MergeRejected
)

func (t EventType) String() string {
	switch t {
	case Inserted:
		return "INSERTED"
	case Updated:
		return "UPDATED"
	case Deleted:
		return "DELETED"
	case MergeRejected:
		return "MERGE_REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Event is an immutable, sequenced record of a state change.
type Event struct {
	Sequence      uint64
	Type          EventType
	MapName       string
	Key           string
	Value         []byte
	PreviousValue []byte
	Timestamp     hlc.Timestamp
	NodeID        string
	Metadata      map[string]string
}

// Input is the caller-supplied payload for Append; Sequence is
// assigned by the journal itself.
type Input struct {
	Type          EventType
	MapName       string
	Key           string
	Value         []byte
	PreviousValue []byte
	Timestamp     hlc.Timestamp
	NodeID        string
	Metadata      map[string]string
}

// ErrInvariantViolation is the error Verify wraps when it finds a
// missing or misplaced sequence. Append's own gap check does not return
// it: it calls logging.Logger.Fatal, which panics. Per spec §7 such a
// violation is unrecoverable: the node must shut down rather than
// continue operating on a possibly-corrupt log.
var ErrInvariantViolation = errors.New("journal: invariant violation")

// Filter restricts which events a subscription receives.
type Filter struct {
	MapName string // empty matches all maps
	Types   []EventType
}

func (f Filter) matches(e *Event) bool {
	if f.MapName != "" && f.MapName != e.MapName {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

// DefaultMaxInflight is the default bound on a subscription's
// immediately-deliverable buffer before the journal starts queuing
// events in the subscription's unbounded backlog instead.
const DefaultMaxInflight = 256

var metricsOnce sync.Once

type journalMetrics struct {
	appended    prometheus.Counter
	subscribers prometheus.Gauge
	backlogSize *prometheus.GaugeVec
}

func newJournalMetrics() *journalMetrics {
	m := &journalMetrics{
		appended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncore_journal_events_appended_total",
			Help: "Total number of events appended to the journal.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "syncore_journal_subscribers",
			Help: "Number of active journal subscriptions.",
		}),
		backlogSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "syncore_journal_subscriber_backlog",
			Help: "Number of events queued in a subscriber's overflow backlog.",
		}, []string{"subscription_id"}),
	}
	// Registration failure (duplicate collector) is expected when a
	// process constructs more than one Journal; metrics are best
	// effort observability, not correctness-bearing.
	_ = prometheus.Register(m.appended)
	_ = prometheus.Register(m.subscribers)
	_ = prometheus.Register(m.backlogSize)
	return m
}

// Journal is an append-only, linearizable-within-a-node event log.
type Journal struct {
	logger *logging.Logger
	mu     sync.Mutex

	lastSequence uint64
	events       []*Event // index i holds sequence i+1

	subs map[uuid.UUID]*Subscription

	metrics *journalMetrics
}

var sharedMetrics *journalMetrics

// New creates an empty journal.
func New() *Journal {
	metricsOnce.Do(func() { sharedMetrics = newJournalMetrics() })
	return &Journal{
		logger: logging.GetLogger("journal"),
		subs:   make(map[uuid.UUID]*Subscription),
		metrics: sharedMetrics,
	}
}

// LastSequence returns the most recently assigned sequence number, a
// cheap snapshot a reader can take without blocking appenders for long.
func (j *Journal) LastSequence() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSequence
}

// Append assigns the next sequence number to in and stores it,
// fanning it out to every matching live subscription. Append is
// linearizable within the node: callers mutating LWW state must call
// Append under the same critical section as the state mutation so
// that sequence order reflects application order.
func (j *Journal) Append(in Input) *Event {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.lastSequence++
	e := &Event{
		Sequence:      j.lastSequence,
		Type:          in.Type,
		MapName:       in.MapName,
		Key:           in.Key,
		Value:         in.Value,
		PreviousValue: in.PreviousValue,
		Timestamp:     in.Timestamp,
		NodeID:        in.NodeID,
		Metadata:      in.Metadata,
	}
	if uint64(len(j.events)) != e.Sequence-1 {
		j.logger.Fatal("sequence gap detected", "expected_index", e.Sequence-1, "actual_index", len(j.events))
	}
	j.events = append(j.events, e)
	j.metrics.appended.Inc()

	for _, sub := range j.subs {
		sub.deliver(e)
	}
	return e
}

// ReadFrom returns events with sequence >= seq, up to limit entries,
// in order. limit <= 0 means unbounded.
func (j *Journal) ReadFrom(seq uint64, limit int) []*Event {
	j.mu.Lock()
	defer j.mu.Unlock()

	if seq == 0 {
		seq = 1
	}
	if seq > j.lastSequence {
		return nil
	}
	startIdx := int(seq - 1)
	out := make([]*Event, 0, len(j.events)-startIdx)
	for _, e := range j.events[startIdx:] {
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Verify recomputes nothing by itself (events carry no embedded hash
// chain in this core); it instead checks the structural invariant that
// sequences in [start, end) are contiguous and gapless, the same
// property an external persistence layer should enforce when replaying
// a stored journal. Returns an error describing the first break found.
func (j *Journal) Verify(start, end uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if start == 0 {
		start = 1
	}
	if end == 0 || end > j.lastSequence+1 {
		end = j.lastSequence + 1
	}
	for seq := start; seq < end; seq++ {
		idx := int(seq - 1)
		if idx < 0 || idx >= len(j.events) {
			return fmt.Errorf("%w: missing sequence %d", ErrInvariantViolation, seq)
		}
		if j.events[idx].Sequence != seq {
			return fmt.Errorf("%w: index %d holds sequence %d, expected %d", ErrInvariantViolation, idx, j.events[idx].Sequence, seq)
		}
	}
	return nil
}

// Subscribe registers a new subscription. If fromSeq is nil the
// subscription starts from the current tail (live-only); otherwise the
// backlog from *fromSeq is delivered first. The subscription is
// registered atomically with respect to concurrent Append calls so no
// event is missed or delivered twice.
func (j *Journal) Subscribe(fromSeq *uint64, filter Filter, maxInflight int) *Subscription {
	if maxInflight <= 0 {
		maxInflight = DefaultMaxInflight
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	sub := newSubscription(j, uuid.New(), filter, maxInflight)
	j.subs[sub.id] = sub

	if fromSeq != nil {
		start := *fromSeq
		if start == 0 {
			start = 1
		}
		if start <= j.lastSequence {
			startIdx := int(start - 1)
			for _, e := range j.events[startIdx:] {
				sub.deliver(e)
			}
		}
	}

	j.metrics.subscribers.Inc()
	return sub
}

// unsubscribe removes sub from the journal's live subscriber set.
// Pending events not yet delivered via Next are dropped, per spec's
// cooperative-cancellation rule.
func (j *Journal) unsubscribe(id uuid.UUID) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.subs[id]; ok {
		delete(j.subs, id)
		j.metrics.subscribers.Dec()
	}
}

// Subscription is a live handle on a filtered slice of the journal.
// Delivery to a subscriber is paused once its inflight buffer holds
// maxInflight undelivered events: further events queue in an unbounded
// channels.InfiniteChannel backlog, the same unbounded-producer/paced-
// consumer primitive the teacher uses for its block-processing queue,
// until Next drains the inflight buffer back down. A slow subscriber's
// backlog can never stall Append or other subscribers, but it also
// never skips ahead of its own queued events once paused.
type Subscription struct {
	id      uuid.UUID
	journal *Journal
	filter  Filter

	mu      sync.Mutex
	out     chan *Event
	backlog *channels.InfiniteChannel
	closed  bool
}

func newSubscription(j *Journal, id uuid.UUID, filter Filter, maxInflight int) *Subscription {
	return &Subscription{
		id:      id,
		journal: j,
		filter:  filter,
		out:     make(chan *Event, maxInflight),
		backlog: channels.NewInfiniteChannel(),
	}
}

// deliver is called with the journal lock held by the caller (Append
// or Subscribe). It never blocks: once the bounded inflight buffer
// (sized to maxInflight) is full, delivery to this subscriber is
// paused — the event queues in the unbounded backlog instead, and
// resumes draining into the inflight buffer only as Next frees room.
func (s *Subscription) deliver(e *Event) {
	if !s.filter.matches(e) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.backlog.Len() == 0 {
		select {
		case s.out <- e:
			return
		default:
		}
	}
	s.backlog.In() <- e
	if sharedMetrics != nil {
		sharedMetrics.backlogSize.WithLabelValues(s.id.String()).Set(float64(s.backlog.Len()))
	}
}

// drainBacklog moves exactly one queued event into the inflight buffer
// after Next frees a slot, preserving delivery order instead of
// letting a fresh live event skip ahead of a paused subscriber's
// backlog.
func (s *Subscription) drainBacklog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case v, ok := <-s.backlog.Out():
		if ok {
			s.out <- v.(*Event)
		}
	default:
	}
	if sharedMetrics != nil {
		sharedMetrics.backlogSize.WithLabelValues(s.id.String()).Set(float64(s.backlog.Len()))
	}
}

// Next blocks until an event is available, ctx is cancelled, or the
// subscription is closed. It implements the pull primitive spec §9
// recommends: explicit pull of the inflight buffer, refilled from
// backlog, through one uniform call.
func (s *Subscription) Next(ctx context.Context) (*Event, error) {
	select {
	case e, ok := <-s.out:
		if !ok {
			return nil, ErrClosed
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		s.drainBacklog()
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ErrClosed is returned by Next once the subscription has been
// unsubscribed; events still buffered at that point are dropped.
var ErrClosed = errors.New("journal: subscription closed")

// Unsubscribe stops delivery and drops any undelivered events. Safe to
// call more than once.
func (s *Subscription) Unsubscribe() {
	s.journal.unsubscribe(s.id)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.backlog.Close()
	close(s.out)
	s.mu.Unlock()
}
