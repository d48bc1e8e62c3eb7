// Package broadcast batches journal events into fan-out bundles for
// subscribers, keyed by excludeClientId, with interval and adaptive
// flush triggers.
package broadcast

import (
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/TopGunBuild/topgun-sub011/internal/journal"
	"github.com/TopGunBuild/topgun-sub011/internal/logging"
)

// Bundle is a flushed batch of events destined for every subscriber
// except the one identified by ExcludeClientID (empty string means
// broadcast to all).
type Bundle struct {
	ExcludeClientID string
	Events          []*journal.Event
	// Compressed is the snappy-compressed CBOR-free wire payload a
	// transport can send as-is; payload framing itself lives in
	// internal/wire, this package only produces the compressed bytes.
	Compressed []byte
}

// DeliverFunc sends a flushed bundle to its subscribers. Errors are
// caught and logged but never abort the flush loop (spec §4.7).
type DeliverFunc func(Bundle) error

// Stats tracks the observability counters spec §4.7 names.
type Stats struct {
	TotalFlushes         uint64
	TotalEventsDelivered uint64
	BufferSize           int
}

// AvgEventsPerFlush derives the average from the running totals.
func (s Stats) AvgEventsPerFlush() float64 {
	if s.TotalFlushes == 0 {
		return 0
	}
	return float64(s.TotalEventsDelivered) / float64(s.TotalFlushes)
}

type bucket struct {
	excludeClientID string
	events          []*journal.Event
}

// Options configures a Service.
type Options struct {
	FlushInterval time.Duration
	MaxBufferSize int
	AdaptiveFlush bool
	MinBatchSize  int
	Deliver       DeliverFunc
}

type metrics struct {
	flushes   prometheus.Counter
	delivered prometheus.Counter
	bufSize   prometheus.Gauge
}

var (
	metricsOnce   sync.Once
	sharedMetrics *metrics
)

func newMetrics() *metrics {
	m := &metrics{
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncore_broadcast_flushes_total",
			Help: "Total number of broadcast flush operations.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncore_broadcast_events_delivered_total",
			Help: "Total number of journal events delivered via broadcast flush.",
		}),
		bufSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "syncore_broadcast_buffer_size",
			Help: "Current number of events buffered across all exclude-client buckets.",
		}),
	}
	_ = prometheus.Register(m.flushes)
	_ = prometheus.Register(m.delivered)
	_ = prometheus.Register(m.bufSize)
	return m
}

// Service buffers journal events and flushes them to subscribers on a
// timer, on overflow, or (in adaptive mode) opportunistically.
type Service struct {
	logger  *logging.Logger
	opts    Options
	metrics *metrics

	mu         sync.Mutex
	buckets    map[string]*bucket
	lastFlush  time.Time
	bufferSize int

	stats Stats

	stopCh chan struct{}
	doneCh chan struct{}
	now    func() time.Time
}

// New creates a broadcast service with the given options. Call Start
// to begin the flush timer.
func New(opts Options) *Service {
	metricsOnce.Do(func() { sharedMetrics = newMetrics() })
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 100 * time.Millisecond
	}
	return &Service{
		logger:  logging.GetLogger("broadcast"),
		opts:    opts,
		metrics: sharedMetrics,
		buckets: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		now:     time.Now,
	}
}

// Buffer adds an event to the bucket for excludeClientID. If the
// bucket's total buffer size reaches MaxBufferSize, it flushes
// immediately; in adaptive mode, a bucket at or under MinBatchSize
// whose elapsed time since the last flush is at least
// FlushInterval/2 also flushes opportunistically (threshold is
// inclusive, per spec §9's instruction to treat it as ≥).
func (s *Service) Buffer(excludeClientID string, e *journal.Event) {
	s.mu.Lock()
	b, ok := s.buckets[excludeClientID]
	if !ok {
		b = &bucket{excludeClientID: excludeClientID}
		s.buckets[excludeClientID] = b
	}
	b.events = append(b.events, e)
	s.bufferSize++
	s.metrics.bufSize.Set(float64(s.bufferSize))

	shouldFlush := s.bufferSize >= s.opts.MaxBufferSize
	if !shouldFlush && s.opts.AdaptiveFlush && len(b.events) <= s.opts.MinBatchSize {
		elapsed := s.now().Sub(s.lastFlush)
		if elapsed >= s.opts.FlushInterval/2 {
			shouldFlush = true
		}
	}
	s.mu.Unlock()

	if shouldFlush {
		s.flush()
	}
}

// Start begins the periodic flush timer. Safe to call once.
func (s *Service) Start() {
	go s.loop()
}

func (s *Service) loop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.stopCh:
			s.flush() // stop() flushes remaining events before releasing the timer
			return
		}
	}
}

// Stop halts the flush timer after a final flush, per spec §4.7.
func (s *Service) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// flush drains every non-empty bucket and delivers it. Deliver errors
// are logged, never propagated, and never stop remaining buckets from
// flushing.
func (s *Service) flush() {
	s.mu.Lock()
	if len(s.buckets) == 0 {
		s.mu.Unlock()
		return
	}
	toFlush := s.buckets
	s.buckets = make(map[string]*bucket)
	s.bufferSize = 0
	s.lastFlush = s.now()
	s.metrics.bufSize.Set(0)
	s.mu.Unlock()

	for _, b := range toFlush {
		if len(b.events) == 0 {
			continue
		}
		bundle := Bundle{
			ExcludeClientID: b.excludeClientID,
			Events:          b.events,
			Compressed:      compress(b.events),
		}
		s.recordFlush(len(b.events))
		if s.opts.Deliver == nil {
			continue
		}
		if err := s.opts.Deliver(bundle); err != nil {
			s.logger.Error("broadcast delivery failed", "exclude_client", b.excludeClientID, "err", err)
		}
	}
}

func (s *Service) recordFlush(n int) {
	s.mu.Lock()
	s.stats.TotalFlushes++
	s.stats.TotalEventsDelivered += uint64(n)
	s.stats.BufferSize = s.bufferSize
	s.mu.Unlock()

	s.metrics.flushes.Inc()
	s.metrics.delivered.Add(float64(n))
}

// Stats returns a snapshot of the running counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.BufferSize = s.bufferSize
	return st
}

// compress concatenates each event's key and value, each followed by a
// zero byte, and snappy-compresses the result, a cheap placeholder
// for the full CBOR envelope internal/wire builds; this is the
// concrete use of golang/snappy the domain stack names for broadcast
// bundles.
func compress(events []*journal.Event) []byte {
	var raw []byte
	for _, e := range events {
		raw = append(raw, []byte(e.Key)...)
		raw = append(raw, 0)
		raw = append(raw, e.Value...)
		raw = append(raw, 0)
	}
	return snappy.Encode(nil, raw)
}
