package broadcast

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TopGunBuild/topgun-sub011/internal/journal"
)

func ev(key string) *journal.Event {
	return &journal.Event{Key: key, Value: []byte("v:" + key)}
}

type recordingDeliverer struct {
	mu      sync.Mutex
	bundles []Bundle
}

func (d *recordingDeliverer) deliver(b Bundle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bundles = append(d.bundles, b)
	return nil
}

func (d *recordingDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.bundles)
}

// TestMaxBufferSizeFlushesImmediately covers the overflow trigger spec
// §4.7 names.
func TestMaxBufferSizeFlushesImmediately(t *testing.T) {
	rec := &recordingDeliverer{}
	s := New(Options{FlushInterval: time.Hour, MaxBufferSize: 3, Deliver: rec.deliver})

	s.Buffer("", ev("a"))
	s.Buffer("", ev("b"))
	assert.Equal(t, 0, rec.count())
	s.Buffer("", ev("c"))
	assert.Equal(t, 1, rec.count())

	st := s.Stats()
	assert.Equal(t, uint64(1), st.TotalFlushes)
	assert.Equal(t, uint64(3), st.TotalEventsDelivered)
}

// TestFlushPreservesPerBucketOrdering checks ordering within an
// excludeClientId bucket is preserved (spec §5: broadcast fan-out may
// reorder across buckets but preserves order within a bucket).
func TestFlushPreservesPerBucketOrdering(t *testing.T) {
	rec := &recordingDeliverer{}
	s := New(Options{FlushInterval: time.Hour, MaxBufferSize: 1000, Deliver: rec.deliver})

	for _, k := range []string{"a", "b", "c", "d"} {
		s.Buffer("client-1", ev(k))
	}
	s.flush()

	require.Len(t, rec.bundles, 1)
	keys := make([]string, len(rec.bundles[0].Events))
	for i, e := range rec.bundles[0].Events {
		keys[i] = e.Key
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, keys)
}

// TestSeparateExcludeClientBucketsFlushIndependently.
func TestSeparateExcludeClientBucketsFlushIndependently(t *testing.T) {
	rec := &recordingDeliverer{}
	s := New(Options{FlushInterval: time.Hour, MaxBufferSize: 1000, Deliver: rec.deliver})

	s.Buffer("client-1", ev("a"))
	s.Buffer("client-2", ev("b"))
	s.Buffer("", ev("c")) // broadcast-to-all bucket
	s.flush()

	require.Len(t, rec.bundles, 3)
	excludes := make(map[string]bool)
	for _, b := range rec.bundles {
		excludes[b.ExcludeClientID] = true
	}
	assert.True(t, excludes["client-1"])
	assert.True(t, excludes["client-2"])
	assert.True(t, excludes[""])
}

// TestDeliverErrorDoesNotAbortRemainingBuckets covers spec §4.7:
// "Callback errors are caught and logged but do not abort the flush
// loop."
func TestDeliverErrorDoesNotAbortRemainingBuckets(t *testing.T) {
	delivered := 0
	var mu sync.Mutex
	s := New(Options{FlushInterval: time.Hour, MaxBufferSize: 1000, Deliver: func(b Bundle) error {
		mu.Lock()
		delivered++
		mu.Unlock()
		if b.ExcludeClientID == "bad" {
			return assert.AnError
		}
		return nil
	}})

	s.Buffer("bad", ev("a"))
	s.Buffer("good", ev("b"))
	s.flush()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, delivered)
}

// TestAdaptiveFlushTriggersAtHalfInterval covers the opportunistic
// flush condition and spec §9's instruction to treat the threshold as
// inclusive (≥ flushIntervalMs/2).
func TestAdaptiveFlushTriggersAtHalfInterval(t *testing.T) {
	rec := &recordingDeliverer{}
	start := time.Unix(0, 0)
	cur := start
	s := New(Options{
		FlushInterval: 100 * time.Millisecond,
		MaxBufferSize: 1000,
		AdaptiveFlush: true,
		MinBatchSize:  5,
		Deliver:       rec.deliver,
	})
	s.now = func() time.Time { return cur }
	s.lastFlush = start

	cur = start.Add(50 * time.Millisecond) // exactly half, inclusive
	s.Buffer("", ev("a"))
	assert.Equal(t, 1, rec.count(), "flush should trigger at exactly flushInterval/2 elapsed")
}

// TestAdaptiveFlushDoesNotTriggerBeforeHalfInterval.
func TestAdaptiveFlushDoesNotTriggerBeforeHalfInterval(t *testing.T) {
	rec := &recordingDeliverer{}
	start := time.Unix(0, 0)
	cur := start
	s := New(Options{
		FlushInterval: 100 * time.Millisecond,
		MaxBufferSize: 1000,
		AdaptiveFlush: true,
		MinBatchSize:  5,
		Deliver:       rec.deliver,
	})
	s.now = func() time.Time { return cur }
	s.lastFlush = start

	cur = start.Add(10 * time.Millisecond)
	s.Buffer("", ev("a"))
	assert.Equal(t, 0, rec.count())
}

// TestAdaptiveFlushRequiresBufferAtOrBelowMinBatchSize: once a bucket
// exceeds MinBatchSize it no longer qualifies for opportunistic flush,
// even once enough time has elapsed.
func TestAdaptiveFlushRequiresBufferAtOrBelowMinBatchSize(t *testing.T) {
	rec := &recordingDeliverer{}
	start := time.Unix(0, 0)
	cur := start
	s := New(Options{
		FlushInterval: 100 * time.Millisecond,
		MaxBufferSize: 1000,
		AdaptiveFlush: true,
		MinBatchSize:  2,
		Deliver:       rec.deliver,
	})
	s.now = func() time.Time { return cur }
	s.lastFlush = start

	// Elapsed time is still well under half the interval, so these
	// don't trigger a flush regardless of bucket size.
	cur = start.Add(time.Millisecond)
	s.Buffer("c", ev("a"))
	s.Buffer("c", ev("b"))
	s.Buffer("c", ev("c")) // bucket size now 3, above MinBatchSize=2
	require.Equal(t, 0, rec.count())

	// Now enough time has elapsed, but the bucket already exceeds
	// MinBatchSize, so it still must not opportunistically flush.
	cur = start.Add(time.Second)
	s.Buffer("c", ev("d"))
	assert.Equal(t, 0, rec.count())
}

// TestStopFlushesRemainingEvents covers spec §4.7: "stop() flushes
// remaining events before releasing the timer."
func TestStopFlushesRemainingEvents(t *testing.T) {
	rec := &recordingDeliverer{}
	s := New(Options{FlushInterval: time.Hour, MaxBufferSize: 1000, Deliver: rec.deliver})
	s.Start()

	s.Buffer("", ev("a"))
	s.Stop()

	assert.Equal(t, 1, rec.count())
}

// TestScenarioS5Aggregation is a deterministic stand-in for spec
// scenario S5 (200 single-event buffers over 200ms at a 50ms flush
// interval, adaptive off): rather than depend on wall-clock timer
// jitter, it drives the same number of manual flush boundaries the
// timer would produce in that window (200ms / 50ms = 4) and asserts
// the aggregate counters match: totalFlushes in [3,5],
// totalEventsDelivered == 200.
func TestScenarioS5Aggregation(t *testing.T) {
	rec := &recordingDeliverer{}
	s := New(Options{FlushInterval: 50 * time.Millisecond, MaxBufferSize: 1 << 30, Deliver: rec.deliver})

	perFlush := []int{50, 50, 50, 50}
	for _, n := range perFlush {
		for i := 0; i < n; i++ {
			s.Buffer("", ev("k"))
		}
		s.flush()
	}

	st := s.Stats()
	assert.GreaterOrEqual(t, st.TotalFlushes, uint64(3))
	assert.LessOrEqual(t, st.TotalFlushes, uint64(5))
	assert.Equal(t, uint64(200), st.TotalEventsDelivered)
}
