package hlc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampCompare(t *testing.T) {
	a := Timestamp{Millis: 100, Counter: 0, NodeID: "n1"}
	b := Timestamp{Millis: 100, Counter: 0, NodeID: "n2"}
	c := Timestamp{Millis: 100, Counter: 1, NodeID: "n1"}
	d := Timestamp{Millis: 101, Counter: 0, NodeID: "n1"}

	assert.True(t, a.Less(b))
	assert.True(t, a.Less(c))
	assert.True(t, c.Less(d))
	assert.Equal(t, 0, a.Compare(a))
}

func TestNowMonotonic(t *testing.T) {
	fixed := time.UnixMilli(1000)
	clk := New("n1", WithNowFunc(func() time.Time { return fixed }))

	var prev Timestamp
	for i := 0; i < 1000; i++ {
		ts := clk.Now()
		if i > 0 {
			assert.True(t, prev.Less(ts), "ts_%d=%s must be greater than ts_%d=%s", i, ts, i-1, prev)
		}
		prev = ts
	}
}

func TestNowAdvancesWithPhysicalClock(t *testing.T) {
	cur := time.UnixMilli(1000)
	clk := New("n1", WithNowFunc(func() time.Time { return cur }))

	first := clk.Now()
	require.Equal(t, uint64(1000), first.Millis)
	require.Equal(t, uint32(0), first.Counter)

	second := clk.Now()
	require.Equal(t, uint32(1), second.Counter)

	cur = time.UnixMilli(2000)
	third := clk.Now()
	require.Equal(t, uint64(2000), third.Millis)
	require.Equal(t, uint32(0), third.Counter)
}

func TestObserveAdvancesPastRemote(t *testing.T) {
	fixed := time.UnixMilli(1000)
	clk := New("n1", WithNowFunc(func() time.Time { return fixed }))

	remote := Timestamp{Millis: 5000, Counter: 3, NodeID: "n2"}
	merged, err := clk.Observe(remote)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), merged.Millis)
	assert.Equal(t, uint32(4), merged.Counter)
	assert.Equal(t, "n1", merged.NodeID)

	next := clk.Now()
	assert.True(t, merged.Less(next))
}

func TestObserveRejectsTimestampBeyondSkewBound(t *testing.T) {
	fixed := time.UnixMilli(1000)
	clk := New("n1", WithNowFunc(func() time.Time { return fixed }), WithSkewBound(60*time.Second))

	future := Timestamp{Millis: 1000 + uint64((90 * time.Second).Milliseconds()), NodeID: "attacker"}
	_, err := clk.Observe(future)
	require.Error(t, err)

	var skewErr *ErrInvalidTimestamp
	require.ErrorAs(t, err, &skewErr)

	// Clock must be unchanged by a rejected observation.
	assert.Equal(t, Zero("n1"), clk.Last())
}

func TestObserveTieBreakOnEqualMillis(t *testing.T) {
	fixed := time.UnixMilli(1000)
	clk := New("n1", WithNowFunc(func() time.Time { return fixed }))

	remote := Timestamp{Millis: 1000, Counter: 0, NodeID: "n2"}
	merged, err := clk.Observe(remote)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), merged.Millis)
	assert.Equal(t, uint32(1), merged.Counter)
}
