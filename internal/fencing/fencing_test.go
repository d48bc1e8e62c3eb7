package fencing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManagerAt(grace time.Duration, start time.Time) (*Manager, *time.Time) {
	clock := start
	m := NewManager(grace, WithNowFunc(func() time.Time { return clock }))
	return m, &clock
}

// TestScenarioS4 is spec scenario S4: epoch starts at 0, a token is
// minted, incrementEpoch("failover") is called and the token remains
// valid (within grace); two more increments without waiting past grace
// make the token invalid.
func TestScenarioS4(t *testing.T) {
	start := time.Unix(0, 0)
	m, clock := newManagerAt(time.Minute, start)

	tok := m.Mint("node-a")
	require.Equal(t, uint64(0), tok.Epoch)

	m.IncrementEpoch("failover", "node-a")
	res := m.Validate(tok)
	assert.True(t, res.Valid, "token from epoch-1 should remain valid within grace window")

	m.IncrementEpoch("failover2", "node-a")
	m.IncrementEpoch("failover3", "node-a")
	*clock = start // grace window still not elapsed, but epoch is now 3 behind token's 0

	res = m.Validate(tok)
	assert.False(t, res.Valid, "token two or more epochs behind must be invalid immediately")
	assert.Equal(t, "epoch-expired", res.Reason)
}

// TestTokenValidAtCurrentEpoch covers the base case.
func TestTokenValidAtCurrentEpoch(t *testing.T) {
	m := NewManager(time.Minute)
	tok := m.Mint("node-a")
	assert.True(t, m.Validate(tok).Valid)
}

// TestTokenInvalidAfterGraceWindowElapses is testable property 10's
// second clause.
func TestTokenInvalidAfterGraceWindowElapses(t *testing.T) {
	start := time.Unix(0, 0)
	m, clock := newManagerAt(10*time.Second, start)

	tok := m.Mint("node-a")
	m.IncrementEpoch("rebalance", "node-a")

	*clock = start.Add(5 * time.Second)
	assert.True(t, m.Validate(tok).Valid)

	*clock = start.Add(11 * time.Second)
	res := m.Validate(tok)
	assert.False(t, res.Valid)
	assert.Equal(t, "epoch-expired", res.Reason)
}

// TestTokenInvalidTwoEpochsBehindRegardlessOfTime is testable property
// 10's first clause.
func TestTokenInvalidTwoEpochsBehindRegardlessOfTime(t *testing.T) {
	m := NewManager(time.Hour)
	tok := m.Mint("node-a")
	m.IncrementEpoch("a", "")
	m.IncrementEpoch("b", "")
	assert.False(t, m.Validate(tok).Valid)
}

// TestOnNodeFailureInvalidatesImmediately confirms a failed node's
// tokens are rejected even inside what would otherwise be the grace
// window.
func TestOnNodeFailureInvalidatesImmediately(t *testing.T) {
	m := NewManager(time.Hour)
	tok := m.Mint("node-a")

	var invalidated []TokenInvalidated
	m.OnTokenInvalidated(func(ev TokenInvalidated) { invalidated = append(invalidated, ev) })

	m.OnNodeFailure("node-a")
	res := m.Validate(tok)
	assert.False(t, res.Valid)
	assert.Equal(t, "node-invalidated", res.Reason)
	require.Len(t, invalidated, 1)
	assert.Equal(t, "node-a", invalidated[0].Token.NodeID)
}

// TestOnMembershipChangeDoesNotInvalidateImmediately confirms
// membership changes (not failures) still honor the grace window.
func TestOnMembershipChangeDoesNotInvalidateImmediately(t *testing.T) {
	m := NewManager(time.Hour)
	tok := m.Mint("node-a")
	m.OnMembershipChange("join")
	assert.True(t, m.Validate(tok).Valid)
}

// TestClearInvalidationAllowsRecoveredNodeToRejoin.
func TestClearInvalidationAllowsRecoveredNodeToRejoin(t *testing.T) {
	m := NewManager(time.Hour)
	m.OnNodeFailure("node-a")
	m.ClearInvalidation("node-a")
	tok := m.Mint("node-a")
	assert.True(t, m.Validate(tok).Valid)
}

// TestEpochHistoryRecordsReasonAndActor.
func TestEpochHistoryRecordsReasonAndActor(t *testing.T) {
	m := NewManager(time.Minute)
	m.IncrementEpoch("rebalance", "node-b")

	hist := m.EpochHistory()
	require.Len(t, hist, 2) // init + the increment
	assert.Equal(t, "rebalance", hist[1].Reason)
	assert.Equal(t, "node-b", hist[1].ChangedBy)
	assert.Equal(t, uint64(1), hist[1].Epoch)
}
