package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionForIsDeterministic(t *testing.T) {
	r := NewRouter(16)
	a := r.PartitionFor("user:42")
	b := r.PartitionFor("user:42")
	assert.Equal(t, a, b)
	assert.Less(t, a, uint32(16))
}

func TestPartitionForDistributesAcrossRange(t *testing.T) {
	r := NewRouter(8)
	seen := make(map[uint32]bool)
	for i := 0; i < 500; i++ {
		seen[r.PartitionFor(string(rune('a'+i%26))+string(rune(i)))] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestRouteBeforeAssignmentReturnsZeroOwnership(t *testing.T) {
	r := NewRouter(4)
	route := r.Route("anything")
	assert.Empty(t, route.Primary)
	assert.Equal(t, uint64(0), route.Epoch)
}

func TestRebalanceStampsIncrementedEpoch(t *testing.T) {
	r := NewRouter(4)
	o1 := r.Rebalance(0, "node-a", []string{"node-b"}, 0)
	require.Equal(t, uint64(1), o1.Epoch)

	o2 := r.Rebalance(0, "node-b", []string{"node-a"}, 0)
	assert.Equal(t, uint64(2), o2.Epoch)
}

func TestRebalanceAdoptsExplicitEpoch(t *testing.T) {
	r := NewRouter(4)
	o := r.Rebalance(0, "node-a", nil, 7)
	assert.Equal(t, uint64(7), o.Epoch)
}

func TestRebalanceEmitsEvent(t *testing.T) {
	r := NewRouter(4)
	var got []RebalanceEvent
	r.OnRebalance(func(ev RebalanceEvent) { got = append(got, ev) })

	r.Rebalance(2, "node-a", nil, 0)
	r.Rebalance(2, "node-b", nil, 0)

	require.Len(t, got, 2)
	assert.Equal(t, "node-a", got[0].Current.Primary)
	assert.Equal(t, "node-a", got[1].Previous.Primary)
	assert.Equal(t, "node-b", got[1].Current.Primary)
}

func TestAllOwnershipsOrderedByPartitionID(t *testing.T) {
	r := NewRouter(8)
	r.Rebalance(5, "n", nil, 1)
	r.Rebalance(1, "n", nil, 1)
	r.Rebalance(3, "n", nil, 1)

	all := r.AllOwnerships()
	require.Len(t, all, 3)
	assert.Equal(t, []uint32{1, 3, 5}, []uint32{all[0].PartitionID, all[1].PartitionID, all[2].PartitionID})
}
