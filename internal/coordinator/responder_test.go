package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TopGunBuild/topgun-sub011/internal/fencing"
	"github.com/TopGunBuild/topgun-sub011/internal/hlc"
	"github.com/TopGunBuild/topgun-sub011/internal/journal"
	"github.com/TopGunBuild/topgun-sub011/internal/lww"
	"github.com/TopGunBuild/topgun-sub011/internal/mst"
	"github.com/TopGunBuild/topgun-sub011/internal/partition"
	"github.com/TopGunBuild/topgun-sub011/internal/wire"
)

func newResponderDeps(nodeID string) (ResponderDeps, *journal.Journal) {
	jrnl := journal.New()
	trees := mst.NewManager()
	clock := hlc.New(nodeID)
	maps := lww.NewRegistry(nodeID, clock, jrnl, false)
	router := partition.NewRouter(4)
	return ResponderDeps{
		Local:  HandshakeInfo{NodeID: nodeID, Epoch: 1, PartitionRoster: []uint32{0, 1, 2, 3}},
		Trees:  trees,
		Maps:   maps,
		Router: router,
	}, jrnl
}

func TestDispatchHandshakeRepliesWithLocalInfo(t *testing.T) {
	deps, _ := newResponderDeps("node-b")
	ch := newFakeChannel()
	codec, err := wire.NewCodec(wire.CBOR)
	require.NoError(t, err)

	req, err := codec.EncodeRequest(wire.Handshake, uuid.New(), wire.HandshakePayload{NodeID: "node-a", Epoch: 0})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, dispatch(ctx, ch, codec, deps, req))
	require.Len(t, ch.sent, 1)

	var ack wire.HandshakePayload
	msgType, _, _, err := codec.DecodeEnvelope(ch.sent[0], &ack)
	require.NoError(t, err)
	assert.Equal(t, wire.HandshakeAck, msgType)
	assert.Equal(t, "node-b", ack.NodeID)
	assert.Equal(t, uint64(1), ack.Epoch)
}

func TestDispatchPageRangesRequestReturnsLocalRanges(t *testing.T) {
	deps, _ := newResponderDeps("node-b")
	deps.Trees.UpdateRecord(0, "k1", mst.HashValue([]byte("v1")))
	ch := newFakeChannel()
	codec, err := wire.NewCodec(wire.CBOR)
	require.NoError(t, err)

	req, err := codec.EncodeRequest(wire.PageRangesRequest, uuid.New(), wire.PageRangesRequestPayload{PartitionID: 0})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, dispatch(ctx, ch, codec, deps, req))
	require.Len(t, ch.sent, 1)

	var resp wire.PageRangesResponsePayload
	msgType, _, _, err := codec.DecodeEnvelope(ch.sent[0], &resp)
	require.NoError(t, err)
	assert.Equal(t, wire.PageRangesResponse, msgType)
	require.NotEmpty(t, resp.Ranges)
}

func TestDispatchDiffFetchReturnsEntriesInRange(t *testing.T) {
	deps, _ := newResponderDeps("node-b")
	m := deps.Maps.GetOrCreate(mapName)
	m.Set("a", []byte("1"), nil)
	m.Set("z", []byte("2"), nil)

	ch := newFakeChannel()
	codec, err := wire.NewCodec(wire.CBOR)
	require.NoError(t, err)

	req, err := codec.EncodeRequest(wire.DiffFetch, uuid.New(), wire.DiffFetchRequest{PartitionID: 0, RangeStart: "a", RangeEnd: "m"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, dispatch(ctx, ch, codec, deps, req))
	require.Len(t, ch.sent, 1)

	var resp wire.DiffFetchResponsePayload
	msgType, _, _, err := codec.DecodeEnvelope(ch.sent[0], &resp)
	require.NoError(t, err)
	assert.Equal(t, wire.DiffFetchResponse, msgType)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "a", resp.Entries[0].Key)
}

func TestDispatchJournalEventMergesIntoLocalState(t *testing.T) {
	deps, _ := newResponderDeps("node-b")
	ch := newFakeChannel()
	codec, err := wire.NewCodec(wire.CBOR)
	require.NoError(t, err)

	ts := hlc.Timestamp{Millis: 100}
	req, err := codec.EncodeRequest(wire.JournalEvent, uuid.New(), wire.JournalEventData{
		Type:      journal.Inserted.String(),
		MapName:   mapName,
		Key:       "k1",
		Value:     []byte("hello"),
		Timestamp: ts,
		NodeID:    "node-a",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, dispatch(ctx, ch, codec, deps, req))
	require.Empty(t, ch.sent)

	rec, ok := deps.Maps.GetOrCreate(mapName).Get("k1")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), rec.Value)
	assert.False(t, rec.Deleted)
}

func TestServeStopsWhenChannelReturnsError(t *testing.T) {
	deps, _ := newResponderDeps("node-b")
	ch := newFakeChannel()
	ch.recvErr = context.Canceled

	err := Serve(context.Background(), ch, deps)
	assert.ErrorIs(t, err, context.Canceled)
}

var _ = fencing.Token{} // keep fencing import if future tests need a token
