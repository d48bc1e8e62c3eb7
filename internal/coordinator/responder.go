package coordinator

import (
	"context"
	"fmt"

	"github.com/TopGunBuild/topgun-sub011/internal/journal"
	"github.com/TopGunBuild/topgun-sub011/internal/logging"
	"github.com/TopGunBuild/topgun-sub011/internal/lww"
	"github.com/TopGunBuild/topgun-sub011/internal/mst"
	"github.com/TopGunBuild/topgun-sub011/internal/partition"
	"github.com/TopGunBuild/topgun-sub011/internal/wire"
)

// ResponderDeps bundles what a responder needs to answer a peer's
// handshake, page-range, and diff-fetch requests, and to apply an
// incoming live journal event to local state.
type ResponderDeps struct {
	Local  HandshakeInfo
	Trees  *mst.Manager
	Maps   *lww.Registry
	Router *partition.Router
}

// mapName is the single map a DIFF_FETCH request is answered from; the
// coordinator's initiator side hardcodes the same name when it calls
// Engine.Sync. JOURNAL_EVENT frames carry their own map name.
const mapName = "default"

// Serve answers one peer connection's requests until Receive returns
// an error (channel closed, ctx cancelled). It is the passive
// counterpart to Coordinator's active handshake/syncPartitions/
// sendEvent: in a mesh, a node both dials its configured peers (as an
// initiator, driven by Coordinator.Run) and accepts connections from
// peers that dial it (as a responder, driven by Serve).
func Serve(ctx context.Context, ch PeerChannel, deps ResponderDeps) error {
	codec, err := wire.NewCodec(wire.CBOR)
	if err != nil {
		return fmt.Errorf("coordinator: building wire codec: %w", err)
	}
	logger := logging.GetLogger("coordinator.responder")

	for {
		frame, err := ch.Receive(ctx)
		if err != nil {
			return err
		}
		if err := dispatch(ctx, ch, codec, deps, frame); err != nil {
			logger.Warn("responder failed to handle frame", "err", err)
		}
	}
}

func dispatch(ctx context.Context, ch PeerChannel, codec *wire.Codec, deps ResponderDeps, frame []byte) error {
	msgType, requestID, _, err := codec.DecodeEnvelope(frame, nil)
	if err != nil {
		return fmt.Errorf("peeking envelope type: %w", err)
	}

	switch msgType {
	case wire.Handshake:
		var req wire.HandshakePayload
		if _, _, _, err := codec.DecodeEnvelope(frame, &req); err != nil {
			return fmt.Errorf("decoding handshake: %w", err)
		}
		resp, err := codec.EncodeResponse(wire.HandshakeAck, requestID, wire.HandshakePayload{
			NodeID:          deps.Local.NodeID,
			Epoch:           deps.Local.Epoch,
			PartitionRoster: deps.Local.PartitionRoster,
		}, nil)
		if err != nil {
			return fmt.Errorf("encoding handshake ack: %w", err)
		}
		return ch.Send(ctx, resp)

	case wire.PageRangesRequest:
		var req wire.PageRangesRequestPayload
		if _, _, _, err := codec.DecodeEnvelope(frame, &req); err != nil {
			return fmt.Errorf("decoding page ranges request: %w", err)
		}
		ranges := deps.Trees.PageRanges(req.PartitionID)
		data := make([]wire.PageRangeData, 0, len(ranges))
		for _, r := range ranges {
			data = append(data, wire.PageRangeData{Start: r.Start, End: r.End, Hash: r.Hash.String()})
		}
		resp, err := codec.EncodeResponse(wire.PageRangesResponse, requestID, wire.PageRangesResponsePayload{Ranges: data}, nil)
		if err != nil {
			return fmt.Errorf("encoding page ranges response: %w", err)
		}
		return ch.Send(ctx, resp)

	case wire.DiffFetch:
		var req wire.DiffFetchRequest
		if _, _, _, err := codec.DecodeEnvelope(frame, &req); err != nil {
			return fmt.Errorf("decoding diff fetch request: %w", err)
		}
		m := deps.Maps.GetOrCreate(mapName)
		var entries []wire.DiffFetchEntry
		for key, rec := range m.Snapshot() {
			if key < req.RangeStart || key > req.RangeEnd {
				continue
			}
			entries = append(entries, wire.DiffFetchEntry{Key: key, Record: rec})
		}
		resp, err := codec.EncodeResponse(wire.DiffFetchResponse, requestID, wire.DiffFetchResponsePayload{Entries: entries}, nil)
		if err != nil {
			return fmt.Errorf("encoding diff fetch response: %w", err)
		}
		return ch.Send(ctx, resp)

	case wire.JournalEvent:
		var evt wire.JournalEventData
		if _, _, _, err := codec.DecodeEnvelope(frame, &evt); err != nil {
			return fmt.Errorf("decoding journal event: %w", err)
		}
		rec := lww.Record{Value: evt.Value, Deleted: evt.Type == journal.Deleted.String(), Timestamp: evt.Timestamp}
		outcome := deps.Maps.Merge(evt.MapName, evt.Key, rec)
		if outcome.Applied {
			deps.Trees.UpdateRecord(deps.Router.PartitionFor(evt.Key), evt.Key, mst.HashValue(rec.Value))
		}
		return nil

	default:
		return fmt.Errorf("unhandled message type %s", msgType)
	}
}
