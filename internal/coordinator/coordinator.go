// Package coordinator implements the per-peer sync state machine:
// CONNECTING -> HANDSHAKE -> SYNCING -> LIVE, with transitions back to
// SYNCING on detected divergence and terminal CLOSED/ERRORED states.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"go.uber.org/multierr"

	"github.com/TopGunBuild/topgun-sub011/internal/antientropy"
	"github.com/TopGunBuild/topgun-sub011/internal/fencing"
	"github.com/TopGunBuild/topgun-sub011/internal/journal"
	"github.com/TopGunBuild/topgun-sub011/internal/logging"
	"github.com/TopGunBuild/topgun-sub011/internal/mst"
	"github.com/TopGunBuild/topgun-sub011/internal/wire"
)

// State is one of the coordinator's per-peer states.
type State int

const (
	Connecting State = iota
	Handshake
	Syncing
	Live
	Closed
	Errored
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Handshake:
		return "HANDSHAKE"
	case Syncing:
		return "SYNCING"
	case Live:
		return "LIVE"
	case Closed:
		return "CLOSED"
	case Errored:
		return "ERRORED"
	default:
		return "UNKNOWN"
	}
}

// PeerChannel is the transport abstraction this package depends on:
// send/receive byte frames. Concrete wire framing, handshake message
// encoding, and transport binding are internal/wire's job and out of
// this package's scope (spec §1 places transport binding out of
// scope).
type PeerChannel interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// HandshakeInfo is exchanged on CONNECTING -> HANDSHAKE.
type HandshakeInfo struct {
	NodeID          string
	Epoch           uint64
	PartitionRoster []uint32
}

// ResultKind classifies how the coordinator should react to a failure,
// matching spec §7's "retry | surface | fatal" classification.
type ResultKind int

const (
	ResultOK ResultKind = iota
	ResultRetry
	ResultSurface
	ResultFatal
)

// Deps bundles the components a Coordinator drives a sync round
// against.
type Deps struct {
	Trees    *mst.Manager
	Journal  *journal.Journal
	Fencing  *fencing.Manager
	Engine   *antientropy.Engine
	Fetcher  antientropy.Fetcher
	LocalTok fencing.Token
}

// Coordinator drives one peer connection's state machine.
type Coordinator struct {
	peerID  string
	channel PeerChannel
	deps    Deps
	codec   *wire.Codec

	logger *logging.Logger
	trace  hclog.Logger

	backoffPolicy backoff.BackOff

	mu         sync.RWMutex
	state      State
	lastAckSeq uint64
	lastLiveAt time.Time
	peerInfo   HandshakeInfo
	sub        *journal.Subscription
	listeners  []func(State, State)
}

// New creates a coordinator for one peer connection. Its retry policy
// is always the one NewDefaultBackoff builds (spec §4.8: starts at
// 0ms, +1s per attempt, capped at 10s). Frames are CBOR-encoded (binary transports'
// default per internal/wire); if deps.Fetcher is nil it defaults to
// fetching DIFF_FETCH ranges over the same channel and codec.
func New(peerID string, ch PeerChannel, deps Deps) *Coordinator {
	codec, err := wire.NewCodec(wire.CBOR)
	if err != nil {
		// CBOR canonical encoder construction only fails on invalid
		// static options, which this call never passes.
		panic(fmt.Sprintf("coordinator: building wire codec: %v", err))
	}
	if deps.Fetcher == nil {
		deps.Fetcher = &wireFetcher{channel: ch, codec: codec}
	}
	return &Coordinator{
		peerID:        peerID,
		channel:       ch,
		deps:          deps,
		codec:         codec,
		logger:        logging.GetLogger("coordinator").With("peer", peerID),
		trace:         hclog.New(&hclog.LoggerOptions{Name: "coordinator.trace", Level: hclog.Trace}),
		backoffPolicy: NewDefaultBackoff(),
		state:         Connecting,
	}
}

// NewDefaultBackoff builds the capped backoff spec §4.8 names: starts
// at 0ms, +1s per attempt, capped at 10s. It never returns
// backoff.Stop; the coordinator itself decides when to give up.
func NewDefaultBackoff() backoff.BackOff {
	return &linearBackoff{}
}

// linearBackoff waits one second longer on each attempt, from zero up
// to a ten-second cap.
type linearBackoff struct{ next time.Duration }

func (b *linearBackoff) NextBackOff() time.Duration {
	d := b.next
	if b.next < 10*time.Second {
		b.next += time.Second
	}
	return d
}

func (b *linearBackoff) Reset() { b.next = 0 }

// State returns the coordinator's current state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// OnTransition registers a listener invoked after every state change.
func (c *Coordinator) OnTransition(fn func(from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Coordinator) transition(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	if to == Live {
		c.lastLiveAt = time.Now()
	}
	listeners := append([]func(State, State){}, c.listeners...)
	c.mu.Unlock()

	c.trace.Trace("state transition", "from", from.String(), "to", to.String())
	c.logger.Info("state transition", "from", from, "to", to)
	for _, fn := range listeners {
		fn(from, to)
	}
}

// Staleness returns the time since the coordinator last observed a
// LIVE-state journal acknowledgment, for external health checks. Zero
// means the coordinator has never reached LIVE. This does not change
// merge semantics — the core still offers no strong consistency
// guarantee, only an observable bound on how stale this peer link is.
func (c *Coordinator) Staleness() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastLiveAt.IsZero() {
		return 0
	}
	return time.Since(c.lastLiveAt)
}

// Run drives the coordinator through its full lifecycle until ctx is
// cancelled or a fatal error occurs. It loops: connect -> handshake ->
// sync partitions -> go live -> watch for divergence, reconnecting with
// backoff on transient transport errors.
func (c *Coordinator) Run(ctx context.Context, local HandshakeInfo, partitions []uint32) error {
	for {
		select {
		case <-ctx.Done():
			c.transition(Closed)
			return c.closeChannel()
		default:
		}

		kind, err := c.runOnce(ctx, local, partitions)
		switch kind {
		case ResultOK:
			return c.closeChannel() // peer disconnected or caller cancelled cleanly
		case ResultFatal:
			c.transition(Errored)
			_ = c.closeChannel()
			return err
		case ResultSurface:
			c.transition(Errored)
			return err
		case ResultRetry:
			wait := c.backoffPolicy.NextBackOff()
			if wait == backoff.Stop {
				c.transition(Errored)
				return fmt.Errorf("coordinator: retry budget exhausted: %w", err)
			}
			c.logger.Warn("transient error, retrying", "err", err, "wait", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				c.transition(Closed)
				return c.closeChannel()
			}
		}
	}
}

// runOnce executes handshake through one live-watch cycle, returning
// how the caller should react to whatever ended it.
func (c *Coordinator) runOnce(ctx context.Context, local HandshakeInfo, partitions []uint32) (ResultKind, error) {
	c.transition(Handshake)
	peerInfo, err := c.handshake(ctx, local)
	if err != nil {
		return ResultRetry, err
	}
	c.mu.Lock()
	c.peerInfo = peerInfo
	c.mu.Unlock()

	if peerInfo.Epoch > local.Epoch {
		local.Epoch = peerInfo.Epoch
	}

	c.transition(Syncing)
	if err := c.syncPartitions(ctx, partitions); err != nil {
		return ResultRetry, err
	}

	c.transition(Live)
	return c.watchLive(ctx)
}

// handshake exchanges {nodeId, epoch, partitionRoster} with the peer: a
// HANDSHAKE request carrying local's info, answered with a
// HANDSHAKE_ACK carrying the peer's own (spec §4.8, "transport up,
// exchange {nodeId, epoch, partitionRoster}").
func (c *Coordinator) handshake(ctx context.Context, local HandshakeInfo) (HandshakeInfo, error) {
	frame, err := c.codec.EncodeRequest(wire.Handshake, uuid.New(), wire.HandshakePayload{
		NodeID:          local.NodeID,
		Epoch:           local.Epoch,
		PartitionRoster: local.PartitionRoster,
	})
	if err != nil {
		return HandshakeInfo{}, fmt.Errorf("coordinator: encoding handshake: %w", err)
	}
	if err := c.channel.Send(ctx, frame); err != nil {
		return HandshakeInfo{}, fmt.Errorf("coordinator: sending handshake: %w", err)
	}

	resp, err := c.channel.Receive(ctx)
	if err != nil {
		return HandshakeInfo{}, fmt.Errorf("coordinator: receiving handshake ack: %w", err)
	}
	var payload wire.HandshakePayload
	msgType, _, errPayload, err := c.codec.DecodeEnvelope(resp, &payload)
	if err != nil {
		return HandshakeInfo{}, fmt.Errorf("coordinator: decoding handshake ack: %w", err)
	}
	if errPayload != nil {
		return HandshakeInfo{}, fmt.Errorf("coordinator: peer rejected handshake: %s: %s", errPayload.Code, errPayload.Message)
	}
	if msgType != wire.HandshakeAck {
		return HandshakeInfo{}, fmt.Errorf("coordinator: expected %s, got %s", wire.HandshakeAck, msgType)
	}
	return HandshakeInfo{NodeID: payload.NodeID, Epoch: payload.Epoch, PartitionRoster: payload.PartitionRoster}, nil
}

// syncPartitions exchanges serializePageRanges() per co-owned
// partition and runs the anti-entropy engine against each (spec §4.8:
// "HANDSHAKE -> SYNCING ... both sides exchange serializePageRanges()
// per co-owned partition"; "SYNCING -> LIVE: diff complete, requested
// ranges fetched and merged").
func (c *Coordinator) syncPartitions(ctx context.Context, partitions []uint32) error {
	var errs error
	for _, pid := range partitions {
		peerRanges, err := c.fetchPeerRanges(ctx, pid)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("partition %d: fetching peer ranges: %w", pid, err))
			continue
		}
		if _, err := c.deps.Engine.Sync(ctx, "default", pid, peerRanges, c.deps.Fetcher); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("partition %d: %w", pid, err))
		}
	}
	return errs
}

// fetchPeerRanges requests partitionID's page-range serialization from
// the peer over PAGE_RANGES_REQUEST/PAGE_RANGES_RESPONSE, the wire
// exchange Engine.Sync needs real divergence data to compare against
// (passing the local tree's own ranges back to itself can never detect
// a peer's divergence).
func (c *Coordinator) fetchPeerRanges(ctx context.Context, partitionID uint32) ([]mst.PageRange, error) {
	frame, err := c.codec.EncodeRequest(wire.PageRangesRequest, uuid.New(), wire.PageRangesRequestPayload{PartitionID: partitionID})
	if err != nil {
		return nil, fmt.Errorf("coordinator: encoding page ranges request: %w", err)
	}
	if err := c.channel.Send(ctx, frame); err != nil {
		return nil, fmt.Errorf("coordinator: sending page ranges request: %w", err)
	}

	resp, err := c.channel.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("coordinator: receiving page ranges response: %w", err)
	}
	var payload wire.PageRangesResponsePayload
	msgType, _, errPayload, err := c.codec.DecodeEnvelope(resp, &payload)
	if err != nil {
		return nil, fmt.Errorf("coordinator: decoding page ranges response: %w", err)
	}
	if errPayload != nil {
		return nil, fmt.Errorf("coordinator: peer rejected page ranges request: %s: %s", errPayload.Code, errPayload.Message)
	}
	if msgType != wire.PageRangesResponse {
		return nil, fmt.Errorf("coordinator: expected %s, got %s", wire.PageRangesResponse, msgType)
	}

	ranges := make([]mst.PageRange, 0, len(payload.Ranges))
	for _, r := range payload.Ranges {
		hash, err := mst.ParseDigest(r.Hash)
		if err != nil {
			return nil, fmt.Errorf("coordinator: page range from peer: %w", err)
		}
		ranges = append(ranges, mst.PageRange{Start: r.Start, End: r.End, Hash: hash})
	}
	return ranges, nil
}

// watchLive subscribes the peer to the journal from the last
// acknowledged sequence and blocks delivering events until divergence,
// error, or cancellation.
func (c *Coordinator) watchLive(ctx context.Context) (ResultKind, error) {
	fromSeq := c.lastAckSeq
	sub := c.deps.Journal.Subscribe(&fromSeq, journal.Filter{}, 0)
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	defer sub.Unsubscribe()

	for {
		e, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ResultOK, nil
			}
			return ResultRetry, err
		}

		validation := c.deps.Fencing.Validate(c.deps.LocalTok)
		if !validation.Valid {
			return ResultSurface, fmt.Errorf("coordinator: fencing rejected live delivery: %s", validation.Reason)
		}

		if err := c.sendEvent(ctx, e); err != nil {
			return ResultRetry, err
		}
		c.mu.Lock()
		c.lastAckSeq = e.Sequence
		c.lastLiveAt = time.Now()
		c.mu.Unlock()
	}
}

// sendEvent encodes a journal event as a JOURNAL_EVENT frame and sends
// it to the peer, carrying every field a receiver needs to reconstruct
// and merge the mutation (type, value, previous value, timestamp,
// origin node, metadata), not just the key.
func (c *Coordinator) sendEvent(ctx context.Context, e *journal.Event) error {
	frame, err := c.codec.EncodeRequest(wire.JournalEvent, uuid.New(), wire.JournalEventData{
		Sequence:      wire.Sequence(e.Sequence),
		Type:          e.Type.String(),
		MapName:       e.MapName,
		Key:           e.Key,
		Value:         e.Value,
		PreviousValue: e.PreviousValue,
		Timestamp:     e.Timestamp,
		NodeID:        e.NodeID,
		Metadata:      e.Metadata,
	})
	if err != nil {
		return fmt.Errorf("coordinator: encoding journal event: %w", err)
	}
	return c.channel.Send(ctx, frame)
}

func (c *Coordinator) closeChannel() error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
	return c.channel.Close()
}

// wireFetcher implements antientropy.Fetcher over a PeerChannel,
// issuing a DIFF_FETCH request per DiffRange and decoding the peer's
// DIFF_FETCH_RESPONSE. It is the default Fetcher New wires in when the
// caller doesn't supply one.
type wireFetcher struct {
	channel PeerChannel
	codec   *wire.Codec
}

func (f *wireFetcher) FetchRange(ctx context.Context, partitionID uint32, r antientropy.DiffRange) ([]antientropy.Entry, error) {
	frame, err := f.codec.EncodeRequest(wire.DiffFetch, uuid.New(), wire.DiffFetchRequest{
		PartitionID: partitionID,
		RangeStart:  r.Start,
		RangeEnd:    r.End,
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator: encoding diff fetch request: %w", err)
	}
	if err := f.channel.Send(ctx, frame); err != nil {
		return nil, fmt.Errorf("coordinator: sending diff fetch request: %w", err)
	}

	resp, err := f.channel.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("coordinator: receiving diff fetch response: %w", err)
	}
	var payload wire.DiffFetchResponsePayload
	msgType, _, errPayload, err := f.codec.DecodeEnvelope(resp, &payload)
	if err != nil {
		return nil, fmt.Errorf("coordinator: decoding diff fetch response: %w", err)
	}
	if errPayload != nil {
		return nil, fmt.Errorf("coordinator: peer rejected diff fetch: %s: %s", errPayload.Code, errPayload.Message)
	}
	if msgType != wire.DiffFetchResponse {
		return nil, fmt.Errorf("coordinator: expected %s, got %s", wire.DiffFetchResponse, msgType)
	}

	entries := make([]antientropy.Entry, 0, len(payload.Entries))
	for _, e := range payload.Entries {
		entries = append(entries, antientropy.Entry{Key: e.Key, Record: e.Record})
	}
	return entries, nil
}
