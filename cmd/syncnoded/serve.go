package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TopGunBuild/topgun-sub011/internal/antientropy"
	"github.com/TopGunBuild/topgun-sub011/internal/broadcast"
	"github.com/TopGunBuild/topgun-sub011/internal/config"
	"github.com/TopGunBuild/topgun-sub011/internal/coordinator"
	"github.com/TopGunBuild/topgun-sub011/internal/fencing"
	"github.com/TopGunBuild/topgun-sub011/internal/hlc"
	"github.com/TopGunBuild/topgun-sub011/internal/journal"
	"github.com/TopGunBuild/topgun-sub011/internal/logging"
	"github.com/TopGunBuild/topgun-sub011/internal/lww"
	"github.com/TopGunBuild/topgun-sub011/internal/metrics"
	"github.com/TopGunBuild/topgun-sub011/internal/mst"
	"github.com/TopGunBuild/topgun-sub011/internal/partition"
	"github.com/TopGunBuild/topgun-sub011/internal/storage"
	"github.com/TopGunBuild/topgun-sub011/internal/transport"
)

var (
	errSIGINT  = errors.New("received SIGINT")
	errSIGTERM = errors.New("received SIGTERM")
)

var metricsAddr string

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a sync-core node process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve Prometheus metrics on")
	return cmd
}

// node bundles every top-level component a running syncnoded process
// owns.
type node struct {
	cfg      config.Config
	clock    *hlc.Clock
	jrnl     *journal.Journal
	maps     *lww.Registry
	trees    *mst.Manager
	router   *partition.Router
	fencing  *fencing.Manager
	store    storage.Adapter
	engine   *antientropy.Engine
	localTok fencing.Token

	broadcastSvc *broadcast.Service
}

func newNode(cfg config.Config) (*node, error) {
	clock := hlc.New(cfg.NodeID, hlc.WithSkewBound(cfg.HLC.SkewBound))
	jrnl := journal.New()
	maps := lww.NewRegistry(cfg.NodeID, clock, jrnl, cfg.StrictMapRouting)
	trees := mst.NewManager()
	router := partition.NewRouter(cfg.PartitionCount)
	fm := fencing.NewManager(cfg.Fencing.GracePeriod)
	engine := antientropy.NewEngine(trees, maps)

	// Cluster membership and rebalancing are out of this core's scope
	// (spec §1); absent a higher layer assigning ownership, a standalone
	// node self-assigns every partition so its handshake roster and
	// coordinator sync loop have something meaningful to report.
	for pid := uint32(0); pid < cfg.PartitionCount; pid++ {
		router.Rebalance(pid, cfg.NodeID, nil, 0)
	}

	var store storage.Adapter
	if cfg.Storage.Adapter == "memory" {
		store = storage.NewMemoryAdapter()
	} else {
		adapter, err := storage.OpenBadger(cfg.Storage.Dir)
		if err != nil {
			return nil, err
		}
		store = adapter
	}

	logger := logging.GetLogger("syncnoded.broadcast")
	bsvc := broadcast.New(broadcast.Options{
		FlushInterval: cfg.Broadcast.FlushInterval,
		MaxBufferSize: cfg.Broadcast.MaxBufferSize,
		AdaptiveFlush: cfg.Broadcast.AdaptiveFlush,
		MinBatchSize:  cfg.Broadcast.MinBatchSize,
		Deliver: func(b broadcast.Bundle) error {
			logger.Info("flush", "events", len(b.Events), "compressed_bytes", len(b.Compressed))
			return nil
		},
	})

	return &node{
		cfg:          cfg,
		clock:        clock,
		jrnl:         jrnl,
		maps:         maps,
		trees:        trees,
		router:       router,
		fencing:      fm,
		store:        store,
		engine:       engine,
		localTok:     fm.Mint(cfg.NodeID),
		broadcastSvc: bsvc,
	}, nil
}

func (n *node) Close() error { return n.store.Close() }

// localHandshakeInfo is what this node presents to every peer during
// the HANDSHAKE step: its id, its fencing epoch, and the partitions it
// owns.
func (n *node) localHandshakeInfo() coordinator.HandshakeInfo {
	owned := make([]uint32, 0, n.router.PartitionCount())
	for _, o := range n.router.AllOwnerships() {
		if o.Primary == n.cfg.NodeID {
			owned = append(owned, o.PartitionID)
		}
	}
	return coordinator.HandshakeInfo{NodeID: n.cfg.NodeID, Epoch: n.localTok.Epoch, PartitionRoster: owned}
}

// partitionsFor resolves a peer config's partition list, defaulting to
// every partition when the peer didn't name any explicitly.
func (n *node) partitionsFor(p config.PeerConfig) []uint32 {
	if len(p.Partitions) > 0 {
		return p.Partitions
	}
	all := make([]uint32, n.cfg.PartitionCount)
	for i := range all {
		all[i] = uint32(i)
	}
	return all
}

// runPeer dials p, forever: a failed dial or a closed Run retries with
// the same capped backoff the coordinator itself uses for transient
// wire errors, since a dead peer process is indistinguishable from one
// that just hasn't come up yet.
func (n *node) runPeer(ctx context.Context, p config.PeerConfig) {
	logger := logging.GetLogger("syncnoded.peer").With("peer", p.NodeID, "addr", p.Address)
	backoffPolicy := coordinator.NewDefaultBackoff()

	for ctx.Err() == nil {
		ch, err := transport.Dial(ctx, p.Address)
		if err != nil {
			wait := backoffPolicy.NextBackOff()
			logger.Warn("dial failed, retrying", "err", err, "wait", wait)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return
			}
		}

		c := coordinator.New(p.NodeID, ch, coordinator.Deps{
			Trees:    n.trees,
			Journal:  n.jrnl,
			Fencing:  n.fencing,
			Engine:   n.engine,
			LocalTok: n.localTok,
		})
		if err := c.Run(ctx, n.localHandshakeInfo(), n.partitionsFor(p)); err != nil && ctx.Err() == nil {
			logger.Warn("coordinator exited, reconnecting", "err", err)
		}
		select {
		case <-time.After(backoffPolicy.NextBackOff()):
		case <-ctx.Done():
			return
		}
	}
}

// serveListener accepts inbound peer connections and answers their
// requests via coordinator.Serve until ctx is cancelled.
func (n *node) serveListener(ctx context.Context, ln *transport.Listener) {
	logger := logging.GetLogger("syncnoded.listener")
	deps := coordinator.ResponderDeps{
		Local:  n.localHandshakeInfo(),
		Trees:  n.trees,
		Maps:   n.maps,
		Router: n.router,
	}

	for {
		ch, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("accept failed", "err", err)
			continue
		}
		go func() {
			if err := coordinator.Serve(ctx, ch, deps); err != nil && ctx.Err() == nil {
				logger.Warn("responder stopped", "err", err)
			}
		}()
	}
}

func runServe(ctx context.Context) error {
	logger := logging.GetLogger("syncnoded")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	n, err := newNode(cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	metricsSrv := metrics.NewServer(metricsAddr)
	metricsSrv.Start()
	defer metricsSrv.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	n.broadcastSvc.Start()
	defer n.broadcastSvc.Stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		feedBroadcast(runCtx, n)
	}()

	var ln *transport.Listener
	if cfg.ListenAddr != "" {
		ln, err = transport.Listen(cfg.ListenAddr)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.serveListener(runCtx, ln)
		}()
	}

	for _, p := range cfg.Peers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.runPeer(runCtx, p)
		}()
	}

	logger.Info("node started", "node_id", cfg.NodeID, "partitions", cfg.PartitionCount, "listen_addr", cfg.ListenAddr, "peers", len(cfg.Peers))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		if sig == syscall.SIGTERM {
			runErr = errSIGTERM
		} else {
			runErr = errSIGINT
		}
	case <-ctx.Done():
		runErr = errSIGTERM
	}

	cancel()
	if ln != nil {
		_ = ln.Close()
	}
	wg.Wait()
	return runErr
}

// feedBroadcast subscribes to every journal event from the start of
// the log and buffers each into the node's broadcast service with no
// excluded client, keeping its flush/compress path genuinely exercised
// without duplicating the per-peer delivery coordinator.watchLive
// already does for each live coordinator.
func feedBroadcast(ctx context.Context, n *node) {
	var fromSeq uint64
	sub := n.jrnl.Subscribe(&fromSeq, journal.Filter{}, 0)
	defer sub.Unsubscribe()

	for {
		e, err := sub.Next(ctx)
		if err != nil {
			return
		}
		n.broadcastSvc.Buffer("", e)
	}
}
