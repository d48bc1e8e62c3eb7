package antientropy

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/TopGunBuild/topgun-sub011/internal/logging"
	"github.com/TopGunBuild/topgun-sub011/internal/lww"
	"github.com/TopGunBuild/topgun-sub011/internal/mst"
)

// Entry is a single fetched (key, record) pair returned for a
// DiffRange, the payload of a DIFF_FETCH_RESPONSE (spec §6).
type Entry struct {
	Key    string
	Record lww.Record
}

// Fetcher retrieves every entry in [start, end] from a peer for a
// given partition. The default implementation is internal/coordinator's
// wireFetcher, talking over the wire protocol's DIFF_FETCH message;
// this package only depends on
// the narrow interface so it stays transport-agnostic.
type Fetcher interface {
	FetchRange(ctx context.Context, partitionID uint32, r DiffRange) ([]Entry, error)
}

// Engine runs one anti-entropy pass for a partition: it diffs a peer's
// page ranges against the local MST, fetches every resulting DiffRange
// from the peer, and merges the results into the local LWW map.
type Engine struct {
	logger *logging.Logger
	trees  *mst.Manager
	maps   *lww.Registry
}

// NewEngine creates an anti-entropy engine bound to the node's MST
// manager and map registry.
func NewEngine(trees *mst.Manager, maps *lww.Registry) *Engine {
	return &Engine{
		logger: logging.GetLogger("antientropy"),
		trees:  trees,
		maps:   maps,
	}
}

// Result summarizes one Sync call's outcome.
type Result struct {
	PartitionID  uint32
	RangesFetched int
	EntriesMerged int
	EntriesRejected int
}

// Sync runs a full diff-fetch-merge pass against peer for partitionID.
// Fetch errors across independent ranges are collected rather than
// aborting the whole pass, and returned aggregated via
// hashicorp/go-multierror so the caller can see exactly which ranges
// failed; entries for ranges that did fetch successfully are still
// merged.
func (e *Engine) Sync(ctx context.Context, mapName string, partitionID uint32, peerRanges []mst.PageRange, fetcher Fetcher) (Result, error) {
	localRanges := e.trees.PageRanges(partitionID)
	diffs := Diff(localRanges, peerRanges)

	res := Result{PartitionID: partitionID}
	if len(diffs) == 0 {
		return res, nil
	}

	m := e.maps.GetOrCreate(mapName)

	var errs *multierror.Error
	for _, d := range diffs {
		entries, err := fetcher.FetchRange(ctx, partitionID, d)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("fetch range [%s,%s]: %w", d.Start, d.End, err))
			continue
		}
		res.RangesFetched++
		for _, entry := range entries {
			outcome := m.Merge(entry.Key, entry.Record)
			if outcome.Applied {
				res.EntriesMerged++
				e.trees.UpdateRecord(partitionID, entry.Key, mst.HashValue(entry.Record.Value))
			} else if outcome.Rejected {
				res.EntriesRejected++
			}
		}
	}

	if errs.ErrorOrNil() != nil {
		e.logger.Warn("anti-entropy pass completed with fetch errors", "partition", partitionID, "errors", errs.Len())
		return res, errs
	}
	return res, nil
}
