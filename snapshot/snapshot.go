// Package snapshot implements an immutable, per-version view of a table
// (spec §4.2), with lazily-populated per-partition caches of resolved
// file lists and partition-predicate evaluations.
package snapshot

import (
	"context"
	"fmt"
	"sync"

	"github.com/lakesoul-go/lakesoul/catalog"
	"github.com/lakesoul-go/lakesoul/model"
	"github.com/lakesoul-go/lakesoul/planner"
	"github.com/lakesoul-go/lakesoul/resolver"
)

// Snapshot is an immutable view of a table at a version. Mirrors the
// teacher's per-relation-ID map-with-mutex shape in iceberg.Writer, but
// read-only: every cache entry here is append-only for this instance's
// lifetime and is discarded wholesale by invalidate(), never mutated
// in place.
type Snapshot struct {
	client catalog.Client
	table  *model.Table
	bounds resolver.Bounds

	mu           sync.Mutex
	planCache    map[string]*planner.Result
	fileCache    map[string][]model.DataFileInfo
	readVersions []model.PartitionVersion
}

// New opens a snapshot for "latest" reads.
func New(ctx context.Context, client catalog.Client, tableID model.TableID) (*Snapshot, error) {
	return newWithBounds(ctx, client, tableID, resolver.FullBounds)
}

// NewSnapshotAt opens a snapshot fixed to the state as of ts (ms since
// epoch); every partition is pinned to its VersionUpToTS result.
func NewSnapshotAt(ctx context.Context, client catalog.Client, tableID model.TableID, ts int64) (*Snapshot, error) {
	return newWithBounds(ctx, client, tableID, resolver.Bounds{ReadType: resolver.SnapshotAt, EndTS: ts})
}

// NewIncremental opens a snapshot that only exposes file-ops committed in
// (startTS, endTS].
func NewIncremental(ctx context.Context, client catalog.Client, tableID model.TableID, startTS, endTS int64) (*Snapshot, error) {
	return newWithBounds(ctx, client, tableID, resolver.Bounds{ReadType: resolver.Incremental, StartTS: startTS, EndTS: endTS})
}

func newWithBounds(ctx context.Context, client catalog.Client, tableID model.TableID, bounds resolver.Bounds) (*Snapshot, error) {
	table, err := client.GetTableInfo(ctx, tableID)
	if err != nil {
		return nil, fmt.Errorf("loading table info: %w", err)
	}
	return &Snapshot{
		client:    client,
		table:     table,
		bounds:    bounds,
		planCache: make(map[string]*planner.Result),
		fileCache: make(map[string][]model.DataFileInfo),
	}, nil
}

// Table returns the table this snapshot was opened against.
func (s *Snapshot) Table() *model.Table { return s.table }

// PartitionsForScan resolves the partitions matching filters, caching by
// the filter's structural key (§4.2).
func (s *Snapshot) PartitionsForScan(ctx context.Context, filter planner.Expr) (*planner.Result, error) {
	key := cacheKey(filter)
	s.mu.Lock()
	if cached, ok := s.planCache[key]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	result, err := planner.Plan(ctx, s.client, s.table.TableID, s.table.RangePartitionColumns, filter)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.planCache[key] = result
	for _, pv := range result.Partitions {
		s.readVersions = append(s.readVersions, pv)
	}
	s.mu.Unlock()
	return result, nil
}

// FilesForScan resolves the live file set for filters, concatenating
// across every selected partition; with no filters it enumerates all
// partitions (§4.2, testable property 4).
func (s *Snapshot) FilesForScan(ctx context.Context, filter planner.Expr) ([]model.DataFileInfo, []planner.Expr, error) {
	plan, err := s.PartitionsForScan(ctx, filter)
	if err != nil {
		return nil, nil, err
	}

	var out []model.DataFileInfo
	for _, pv := range plan.Partitions {
		files, err := s.filesForPartition(ctx, pv)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, files...)
	}
	return out, plan.DataPredicates, nil
}

func (s *Snapshot) filesForPartition(ctx context.Context, pv model.PartitionVersion) ([]model.DataFileInfo, error) {
	key := string(pv.PartitionDesc) + "@" + versionKey(pv)
	s.mu.Lock()
	if cached, ok := s.fileCache[key]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	if s.bounds.ReadType == resolver.SnapshotAt {
		v, err := s.client.VersionUpToTS(ctx, s.table.TableID, pv.PartitionDesc, s.bounds.EndTS)
		if err != nil || v < 0 {
			return nil, err
		}
		pinned, err := s.client.GetSinglePartition(ctx, s.table.TableID, pv.PartitionDesc, v)
		if err != nil || pinned == nil {
			return nil, err
		}
		pv = *pinned
	}

	commits, err := s.client.GetCommits(ctx, s.table.TableID, pv.ReadFiles)
	if err != nil {
		return nil, fmt.Errorf("fetching commits for partition %q: %w", pv.PartitionDesc, err)
	}
	files := resolver.Resolve(pv, commits, s.table.CDCColumn, s.bounds)

	s.mu.Lock()
	s.fileCache[key] = files
	s.mu.Unlock()
	return files, nil
}

// RecordPartitionRead adds pv to the read set that any subsequent commit
// launched from this snapshot uses as its conflict-detection basis (§4.2).
func (s *Snapshot) RecordPartitionRead(pv model.PartitionVersion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readVersions = append(s.readVersions, pv)
}

// ReadPartitionVersions returns the accumulated read set (for building a
// CommitEnvelope's ReadPartitionVersions, §4.1).
func (s *Snapshot) ReadPartitionVersions() []model.PartitionVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.PartitionVersion, len(s.readVersions))
	copy(out, s.readVersions)
	return out
}

// Invalidate clears every cache; called after a successful commit against
// this table (§4.2). The Snapshot itself still reflects the moment it was
// constructed — callers must open a new Snapshot to observe the commit
// (§5 "A Snapshot reflects a single catalog read moment").
func (s *Snapshot) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.planCache = make(map[string]*planner.Result)
	s.fileCache = make(map[string][]model.DataFileInfo)
}

func versionKey(pv model.PartitionVersion) string {
	return fmt.Sprintf("v%d", pv.Version)
}

// cacheKey canonicalizes a filter expression structurally so equivalent
// filter trees share a cache entry (§4.2 "caches by filter expression
// (keyed structurally)").
func cacheKey(e planner.Expr) string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%#v", e)
}
