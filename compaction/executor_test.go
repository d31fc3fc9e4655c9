package compaction

import (
	"context"
	"fmt"
	"testing"

	"github.com/lakesoul-go/lakesoul/catalog"
	"github.com/lakesoul-go/lakesoul/commit"
	"github.com/lakesoul-go/lakesoul/model"
)

type fakeIO struct {
	failBuckets map[int]bool
}

func (f *fakeIO) MergeBucket(ctx context.Context, conf IOConfig, table *model.Table, partitionDesc model.PartitionDescriptor, bucketID int, files []model.DataFileInfo) ([]MergeOutput, error) {
	if f.failBuckets[bucketID] {
		return []MergeOutput{{Path: fmt.Sprintf("compact-leak-bucket%d.parquet", bucketID), Size: 1}}, fmt.Errorf("simulated merge failure for bucket %d", bucketID)
	}
	return []MergeOutput{{Path: fmt.Sprintf("compact-1-bucket%d.parquet", bucketID), Size: 100}}, nil
}

// RebucketPartition fans every input file out round-robin across
// conf.TargetBucketCount target buckets, standing in for the real
// hash(row[HashPartitionColumns]) redistribution parquetio.Merger performs
// (covered directly in package parquetio). This is enough to verify the
// executor actually drives a partition-wide rebucket instead of preserving
// per-source-bucket output.
func (f *fakeIO) RebucketPartition(ctx context.Context, conf IOConfig, table *model.Table, partitionDesc model.PartitionDescriptor, files []model.DataFileInfo) (map[int][]MergeOutput, error) {
	if conf.TargetBucketCount <= 0 {
		return nil, fmt.Errorf("missing target bucket count")
	}
	out := make(map[int][]MergeOutput)
	for i, file := range files {
		target := i % conf.TargetBucketCount
		out[target] = append(out[target], MergeOutput{
			Path: fmt.Sprintf("rebucket-%s-bucket%d.parquet", file.Path, target),
			Size: file.Size,
		})
	}
	return out, nil
}

func newExecutorTestTable(t *testing.T) (*catalog.MemoryCatalog, *model.Table) {
	t.Helper()
	mc := catalog.NewMemoryCatalog()
	table := &model.Table{
		TableID:               model.NewTableID(),
		Path:                  "db.events",
		RangePartitionColumns: []string{"dt"},
		HashBucketCount:       2,
		Schema:                model.Schema{Columns: []model.SchemaColumn{{Name: "dt", Type: "string"}}},
	}
	if err := mc.CreateTable(context.Background(), *table); err != nil {
		t.Fatalf("creating table: %v", err)
	}
	return mc, table
}

func TestExecutorRunCommitsAggregatedCompaction(t *testing.T) {
	mc, table := newExecutorTestTable(t)
	engine := commit.NewEngine(mc)
	executor := NewExecutor(mc, engine, &fakeIO{}, DefaultThresholds())

	plan := &Plan{
		PartitionDesc: "dt=2024-01-01",
		Buckets: []BucketPlan{
			{BucketID: 0, Files: []model.DataFileInfo{dataFile("a.parquet", 0, 10, 1)}},
			{BucketID: 1, Files: []model.DataFileInfo{dataFile("b.parquet", 1, 10, 1)}},
		},
	}
	readVersion := model.PartitionVersion{TableID: table.TableID, PartitionDesc: "dt=2024-01-01"}

	result, err := executor.Run(context.Background(), table, readVersion, plan, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.PartitionVersions) != 1 {
		t.Fatalf("expected one aggregated partition version, got %+v", result.PartitionVersions)
	}
	pv := result.PartitionVersions[0]
	if pv.CommitOp != model.CompactionCommit {
		t.Fatalf("expected CompactionCommit, got %v", pv.CommitOp)
	}
	if len(pv.ReadFiles) != 1 {
		t.Fatalf("expected a compaction to collapse to a single commit, got %d", len(pv.ReadFiles))
	}

	commits, err := mc.GetCommits(context.Background(), table.TableID, pv.ReadFiles)
	if err != nil {
		t.Fatalf("fetching commits: %v", err)
	}
	if len(commits[0].FileOps) != 2 {
		t.Fatalf("expected both bucket outputs aggregated into one commit, got %d file ops", len(commits[0].FileOps))
	}

	discarded := mc.DiscardLog()
	if len(discarded) != 2 {
		t.Fatalf("expected both input files recorded as discarded, got %d", len(discarded))
	}
}

func TestExecutorRunAbandonsFailedBucketButCommitsSurvivors(t *testing.T) {
	mc, table := newExecutorTestTable(t)
	engine := commit.NewEngine(mc)
	executor := NewExecutor(mc, engine, &fakeIO{failBuckets: map[int]bool{1: true}}, DefaultThresholds())

	plan := &Plan{
		PartitionDesc: "dt=2024-01-01",
		Buckets: []BucketPlan{
			{BucketID: 0, Files: []model.DataFileInfo{dataFile("a.parquet", 0, 10, 1)}},
			{BucketID: 1, Files: []model.DataFileInfo{dataFile("b.parquet", 1, 10, 1)}},
		},
	}
	readVersion := model.PartitionVersion{TableID: table.TableID, PartitionDesc: "dt=2024-01-01"}

	result, err := executor.Run(context.Background(), table, readVersion, plan, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	pv := result.PartitionVersions[0]
	commits, err := mc.GetCommits(context.Background(), table.TableID, pv.ReadFiles)
	if err != nil {
		t.Fatalf("fetching commits: %v", err)
	}
	if len(commits[0].FileOps) != 1 {
		t.Fatalf("expected only bucket 0's output committed, got %d file ops", len(commits[0].FileOps))
	}

	discarded := mc.DiscardLog()
	foundLeak := false
	for _, d := range discarded {
		if d.Path == "compact-leak-bucket1.parquet" {
			foundLeak = true
		}
	}
	if !foundLeak {
		t.Fatalf("expected the abandoned bucket's partial output recorded as a leak, got %+v", discarded)
	}
}

func TestExecutorRunEmptyPlanIsNoop(t *testing.T) {
	mc, table := newExecutorTestTable(t)
	engine := commit.NewEngine(mc)
	executor := NewExecutor(mc, engine, &fakeIO{}, DefaultThresholds())

	result, err := executor.Run(context.Background(), table, model.PartitionVersion{}, &Plan{PartitionDesc: "dt=1"}, nil)
	if err != nil {
		t.Fatalf("expected no error for an empty plan, got %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for an empty plan, got %+v", result)
	}
}

func TestExecutorRunRebucketingRedistributesAcrossTargetBuckets(t *testing.T) {
	mc, table := newExecutorTestTable(t)
	engine := commit.NewEngine(mc)
	executor := NewExecutor(mc, engine, &fakeIO{}, DefaultThresholds())

	// Three files, all read from source bucket 0 and 1, forced into one
	// rebucketing pass targeting 3 buckets. A correct rebucket must see
	// all three files together (not per source bucket) and must produce
	// outputs spanning target buckets, not just echo bucket 0/1 back.
	plan := &Plan{
		PartitionDesc: "dt=2024-01-01",
		Rebucketing:   true,
		TargetBucketCount: 3,
		Buckets: []BucketPlan{
			{BucketID: 0, Files: []model.DataFileInfo{dataFile("a.parquet", 0, 10, 1)}},
			{BucketID: 1, Files: []model.DataFileInfo{
				dataFile("b.parquet", 1, 10, 1),
				dataFile("c.parquet", 1, 10, 1),
			}},
		},
	}
	readVersion := model.PartitionVersion{TableID: table.TableID, PartitionDesc: "dt=2024-01-01"}

	result, err := executor.Run(context.Background(), table, readVersion, plan, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	pv := result.PartitionVersions[0]
	commits, err := mc.GetCommits(context.Background(), table.TableID, pv.ReadFiles)
	if err != nil {
		t.Fatalf("fetching commits: %v", err)
	}
	if len(commits[0].FileOps) != 3 {
		t.Fatalf("expected all 3 input files' merge outputs aggregated, got %d", len(commits[0].FileOps))
	}

	targets := make(map[int]bool)
	for _, op := range commits[0].FileOps {
		targets[model.BucketIDFromPath(op.Path)] = true
	}
	if len(targets) < 2 {
		t.Fatalf("expected outputs spread across more than one target bucket, got %+v", targets)
	}

	updated, err := mc.GetTableInfo(context.Background(), table.TableID)
	if err != nil {
		t.Fatalf("fetching table info: %v", err)
	}
	if updated.Properties["hash_bucket_count"] != "3" {
		t.Fatalf("expected hash_bucket_count updated to 3, got %q", updated.Properties["hash_bucket_count"])
	}

	discarded := mc.DiscardLog()
	if len(discarded) != 3 {
		t.Fatalf("expected all 3 source files recorded as discarded, got %d", len(discarded))
	}
}

func TestExecutorRunAbortsOnConflictAndRecordsLeak(t *testing.T) {
	mc, table := newExecutorTestTable(t)
	engine := commit.NewEngine(mc)

	// Advance the partition past the read version the executor will
	// submit against, forcing a conflict on commit.
	ctx := context.Background()
	if _, err := engine.Append(ctx, table, "dt=2024-01-01", []model.DataFileOp{
		{Path: "concurrent.parquet", Op: model.FileAdd, Size: 5},
	}, nil); err != nil {
		t.Fatalf("seeding concurrent append: %v", err)
	}

	executor := NewExecutor(mc, engine, &fakeIO{}, DefaultThresholds())
	plan := &Plan{
		PartitionDesc: "dt=2024-01-01",
		Buckets: []BucketPlan{
			{BucketID: 0, Files: []model.DataFileInfo{dataFile("a.parquet", 0, 10, 1)}},
		},
	}
	// readVersion is stale (version 0), but current is now version 1.
	staleRead := model.PartitionVersion{TableID: table.TableID, PartitionDesc: "dt=2024-01-01", Version: 0}

	_, err := executor.Run(ctx, table, staleRead, plan, nil)
	if err == nil {
		t.Fatal("expected a conflict error")
	}

	discarded := mc.DiscardLog()
	if len(discarded) != 1 {
		t.Fatalf("expected only the aborted output recorded as a leak (the input stays live), got %+v", discarded)
	}
}
