package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/lakesoul-go/lakesoul/catalog"
	"github.com/lakesoul-go/lakesoul/commit"
	"github.com/lakesoul-go/lakesoul/model"
)

func TestThresholdsFromProperties(t *testing.T) {
	th := ThresholdsFromProperties(map[string]string{"partition_ttl_days": "30", "compaction_ttl_days": "7"})
	if th.PartitionTTLDays != 30 || th.CompactionTTLDays != 7 {
		t.Fatalf("unexpected thresholds: %+v", th)
	}

	defaults := ThresholdsFromProperties(nil)
	if defaults.PartitionTTLDays != 0 || defaults.CompactionTTLDays != 0 {
		t.Fatalf("expected both TTLs disabled by default, got %+v", defaults)
	}

	malformed := ThresholdsFromProperties(map[string]string{"partition_ttl_days": "not-a-number"})
	if malformed.PartitionTTLDays != 0 {
		t.Fatalf("expected malformed value to fall back to 0, got %d", malformed.PartitionTTLDays)
	}
}

func TestSweepPartitionsTombstonesOldAndKeepsFresh(t *testing.T) {
	mc := catalog.NewMemoryCatalog()
	engine := commit.NewEngine(mc)
	table := &model.Table{
		TableID:               model.NewTableID(),
		Path:                  "db.events",
		RangePartitionColumns: []string{"dt"},
		HashBucketCount:       1,
		Schema:                model.Schema{Columns: []model.SchemaColumn{{Name: "dt", Type: "string"}}},
		Properties:            map[string]string{"partition_ttl_days": "30"},
	}
	ctx := context.Background()
	if err := mc.CreateTable(ctx, *table); err != nil {
		t.Fatalf("creating table: %v", err)
	}

	now := time.Now()
	oldCommitID := model.NewCommitID()
	oldTS := now.AddDate(0, 0, -40).UnixMilli()
	if _, err := mc.Commit(ctx, model.CommitEnvelope{
		TableInfoSnapshot: *table,
		DataCommits: []model.DataCommitInfo{{
			CommitID: oldCommitID, TableID: table.TableID, PartitionDesc: "dt=old",
			CommitOp: model.AppendCommit, Timestamp: oldTS,
			FileOps: []model.DataFileOp{{Path: "old.parquet", Op: model.FileAdd, Size: 1}},
		}},
		NewPartitionVersions: []model.PartitionVersion{{
			TableID: table.TableID, PartitionDesc: "dt=old", CommitOp: model.AppendCommit,
			Timestamp: oldTS, ReadFiles: []model.CommitID{oldCommitID},
		}},
		CommitType: model.CommitAppend,
	}); err != nil {
		t.Fatalf("seeding old partition: %v", err)
	}

	if _, err := engine.Append(ctx, table, "dt=new", []model.DataFileOp{{Path: "new.parquet", Op: model.FileAdd, Size: 1}}, nil); err != nil {
		t.Fatalf("appending new partition: %v", err)
	}

	sweeper := NewSweeper(mc)
	n, err := sweeper.SweepPartitions(ctx, table, now)
	if err != nil {
		t.Fatalf("sweeping: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 partition tombstoned, got %d", n)
	}

	tombstoned, err := mc.GetSinglePartition(ctx, table.TableID, "dt=old", 0)
	if err != nil || tombstoned == nil {
		t.Fatalf("fetching tombstoned partition: %v", err)
	}
	if tombstoned.CommitOp != model.DeleteCommit {
		t.Fatalf("expected a tombstone commit op, got %v", tombstoned.CommitOp)
	}

	fresh, err := mc.GetSinglePartition(ctx, table.TableID, "dt=new", 0)
	if err != nil || fresh == nil {
		t.Fatalf("fetching fresh partition: %v", err)
	}
	if fresh.CommitOp == model.DeleteCommit {
		t.Fatal("fresh partition should not have been tombstoned")
	}
}

func TestSweepPartitionsDisabledWhenTTLUnset(t *testing.T) {
	mc := catalog.NewMemoryCatalog()
	engine := commit.NewEngine(mc)
	table := &model.Table{
		TableID:               model.NewTableID(),
		Path:                  "db.events",
		RangePartitionColumns: []string{"dt"},
		HashBucketCount:       1,
		Schema:                model.Schema{Columns: []model.SchemaColumn{{Name: "dt", Type: "string"}}},
	}
	ctx := context.Background()
	if err := mc.CreateTable(ctx, *table); err != nil {
		t.Fatalf("creating table: %v", err)
	}
	if _, err := engine.Append(ctx, table, "dt=old", []model.DataFileOp{{Path: "old.parquet", Op: model.FileAdd, Size: 1}}, nil); err != nil {
		t.Fatalf("appending: %v", err)
	}

	n, err := NewSweeper(mc).SweepPartitions(ctx, table, time.Now().AddDate(1, 0, 0))
	if err != nil {
		t.Fatalf("sweeping: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no-op when partition_ttl_days is unset, got %d tombstoned", n)
	}
}

func TestEligibleForDeletion(t *testing.T) {
	now := time.Now()
	th := Thresholds{CompactionTTLDays: 7}

	recent := model.DiscardedFile{Timestamp: now.AddDate(0, 0, -1).UnixMilli()}
	if EligibleForDeletion(th, recent, now) {
		t.Fatal("recent discard should not be eligible yet")
	}

	old := model.DiscardedFile{Timestamp: now.AddDate(0, 0, -30).UnixMilli()}
	if !EligibleForDeletion(th, old, now) {
		t.Fatal("old discard should be eligible")
	}

	if EligibleForDeletion(Thresholds{CompactionTTLDays: 0}, old, now) {
		t.Fatal("disabled TTL should never mark anything eligible")
	}
}

func TestSweepDiscardLogPartitions(t *testing.T) {
	now := time.Now()
	th := Thresholds{CompactionTTLDays: 7}
	log := []model.DiscardedFile{
		{Path: "recent.parquet", Timestamp: now.AddDate(0, 0, -1).UnixMilli()},
		{Path: "old.parquet", Timestamp: now.AddDate(0, 0, -30).UnixMilli()},
	}

	eligible, remaining := SweepDiscardLog(th, log, now)
	if len(eligible) != 1 || eligible[0].Path != "old.parquet" {
		t.Fatalf("unexpected eligible set: %+v", eligible)
	}
	if len(remaining) != 1 || remaining[0].Path != "recent.parquet" {
		t.Fatalf("unexpected remaining set: %+v", remaining)
	}
}
