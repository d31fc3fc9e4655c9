package snapshot_test

import (
	"context"
	"testing"

	"github.com/lakesoul-go/lakesoul/catalog"
	"github.com/lakesoul-go/lakesoul/commit"
	"github.com/lakesoul-go/lakesoul/model"
	"github.com/lakesoul-go/lakesoul/planner"
	"github.com/lakesoul-go/lakesoul/snapshot"
)

func setupSnapshotTable(t *testing.T) (*catalog.MemoryCatalog, model.TableID) {
	t.Helper()
	mc := catalog.NewMemoryCatalog()
	tableID := model.NewTableID()
	table := model.Table{
		TableID:               tableID,
		Path:                  "db.events",
		RangePartitionColumns: []string{"dt"},
		HashBucketCount:       1,
		Schema:                model.Schema{Columns: []model.SchemaColumn{{Name: "dt", Type: "string"}}},
	}
	if err := mc.CreateTable(context.Background(), table); err != nil {
		t.Fatalf("creating table: %v", err)
	}
	engine := commit.NewEngine(mc)
	if _, err := engine.Append(context.Background(), &table, "dt=2024-01-01", []model.DataFileOp{
		{Path: "a.parquet", Op: model.FileAdd, Size: 10},
	}, nil); err != nil {
		t.Fatalf("appending: %v", err)
	}
	return mc, tableID
}

func TestSnapshotFilesForScanResolvesLiveFiles(t *testing.T) {
	mc, tableID := setupSnapshotTable(t)
	snap, err := snapshot.New(context.Background(), mc, tableID)
	if err != nil {
		t.Fatalf("opening snapshot: %v", err)
	}

	files, dataPreds, err := snap.FilesForScan(context.Background(), planner.Eq{Column: "dt", Value: "2024-01-01"})
	if err != nil {
		t.Fatalf("files for scan: %v", err)
	}
	if len(files) != 1 || files[0].Path != "a.parquet" {
		t.Fatalf("expected a.parquet to resolve, got %+v", files)
	}
	if len(dataPreds) != 0 {
		t.Fatalf("expected no leftover data predicates, got %+v", dataPreds)
	}
}

func TestSnapshotCachesPlanByFilterStructurally(t *testing.T) {
	mc, tableID := setupSnapshotTable(t)
	engine := commit.NewEngine(mc)
	snap, err := snapshot.New(context.Background(), mc, tableID)
	if err != nil {
		t.Fatalf("opening snapshot: %v", err)
	}

	filter := planner.Eq{Column: "dt", Value: "2024-01-01"}
	first, err := snap.PartitionsForScan(context.Background(), filter)
	if err != nil {
		t.Fatalf("first plan: %v", err)
	}

	// A concurrent writer appends a new partition after the snapshot's
	// first plan call; a structurally identical filter must still hit the
	// cached plan rather than re-querying the catalog.
	table, _ := mc.GetTableInfo(context.Background(), tableID)
	if _, err := engine.Append(context.Background(), table, "dt=2024-01-02", []model.DataFileOp{
		{Path: "b.parquet", Op: model.FileAdd, Size: 5},
	}, nil); err != nil {
		t.Fatalf("concurrent append: %v", err)
	}

	second, err := snap.PartitionsForScan(context.Background(), planner.Eq{Column: "dt", Value: "2024-01-01"})
	if err != nil {
		t.Fatalf("second plan: %v", err)
	}
	if second != first {
		t.Fatalf("expected the cached plan result to be returned, got a freshly planned one")
	}
	if len(second.Partitions) != len(first.Partitions) {
		t.Fatalf("expected cached plan result, got a different partition count: %d vs %d", len(second.Partitions), len(first.Partitions))
	}
}

func TestSnapshotInvalidateClearsCaches(t *testing.T) {
	mc, tableID := setupSnapshotTable(t)
	snap, err := snapshot.New(context.Background(), mc, tableID)
	if err != nil {
		t.Fatalf("opening snapshot: %v", err)
	}
	before, err := snap.PartitionsForScan(context.Background(), nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(snap.ReadPartitionVersions()) == 0 {
		t.Fatal("expected PartitionsForScan to record a read version")
	}

	snap.Invalidate()
	// Invalidate clears the structural plan/file caches, not the
	// accumulated read set (§4.2: the read set survives for the commit
	// this snapshot is building toward).
	if len(snap.ReadPartitionVersions()) == 0 {
		t.Fatal("expected read versions to survive Invalidate")
	}
	after, err := snap.PartitionsForScan(context.Background(), nil)
	if err != nil {
		t.Fatalf("plan after Invalidate: %v", err)
	}
	if after == before {
		t.Fatal("expected Invalidate to drop the cached plan result")
	}
}

func TestSnapshotRecordPartitionReadAccumulates(t *testing.T) {
	mc, tableID := setupSnapshotTable(t)
	snap, err := snapshot.New(context.Background(), mc, tableID)
	if err != nil {
		t.Fatalf("opening snapshot: %v", err)
	}
	pv := model.PartitionVersion{TableID: tableID, PartitionDesc: "dt=2024-01-01", Version: 1}
	snap.RecordPartitionRead(pv)
	reads := snap.ReadPartitionVersions()
	if len(reads) != 1 || reads[0].PartitionDesc != "dt=2024-01-01" {
		t.Fatalf("expected recorded read, got %+v", reads)
	}
}
