package catalog_test

import (
	"context"
	"testing"
	"time"

	"github.com/lakesoul-go/lakesoul/catalog"
	"github.com/lakesoul-go/lakesoul/model"
)

func TestTableInfoCacheGetPutExpire(t *testing.T) {
	c := catalog.NewTableInfoCache(20 * time.Millisecond)
	tbl := &model.Table{TableID: model.NewTableID(), Path: "db.t"}

	if _, ok := c.Get(tbl.TableID); ok {
		t.Fatal("expected a miss before Put")
	}
	c.Put(tbl)
	if got, ok := c.Get(tbl.TableID); !ok || got.Path != "db.t" {
		t.Fatalf("expected a cached hit, got %+v, %v", got, ok)
	}

	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get(tbl.TableID); ok {
		t.Fatal("expected entry to expire past its TTL")
	}
}

func TestTableInfoCacheInvalidate(t *testing.T) {
	c := catalog.NewTableInfoCache(time.Hour)
	tbl := &model.Table{TableID: model.NewTableID(), Path: "db.t"}
	c.Put(tbl)
	c.Invalidate(tbl.TableID)
	if _, ok := c.Get(tbl.TableID); ok {
		t.Fatal("expected invalidated entry to miss")
	}
}

func TestCachedClientServesFromCacheThenInvalidatesOnCompaction(t *testing.T) {
	mc := catalog.NewMemoryCatalog()
	table := model.Table{
		TableID:               model.NewTableID(),
		Path:                  "db.events",
		RangePartitionColumns: []string{"dt"},
		HashBucketCount:       1,
		Schema:                model.Schema{Columns: []model.SchemaColumn{{Name: "dt", Type: "string"}}},
	}
	ctx := context.Background()
	if err := mc.CreateTable(ctx, table); err != nil {
		t.Fatalf("creating table: %v", err)
	}

	cached := catalog.NewCachedClient(mc, time.Hour)
	first, err := cached.GetTableInfo(ctx, table.TableID)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if first.HashBucketCount != 1 {
		t.Fatalf("unexpected table: %+v", first)
	}

	// Mutate the underlying catalog directly; the cached client must keep
	// serving the stale value until something tells it to invalidate.
	if err := mc.UpdateProperties(ctx, table.TableID, map[string]string{"x": "y"}); err != nil {
		t.Fatalf("updating properties directly: %v", err)
	}

	commitID := model.NewCommitID()
	_, err = mc.Commit(ctx, model.CommitEnvelope{
		TableInfoSnapshot: table,
		DataCommits: []model.DataCommitInfo{{
			CommitID: commitID, TableID: table.TableID, PartitionDesc: "dt=1",
			CommitOp: model.CompactionCommit, FileOps: []model.DataFileOp{{Path: "c.parquet", Op: model.FileAdd, Size: 1}},
		}},
		NewPartitionVersions: []model.PartitionVersion{{
			TableID: table.TableID, PartitionDesc: "dt=1", CommitOp: model.CompactionCommit,
			ReadFiles: []model.CommitID{commitID},
		}},
		CommitType: model.CommitCompaction,
	})
	if err != nil {
		t.Fatalf("direct compaction commit: %v", err)
	}

	stale, err := cached.GetTableInfo(ctx, table.TableID)
	if err != nil {
		t.Fatalf("cached fetch before invalidation: %v", err)
	}
	if _, ok := stale.Properties["x"]; ok {
		t.Fatalf("expected the cached client to keep serving the pre-update table, got %+v", stale.Properties)
	}

	// Now go through the cached client's own Commit wrapper, which must
	// invalidate the cache entry on a CommitCompaction.
	commitID2 := model.NewCommitID()
	if _, err := cached.Commit(ctx, model.CommitEnvelope{
		TableInfoSnapshot: table,
		DataCommits: []model.DataCommitInfo{{
			CommitID: commitID2, TableID: table.TableID, PartitionDesc: "dt=2",
			CommitOp: model.CompactionCommit, FileOps: []model.DataFileOp{{Path: "d.parquet", Op: model.FileAdd, Size: 1}},
		}},
		NewPartitionVersions: []model.PartitionVersion{{
			TableID: table.TableID, PartitionDesc: "dt=2", CommitOp: model.CompactionCommit,
			ReadFiles: []model.CommitID{commitID2},
		}},
		CommitType: model.CommitCompaction,
	}); err != nil {
		t.Fatalf("cached commit: %v", err)
	}

	refreshed, err := cached.GetTableInfo(ctx, table.TableID)
	if err != nil {
		t.Fatalf("refetch after invalidation: %v", err)
	}
	if refreshed.Properties["x"] != "y" {
		t.Fatalf("expected refreshed table to reflect the direct property update, got %+v", refreshed.Properties)
	}
}
