package resolver

import (
	"testing"

	"github.com/lakesoul-go/lakesoul/model"
)

func TestResolveAppendThenDelete(t *testing.T) {
	c1 := model.NewCommitID()
	c2 := model.NewCommitID()
	commits := []model.DataCommitInfo{
		{CommitID: c1, CommitOp: model.AppendCommit, Timestamp: 1, FileOps: []model.DataFileOp{
			{Path: "a.parquet", Op: model.FileAdd, Size: 10},
			{Path: "b.parquet", Op: model.FileAdd, Size: 20},
		}},
		{CommitID: c2, CommitOp: model.DeleteCommit, Timestamp: 2, FileOps: []model.DataFileOp{
			{Path: "a.parquet", Op: model.FileDel},
		}},
	}
	pv := model.PartitionVersion{ReadFiles: []model.CommitID{c1, c2}}

	files := Resolve(pv, commits, "", FullBounds)
	if len(files) != 1 || files[0].Path != "b.parquet" {
		t.Fatalf("expected only b.parquet to survive, got %+v", files)
	}
}

func TestResolveCompactionBarrierDropsSupersededFiles(t *testing.T) {
	c1 := model.NewCommitID() // pre-barrier append
	c2 := model.NewCommitID() // compaction (barrier)
	c3 := model.NewCommitID() // post-barrier delta

	commits := []model.DataCommitInfo{
		{CommitID: c1, CommitOp: model.AppendCommit, Timestamp: 1, FileOps: []model.DataFileOp{
			{Path: "pre.parquet", Op: model.FileAdd, Size: 5},
		}},
		{CommitID: c2, CommitOp: model.CompactionCommit, Timestamp: 2, FileOps: []model.DataFileOp{
			{Path: "compact-1-bucket0.parquet", Op: model.FileAdd, Size: 50},
		}},
		{CommitID: c3, CommitOp: model.AppendCommit, Timestamp: 3, FileOps: []model.DataFileOp{
			{Path: "post.parquet", Op: model.FileAdd, Size: 7},
		}},
	}
	pv := model.PartitionVersion{ReadFiles: []model.CommitID{c1, c2, c3}}

	files := Resolve(pv, commits, "", FullBounds)
	paths := map[string]bool{}
	for _, f := range files {
		paths[f.Path] = true
	}
	if paths["pre.parquet"] {
		t.Errorf("pre-barrier file should be dropped: %+v", files)
	}
	if !paths["compact-1-bucket0.parquet"] || !paths["post.parquet"] {
		t.Errorf("expected compacted base and post-barrier delta, got %+v", files)
	}

	// compacted base must sort before the delta within the same bucket
	if files[0].Path != "compact-1-bucket0.parquet" {
		t.Errorf("expected compacted base first, got %+v", files)
	}
}

func TestResolveCDCLastWriteWins(t *testing.T) {
	c1 := model.NewCommitID()
	c2 := model.NewCommitID()
	commits := []model.DataCommitInfo{
		{CommitID: c1, CommitOp: model.AppendCommit, Timestamp: 1, FileOps: []model.DataFileOp{
			{Path: "a.parquet", Op: model.FileAdd, Size: 10},
		}},
		{CommitID: c2, CommitOp: model.AppendCommit, Timestamp: 2, FileOps: []model.DataFileOp{
			{Path: "a.parquet", Op: model.FileDel},
		}},
	}
	pv := model.PartitionVersion{ReadFiles: []model.CommitID{c1, c2}}

	files := Resolve(pv, commits, "op", FullBounds)
	if len(files) != 0 {
		t.Fatalf("expected CDC delete to drop the row's file, got %+v", files)
	}
}

func TestResolveIncrementalBounds(t *testing.T) {
	c1 := model.NewCommitID()
	c2 := model.NewCommitID()
	commits := []model.DataCommitInfo{
		{CommitID: c1, CommitOp: model.AppendCommit, Timestamp: 100, FileOps: []model.DataFileOp{
			{Path: "old.parquet", Op: model.FileAdd, Size: 1},
		}},
		{CommitID: c2, CommitOp: model.AppendCommit, Timestamp: 200, FileOps: []model.DataFileOp{
			{Path: "new.parquet", Op: model.FileAdd, Size: 1},
		}},
	}
	pv := model.PartitionVersion{ReadFiles: []model.CommitID{c1, c2}}

	files := Resolve(pv, commits, "", Bounds{ReadType: Incremental, StartTS: 150, EndTS: 250})
	if len(files) != 1 || files[0].Path != "new.parquet" {
		t.Fatalf("expected only new.parquet within (150,250], got %+v", files)
	}
}
