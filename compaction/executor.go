package compaction

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lakesoul-go/lakesoul/catalog"
	"github.com/lakesoul-go/lakesoul/commit"
	"github.com/lakesoul-go/lakesoul/model"
)

// IOConfig is the explicit, closure-free argument bundle passed to the
// external IO collaborator (§9 "Executor-level closures capturing Hadoop
// config... model as explicit arguments; no implicit context").
type IOConfig struct {
	FileSizeLimit int64
	CDCColumn     string
	Rename        bool // lakesoul.compact.rename

	// TargetBucketCount and HashPartitionColumns are set only when a
	// Plan is Rebucketing (§4.7): the IO collaborator must redistribute
	// every row by hash(row[HashPartitionColumns]) % TargetBucketCount
	// rather than preserve the bucket it read the row from.
	TargetBucketCount    int
	HashPartitionColumns []string
}

// MergeOutput is one file the IO collaborator produced for a bucket.
type MergeOutput struct {
	Path string
	Size int64
}

// IOCollaborator is the out-of-scope columnar IO layer (§1, §9): it
// stream-merges a bucket's ordered files, applies CDC semantics when a
// cdc_column is configured, and writes output files bounded by
// conf.FileSizeLimit. parquetio.Merger is the concrete default.
type IOCollaborator interface {
	MergeBucket(ctx context.Context, conf IOConfig, table *model.Table, partitionDesc model.PartitionDescriptor, bucketID int, files []model.DataFileInfo) ([]MergeOutput, error)

	// RebucketPartition merges files spanning every source bucket of a
	// partition and redistributes their rows across conf.TargetBucketCount
	// output buckets by hashing conf.HashPartitionColumns (§4.7 "rehashes
	// rows by hash-partition columns"). Unlike MergeBucket, it must see the
	// whole partition at once: a row's target bucket is independent of
	// which file it happened to arrive in. The returned map is keyed by
	// target bucket id.
	RebucketPartition(ctx context.Context, conf IOConfig, table *model.Table, partitionDesc model.PartitionDescriptor, files []model.DataFileInfo) (map[int][]MergeOutput, error)
}

// Executor drives compaction: merge, commit, discard-log, rebucket.
type Executor struct {
	catalog catalog.Client
	engine  *commit.Engine
	io      IOCollaborator
	th      Thresholds
}

func NewExecutor(client catalog.Client, engine *commit.Engine, io IOCollaborator, th Thresholds) *Executor {
	return &Executor{catalog: client, engine: engine, io: io, th: th}
}

type bucketResult struct {
	bucketID int
	outputs  []MergeOutput
	inputs   []model.DataFileInfo
	err      error
}

// runPerBucket merges each selected bucket independently and in parallel
// (§5 "data-parallel bucket pass"): every bucket's output stays under the
// bucket id it was read from.
func (e *Executor) runPerBucket(ctx context.Context, conf IOConfig, table *model.Table, plan *Plan) []bucketResult {
	results := make([]bucketResult, len(plan.Buckets))
	g, gctx := errgroup.WithContext(ctx)
	for i, bp := range plan.Buckets {
		i, bp := i, bp
		g.Go(func() error {
			outputs, err := e.io.MergeBucket(gctx, conf, table, plan.PartitionDesc, bp.BucketID, bp.Files)
			results[i] = bucketResult{bucketID: bp.BucketID, outputs: outputs, inputs: bp.Files, err: err}
			return nil // per-bucket errors are recorded, never abort siblings
		})
	}
	_ = g.Wait()
	return results
}

// runRebucket pools every selected bucket's files into one partition-wide
// merge so the IO collaborator can redistribute rows across the new target
// bucket scheme (§4.7): a row's destination bucket depends only on
// conf.HashPartitionColumns, never on which source bucket it arrived in, so
// this cannot be split into independent per-bucket merges the way
// runPerBucket is.
func (e *Executor) runRebucket(ctx context.Context, conf IOConfig, table *model.Table, plan *Plan) []bucketResult {
	var allInputs []model.DataFileInfo
	for _, bp := range plan.Buckets {
		allInputs = append(allInputs, bp.Files...)
	}

	byTarget, err := e.io.RebucketPartition(ctx, conf, table, plan.PartitionDesc, allInputs)
	if err != nil {
		return []bucketResult{{inputs: allInputs, err: err}}
	}

	results := make([]bucketResult, 0, len(byTarget))
	for target, outputs := range byTarget {
		results = append(results, bucketResult{bucketID: target, outputs: outputs})
	}
	// allInputs is recorded against the first result so Run's discard-log
	// pass picks every source file up exactly once.
	if len(results) > 0 {
		results[0].inputs = allInputs
	} else {
		results = append(results, bucketResult{inputs: allInputs})
	}
	return results
}

// Run executes a Plan: merges every selected bucket (in parallel, §5
// "data-parallel bucket pass"), commits one CompactionCommit aggregating
// all bucket outputs, and once that commit succeeds records the input
// files of every merged bucket under the discard sentinel for async
// cleanup (§4.7). Outputs of abandoned buckets, and on a commit conflict
// every written output, are recorded as leaks; inputs are then left live.
func (e *Executor) Run(ctx context.Context, table *model.Table, readVersion model.PartitionVersion, plan *Plan, inv commit.Invalidator) (*model.CommitResult, error) {
	if len(plan.Buckets) == 0 {
		return nil, nil
	}

	conf := IOConfig{FileSizeLimit: e.th.FileSizeLimit, CDCColumn: table.CDCColumn}

	var results []bucketResult
	if plan.Rebucketing && plan.TargetBucketCount > 0 {
		conf.TargetBucketCount = plan.TargetBucketCount
		conf.HashPartitionColumns = table.HashPartitionColumns
		results = e.runRebucket(ctx, conf, table, plan)
	} else {
		results = e.runPerBucket(ctx, conf, table, plan)
	}

	var fileOps []model.DataFileOp
	var discarded, leaked []model.DiscardedFile
	now := time.Now().UnixMilli()

	for _, r := range results {
		if r.err != nil {
			log.Printf("compaction: bucket %d abandoned: %v", r.bucketID, r.err)
			for _, out := range r.outputs {
				leaked = append(leaked, model.DiscardedFile{
					TableID: table.TableID, PartitionDesc: model.DiscardSentinel, Path: out.Path, Size: out.Size, Timestamp: now,
				})
			}
			continue
		}
		for _, out := range r.outputs {
			fileOps = append(fileOps, model.DataFileOp{Path: out.Path, Op: model.FileAdd, Size: out.Size})
		}
		for _, in := range r.inputs {
			discarded = append(discarded, model.DiscardedFile{
				TableID: table.TableID, PartitionDesc: model.DiscardSentinel, Path: in.Path, Size: in.Size, Timestamp: now,
			})
		}
	}

	if len(fileOps) == 0 {
		return nil, fmt.Errorf("compaction: every bucket abandoned, nothing to commit")
	}

	commitID := model.NewCommitID()
	dc := model.DataCommitInfo{
		CommitID:      commitID,
		TableID:       table.TableID,
		PartitionDesc: plan.PartitionDesc,
		CommitOp:      model.CompactionCommit,
		FileOps:       fileOps,
		Timestamp:     now,
	}
	env := model.CommitEnvelope{
		TableInfoSnapshot: *table,
		DataCommits:       []model.DataCommitInfo{dc},
		NewPartitionVersions: []model.PartitionVersion{{
			TableID:       table.TableID,
			PartitionDesc: plan.PartitionDesc,
			ReadFiles:     []model.CommitID{commitID}, // a compaction supersedes prior commits (§3 invariant)
			CommitOp:      model.CompactionCommit,
			Timestamp:     now,
		}},
		CommitType:            model.CommitCompaction,
		ReadPartitionVersions: []model.PartitionVersion{readVersion},
	}

	result, err := e.catalog.Commit(ctx, env)
	if err != nil {
		// §4.7 "On conflict, discard the just-written outputs (record
		// them as leaks in discard log) and abort."
		for _, op := range fileOps {
			leaked = append(leaked, model.DiscardedFile{
				TableID: table.TableID, PartitionDesc: model.DiscardSentinel, Path: op.Path, Size: op.Size, Timestamp: now,
			})
		}
		if recErr := e.catalog.RecordDiscard(ctx, leaked); recErr != nil {
			log.Printf("compaction: recording discard log failed (best-effort): %v", recErr)
		}
		return nil, err
	}

	if recErr := e.catalog.RecordDiscard(ctx, append(leaked, discarded...)); recErr != nil {
		// best-effort: failing to record a discard leaks a file that
		// later GC must reconcile; it must never fail the commit (§7).
		log.Printf("compaction: recording discard log failed (best-effort): %v", recErr)
	}

	if plan.Rebucketing && plan.TargetBucketCount > 0 {
		if err := e.catalog.UpdateProperties(ctx, table.TableID, map[string]string{
			"hash_bucket_count": fmt.Sprintf("%d", plan.TargetBucketCount),
		}); err != nil {
			log.Printf("compaction: updating hash_bucket_count failed: %v", err)
		}
	}

	if inv != nil {
		inv.Invalidate()
	}
	return result, nil
}
