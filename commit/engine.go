// Package commit implements the commit engine (spec §4.6): it constructs
// CommitEnvelopes, submits them to the catalog, interprets conflict
// outcomes, and retries append commits by rebasing.
package commit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lakesoul-go/lakesoul/catalog"
	"github.com/lakesoul-go/lakesoul/lakeerr"
	"github.com/lakesoul-go/lakesoul/model"
)

// MaxAppendRetries bounds the rebase-and-retry loop for append commits
// racing against concurrent writers (§4.6).
const MaxAppendRetries = 8

// Invalidator is implemented by snapshot.Snapshot; the engine depends on
// this narrow interface instead of the concrete type so it can be tested
// without constructing a real Snapshot.
type Invalidator interface {
	Invalidate()
}

// Engine submits commits against a catalog.Client (§4.6).
type Engine struct {
	client   catalog.Client
	notifier *catalog.CommitNotifier
}

func NewEngine(client catalog.Client) *Engine {
	return &Engine{client: client}
}

// WithNotifier attaches a cross-process commit broadcaster (§5); optional.
func (e *Engine) WithNotifier(n *catalog.CommitNotifier) *Engine {
	e.notifier = n
	return e
}

// Append commits a batch of file ops to one partition, retrying by
// rebasing onto the latest version if the catalog reports a conflict —
// appended files are orthogonal to concurrent writers' changes, so a
// retry never loses data (§4.6).
func (e *Engine) Append(ctx context.Context, table *model.Table, desc model.PartitionDescriptor, fileOps []model.DataFileOp, inv Invalidator) (*model.CommitResult, error) {
	var lastErr error
	for attempt := 0; attempt < MaxAppendRetries; attempt++ {
		current, err := e.client.GetSinglePartition(ctx, table.TableID, desc, 0)
		if err != nil {
			return nil, err
		}
		readVersions, readFiles := baseReadState(current)

		commitID := model.NewCommitID()
		now := time.Now().UnixMilli()
		dc := model.DataCommitInfo{
			CommitID:      commitID,
			TableID:       table.TableID,
			PartitionDesc: desc,
			CommitOp:      model.AppendCommit,
			FileOps:       fileOps,
			Timestamp:     now,
		}
		env := model.CommitEnvelope{
			TableInfoSnapshot: *table,
			DataCommits:       []model.DataCommitInfo{dc},
			NewPartitionVersions: []model.PartitionVersion{{
				TableID:       table.TableID,
				PartitionDesc: desc,
				ReadFiles:     append(readFiles, commitID),
				CommitOp:      model.AppendCommit,
				Timestamp:     now,
			}},
			CommitType:            model.CommitAppend,
			ReadPartitionVersions: readVersions,
		}

		result, err := e.client.Commit(ctx, env)
		if err == nil {
			e.onSuccess(ctx, table, inv)
			return result, nil
		}

		if _, ok := lakeerr.AsConflict(err); !ok {
			return nil, err
		}
		lastErr = err
		log.Printf("commit: append to %s/%s conflict, rebasing (attempt %d)", table.TableID, desc, attempt+1)
	}
	return nil, fmt.Errorf("append exhausted %d retries: %w", MaxAppendRetries, lastErr)
}

// Update submits an update-type commit; must land exactly on the latest
// version of every affected partition, surfaced on conflict (§4.6).
func (e *Engine) Update(ctx context.Context, table *model.Table, desc model.PartitionDescriptor, fileOps []model.DataFileOp, readVersion *model.PartitionVersion, inv Invalidator) (*model.CommitResult, error) {
	return e.submitSingle(ctx, table, desc, model.UpdateCommit, model.CommitUpdate, fileOps, readVersion, inv)
}

// Delete submits a delete-type commit (tombstones); must be latest,
// surfaced on conflict (§4.6).
func (e *Engine) Delete(ctx context.Context, table *model.Table, desc model.PartitionDescriptor, fileOps []model.DataFileOp, readVersion *model.PartitionVersion, inv Invalidator) (*model.CommitResult, error) {
	return e.submitSingle(ctx, table, desc, model.DeleteCommit, model.CommitDelete, fileOps, readVersion, inv)
}

// Merge submits a multi-table join upsert; must be latest on every
// involved partition, surfaced on conflict (§4.6).
func (e *Engine) Merge(ctx context.Context, table *model.Table, partitions []model.PartitionDescriptor, fileOpsByPartition map[model.PartitionDescriptor][]model.DataFileOp, readVersions map[model.PartitionDescriptor]model.PartitionVersion, inv Invalidator) (*model.CommitResult, error) {
	now := time.Now().UnixMilli()
	var dataCommits []model.DataCommitInfo
	var newVersions []model.PartitionVersion
	var reads []model.PartitionVersion

	for _, desc := range partitions {
		rv, hasRead := readVersions[desc]
		readFiles := []model.CommitID{}
		if hasRead {
			readFiles = append(readFiles, rv.ReadFiles...)
			reads = append(reads, rv)
		}
		commitID := model.NewCommitID()
		dataCommits = append(dataCommits, model.DataCommitInfo{
			CommitID:      commitID,
			TableID:       table.TableID,
			PartitionDesc: desc,
			CommitOp:      model.MergeCommit,
			FileOps:       fileOpsByPartition[desc],
			Timestamp:     now,
		})
		newVersions = append(newVersions, model.PartitionVersion{
			TableID:       table.TableID,
			PartitionDesc: desc,
			ReadFiles:     append(readFiles, commitID),
			CommitOp:      model.MergeCommit,
			Timestamp:     now,
		})
	}

	env := model.CommitEnvelope{
		TableInfoSnapshot:     *table,
		DataCommits:           dataCommits,
		NewPartitionVersions:  newVersions,
		CommitType:            model.CommitMerge,
		ReadPartitionVersions: reads,
	}
	result, err := e.client.Commit(ctx, env)
	if err != nil {
		return nil, err
	}
	e.onSuccess(ctx, table, inv)
	return result, nil
}

func (e *Engine) submitSingle(ctx context.Context, table *model.Table, desc model.PartitionDescriptor, commitOp model.CommitOp, commitType model.CommitType, fileOps []model.DataFileOp, readVersion *model.PartitionVersion, inv Invalidator) (*model.CommitResult, error) {
	readVersions, readFiles := baseReadState(readVersion)
	commitID := model.NewCommitID()
	now := time.Now().UnixMilli()

	dc := model.DataCommitInfo{
		CommitID:      commitID,
		TableID:       table.TableID,
		PartitionDesc: desc,
		CommitOp:      commitOp,
		FileOps:       fileOps,
		Timestamp:     now,
	}
	env := model.CommitEnvelope{
		TableInfoSnapshot: *table,
		DataCommits:       []model.DataCommitInfo{dc},
		NewPartitionVersions: []model.PartitionVersion{{
			TableID:       table.TableID,
			PartitionDesc: desc,
			ReadFiles:     append(readFiles, commitID),
			CommitOp:      commitOp,
			Timestamp:     now,
		}},
		CommitType:            commitType,
		ReadPartitionVersions: readVersions,
	}

	result, err := e.client.Commit(ctx, env)
	if err != nil {
		return nil, err
	}
	e.onSuccess(ctx, table, inv)
	return result, nil
}

// baseReadState derives the ReadPartitionVersions entry and the
// read_files prefix a new version extends, from whatever the caller last
// observed (nil for a partition's first commit).
func baseReadState(current *model.PartitionVersion) ([]model.PartitionVersion, []model.CommitID) {
	if current == nil {
		return nil, nil
	}
	readFiles := make([]model.CommitID, len(current.ReadFiles))
	copy(readFiles, current.ReadFiles)
	return []model.PartitionVersion{*current}, readFiles
}

func (e *Engine) onSuccess(ctx context.Context, table *model.Table, inv Invalidator) {
	if inv != nil {
		inv.Invalidate()
	}
	if e.notifier != nil {
		if err := e.notifier.Publish(ctx, table.TableID); err != nil {
			log.Printf("commit: publishing notification failed: %v", err)
		}
	}
}
