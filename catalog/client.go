// Package catalog implements the abstract metadata-catalog operation set
// (spec §4.1) and a PostgreSQL-backed realization of it.
package catalog

import (
	"context"

	"github.com/lakesoul-go/lakesoul/model"
)

// EqQuery is a flat "k1=v1 & k2=v2" partition-equality query (§4.1
// get_partitions_by_eq).
type EqQuery map[string]string

// Client is the abstract operation set every caller in this repo talks to.
// catalog.PGCatalog is the concrete implementation; planner/snapshot/
// commit/compaction/lifecycle depend only on this interface so they can be
// exercised against a fake in tests.
type Client interface {
	// GetTableInfo resolves a table by its id; GetTableInfoByPath resolves
	// one by its path. Results are safe to cache (§4.1 notes "cached").
	GetTableInfo(ctx context.Context, tableID model.TableID) (*model.Table, error)
	GetTableInfoByPath(ctx context.Context, path string) (*model.Table, error)

	// ListPartitions returns the latest PartitionVersion of every
	// partition of a table.
	ListPartitions(ctx context.Context, tableID model.TableID) ([]model.PartitionVersion, error)

	// GetSinglePartition returns a partition's version; version==0 means
	// "latest". Returns (nil, nil) if the partition does not exist.
	GetSinglePartition(ctx context.Context, tableID model.TableID, desc model.PartitionDescriptor, version int) (*model.PartitionVersion, error)

	// GetPartitionsByEq evaluates a server-side equality index (§4.4
	// "partial equality" access path).
	GetPartitionsByEq(ctx context.Context, tableID model.TableID, eq EqQuery) ([]model.PartitionVersion, error)

	// VersionUpToTS returns the latest version at or before ts, or -1 if
	// none exists.
	VersionUpToTS(ctx context.Context, tableID model.TableID, desc model.PartitionDescriptor, ts int64) (int, error)

	// GetCommits bulk-fetches DataCommitInfos by id.
	GetCommits(ctx context.Context, tableID model.TableID, ids []model.CommitID) ([]model.DataCommitInfo, error)

	// Commit atomically submits a CommitEnvelope. On success it returns
	// the linked PartitionVersions; on conflict it returns a *model.Conflict
	// wrapped by lakeerr.ConflictError.
	Commit(ctx context.Context, env model.CommitEnvelope) (*model.CommitResult, error)

	// UpdateProperties merges the given keys into the table's properties.
	UpdateProperties(ctx context.Context, tableID model.TableID, props map[string]string) error

	// RecordDiscard appends to the discard log. Best-effort: failure here
	// must never fail the caller's commit (§7).
	RecordDiscard(ctx context.Context, files []model.DiscardedFile) error

	// CreateTable registers a brand-new table.
	CreateTable(ctx context.Context, t model.Table) error

	// DropPartition writes a tombstone PartitionVersion (§4.8, §7
	// "non-range-partitioned table asked to drop a partition" is
	// InvalidState, enforced by the caller before reaching here).
	DropPartition(ctx context.Context, tableID model.TableID, desc model.PartitionDescriptor) error
}
