package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lakesoul-go/lakesoul/lakeerr"
	"github.com/lakesoul-go/lakesoul/model"
)

// PGCatalog is the PostgreSQL-backed realization of Client. It owns the
// authoritative PartitionVersion chain (§3 "Ownership") and serializes
// commit submission through row-level locking within a single transaction
// per commit (§5 "commit submission is serialized by the catalog").
type PGCatalog struct {
	pool *pgxpool.Pool
}

// NewPGCatalog dials the metadata database and returns a ready client.
// Mirrors the teacher's connection-string construction in
// replication.NewReplicator, extended to a pool since the catalog now
// serves many concurrent readers/writers instead of one replication loop.
func NewPGCatalog(ctx context.Context, dsn string) (*PGCatalog, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to catalog database: %w", err)
	}
	return &PGCatalog{pool: pool}, nil
}

// Bootstrap creates the catalog schema if it does not already exist.
func (c *PGCatalog) Bootstrap(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, DDL); err != nil {
		return fmt.Errorf("bootstrapping catalog schema: %w", err)
	}
	return nil
}

func (c *PGCatalog) Close() {
	c.pool.Close()
}

func (c *PGCatalog) CreateTable(ctx context.Context, t model.Table) error {
	if err := t.Validate(); err != nil {
		return lakeerr.NewInvalidState(err.Error())
	}
	schemaJSON, err := json.Marshal(t.Schema)
	if err != nil {
		return fmt.Errorf("marshaling schema: %w", err)
	}
	propsJSON, err := json.Marshal(t.Properties)
	if err != nil {
		return fmt.Errorf("marshaling properties: %w", err)
	}
	_, err = c.pool.Exec(ctx, `
		INSERT INTO table_info (table_id, namespace, short_name, path, schema, range_cols, hash_cols, hash_buckets, properties, cdc_column)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, t.TableID.UUID, t.Namespace, t.ShortName, t.Path, schemaJSON, t.RangePartitionColumns, t.HashPartitionColumns, t.HashBucketCount, propsJSON, t.CDCColumn)
	if err != nil {
		return fmt.Errorf("inserting table_info: %w", err)
	}
	return nil
}

func (c *PGCatalog) GetTableInfo(ctx context.Context, tableID model.TableID) (*model.Table, error) {
	row := c.pool.QueryRow(ctx, `
		SELECT table_id, namespace, short_name, path, schema, range_cols, hash_cols, hash_buckets, properties, cdc_column
		FROM table_info WHERE table_id = $1
	`, tableID.UUID)
	return scanTable(row)
}

func (c *PGCatalog) GetTableInfoByPath(ctx context.Context, path string) (*model.Table, error) {
	row := c.pool.QueryRow(ctx, `
		SELECT table_id, namespace, short_name, path, schema, range_cols, hash_cols, hash_buckets, properties, cdc_column
		FROM table_info WHERE path = $1
	`, path)
	return scanTable(row)
}

func scanTable(row pgx.Row) (*model.Table, error) {
	var t model.Table
	var id uuid.UUID
	var schemaJSON, propsJSON []byte
	err := row.Scan(&id, &t.Namespace, &t.ShortName, &t.Path, &schemaJSON, &t.RangePartitionColumns, &t.HashPartitionColumns, &t.HashBucketCount, &propsJSON, &t.CDCColumn)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, lakeerr.NewNotFound("table", id.String())
		}
		return nil, fmt.Errorf("scanning table_info: %w", err)
	}
	t.TableID = model.TableID{UUID: id}
	if err := json.Unmarshal(schemaJSON, &t.Schema); err != nil {
		return nil, fmt.Errorf("unmarshaling schema: %w", err)
	}
	if err := json.Unmarshal(propsJSON, &t.Properties); err != nil {
		return nil, fmt.Errorf("unmarshaling properties: %w", err)
	}
	return &t, nil
}

func (c *PGCatalog) ListPartitions(ctx context.Context, tableID model.TableID) ([]model.PartitionVersion, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT DISTINCT ON (partition_desc) partition_desc, version, read_files, commit_op, expression, ts
		FROM partition_info
		WHERE table_id = $1
		ORDER BY partition_desc, version DESC
	`, tableID.UUID)
	if err != nil {
		return nil, fmt.Errorf("listing partitions: %w", err)
	}
	defer rows.Close()
	return scanPartitionVersions(rows, tableID)
}

func (c *PGCatalog) GetSinglePartition(ctx context.Context, tableID model.TableID, desc model.PartitionDescriptor, version int) (*model.PartitionVersion, error) {
	var row pgx.Row
	if version == 0 {
		row = c.pool.QueryRow(ctx, `
			SELECT version, read_files, commit_op, expression, ts
			FROM partition_info
			WHERE table_id = $1 AND partition_desc = $2
			ORDER BY version DESC LIMIT 1
		`, tableID.UUID, string(desc))
	} else {
		row = c.pool.QueryRow(ctx, `
			SELECT version, read_files, commit_op, expression, ts
			FROM partition_info
			WHERE table_id = $1 AND partition_desc = $2 AND version = $3
		`, tableID.UUID, string(desc), version)
	}
	pv, err := scanPartitionVersion(row, tableID, desc)
	if err != nil {
		if _, ok := err.(*lakeerr.NotFoundError); ok {
			return nil, nil
		}
		return nil, err
	}
	return pv, nil
}

func (c *PGCatalog) GetPartitionsByEq(ctx context.Context, tableID model.TableID, eq EqQuery) ([]model.PartitionVersion, error) {
	latest, err := c.ListPartitions(ctx, tableID)
	if err != nil {
		return nil, err
	}
	out := latest[:0:0]
	for _, pv := range latest {
		_, values, err := model.ParsePartitionDescriptor(pv.PartitionDesc)
		if err != nil {
			continue
		}
		match := true
		for k, v := range eq {
			if values[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, pv)
		}
	}
	return out, nil
}

func (c *PGCatalog) VersionUpToTS(ctx context.Context, tableID model.TableID, desc model.PartitionDescriptor, ts int64) (int, error) {
	var version int
	err := c.pool.QueryRow(ctx, `
		SELECT version FROM partition_info
		WHERE table_id = $1 AND partition_desc = $2 AND ts <= $3
		ORDER BY version DESC LIMIT 1
	`, tableID.UUID, string(desc), ts).Scan(&version)
	if err != nil {
		if err == pgx.ErrNoRows {
			return -1, nil
		}
		return -1, fmt.Errorf("querying version_upto_ts: %w", err)
	}
	return version, nil
}

func (c *PGCatalog) GetCommits(ctx context.Context, tableID model.TableID, ids []model.CommitID) ([]model.DataCommitInfo, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw := make([]uuid.UUID, len(ids))
	for i, id := range ids {
		raw[i] = id.UUID
	}
	rows, err := c.pool.Query(ctx, `
		SELECT commit_id, partition_desc, commit_op, file_ops, ts, committed
		FROM data_commit_info
		WHERE table_id = $1 AND commit_id = ANY($2)
	`, tableID.UUID, raw)
	if err != nil {
		return nil, fmt.Errorf("batch fetching commits: %w", err)
	}
	defer rows.Close()

	var out []model.DataCommitInfo
	for rows.Next() {
		dc, err := scanDataCommit(rows, tableID)
		if err != nil {
			return nil, err
		}
		out = append(out, *dc)
	}
	return out, rows.Err()
}

func (c *PGCatalog) UpdateProperties(ctx context.Context, tableID model.TableID, props map[string]string) error {
	_, err := c.pool.Exec(ctx, `
		UPDATE table_info SET properties = properties || $2::jsonb WHERE table_id = $1
	`, tableID.UUID, mustJSON(props))
	if err != nil {
		return fmt.Errorf("updating properties: %w", err)
	}
	return nil
}

func (c *PGCatalog) RecordDiscard(ctx context.Context, files []model.DiscardedFile) error {
	if len(files) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, f := range files {
		batch.Queue(`
			INSERT INTO discard_file (table_id, partition_desc, path, size, ts)
			VALUES ($1,$2,$3,$4,$5)
		`, f.TableID.UUID, string(f.PartitionDesc), f.Path, f.Size, f.Timestamp)
	}
	br := c.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range files {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("recording discard: %w", err)
		}
	}
	return nil
}

func (c *PGCatalog) DropPartition(ctx context.Context, tableID model.TableID, desc model.PartitionDescriptor) error {
	return withTx(ctx, c.pool, func(tx pgx.Tx) error {
		latest, err := lockLatest(ctx, tx, tableID, desc)
		if err != nil {
			return err
		}
		nextVersion := 1
		if latest != nil {
			nextVersion = latest.Version + 1
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO partition_info (table_id, partition_desc, version, read_files, commit_op, expression, ts)
			VALUES ($1,$2,$3,'{}',$4,'',$5)
		`, tableID.UUID, string(desc), nextVersion, model.DeleteCommit.String(), time.Now().UnixMilli())
		return err
	})
}

// Commit submits a CommitEnvelope atomically, applying the §4.6 conflict
// rule table under a single locking transaction per involved partition.
func (c *PGCatalog) Commit(ctx context.Context, env model.CommitEnvelope) (*model.CommitResult, error) {
	var result *model.CommitResult
	err := withTx(ctx, c.pool, func(tx pgx.Tx) error {
		linked := make([]model.PartitionVersion, 0, len(env.NewPartitionVersions))
		for _, want := range env.NewPartitionVersions {
			current, err := lockLatest(ctx, tx, env.TableInfoSnapshot.TableID, want.PartitionDesc)
			if err != nil {
				return err
			}
			readVersion := findReadVersion(env.ReadPartitionVersions, want.PartitionDesc)
			target, conflict := resolveConflict(env.CommitType, current, readVersion)
			if conflict != nil {
				return lakeerr.NewConflict(conflict)
			}
			readFiles := landedReadFiles(env.CommitType, current, readVersion, want, env)

			if _, err := tx.Exec(ctx, `
				INSERT INTO partition_info (table_id, partition_desc, version, read_files, commit_op, expression, ts)
				VALUES ($1,$2,$3,$4,$5,$6,$7)
			`, env.TableInfoSnapshot.TableID.UUID, string(want.PartitionDesc), target,
				commitIDsToUUIDs(readFiles), want.CommitOp.String(), want.Expression, want.Timestamp); err != nil {
				return fmt.Errorf("inserting partition_info: %w", err)
			}

			linkedVersion := want
			linkedVersion.Version = target
			linkedVersion.ReadFiles = readFiles
			linked = append(linked, linkedVersion)
		}

		for _, dc := range env.DataCommits {
			fileOpsJSON, err := json.Marshal(dc.FileOps)
			if err != nil {
				return fmt.Errorf("marshaling file ops: %w", err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO data_commit_info (commit_id, table_id, partition_desc, commit_op, file_ops, ts, committed)
				VALUES ($1,$2,$3,$4,$5,$6,true)
				ON CONFLICT (commit_id) DO UPDATE SET committed = true
			`, dc.CommitID.UUID, env.TableInfoSnapshot.TableID.UUID, string(dc.PartitionDesc), dc.CommitOp.String(), fileOpsJSON, dc.Timestamp); err != nil {
				return fmt.Errorf("inserting data_commit_info: %w", err)
			}
		}

		result = &model.CommitResult{PartitionVersions: linked}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// resolveConflict implements the §4.6 conflict-rule table. current is the
// latest PartitionVersion as observed under the transaction's row lock (nil
// if the partition has no history yet); readVersion is the version number
// the writer's commit envelope was computed against (0 if none recorded,
// e.g. the partition's first commit).
func resolveConflict(kind model.CommitType, current *model.PartitionVersion, readVersion int) (target int, conflict *model.Conflict) {
	currentVersion := 0
	var currentOp model.CommitOp
	var desc model.PartitionDescriptor
	if current != nil {
		currentVersion = current.Version
		currentOp = current.CommitOp
		desc = current.PartitionDesc
	}

	switch kind {
	case model.CommitAppend:
		if currentVersion == readVersion {
			return currentVersion + 1, nil
		}
		// may_append_to_newer: anything committed since the read is fine
		// for a plain append UNLESS a compaction barrier was introduced,
		// which invalidates the assumption the appended file is
		// orthogonal to everything the reader already resolved.
		if currentOp == model.CompactionCommit {
			return 0, &model.Conflict{Kind: model.ConflictCompactionRaced, PartitionDesc: desc}
		}
		return currentVersion + 1, nil

	case model.CommitUpdate:
		if currentVersion != readVersion {
			if currentOp == model.DeleteCommit {
				return 0, &model.Conflict{Kind: model.ConflictTombstoneRaced, PartitionDesc: desc}
			}
			return 0, &model.Conflict{Kind: model.ConflictStalePartition, PartitionDesc: desc}
		}
		return currentVersion + 1, nil

	case model.CommitDelete:
		if currentVersion != readVersion {
			if currentOp == model.DeleteCommit {
				return 0, &model.Conflict{Kind: model.ConflictTombstoneRaced, PartitionDesc: desc}
			}
			return 0, &model.Conflict{Kind: model.ConflictStalePartition, PartitionDesc: desc}
		}
		return currentVersion + 1, nil

	case model.CommitCompaction:
		if currentVersion != readVersion {
			return 0, &model.Conflict{Kind: model.ConflictCompactionRaced, PartitionDesc: desc}
		}
		return currentVersion + 1, nil

	case model.CommitMerge:
		if currentVersion != readVersion {
			if currentOp == model.DeleteCommit {
				return 0, &model.Conflict{Kind: model.ConflictTombstoneRaced, PartitionDesc: desc}
			}
			return 0, &model.Conflict{Kind: model.ConflictStalePartition, PartitionDesc: desc}
		}
		return currentVersion + 1, nil

	default:
		return 0, &model.Conflict{Kind: model.ConflictStalePartition, PartitionDesc: desc}
	}
}

func findReadVersion(reads []model.PartitionVersion, desc model.PartitionDescriptor) int {
	for _, r := range reads {
		if r.PartitionDesc == desc {
			return r.Version
		}
	}
	return 0
}

// newCommitIDsForPartition returns the CommitIDs of this envelope's own
// DataCommits targeting desc, in the order they appear in env.DataCommits.
func newCommitIDsForPartition(env model.CommitEnvelope, desc model.PartitionDescriptor) []model.CommitID {
	var ids []model.CommitID
	for _, dc := range env.DataCommits {
		if dc.PartitionDesc == desc {
			ids = append(ids, dc.CommitID)
		}
	}
	return ids
}

// landedReadFiles computes the ReadFiles the newly-linked PartitionVersion
// must record. may_append_to_newer (§4.6) lets an Append land on a version
// newer than the one it read, but the writer's own want.ReadFiles was
// built from its stale pre-commit read — trusting it verbatim would drop
// every commit landed by whoever advanced the partition in between,
// breaking the §3 prefix-extension invariant (S1). When the catalog's
// locked current version has moved past the writer's readVersion, extend
// the *actual* current chain with this envelope's own new commit ids
// instead of the writer-submitted list.
func landedReadFiles(kind model.CommitType, current *model.PartitionVersion, readVersion int, want model.PartitionVersion, env model.CommitEnvelope) []model.CommitID {
	if kind == model.CommitAppend && current != nil && current.Version != readVersion {
		base := append([]model.CommitID(nil), current.ReadFiles...)
		return append(base, newCommitIDsForPartition(env, want.PartitionDesc)...)
	}
	return want.ReadFiles
}

// lockLatest takes a row-level lock on the latest PartitionVersion of a
// partition so concurrent commit() calls against it serialize (§5).
func lockLatest(ctx context.Context, tx pgx.Tx, tableID model.TableID, desc model.PartitionDescriptor) (*model.PartitionVersion, error) {
	row := tx.QueryRow(ctx, `
		SELECT version, read_files, commit_op, expression, ts
		FROM partition_info
		WHERE table_id = $1 AND partition_desc = $2
		ORDER BY version DESC LIMIT 1
		FOR UPDATE
	`, tableID.UUID, string(desc))
	pv, err := scanPartitionVersion(row, tableID, desc)
	if err != nil {
		if _, ok := err.(*lakeerr.NotFoundError); ok {
			return nil, nil
		}
		return nil, err
	}
	return pv, nil
}

func withTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return lakeerr.NewCatalogUnavailable(err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func scanPartitionVersion(row pgx.Row, tableID model.TableID, desc model.PartitionDescriptor) (*model.PartitionVersion, error) {
	var pv model.PartitionVersion
	var readFiles []uuid.UUID
	var commitOp string
	err := row.Scan(&pv.Version, &readFiles, &commitOp, &pv.Expression, &pv.Timestamp)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, lakeerr.NewNotFound("partition", string(desc))
		}
		return nil, fmt.Errorf("scanning partition_info: %w", err)
	}
	pv.TableID = tableID
	pv.PartitionDesc = desc
	pv.CommitOp = parseCommitOp(commitOp)
	pv.ReadFiles = make([]model.CommitID, len(readFiles))
	for i, u := range readFiles {
		pv.ReadFiles[i] = model.CommitID{UUID: u}
	}
	return &pv, nil
}

func scanPartitionVersions(rows pgx.Rows, tableID model.TableID) ([]model.PartitionVersion, error) {
	var out []model.PartitionVersion
	for rows.Next() {
		var desc string
		var pv model.PartitionVersion
		var readFiles []uuid.UUID
		var commitOp string
		if err := rows.Scan(&desc, &pv.Version, &readFiles, &commitOp, &pv.Expression, &pv.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning partition_info row: %w", err)
		}
		pv.TableID = tableID
		pv.PartitionDesc = model.PartitionDescriptor(desc)
		pv.CommitOp = parseCommitOp(commitOp)
		pv.ReadFiles = make([]model.CommitID, len(readFiles))
		for i, u := range readFiles {
			pv.ReadFiles[i] = model.CommitID{UUID: u}
		}
		out = append(out, pv)
	}
	return out, rows.Err()
}

func scanDataCommit(rows pgx.Rows, tableID model.TableID) (*model.DataCommitInfo, error) {
	var dc model.DataCommitInfo
	var id uuid.UUID
	var desc, commitOp string
	var fileOpsJSON []byte
	if err := rows.Scan(&id, &desc, &commitOp, &fileOpsJSON, &dc.Timestamp, &dc.Committed); err != nil {
		return nil, fmt.Errorf("scanning data_commit_info row: %w", err)
	}
	dc.CommitID = model.CommitID{UUID: id}
	dc.TableID = tableID
	dc.PartitionDesc = model.PartitionDescriptor(desc)
	dc.CommitOp = parseCommitOp(commitOp)
	if err := json.Unmarshal(fileOpsJSON, &dc.FileOps); err != nil {
		return nil, fmt.Errorf("unmarshaling file ops: %w", err)
	}
	return &dc, nil
}

func parseCommitOp(s string) model.CommitOp {
	switch strings.ToLower(s) {
	case "appendcommit":
		return model.AppendCommit
	case "compactioncommit":
		return model.CompactionCommit
	case "updatecommit":
		return model.UpdateCommit
	case "deletecommit":
		return model.DeleteCommit
	case "mergecommit":
		return model.MergeCommit
	default:
		return model.AppendCommit
	}
}

func commitIDsToUUIDs(ids []model.CommitID) []uuid.UUID {
	out := make([]uuid.UUID, len(ids))
	for i, id := range ids {
		out[i] = id.UUID
	}
	return out
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
