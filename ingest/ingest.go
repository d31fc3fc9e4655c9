// Package ingest implements CDC ingestion (spec §4.8 "external ingest
// writers append via the same commit path"): a PostgreSQL logical
// replication decode loop that buffers changes per table and flushes
// them as AppendCommits through commit.Engine. Grounded almost
// line-for-line on the teacher's replication/replication.go, retargeted
// from a direct Iceberg metadata rewrite onto the catalog commit path.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/lakesoul-go/lakesoul/commit"
	"github.com/lakesoul-go/lakesoul/config"
	"github.com/lakesoul-go/lakesoul/model"
	"github.com/lakesoul-go/lakesoul/parquetio"
	"github.com/lakesoul-go/lakesoul/schema"
)

// TableBinding maps one replicated Postgres relation onto a LakeSoul table.
type TableBinding struct {
	Schema       string
	Name         string
	Table        *model.Table
	BucketColumn string // empty: single bucket 0, unhashed
}

// Replicator decodes a logical replication stream and flushes buffered
// changes as AppendCommits, one per partition touched within a
// replication transaction.
type Replicator struct {
	cfg             *config.Config
	dbConn          *pgx.Conn
	replicationConn *pgconn.PgConn
	schemaManager   *schema.Manager
	engine          *commit.Engine
	merger          *parquetio.Merger
	bindings        map[uint32]*TableBinding // by relation ID once resolved
	byName          map[string]*TableBinding
	buffers         map[uint32][]map[string]interface{}
	sizeLimit       int64
}

func NewReplicator(cfg *config.Config, engine *commit.Engine, merger *parquetio.Merger, bindings []TableBinding) (*Replicator, error) {
	dbConn, err := pgx.Connect(context.Background(), cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	schemaManager := schema.NewSchemaManager(dbConn)
	byName := make(map[string]*TableBinding, len(bindings))
	for i := range bindings {
		b := bindings[i]
		byName[b.Schema+"."+b.Name] = &b
		if err := schemaManager.InitializeSchema(context.Background(), b.Schema, b.Name); err != nil {
			return nil, fmt.Errorf("initializing schema for %s.%s: %w", b.Schema, b.Name, err)
		}
	}

	replicationConn, err := pgconn.Connect(context.Background(), cfg.DSN()+"?replication=database")
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres for replication: %w", err)
	}

	return &Replicator{
		cfg:             cfg,
		dbConn:          dbConn,
		replicationConn: replicationConn,
		schemaManager:   schemaManager,
		engine:          engine,
		merger:          merger,
		bindings:        make(map[uint32]*TableBinding),
		byName:          byName,
		buffers:         make(map[uint32][]map[string]interface{}),
		sizeLimit:       cfg.Compaction.FileSizeLimit,
	}, nil
}

// Start creates the replication slot if needed and runs the decode loop
// until ctx is cancelled.
func (r *Replicator) Start(ctx context.Context) error {
	defer r.dbConn.Close(context.Background())
	defer r.replicationConn.Close(context.Background())

	if err := r.createReplicationSlot(ctx); err != nil {
		return fmt.Errorf("creating replication slot: %w", err)
	}
	return r.startReplication(ctx)
}

func (r *Replicator) createReplicationSlot(ctx context.Context) error {
	_, err := pglogrepl.CreateReplicationSlot(ctx, r.replicationConn, r.cfg.Catalog.ReplicationSlot, "pgoutput", pglogrepl.CreateReplicationSlotOptions{
		Temporary: true,
		Mode:      pglogrepl.LogicalReplication,
	})
	if err != nil {
		var pgerr *pgconn.PgError
		if errors.As(err, &pgerr) && pgerr.Code == "42710" {
			return nil // slot already exists
		}
		return fmt.Errorf("creating replication slot: %w", err)
	}
	return nil
}

func (r *Replicator) startReplication(ctx context.Context) error {
	err := pglogrepl.StartReplication(ctx, r.replicationConn, r.cfg.Catalog.ReplicationSlot, 0, pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '2'",
			"messages 'true'",
			"streaming 'true'",
			fmt.Sprintf("publication_names '%s'", r.cfg.Catalog.Publication),
		},
	})
	if err != nil {
		return fmt.Errorf("starting replication: %w", err)
	}
	return r.handleReplication(ctx)
}

func (r *Replicator) handleReplication(ctx context.Context) error {
	clientXLogPos := pglogrepl.LSN(0)
	standbyTimeout := 10 * time.Second
	nextDeadline := time.Now().Add(standbyTimeout)
	relations := make(map[uint32]*pglogrepl.RelationMessageV2)
	inStream := false

	for {
		if time.Now().After(nextDeadline) {
			if err := pglogrepl.SendStandbyStatusUpdate(ctx, r.replicationConn, pglogrepl.StandbyStatusUpdate{WALWritePosition: clientXLogPos}); err != nil {
				return fmt.Errorf("sending standby status: %w", err)
			}
			nextDeadline = time.Now().Add(standbyTimeout)
		}

		rawMsg, err := r.replicationConn.ReceiveMessage(ctx)
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("receiving replication message: %w", err)
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("received WAL error: %+v", errMsg)
		}

		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok || len(msg.Data) == 0 {
			continue
		}

		switch msg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				return fmt.Errorf("parsing keepalive: %w", err)
			}
			if pkm.ServerWALEnd > clientXLogPos {
				clientXLogPos = pkm.ServerWALEnd
			}
			if pkm.ReplyRequested {
				nextDeadline = time.Time{}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				return fmt.Errorf("parsing XLogData: %w", err)
			}
			if xld.WALStart > clientXLogPos {
				clientXLogPos = xld.WALStart
			}

			logicalMsg, err := pglogrepl.ParseV2(xld.WALData, inStream)
			if err != nil {
				return fmt.Errorf("parsing logical message: %w", err)
			}

			if err := r.dispatch(ctx, logicalMsg, relations, &inStream); err != nil {
				return err
			}

		default:
			return fmt.Errorf("unknown replication message type: %c", msg.Data[0])
		}
	}
}

func (r *Replicator) dispatch(ctx context.Context, logicalMsg pglogrepl.Message, relations map[uint32]*pglogrepl.RelationMessageV2, inStream *bool) error {
	switch m := logicalMsg.(type) {
	case *pglogrepl.RelationMessageV2:
		relations[m.RelationID] = m
		if err := r.schemaManager.HandleRelationMessage(m); err != nil {
			return fmt.Errorf("handling relation message: %w", err)
		}
		if b, ok := r.byName[m.Namespace+"."+m.RelationName]; ok {
			r.bindings[m.RelationID] = b
		}

	case *pglogrepl.BeginMessage:
		// nothing buffered until rows arrive

	case *pglogrepl.CommitMessage:
		return r.flush(ctx)

	case *pglogrepl.InsertMessageV2:
		return r.bufferTuple(m.RelationID, relations, m.Tuple)

	case *pglogrepl.UpdateMessageV2:
		return r.bufferTuple(m.RelationID, relations, m.NewTuple)

	case *pglogrepl.DeleteMessageV2:
		// a logical delete is logged and not applied: no tombstone row or
		// file op is written, so the deleted row stays visible in the table.
		log.Printf("ingest: delete on relation %d observed, not applied", m.RelationID)

	case *pglogrepl.StreamStartMessageV2:
		*inStream = true
	case *pglogrepl.StreamStopMessageV2:
		*inStream = false
	}
	return nil
}

func (r *Replicator) bufferTuple(relationID uint32, relations map[uint32]*pglogrepl.RelationMessageV2, tuple *pglogrepl.TupleData) error {
	rel, ok := relations[relationID]
	if !ok {
		return fmt.Errorf("unknown relation ID %d", relationID)
	}
	record, err := mapTuple(tuple, rel)
	if err != nil {
		return fmt.Errorf("mapping tuple: %w", err)
	}
	r.buffers[relationID] = append(r.buffers[relationID], record)
	return nil
}

// flush writes each relation's buffered rows as a single AppendCommit per
// table, clearing buffers afterward.
func (r *Replicator) flush(ctx context.Context) error {
	for relationID, rows := range r.buffers {
		if len(rows) == 0 {
			continue
		}
		b, ok := r.bindings[relationID]
		if !ok {
			log.Printf("ingest: no table binding for relation %d, dropping %d buffered rows", relationID, len(rows))
			delete(r.buffers, relationID)
			continue
		}

		desc := model.Empty // range-partitioned ingest targets are out of this loop's scope
		outputs, err := r.merger.WriteBatch(ctx, b.Table, desc, 0, rows, r.sizeLimit)
		if err != nil {
			return fmt.Errorf("writing batch for %s.%s: %w", b.Schema, b.Name, err)
		}
		if len(outputs) == 0 {
			delete(r.buffers, relationID)
			continue
		}

		var fileOps []model.DataFileOp
		for _, out := range outputs {
			fileOps = append(fileOps, model.DataFileOp{Path: out.Path, Op: model.FileAdd, Size: out.Size})
		}
		if _, err := r.engine.Append(ctx, b.Table, desc, fileOps, nil); err != nil {
			return fmt.Errorf("appending ingested batch for %s.%s: %w", b.Schema, b.Name, err)
		}
		delete(r.buffers, relationID)
	}
	return nil
}
