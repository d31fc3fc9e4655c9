// Package proxy implements the Postgres-wire query gateway (spec §4.5
// read path, §6 external interfaces): a pgproto3 backend handshake and
// query loop, adapted from the teacher's DuckDBProxy so every query runs
// against the live snapshot's resolved file set instead of an empty
// DuckDB instance.
package proxy

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"sync"

	"github.com/jackc/pgx/v5/pgproto3"
	_ "github.com/marcboeker/go-duckdb"

	"github.com/lakesoul-go/lakesoul/catalog"
	"github.com/lakesoul-go/lakesoul/config"
	"github.com/lakesoul-go/lakesoul/model"
	"github.com/lakesoul-go/lakesoul/planner"
	"github.com/lakesoul-go/lakesoul/snapshot"
)

// Registration binds a name queries can reference to a catalog table ID.
type Registration struct {
	ViewName string
	TableID  model.TableID
}

// DuckDBProxy accepts Postgres-wire connections and answers queries by
// refreshing a DuckDB view over each registered table's current resolved
// parquet file set before delegating the query to DuckDB.
type DuckDBProxy struct {
	config   *config.Config
	catalog  catalog.Client
	db       *sql.DB
	listener net.Listener

	mu    sync.Mutex
	views []Registration
}

func NewDuckDBProxy(cfg *config.Config, client catalog.Client, views []Registration) (*DuckDBProxy, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("opening duckdb: %w", err)
	}
	if err := loadExtensions(db); err != nil {
		return nil, fmt.Errorf("loading extensions: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Proxy.Port))
	if err != nil {
		return nil, fmt.Errorf("creating listener: %w", err)
	}

	return &DuckDBProxy{config: cfg, catalog: client, db: db, listener: listener, views: views}, nil
}

func loadExtensions(db *sql.DB) error {
	for _, ext := range []string{"parquet"} {
		if _, err := db.Exec(fmt.Sprintf("INSTALL %s; LOAD %s;", ext, ext)); err != nil {
			return fmt.Errorf("loading extension %s: %w", ext, err)
		}
	}
	return nil
}

func (p *DuckDBProxy) Start(ctx context.Context) error {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				continue
			}
		}
		go p.handleConnection(ctx, conn)
	}
}

func (p *DuckDBProxy) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	backend := pgproto3.NewBackend(conn, conn)
	if _, err := backend.ReceiveStartupMessage(); err != nil {
		return
	}

	backend.Send(&pgproto3.AuthenticationOk{})
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	if err := backend.Flush(); err != nil {
		return
	}

	for {
		msg, err := backend.Receive()
		if err != nil {
			return
		}

		switch msg := msg.(type) {
		case *pgproto3.Query:
			if err := p.handleQuery(ctx, backend, msg.String); err != nil {
				p.sendError(backend, err)
				continue
			}
		case *pgproto3.Terminate:
			return
		}
	}
}

// handleQuery resolves every registered view's live file set through the
// snapshot/resolver/planner stack and re-registers it as a DuckDB view
// over read_parquet([...]) before running the query, so a query against
// a registered table name always sees the current committed state
// (§4.5 "the read path resolves files through a Snapshot, never reads
// the catalog's raw partition table directly").
func (p *DuckDBProxy) handleQuery(ctx context.Context, backend *pgproto3.Backend, query string) error {
	if err := p.refreshViews(ctx); err != nil {
		return fmt.Errorf("refreshing views: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return err
	}

	if err := p.sendRowDescription(backend, columnTypes); err != nil {
		return err
	}

	values := make([]interface{}, len(columnTypes))
	scanArgs := make([]interface{}, len(columnTypes))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanArgs...); err != nil {
			return err
		}
		dataRow := &pgproto3.DataRow{Values: make([][]byte, len(columnTypes))}
		for i, val := range values {
			if val == nil {
				dataRow.Values[i] = nil
				continue
			}
			dataRow.Values[i] = []byte(fmt.Sprintf("%v", val))
		}
		backend.Send(dataRow)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	backend.Send(&pgproto3.CommandComplete{CommandTag: []byte("SELECT")})
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	return backend.Flush()
}

func (p *DuckDBProxy) refreshViews(ctx context.Context) error {
	p.mu.Lock()
	views := append([]Registration(nil), p.views...)
	p.mu.Unlock()

	for _, v := range views {
		snap, err := snapshot.New(ctx, p.catalog, v.TableID)
		if err != nil {
			return fmt.Errorf("opening snapshot for %s: %w", v.ViewName, err)
		}
		files, _, err := snap.FilesForScan(ctx, planner.True{})
		if err != nil {
			return fmt.Errorf("resolving files for %s: %w", v.ViewName, err)
		}
		if len(files) == 0 {
			continue
		}
		paths := make([]string, len(files))
		for i, f := range files {
			paths[i] = fmt.Sprintf("'%s'", f.Path)
		}
		stmt := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet([%s])", v.ViewName, joinComma(paths))
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("registering view %s: %w", v.ViewName, err)
		}
	}
	return nil
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

func (p *DuckDBProxy) sendRowDescription(backend *pgproto3.Backend, columns []*sql.ColumnType) error {
	fields := make([]pgproto3.FieldDescription, len(columns))
	for i, col := range columns {
		dataTypeOID := uint32(25)
		if name := col.DatabaseTypeName(); name != "" {
			dataTypeOID = mapDataTypeToOID(name)
		}
		fields[i] = pgproto3.FieldDescription{
			Name:         []byte(col.Name()),
			DataTypeOID:  dataTypeOID,
			DataTypeSize: -1,
			TypeModifier: -1,
		}
	}
	backend.Send(&pgproto3.RowDescription{Fields: fields})
	return backend.Flush()
}

func (p *DuckDBProxy) sendError(backend *pgproto3.Backend, err error) {
	backend.Send(&pgproto3.ErrorResponse{Severity: "ERROR", Code: "XX000", Message: err.Error()})
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	_ = backend.Flush()
}

func mapDataTypeToOID(databaseTypeName string) uint32 {
	switch databaseTypeName {
	case "BOOL":
		return 16
	case "INT8":
		return 20
	case "INT4":
		return 23
	case "FLOAT4":
		return 700
	case "FLOAT8":
		return 701
	case "VARCHAR", "TEXT":
		return 25
	case "DATE":
		return 1082
	case "TIMESTAMP":
		return 1114
	default:
		return 25
	}
}
