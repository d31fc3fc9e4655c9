package ingest

import (
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
)

// mapTuple decodes one replication tuple into a plain record, grounded on
// the teacher's iceberg/writer.go mapTupleToRecord.
func mapTuple(tuple *pglogrepl.TupleData, rel *pglogrepl.RelationMessageV2) (map[string]interface{}, error) {
	typeMap := pgtype.NewMap()
	record := make(map[string]interface{}, len(tuple.Columns))

	for idx, col := range tuple.Columns {
		colName := rel.Columns[idx].Name
		dataType := rel.Columns[idx].DataType

		switch col.DataType {
		case 'n':
			record[colName] = nil
		case 't':
			val, err := decodeColumn(typeMap, col.Data, dataType)
			if err != nil {
				return nil, fmt.Errorf("decoding column %s: %w", colName, err)
			}
			record[colName] = val
		case 'b':
			record[colName] = col.Data
		case 'u':
			record[colName] = nil
		default:
			return nil, fmt.Errorf("unknown column data type %q for %s", col.DataType, colName)
		}
	}
	return record, nil
}

func decodeColumn(typeMap *pgtype.Map, data []byte, oid uint32) (interface{}, error) {
	dataType, ok := typeMap.TypeForOID(oid)
	if !ok {
		return string(data), nil
	}
	value, err := dataType.Codec.DecodeValue(typeMap, oid, pgtype.TextFormatCode, data)
	if err != nil {
		return nil, fmt.Errorf("decoding OID %d: %w", oid, err)
	}
	return value, nil
}
