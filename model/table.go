package model

import (
	"fmt"
	"net/url"
	"strings"
)

// Table is the catalog's description of a table (§3).
type Table struct {
	TableID               TableID           `json:"-"`
	Namespace             string            `json:"namespace"`
	ShortName             string            `json:"short_name,omitempty"`
	Path                  string            `json:"path"`
	Schema                Schema            `json:"schema"`
	RangePartitionColumns []string          `json:"range_partition_columns"`
	HashPartitionColumns  []string          `json:"hash_partition_columns"`
	HashBucketCount       int               `json:"hash_bucket_count"`
	Properties            map[string]string `json:"properties"`
	CDCColumn             string            `json:"cdc_column,omitempty"`
}

// Schema is a minimal column list; column types are opaque strings because
// the query-engine binding layer (out of scope here) owns the real type
// system.
type Schema struct {
	Columns []SchemaColumn `json:"columns"`
}

type SchemaColumn struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// HasColumn reports whether the schema declares the given column.
func (s Schema) HasColumn(name string) bool {
	for _, c := range s.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Validate enforces the table invariant that every partition column is
// present in the schema (§3).
func (t *Table) Validate() error {
	if t.HashBucketCount < 1 {
		return fmt.Errorf("hash_bucket_count must be >= 1, got %d", t.HashBucketCount)
	}
	for _, col := range t.RangePartitionColumns {
		if !t.Schema.HasColumn(col) {
			return fmt.Errorf("range partition column %q missing from schema", col)
		}
	}
	for _, col := range t.HashPartitionColumns {
		if !t.Schema.HasColumn(col) {
			return fmt.Errorf("hash partition column %q missing from schema", col)
		}
	}
	return nil
}

// PartitionDescriptor is the canonical "col1=v1,col2=v2" string in declared
// range-column order; "" denotes the unpartitioned singleton (§3, §6).
type PartitionDescriptor string

// Empty is the unpartitioned singleton descriptor.
const Empty PartitionDescriptor = ""

// FormatPartitionDescriptor renders values into canonical descriptor form,
// in the order given by cols, percent-escaping "," and "=" in each value.
func FormatPartitionDescriptor(cols []string, values map[string]string) (PartitionDescriptor, error) {
	if len(cols) == 0 {
		return Empty, nil
	}
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		v, ok := values[c]
		if !ok {
			return "", fmt.Errorf("missing value for partition column %q", c)
		}
		parts = append(parts, c+"="+escapePartitionValue(v))
	}
	return PartitionDescriptor(strings.Join(parts, ",")), nil
}

// ParsePartitionDescriptor parses a canonical descriptor string back into
// an ordered column->value map, preserving declaration order in keys.
func ParsePartitionDescriptor(desc PartitionDescriptor) ([]string, map[string]string, error) {
	if desc == Empty {
		return nil, map[string]string{}, nil
	}
	segments := strings.Split(string(desc), ",")
	cols := make([]string, 0, len(segments))
	values := make(map[string]string, len(segments))
	for _, seg := range segments {
		eq := strings.Index(seg, "=")
		if eq < 0 {
			return nil, nil, fmt.Errorf("malformed partition descriptor segment %q", seg)
		}
		col := seg[:eq]
		val, err := unescapePartitionValue(seg[eq+1:])
		if err != nil {
			return nil, nil, fmt.Errorf("decoding partition value for %q: %w", col, err)
		}
		cols = append(cols, col)
		values[col] = val
	}
	return cols, values, nil
}

func escapePartitionValue(v string) string {
	v = strings.ReplaceAll(v, "%", "%25")
	v = strings.ReplaceAll(v, ",", "%2C")
	v = strings.ReplaceAll(v, "=", "%3D")
	return v
}

func unescapePartitionValue(v string) (string, error) {
	v = strings.ReplaceAll(v, "%2C", ",")
	v = strings.ReplaceAll(v, "%3D", "=")
	v = strings.ReplaceAll(v, "%25", "%")
	return v, nil
}

// URLEncode renders the descriptor for use as a storage path segment (§6
// "<partition_desc-url-encoded>").
func (d PartitionDescriptor) URLEncode() string {
	return url.PathEscape(string(d))
}
