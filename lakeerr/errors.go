// Package lakeerr defines the structured error kinds the core surfaces to
// callers (spec §7). The catalog client translates Postgres-level errors
// into these the same way the teacher's replication loop translates
// *pgconn.PgError codes into retry/ignore decisions.
package lakeerr

import (
	"errors"
	"fmt"

	"github.com/lakesoul-go/lakesoul/model"
)

// NotFoundError covers a missing table, partition, or commit.
type NotFoundError struct {
	Kind string // "table" | "partition" | "commit"
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

func NewNotFound(kind, key string) error {
	return &NotFoundError{Kind: kind, Key: key}
}

// ConflictError wraps a catalog-detected commit conflict (§4.6).
type ConflictError struct {
	*model.Conflict
}

func NewConflict(c *model.Conflict) error {
	return &ConflictError{c}
}

func (e *ConflictError) Unwrap() error { return e.Conflict }

// InvalidStateError covers planner/partition misuse that must never be
// retried (§7): a predicate referencing a non-partition column where the
// planner path requires one, or dropping a partition on a non-partitioned
// table.
type InvalidStateError struct {
	Reason string
}

func (e *InvalidStateError) Error() string {
	return "invalid state: " + e.Reason
}

func NewInvalidState(reason string) error {
	return &InvalidStateError{Reason: reason}
}

// CatalogUnavailableError covers transient catalog connectivity failures;
// callers retry with bounded backoff before surfacing this.
type CatalogUnavailableError struct {
	Cause error
}

func (e *CatalogUnavailableError) Error() string {
	return fmt.Sprintf("catalog unavailable: %v", e.Cause)
}

func (e *CatalogUnavailableError) Unwrap() error { return e.Cause }

func NewCatalogUnavailable(cause error) error {
	return &CatalogUnavailableError{Cause: cause}
}

// StorageError wraps a per-file failure from the external IO collaborator.
// During compaction, a StorageError abandons the bucket and its partial
// outputs enter the discard log (§7).
type StorageError struct {
	Path  string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error on %s: %v", e.Path, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

func NewStorageError(path string, cause error) error {
	return &StorageError{Path: path, Cause: cause}
}

// SchemaIncompatibleError is returned on append when the incoming file's
// schema does not additively merge and schema.autoMerge.enabled is false.
type SchemaIncompatibleError struct {
	Reason string
}

func (e *SchemaIncompatibleError) Error() string {
	return "schema incompatible: " + e.Reason
}

func NewSchemaIncompatible(reason string) error {
	return &SchemaIncompatibleError{Reason: reason}
}

// AsConflict reports whether err is (or wraps) a commit conflict and
// returns its kind.
func AsConflict(err error) (*model.Conflict, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Conflict, true
	}
	return nil, false
}

// IsRetryable reports whether a catalog caller should retry the operation
// itself rather than surface the error (§7): CatalogUnavailable up to the
// caller's own backoff budget, and StalePartition/append races which the
// commit engine rebases and retries internally.
func IsRetryable(err error) bool {
	var cu *CatalogUnavailableError
	if errors.As(err, &cu) {
		return true
	}
	if c, ok := AsConflict(err); ok {
		return c.Kind == model.ConflictStalePartition
	}
	return false
}
