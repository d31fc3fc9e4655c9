// Package lifecycle implements TTL & lifecycle management (spec §4.8):
// sweeping partitions past their TTL into a tombstoned state, and
// deciding which pre-compaction-barrier files are eligible for physical
// deletion. Grounded directly on §4.8 — the teacher carries no TTL
// concept, so this is built as the catalog-property-driven sibling of
// compaction/planner.go.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/lakesoul-go/lakesoul/catalog"
	"github.com/lakesoul-go/lakesoul/lakeerr"
	"github.com/lakesoul-go/lakesoul/model"
)

// Thresholds mirrors the two orthogonal TTLs from table properties.
type Thresholds struct {
	PartitionTTLDays  int
	CompactionTTLDays int
}

// ThresholdsFromProperties reads partition_ttl_days/compaction_ttl_days
// off a table's properties map; both default to 0 (disabled).
func ThresholdsFromProperties(props map[string]string) Thresholds {
	return Thresholds{
		PartitionTTLDays:  propInt(props, "partition_ttl_days"),
		CompactionTTLDays: propInt(props, "compaction_ttl_days"),
	}
}

func propInt(props map[string]string, key string) int {
	v, ok := props[key]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// Sweeper drives both TTL passes for one table.
type Sweeper struct {
	catalog catalog.Client
}

func NewSweeper(client catalog.Client) *Sweeper {
	return &Sweeper{catalog: client}
}

// SweepPartitions tombstones every partition whose latest-version
// timestamp is older than now-PartitionTTLDays, writing a delete-all
// PartitionVersion via DropPartition (§4.8).
func (s *Sweeper) SweepPartitions(ctx context.Context, table *model.Table, now time.Time) (int, error) {
	th := ThresholdsFromProperties(table.Properties)
	if th.PartitionTTLDays <= 0 {
		return 0, nil
	}
	if len(table.RangePartitionColumns) == 0 {
		return 0, lakeerr.NewInvalidState("partition TTL sweep on a table without range partition columns")
	}
	cutoff := now.AddDate(0, 0, -th.PartitionTTLDays).UnixMilli()

	partitions, err := s.catalog.ListPartitions(ctx, table.TableID)
	if err != nil {
		return 0, fmt.Errorf("listing partitions: %w", err)
	}

	tombstoned := 0
	for _, pv := range partitions {
		if pv.Timestamp >= cutoff {
			continue
		}
		if err := s.catalog.DropPartition(ctx, table.TableID, pv.PartitionDesc); err != nil {
			return tombstoned, fmt.Errorf("tombstoning partition %q: %w", pv.PartitionDesc, err)
		}
		tombstoned++
	}
	return tombstoned, nil
}

// EligibleForDeletion reports whether a pre-compaction-barrier file (one
// superseded by a CompactionCommit and recorded in the discard log) has
// aged past compaction_ttl_days and may be physically removed; the
// discard log entry is the authoritative record, not the live file list
// (§4.8).
func EligibleForDeletion(th Thresholds, discarded model.DiscardedFile, now time.Time) bool {
	if th.CompactionTTLDays <= 0 {
		return false
	}
	cutoff := now.AddDate(0, 0, -th.CompactionTTLDays).UnixMilli()
	return discarded.Timestamp < cutoff
}

// SweepDiscardLog partitions a table's discard log into files eligible
// for deletion now and those still within their TTL window. Physical
// deletion is left to the caller's storage backend; this only decides
// eligibility (§7 "StorageError... the bucket is abandoned" never
// applies here — the discard log already holds committed leaks).
func SweepDiscardLog(th Thresholds, log_ []model.DiscardedFile, now time.Time) (eligible, remaining []model.DiscardedFile) {
	for _, f := range log_ {
		if EligibleForDeletion(th, f, now) {
			eligible = append(eligible, f)
		} else {
			remaining = append(remaining, f)
		}
	}
	return eligible, remaining
}

// LogSweepSummary is a small helper callers use to report a sweep pass
// without duplicating the log line at every call site.
func LogSweepSummary(tableID model.TableID, tombstoned, eligible int) {
	log.Printf("lifecycle: table %s: tombstoned %d partitions, %d discard entries eligible for deletion", tableID, tombstoned, eligible)
}
