// Package compaction implements the compaction planner and executor
// (spec §4.7): selecting files per hash bucket, driving the external IO
// layer to merge them, committing the result, and recording discarded
// inputs for async cleanup.
package compaction

import (
	"sort"

	"github.com/lakesoul-go/lakesoul/model"
)

// Thresholds mirrors the §6 configuration surface governing when a bucket
// becomes a compaction candidate and how its output is shaped.
type Thresholds struct {
	FileNumLimit           int   // compaction.level1.file.number.limit, default 20
	MergeSizeLimit         int64 // compaction.level1.merge.size.limit, default 1GiB
	MergeNumLimit          int   // compaction.level1.merge.num.limit, default 5
	FileSizeLimit          int64 // compaction.level.max.file.size, default 5GiB
	OnlySaveOnceCompaction bool  // only_save_once_compaction
}

// DefaultThresholds returns the §6 documented defaults.
func DefaultThresholds() Thresholds {
	const gib = 1 << 30
	return Thresholds{
		FileNumLimit:   20,
		MergeSizeLimit: gib,
		MergeNumLimit:  5,
		FileSizeLimit:  5 * gib,
	}
}

// BucketPlan is one bucket selected for compaction: the files to merge, in
// the resolver's merge order (compacted base first, then deltas in commit
// order) restricted to the subset actually selected by the tie-break
// rule below.
type BucketPlan struct {
	BucketID int
	Files    []model.DataFileInfo
}

// Plan is the output of PlanCompaction for one partition.
type Plan struct {
	PartitionDesc     model.PartitionDescriptor
	Buckets           []BucketPlan
	Rebucketing       bool
	TargetBucketCount int
}

// AlreadyCompactedNoNewDeltas reports whether a partition's current
// version is a CompactionCommit with no subsequent deltas, i.e. that
// version's ReadFiles names exactly one commit (§4.8
// only_save_once_compaction).
func AlreadyCompactedNoNewDeltas(pv model.PartitionVersion) bool {
	return pv.CommitOp == model.CompactionCommit && len(pv.ReadFiles) == 1
}

// PlanCompaction selects compaction candidates per bucket (§4.7). files
// must already be grouped and ordered as resolver.Resolve produces them.
// targetBucketCount == currentBucketCount, zero or negative means no
// rebucketing; any other positive value forces every bucket to
// participate and marks Plan.Rebucketing.
func PlanCompaction(desc model.PartitionDescriptor, files []model.DataFileInfo, currentBucketCount, targetBucketCount int, th Thresholds, alreadyCompactedNoNewDeltas bool) *Plan {
	if th.OnlySaveOnceCompaction && alreadyCompactedNoNewDeltas && targetBucketCount == currentBucketCount {
		return &Plan{PartitionDesc: desc, TargetBucketCount: targetBucketCount}
	}

	rebucketing := targetBucketCount != currentBucketCount && targetBucketCount > 0

	byBucket := make(map[int][]model.DataFileInfo)
	var bucketIDs []int
	for _, f := range files {
		if _, ok := byBucket[f.BucketID]; !ok {
			bucketIDs = append(bucketIDs, f.BucketID)
		}
		byBucket[f.BucketID] = append(byBucket[f.BucketID], f)
	}
	sort.Ints(bucketIDs)

	plan := &Plan{PartitionDesc: desc, Rebucketing: rebucketing, TargetBucketCount: targetBucketCount}
	for _, id := range bucketIDs {
		group := byBucket[id]
		if !rebucketing && !isCandidate(group, th) {
			continue
		}
		selected := selectForMerge(group, th.MergeNumLimit)
		if len(selected) == 0 {
			continue
		}
		plan.Buckets = append(plan.Buckets, BucketPlan{BucketID: id, Files: selected})
	}
	return plan
}

func isCandidate(files []model.DataFileInfo, th Thresholds) bool {
	if th.FileNumLimit > 0 && len(files) >= th.FileNumLimit {
		return true
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return th.MergeSizeLimit > 0 && total >= th.MergeSizeLimit
}

// selectForMerge applies the §4.7 tie-break ("smallest-size files first
// within a bucket; within equal size, oldest modification_time first")
// to cap how many files one compaction round merges, then restores the
// original merge order (base-first, deltas in commit order) for the
// files actually selected.
func selectForMerge(files []model.DataFileInfo, limit int) []model.DataFileInfo {
	if limit <= 0 || len(files) <= limit {
		return files
	}
	byTieBreak := append([]model.DataFileInfo(nil), files...)
	sort.SliceStable(byTieBreak, func(i, j int) bool {
		if byTieBreak[i].Size != byTieBreak[j].Size {
			return byTieBreak[i].Size < byTieBreak[j].Size
		}
		return byTieBreak[i].ModificationTime < byTieBreak[j].ModificationTime
	})
	chosen := make(map[string]bool, limit)
	for _, f := range byTieBreak[:limit] {
		chosen[f.Path] = true
	}
	out := make([]model.DataFileInfo, 0, limit)
	for _, f := range files {
		if chosen[f.Path] {
			out = append(out, f)
		}
	}
	return out
}
