// Package resolver implements the file-set resolver (spec §4.3): it walks
// a partition's version chain and the DataCommitInfos it references to
// produce the ordered, per-bucket list of live data files for a read.
package resolver

import (
	"sort"

	"github.com/lakesoul-go/lakesoul/model"
)

// Bounds restricts the resolver to commits within (StartTS, EndTS], used
// for incremental and snapshot-at reads (§4.2, §4.3).
type Bounds struct {
	// ReadType selects the read semantics; Full ignores StartTS/EndTS.
	ReadType ReadType
	StartTS  int64
	EndTS    int64
}

type ReadType int

const (
	Full ReadType = iota
	SnapshotAt
	Incremental
)

// FullBounds is the default: no time restriction.
var FullBounds = Bounds{ReadType: Full}

type fileState struct {
	op               model.FileOp
	size             int64
	modTime          int64
	fileExistCols    string
	cdcDeletedInDelta bool
}

// Resolve walks pv.ReadFiles in order, applying each referenced commit's
// file ops, respects the compaction barrier, and returns the live,
// per-bucket-ordered file list (§4.3 steps 1-5).
//
// commits must contain every DataCommitInfo referenced by pv.ReadFiles;
// callers bulk-fetch them via catalog.Client.GetCommits (§4.5 step 2).
func Resolve(pv model.PartitionVersion, commits []model.DataCommitInfo, cdcColumn string, bounds Bounds) []model.DataFileInfo {
	byID := make(map[model.CommitID]model.DataCommitInfo, len(commits))
	for _, c := range commits {
		byID[c.CommitID] = c
	}

	// Step 3: the most recent CompactionCommit in the chain is the
	// compaction barrier. Everything added at or before it that the
	// compaction didn't itself re-add must be dropped from the live view.
	barrierIdx := -1
	for i := len(pv.ReadFiles) - 1; i >= 0; i-- {
		c, ok := byID[pv.ReadFiles[i]]
		if !ok {
			continue
		}
		if c.CommitOp == model.CompactionCommit {
			if !inBounds(c.Timestamp, bounds) {
				// an out-of-range barrier is not respected for
				// incremental/snapshot-at reads (§4.3 final paragraph):
				// only in-range barriers apply.
				continue
			}
			barrierIdx = i
			break
		}
	}

	live := make(map[string]*fileState)
	var order []string

	apply := func(c model.DataCommitInfo) {
		if !inBounds(c.Timestamp, bounds) {
			return
		}
		for _, op := range c.FileOps {
			switch op.Op {
			case model.FileAdd:
				if _, exists := live[op.Path]; !exists {
					order = append(order, op.Path)
				}
				live[op.Path] = &fileState{
					op:            model.FileAdd,
					size:          op.Size,
					modTime:       c.Timestamp,
					fileExistCols: op.FileExistCols,
				}
			case model.FileDel:
				if cdcColumn != "" {
					if s, exists := live[op.Path]; exists {
						s.cdcDeletedInDelta = true
					}
				} else {
					delete(live, op.Path)
				}
			}
		}
	}

	for i, id := range pv.ReadFiles {
		c, ok := byID[id]
		if !ok {
			continue
		}
		if barrierIdx >= 0 && i < barrierIdx {
			// superseded by the barrier: never part of the live view.
			continue
		}
		apply(c)
	}

	out := make([]model.DataFileInfo, 0, len(order))
	for _, path := range order {
		s, ok := live[path]
		if !ok || s.cdcDeletedInDelta {
			continue
		}
		role := model.RoleAdd
		if barrierIdx >= 0 {
			if bc, ok := byID[pv.ReadFiles[barrierIdx]]; ok {
				for _, op := range bc.FileOps {
					if op.Path == path && op.Op == model.FileAdd {
						role = model.RoleCompacted
					}
				}
			}
		}
		out = append(out, model.DataFileInfo{
			Path:             path,
			PartitionDesc:    pv.PartitionDesc,
			Role:             role,
			Size:             s.size,
			ModificationTime: s.modTime,
			FileExistCols:    s.fileExistCols,
			BucketID:         model.BucketIDFromPath(path),
		})
	}

	return groupAndOrder(out)
}

func inBounds(ts int64, b Bounds) bool {
	switch b.ReadType {
	case SnapshotAt:
		return ts <= b.EndTS
	case Incremental:
		return ts > b.StartTS && ts <= b.EndTS
	default:
		return true
	}
}

// groupAndOrder enforces §4.3 step 4-5: split per bucket, then within a
// bucket order compacted base first, then deltas in commit (insertion)
// order — the merge order the reader consumes.
func groupAndOrder(files []model.DataFileInfo) []model.DataFileInfo {
	byBucket := make(map[int][]model.DataFileInfo)
	var buckets []int
	for _, f := range files {
		if _, ok := byBucket[f.BucketID]; !ok {
			buckets = append(buckets, f.BucketID)
		}
		byBucket[f.BucketID] = append(byBucket[f.BucketID], f)
	}
	sort.Ints(buckets)

	out := make([]model.DataFileInfo, 0, len(files))
	for _, b := range buckets {
		group := byBucket[b]
		sort.SliceStable(group, func(i, j int) bool {
			iCompacted := group[i].Role == model.RoleCompacted
			jCompacted := group[j].Role == model.RoleCompacted
			if iCompacted != jCompacted {
				return iCompacted
			}
			return false // preserve commit order otherwise (stable sort)
		})
		out = append(out, group...)
	}
	return out
}
