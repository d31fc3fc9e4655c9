package catalog

import (
	"context"
	"sort"
	"sync"

	"github.com/lakesoul-go/lakesoul/lakeerr"
	"github.com/lakesoul-go/lakesoul/model"
)

// MemoryCatalog is an in-process realization of Client backed by plain
// Go maps and a mutex, applying the exact §4.6 conflict rules PGCatalog
// applies under row locks. It is used by package tests across this repo
// (planner, resolver, commit, compaction, lifecycle) so those packages can
// be exercised without a live Postgres instance, and doubles as a
// single-process catalog for local experimentation.
type MemoryCatalog struct {
	mu sync.Mutex

	tables     map[model.TableID]*model.Table
	tableByPath map[string]model.TableID
	partitions map[model.TableID]map[model.PartitionDescriptor][]model.PartitionVersion // ordered by version
	commits    map[model.TableID]map[model.CommitID]model.DataCommitInfo
	discard    []model.DiscardedFile
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		tables:      make(map[model.TableID]*model.Table),
		tableByPath: make(map[string]model.TableID),
		partitions:  make(map[model.TableID]map[model.PartitionDescriptor][]model.PartitionVersion),
		commits:     make(map[model.TableID]map[model.CommitID]model.DataCommitInfo),
	}
}

func (m *MemoryCatalog) CreateTable(ctx context.Context, t model.Table) error {
	if err := t.Validate(); err != nil {
		return lakeerr.NewInvalidState(err.Error())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := t
	m.tables[t.TableID] = &cp
	m.tableByPath[t.Path] = t.TableID
	m.partitions[t.TableID] = make(map[model.PartitionDescriptor][]model.PartitionVersion)
	m.commits[t.TableID] = make(map[model.CommitID]model.DataCommitInfo)
	return nil
}

func (m *MemoryCatalog) GetTableInfo(ctx context.Context, tableID model.TableID) (*model.Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[tableID]
	if !ok {
		return nil, lakeerr.NewNotFound("table", tableID.String())
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryCatalog) GetTableInfoByPath(ctx context.Context, path string) (*model.Table, error) {
	m.mu.Lock()
	id, ok := m.tableByPath[path]
	m.mu.Unlock()
	if !ok {
		return nil, lakeerr.NewNotFound("table", path)
	}
	return m.GetTableInfo(ctx, id)
}

func (m *MemoryCatalog) ListPartitions(ctx context.Context, tableID model.TableID) ([]model.PartitionVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts, ok := m.partitions[tableID]
	if !ok {
		return nil, lakeerr.NewNotFound("table", tableID.String())
	}
	out := make([]model.PartitionVersion, 0, len(parts))
	descs := make([]string, 0, len(parts))
	for d := range parts {
		descs = append(descs, string(d))
	}
	sort.Strings(descs)
	for _, d := range descs {
		versions := parts[model.PartitionDescriptor(d)]
		out = append(out, versions[len(versions)-1])
	}
	return out, nil
}

func (m *MemoryCatalog) GetSinglePartition(ctx context.Context, tableID model.TableID, desc model.PartitionDescriptor, version int) (*model.PartitionVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.partitions[tableID][desc]
	if len(versions) == 0 {
		return nil, nil
	}
	if version == 0 {
		pv := versions[len(versions)-1]
		return &pv, nil
	}
	for _, pv := range versions {
		if pv.Version == version {
			cp := pv
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryCatalog) GetPartitionsByEq(ctx context.Context, tableID model.TableID, eq EqQuery) ([]model.PartitionVersion, error) {
	latest, err := m.ListPartitions(ctx, tableID)
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

func (m *MemoryCatalog) VersionUpToTS(ctx context.Context, tableID model.TableID, desc model.PartitionDescriptor, ts int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.partitions[tableID][desc]
	best := -1
	for _, pv := range versions {
		if pv.Timestamp <= ts && pv.Version > best {
			best = pv.Version
		}
	}
	return best, nil
}

func (m *MemoryCatalog) GetCommits(ctx context.Context, tableID model.TableID, ids []model.CommitID) ([]model.DataCommitInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := m.commits[tableID]
	out := make([]model.DataCommitInfo, 0, len(ids))
	for _, id := range ids {
		dc, ok := table[id]
		if !ok {
			return nil, lakeerr.NewNotFound("commit", id.String())
		}
		out = append(out, dc)
	}
	return out, nil
}

func (m *MemoryCatalog) UpdateProperties(ctx context.Context, tableID model.TableID, props map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[tableID]
	if !ok {
		return lakeerr.NewNotFound("table", tableID.String())
	}
	if t.Properties == nil {
		t.Properties = map[string]string{}
	}
	for k, v := range props {
		t.Properties[k] = v
	}
	return nil
}

func (m *MemoryCatalog) RecordDiscard(ctx context.Context, files []model.DiscardedFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discard = append(m.discard, files...)
	return nil
}

func (m *MemoryCatalog) DiscardLog() []model.DiscardedFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.DiscardedFile, len(m.discard))
	copy(out, m.discard)
	return out
}

func (m *MemoryCatalog) DropPartition(ctx context.Context, tableID model.TableID, desc model.PartitionDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.partitions[tableID][desc]
	next := 1
	if len(versions) > 0 {
		next = versions[len(versions)-1].Version + 1
	}
	m.partitions[tableID][desc] = append(versions, model.PartitionVersion{
		TableID:       tableID,
		PartitionDesc: desc,
		Version:       next,
		CommitOp:      model.DeleteCommit,
	})
	return nil
}

func (m *MemoryCatalog) Commit(ctx context.Context, env model.CommitEnvelope) (*model.CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tableID := env.TableInfoSnapshot.TableID
	if _, ok := m.partitions[tableID]; !ok {
		return nil, lakeerr.NewNotFound("table", tableID.String())
	}

	linked := make([]model.PartitionVersion, 0, len(env.NewPartitionVersions))
	for _, want := range env.NewPartitionVersions {
		versions := m.partitions[tableID][want.PartitionDesc]
		var current *model.PartitionVersion
		if len(versions) > 0 {
			current = &versions[len(versions)-1]
		}
		readVersion := findReadVersion(env.ReadPartitionVersions, want.PartitionDesc)
		target, conflict := resolveConflict(env.CommitType, current, readVersion)
		if conflict != nil {
			return nil, lakeerr.NewConflict(conflict)
		}
		pv := want
		pv.Version = target
		pv.ReadFiles = landedReadFiles(env.CommitType, current, readVersion, want, env)
		m.partitions[tableID][want.PartitionDesc] = append(versions, pv)
		linked = append(linked, pv)
	}

	for _, dc := range env.DataCommits {
		dc.Committed = true
		m.commits[tableID][dc.CommitID] = dc
	}

	return &model.CommitResult{PartitionVersions: linked}, nil
}
