package planner

import (
	"context"
	"fmt"

	"github.com/lakesoul-go/lakesoul/catalog"
	"github.com/lakesoul-go/lakesoul/lakeerr"
	"github.com/lakesoul-go/lakesoul/model"
)

// AccessPath names which catalog operation the planner chose (§4.4).
type AccessPath int

const (
	PathSinglePartition AccessPath = iota
	PathEqualityIndex
	PathListAll
)

func (p AccessPath) String() string {
	switch p {
	case PathSinglePartition:
		return "single_partition"
	case PathEqualityIndex:
		return "equality_index"
	default:
		return "list_all"
	}
}

// Result is the planner's output: the resolved partitions and whatever
// non-partition predicates must still be forwarded to the IO layer
// (§4.4, §4.5 step 4 of the read path).
type Result struct {
	AccessPath     AccessPath
	Partitions     []model.PartitionVersion
	DataPredicates []Expr
}

// Plan implements the §4.4 split/classify/access-path algorithm.
func Plan(ctx context.Context, client catalog.Client, tableID model.TableID, rangeCols []string, filter Expr) (*Result, error) {
	colSet := make(map[string]bool, len(rangeCols))
	for _, c := range rangeCols {
		colSet[c] = true
	}

	var terms []Expr
	if filter != nil {
		terms = flattenAnd(filter)
	}

	var partitionTerms, dataTerms []Expr
	for _, t := range terms {
		if isPartitionOnly(t, colSet) {
			partitionTerms = append(partitionTerms, t)
		} else {
			dataTerms = append(dataTerms, t)
		}
	}

	// Step 2: discard trivially-true partition predicates. An Eq-bound
	// column makes a later NotNull on the same column redundant.
	eqBound := make(map[string]bool)
	for _, t := range partitionTerms {
		if eq, ok := t.(Eq); ok {
			eqBound[eq.Column] = true
		}
	}
	kept := partitionTerms[:0:0]
	for _, t := range partitionTerms {
		if t.IsTriviallyTrue() {
			continue
		}
		if nn, ok := t.(NotNull); ok && eqBound[nn.Column] {
			continue
		}
		kept = append(kept, t)
	}
	partitionTerms = kept

	var eqTerms []Eq
	var orTerms []Or
	var otherTerms []Expr
	for _, t := range partitionTerms {
		switch v := t.(type) {
		case Eq:
			eqTerms = append(eqTerms, v)
		case Or:
			orTerms = append(orTerms, v)
		case NotNull:
			// non-redundant NotNull still rules out a range column with
			// no bound value: can't shape a catalog access path from it
			// alone, forward to the general path.
			otherTerms = append(otherTerms, v)
		default:
			otherTerms = append(otherTerms, v)
		}
	}

	// Step 3: classify.
	if len(orTerms) == 0 && len(otherTerms) == 0 {
		eqMap := make(map[string]string, len(eqTerms))
		for _, eq := range eqTerms {
			eqMap[eq.Column] = eq.Value
		}
		if coversAll(eqMap, rangeCols) {
			desc, err := model.FormatPartitionDescriptor(rangeCols, eqMap)
			if err != nil {
				return nil, lakeerr.NewInvalidState(err.Error())
			}
			pv, err := client.GetSinglePartition(ctx, tableID, desc, 0)
			if err != nil {
				return nil, err
			}
			var parts []model.PartitionVersion
			if pv != nil {
				parts = []model.PartitionVersion{*pv}
			}
			return &Result{AccessPath: PathSinglePartition, Partitions: parts, DataPredicates: toExprs(dataTerms)}, nil
		}
		if len(eqMap) > 0 {
			parts, err := client.GetPartitionsByEq(ctx, tableID, catalog.EqQuery(eqMap))
			if err != nil {
				return nil, err
			}
			return &Result{AccessPath: PathEqualityIndex, Partitions: parts, DataPredicates: toExprs(dataTerms)}, nil
		}
		// no partition predicates at all: enumerate everything.
		parts, err := client.ListPartitions(ctx, tableID)
		if err != nil {
			return nil, err
		}
		return &Result{AccessPath: PathListAll, Partitions: parts, DataPredicates: toExprs(dataTerms)}, nil
	}

	// Step 4 (otherwise / disjunctions): list all, evaluate client-side.
	all, err := client.ListPartitions(ctx, tableID)
	if err != nil {
		return nil, err
	}

	nonOr := make([]Expr, 0, len(eqTerms)+len(otherTerms))
	for _, eq := range eqTerms {
		nonOr = append(nonOr, eq)
	}
	nonOr = append(nonOr, otherTerms...)

	var selected []model.PartitionVersion
	if len(orTerms) == 1 {
		// §4.4 step 4: extract OR components, evaluate each batch
		// against the client-side partition catalog, union by
		// partition_desc (never by full row — §9).
		seen := make(map[model.PartitionDescriptor]bool)
		for _, branch := range orTerms[0].Terms {
			batch := append(append([]Expr{}, nonOr...), branch)
			for _, pv := range all {
				if seen[pv.PartitionDesc] {
					continue
				}
				if evalAll(batch, pv.PartitionDesc) {
					seen[pv.PartitionDesc] = true
					selected = append(selected, pv)
				}
			}
		}
	} else {
		// multiple independent ORs, or none: fall back to evaluating the
		// full partition-predicate conjunction per partition.
		combined := append(append([]Expr{}, nonOr...), orTerms...)
		for _, pv := range all {
			if evalAll(combined, pv.PartitionDesc) {
				selected = append(selected, pv)
			}
		}
	}

	return &Result{AccessPath: PathListAll, Partitions: selected, DataPredicates: toExprs(dataTerms)}, nil
}

func evalAll(terms []Expr, desc model.PartitionDescriptor) bool {
	_, values, err := model.ParsePartitionDescriptor(desc)
	if err != nil {
		return false
	}
	for _, t := range terms {
		if !t.Eval(values) {
			return false
		}
	}
	return true
}

func coversAll(eqMap map[string]string, rangeCols []string) bool {
	if len(rangeCols) == 0 {
		return false
	}
	for _, c := range rangeCols {
		if _, ok := eqMap[c]; !ok {
			return false
		}
	}
	return true
}

func flattenAnd(e Expr) []Expr {
	if a, ok := e.(And); ok {
		var out []Expr
		for _, t := range a.Terms {
			out = append(out, flattenAnd(t)...)
		}
		return out
	}
	return []Expr{e}
}

func isPartitionOnly(e Expr, colSet map[string]bool) bool {
	for _, c := range e.Columns() {
		if !colSet[c] {
			return false
		}
	}
	return true
}

func toExprs(terms []Expr) []Expr {
	if len(terms) == 0 {
		return nil
	}
	return terms
}

// RequirePartitionColumns validates that a filter used in a planner path
// requiring partition-only columns (e.g. dropPartition target resolution)
// does not reference a data column (§7 InvalidState).
func RequirePartitionColumns(e Expr, rangeCols []string) error {
	colSet := make(map[string]bool, len(rangeCols))
	for _, c := range rangeCols {
		colSet[c] = true
	}
	for _, c := range e.Columns() {
		if !colSet[c] {
			return lakeerr.NewInvalidState(fmt.Sprintf("predicate references non-partition column %q", c))
		}
	}
	return nil
}
