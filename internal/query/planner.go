package query

import (
	"errors"
	"fmt"
)

// ErrPlan is wrapped by every planning failure — the one expected error
// from Plan, per the engine's "a plan is mandatory" contract (there is no
// full-table-scan fallback to degrade to).
var ErrPlan = errors.New("query: no index satisfies this query")

// IndexKind distinguishes the two index shapes the planner can match.
type IndexKind int

const (
	IndexSortedInverted IndexKind = iota
	IndexFullText
)

// IndexDescriptor is the planning-relevant shape of a declared secondary
// index: which schema field positions it covers, in declared order, and
// its declared position among all indexes (used for the tie-break).
type IndexDescriptor struct {
	Name     string
	Kind     IndexKind
	Fields   []int // schema field positions, in key order
	Position int   // declared order, lowest wins ties
}

// ScanKind is the plan the executor consumes.
type ScanKind int

const (
	ScanSortedInverted ScanKind = iota
	ScanFullText
)

// RangeTerm describes the single non-equality filter folded into a
// sorted-inverted scan, if any.
type RangeTerm struct {
	FieldIndex int
	Op         Op // one of OpLt/OpLte/OpGt/OpGte
	Value      Filter
}

// Plan is the planner's output: which index to scan, the equality
// prefix, the optional range term, and the sort direction to walk in.
type Plan struct {
	Index       IndexDescriptor
	Kind        ScanKind
	EqFilters   []Filter // in the index's field order, one per covered eq position
	Range       *Filter  // the range filter, if any (op is one of Lt/Lte/Gt/Gte)
	Descending  bool
	ContainsTok Filter // populated only for ScanFullText
	Residual    Filter // filters not covered by the chosen index; re-checked post-hydration
}

// Planner selects an index for a QueryExpression: collect equalities,
// collect at most one range filter, score every declared index by filters
// covered, and require a match.
type Planner struct{}

// Plan implements the four-step algorithm: collect equality filters,
// collect the single range filter, match every declared index, and select
// the one covering the most filters, ties broken by lowest Position.
// Range terms are not merged: a second range term on the same field
// (lower and upper bound together, or two of the same side) fails with
// ErrPlan, as does a range term on a different field.
func (Planner) Plan(indexes []IndexDescriptor, filter Filter, orderBy []OrderTerm) (Plan, error) {
	terms := filter.Terms()

	eqByField := map[int]Filter{}
	var rangeField = -1
	var rangeLo, rangeHi *Filter // collapsed low/high bound for the single range field
	var containsTerms []Filter
	var otherTerms []Filter

	for _, t := range terms {
		switch {
		case t.op == OpEq:
			eqByField[t.fieldI] = t
		case t.op.isRange():
			if rangeField == -1 {
				rangeField = t.fieldI
			} else if rangeField != t.fieldI {
				return Plan{}, fmt.Errorf("%w: range filters on two different fields (%d and %d) cannot be planned together", ErrPlan, rangeField, t.fieldI)
			}
			if err := mergeRangeBound(&rangeLo, &rangeHi, t); err != nil {
				return Plan{}, err
			}
		case t.op == OpFilterContains:
			containsTerms = append(containsTerms, t)
		default:
			otherTerms = append(otherTerms, t)
		}
	}

	var rangeTerm *Filter
	switch {
	case rangeLo != nil && rangeHi != nil:
		return Plan{}, fmt.Errorf("%w: field %d has both a lower and upper range bound; only one range operator is supported per field", ErrPlan, rangeField)
	case rangeLo != nil:
		rangeTerm = rangeLo
	case rangeHi != nil:
		rangeTerm = rangeHi
	}

	descending := false
	var orderField = -1
	if len(orderBy) > 0 {
		orderField = orderBy[0].FieldIndex
		descending = orderBy[0].Descending
	}

	var best *IndexDescriptor
	var bestKind ScanKind
	bestCovered := -1
	var bestEq []Filter
	var bestRange *Filter
	var bestContains Filter

	for i := range indexes {
		idx := indexes[i]
		switch idx.Kind {
		case IndexFullText:
			if len(idx.Fields) != 1 {
				continue
			}
			var match *Filter
			for j := range containsTerms {
				if containsTerms[j].fieldI == idx.Fields[0] {
					match = &containsTerms[j]
					break
				}
			}
			if match == nil {
				continue
			}
			if best == nil || bestCovered < 1 || (bestCovered == 1 && idx.Position < best.Position) {
				best = &indexes[i]
				bestKind = ScanFullText
				bestContains = *match
				bestCovered = 1
			}
		case IndexSortedInverted:
			covered, eqs, rng, ok := matchSortedInverted(idx, eqByField, rangeField, rangeTerm, orderField)
			if !ok {
				continue
			}
			if covered > bestCovered || (covered == bestCovered && (best == nil || idx.Position < best.Position)) {
				best = &indexes[i]
				bestKind = ScanSortedInverted
				bestEq = eqs
				bestRange = rng
				bestCovered = covered
			}
		}
	}

	if best == nil {
		return Plan{}, fmt.Errorf("%w: no declared index covers this filter", ErrPlan)
	}

	covered := map[int]bool{}
	for _, e := range bestEq {
		covered[e.fieldI] = true
	}
	if bestKind == ScanFullText {
		covered[bestContains.fieldI] = true
	}
	if bestRange != nil {
		covered[bestRange.fieldI] = true
	}
	var residualTerms []Filter
	for _, t := range terms {
		if !covered[t.fieldI] {
			residualTerms = append(residualTerms, t)
		}
	}
	residualTerms = append(residualTerms, otherTerms...)

	return Plan{
		Index:       *best,
		Kind:        bestKind,
		EqFilters:   bestEq,
		Range:       bestRange,
		Descending:  descending,
		ContainsTok: bestContains,
		Residual:    And(residualTerms),
	}, nil
}

// mergeRangeBound records range term t as the lower or upper bound for the
// single range field. A second lower or second upper bound is an error;
// the caller rejects a lower and an upper bound set together.
func mergeRangeBound(lo, hi **Filter, t Filter) error {
	switch t.op {
	case OpGt, OpGte:
		if *lo != nil {
			return fmt.Errorf("%w: field %d has more than one lower-bound range filter", ErrPlan, t.fieldI)
		}
		tt := t
		*lo = &tt
	case OpLt, OpLte:
		if *hi != nil {
			return fmt.Errorf("%w: field %d has more than one upper-bound range filter", ErrPlan, t.fieldI)
		}
		tt := t
		*hi = &tt
	}
	return nil
}

// matchSortedInverted checks whether idx's field prefix is covered by
// equality filters, with at most the next field taken by the range or
// sort term and every field after that unused.
func matchSortedInverted(idx IndexDescriptor, eqByField map[int]Filter, rangeField int, rangeTerm *Filter, orderField int) (covered int, eqs []Filter, rng *Filter, ok bool) {
	n := 0
	for i, fieldPos := range idx.Fields {
		if eq, has := eqByField[fieldPos]; has {
			eqs = append(eqs, eq)
			n++
			continue
		}
		// First non-equality position: may be the range field, the sort
		// field, or neither (an equality-only / order-by-only scan).
		if fieldPos == rangeField && rangeTerm != nil {
			rt := *rangeTerm
			rng = &rt
			n++
		} else if fieldPos == orderField {
			n++
		}
		// Every field after this one must be entirely unused by the query.
		for _, rest := range idx.Fields[i+1:] {
			if _, has := eqByField[rest]; has {
				return 0, nil, nil, false
			}
			if rest == rangeField && rangeTerm != nil {
				return 0, nil, nil, false
			}
		}
		return n, eqs, rng, n > 0
	}
	// Every declared field was covered by an equality filter.
	return n, eqs, nil, n > 0
}
