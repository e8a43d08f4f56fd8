// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package xform

import (
	"math"

	"github.com/stratumdb/stratum/pkg/sql/opt"
	"github.com/stratumdb/stratum/pkg/sql/opt/memo"
)

// buildLeafCandidates enumerates the access paths of one base relation as
// uncosted node chains, bottom-up, so costing can run in parallel later. A
// full table scan is always generated; an index scan is generated when a
// predicate constrains the index's leading key column or when the index
// provides an interesting ordering for free.
func (o *Optimizer) buildLeafCandidates(relIdx int) ([][]memo.RelID, error) {
	rel := &o.shape.rels[relIdx]
	tab, err := o.catalog.Table(rel.table)
	if err != nil {
		return nil, err
	}
	baseStats, err := o.sb.BuildScan(rel.table)
	if err != nil {
		return nil, err
	}

	var chains [][]memo.RelID

	// The full scan is the always-constructible baseline, generated even
	// when the budget is already exhausted.
	o.budget.consider()
	chain := []memo.RelID{o.mem.Add(memo.RelNode{
		Op:         opt.TableScanOp,
		Table:      rel.table,
		Relational: baseStats,
	})}
	chains = append(chains, o.wrapFilter(chain, combineConjuncts(rel.filters)))

	for i := range tab.Indexes {
		idx := &tab.Indexes[i]
		if len(idx.KeyColumns) == 0 {
			continue
		}
		rng, absorbed, residual := splitIndexPredicate(idx.KeyColumns[0].Col, rel.filters)
		useful := absorbed != nil || o.orderingUseful(idx.Ordering())
		if !useful || !o.budget.consider() {
			continue
		}
		scanStats := baseStats
		if absorbed != nil {
			scanStats = o.sb.ApplyFilter(baseStats, absorbed)
		}
		idxChain := []memo.RelID{o.mem.Add(memo.RelNode{
			Op:         opt.IndexScanOp,
			Table:      rel.table,
			Index:      idx.ID,
			ScanLo:     rng.lo,
			ScanHi:     rng.hi,
			ScanLoOpen: rng.loOpen,
			ScanHiOpen: rng.hiOpen,
			Provided:   idx.Ordering(),
			Relational: scanStats,
		})}
		chains = append(chains, o.wrapFilter(idxChain, combineConjuncts(residual)))
	}
	return chains, nil
}

// wrapFilter appends a Filter node to the chain when a predicate remains.
func (o *Optimizer) wrapFilter(chain []memo.RelID, filter *opt.ScalarExpr) []memo.RelID {
	if filter == nil {
		return chain
	}
	child := o.mem.Node(chain[len(chain)-1])
	id := o.mem.Add(memo.RelNode{
		Op:         opt.FilterOp,
		Left:       chain[len(chain)-1],
		Filter:     filter,
		Provided:   child.Provided,
		Relational: o.sb.ApplyFilter(child.Relational, filter),
	})
	return append(chain, id)
}

// orderingUseful reports whether ord satisfies any interesting ordering.
func (o *Optimizer) orderingUseful(ord opt.Ordering) bool {
	for _, want := range o.interesting {
		if ord.Implies(want) {
			return true
		}
	}
	return false
}

// scanRange bounds an index scan's key range on the index's leading key
// column. An open end excludes its bound value, as produced by a strict
// comparison.
type scanRange struct {
	lo, hi         float64
	loOpen, hiOpen bool
}

// splitIndexPredicate partitions single-table conjuncts around an index's
// leading key column: comparisons on that column tighten the scan's key
// range and are absorbed; everything else stays residual, applied above the
// scan. Strict comparisons produce open range ends, so > and >= on the same
// value absorb to distinct ranges. Disjunctions and comparisons on later key
// columns are never absorbed.
func splitIndexPredicate(
	keyCol opt.ColumnID, conjuncts []*opt.ScalarExpr,
) (rng scanRange, absorbed *opt.ScalarExpr, residual []*opt.ScalarExpr) {
	rng = scanRange{lo: math.Inf(-1), hi: math.Inf(1)}
	tightenLo := func(v float64, open bool) {
		if v > rng.lo {
			rng.lo, rng.loOpen = v, open
		} else if v == rng.lo && open {
			rng.loOpen = true
		}
	}
	tightenHi := func(v float64, open bool) {
		if v < rng.hi {
			rng.hi, rng.hiOpen = v, open
		} else if v == rng.hi && open {
			rng.hiOpen = true
		}
	}
	var absorbedList []*opt.ScalarExpr
	for _, c := range conjuncts {
		if c.Op != opt.ScalarComparisonOp || c.Col != keyCol {
			residual = append(residual, c)
			continue
		}
		switch c.CmpOp {
		case opt.EqOp:
			tightenLo(c.Value, false)
			tightenHi(c.Value, false)
		case opt.LtOp:
			tightenHi(c.Value, true)
		case opt.LeOp:
			tightenHi(c.Value, false)
		case opt.GtOp:
			tightenLo(c.Value, true)
		case opt.GeOp:
			tightenLo(c.Value, false)
		default:
			residual = append(residual, c)
			continue
		}
		absorbedList = append(absorbedList, c)
	}
	return rng, combineConjuncts(absorbedList), residual
}
