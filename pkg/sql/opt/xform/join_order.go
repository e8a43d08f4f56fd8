// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package xform

import (
	"context"
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/stratumdb/stratum/pkg/sql/opt"
	"github.com/stratumdb/stratum/pkg/sql/opt/memo"
	"github.com/stratumdb/stratum/pkg/sql/opt/props"
)

// joinEdge is one equality predicate oriented against the base-relation
// indexes it connects: eq.LeftCol belongs to rels[a], eq.RightCol to
// rels[b].
type joinEdge struct {
	a, b int
	eq   opt.JoinEquality
}

// optimizeJoins produces the retained plans for the full join of all base
// relations. Inner-join-only queries are reordered: exhaustively via
// dynamic programming over relation subsets when the relation count is
// within JoinOrderLimit, greedily above it. A query containing an outer
// join keeps its original join shape.
func (o *Optimizer) optimizeJoins(ctx context.Context) (*planSet, error) {
	if len(o.shape.rels) == 1 {
		return o.leafSets[0], nil
	}
	if !o.shape.reorderable {
		set, _, err := o.buildFixed(o.shape.joinTree)
		return set, err
	}
	edges, err := o.buildEdges()
	if err != nil {
		return nil, err
	}
	if len(o.shape.rels) <= o.cfg.JoinOrderLimit {
		return o.dpJoinOrder(edges), nil
	}
	return o.greedyJoinOrder(edges), nil
}

// buildEdges resolves each join equality to the pair of base relations it
// connects.
func (o *Optimizer) buildEdges() ([]joinEdge, error) {
	edges := make([]joinEdge, 0, len(o.shape.eqs))
	for _, eq := range o.shape.eqs {
		a, err := o.relOfColumn(eq.LeftCol)
		if err != nil {
			return nil, err
		}
		b, err := o.relOfColumn(eq.RightCol)
		if err != nil {
			return nil, err
		}
		if a == b {
			return nil, errors.AssertionFailedf("join equality within a single relation: @%d = @%d", eq.LeftCol, eq.RightCol)
		}
		edges = append(edges, joinEdge{a: a, b: b, eq: eq})
	}
	return edges, nil
}

func (o *Optimizer) relOfColumn(col opt.ColumnID) (int, error) {
	tab, err := o.catalog.TableForColumn(col)
	if err != nil {
		return 0, err
	}
	idx, ok := o.shape.relOfTable[tab.ID]
	if !ok {
		return 0, errors.AssertionFailedf("join column @%d outside the query", col)
	}
	return idx, nil
}

// eqsBetween returns the equalities connecting the two disjoint relation
// sets, oriented so that LeftCol comes from leftMask's side.
func eqsBetween(edges []joinEdge, leftMask, rightMask uint64) []opt.JoinEquality {
	var out []opt.JoinEquality
	for _, e := range edges {
		switch {
		case leftMask&(1<<e.a) != 0 && rightMask&(1<<e.b) != 0:
			out = append(out, e.eq)
		case leftMask&(1<<e.b) != 0 && rightMask&(1<<e.a) != 0:
			out = append(out, opt.JoinEquality{LeftCol: e.eq.RightCol, RightCol: e.eq.LeftCol})
		}
	}
	return out
}

// dpJoinOrder enumerates join orders bottom-up over relation subsets,
// memoizing the retained plans of each subset. Splits without a connecting
// equality are considered only when a subset has no connected split at all,
// so cross products appear only when forced. Each subset's cardinality is
// estimated once, from its first considered split, and shared by every
// plan over that subset.
func (o *Optimizer) dpJoinOrder(edges []joinEdge) *planSet {
	n := len(o.shape.rels)
	full := uint64(1)<<n - 1
	sets := make([]*planSet, full+1)
	statsOf := make([]props.Statistics, full+1)
	for i := 0; i < n; i++ {
		sets[1<<i] = o.leafSets[i]
		statsOf[1<<i] = o.mem.Node(o.leafSets[i].best).Relational
	}

	for mask := uint64(3); mask <= full; mask++ {
		if bits.OnesCount64(mask) < 2 {
			continue
		}
		set := newPlanSet()
		haveStats := false
		// First pass considers only connected splits; the second runs only
		// if the first produced nothing.
		for _, requireEdge := range []bool{true, false} {
			for sub := (mask - 1) & mask; sub > 0; sub = (sub - 1) & mask {
				rest := mask ^ sub
				if sets[sub] == nil || sets[rest] == nil || sets[sub].best == 0 || sets[rest].best == 0 {
					continue
				}
				eqs := eqsBetween(edges, sub, rest)
				if requireEdge && len(eqs) == 0 {
					continue
				}
				if !haveStats {
					statsOf[mask] = o.sb.BuildJoin(statsOf[sub], statsOf[rest], opt.InnerJoin, eqs)
					haveStats = true
				}
				o.addJoinCandidates(set, sets[sub], sets[rest], eqs, statsOf[mask], opt.InnerJoin)
				if o.budget.exhausted() {
					sets[mask] = set
					return o.bestAvailable(sets, full)
				}
			}
			if set.best != 0 {
				break
			}
		}
		sets[mask] = set
	}
	return sets[full]
}

// bestAvailable is the budget-expiry result: the full join if any candidate
// for it was completed, nil otherwise (forcing the fallback plan).
func (o *Optimizer) bestAvailable(sets []*planSet, full uint64) *planSet {
	if sets[full] != nil && sets[full].best != 0 {
		return sets[full]
	}
	return nil
}

// greedyJoinOrder joins the pair with the smallest estimated intermediate
// result at each step, preferring connected pairs. It considers O(n³)
// candidates instead of the DP's exponential space.
func (o *Optimizer) greedyJoinOrder(edges []joinEdge) *planSet {
	type component struct {
		mask  uint64
		set   *planSet
		stats props.Statistics
	}
	comps := make([]component, len(o.shape.rels))
	for i := range o.shape.rels {
		comps[i] = component{
			mask:  1 << i,
			set:   o.leafSets[i],
			stats: o.mem.Node(o.leafSets[i].best).Relational,
		}
	}

	for len(comps) > 1 {
		bestI, bestJ := -1, -1
		bestRows := math.Inf(1)
		bestConnected := false
		var bestEqs []opt.JoinEquality
		var bestStats props.Statistics
		for i := 0; i < len(comps); i++ {
			for j := i + 1; j < len(comps); j++ {
				eqs := eqsBetween(edges, comps[i].mask, comps[j].mask)
				connected := len(eqs) > 0
				if bestConnected && !connected {
					continue
				}
				joined := o.sb.BuildJoin(comps[i].stats, comps[j].stats, opt.InnerJoin, eqs)
				if (connected && !bestConnected) || joined.RowCount < bestRows {
					bestI, bestJ = i, j
					bestRows = joined.RowCount
					bestConnected = connected
					bestEqs = eqs
					bestStats = joined
				}
			}
		}

		set := newPlanSet()
		o.addJoinCandidates(set, comps[bestI].set, comps[bestJ].set, bestEqs, bestStats, opt.InnerJoin)
		if set.best == 0 {
			return nil
		}
		comps[bestI] = component{
			mask:  comps[bestI].mask | comps[bestJ].mask,
			set:   set,
			stats: bestStats,
		}
		comps[bestJ] = comps[len(comps)-1]
		comps = comps[:len(comps)-1]
		if o.budget.exhausted() {
			break
		}
	}
	if len(comps) != 1 {
		return nil
	}
	return comps[0].set
}

// buildFixed optimizes a join tree in its original shape, choosing only the
// physical algorithm at each join. Inner joins within the tree still try
// both orientations; outer joins do not commute.
func (o *Optimizer) buildFixed(n *opt.Logical) (*planSet, props.Statistics, error) {
	switch n.Op {
	case opt.ScanOp:
		idx := o.shape.relOfTable[n.Table]
		set := o.leafSets[idx]
		return set, o.mem.Node(set.best).Relational, nil

	case opt.SelectOp:
		// Conjuncts were routed to base relations or the residual list
		// during decomposition.
		return o.buildFixed(n.Input)

	case opt.JoinOp:
		left, leftStats, err := o.buildFixed(n.Input)
		if err != nil {
			return nil, props.Statistics{}, err
		}
		right, rightStats, err := o.buildFixed(n.Right)
		if err != nil {
			return nil, props.Statistics{}, err
		}
		joined := o.sb.BuildJoin(leftStats, rightStats, n.Kind, n.On)
		set := newPlanSet()
		o.addJoinCandidates(set, left, right, n.On, joined, n.Kind)
		if n.Kind == opt.InnerJoin {
			swapped := make([]opt.JoinEquality, len(n.On))
			for i, eq := range n.On {
				swapped[i] = opt.JoinEquality{LeftCol: eq.RightCol, RightCol: eq.LeftCol}
			}
			o.addJoinCandidates(set, right, left, swapped, joined, opt.InnerJoin)
		}
		return set, joined, nil

	default:
		return nil, props.Statistics{}, errors.AssertionFailedf("unexpected operator %s in join tree", n.Op)
	}
}

// addJoinCandidates generates the physical join alternatives for one
// left/right split and adds them to out. eqs are oriented left-to-right.
//
// A nested loop join is always eligible and preserves its outer input's
// ordering, so one candidate is generated per distinct retained ordering of
// the left side. A hash join needs at least one equality; the smaller side
// builds, except that an outer join always builds its null-extending side
// so the preserved side streams through the probe. A merge join sorts both
// sides on the first equality, reusing a retained ordered plan when one
// exists.
func (o *Optimizer) addJoinCandidates(
	out *planSet, left, right *planSet, eqs []opt.JoinEquality,
	joined props.Statistics, kind opt.JoinKind,
) {
	lBest, rBest := left.best, right.best
	if lBest == 0 || rBest == 0 {
		return
	}

	addNLJ := func(outer memo.RelID) {
		if !o.budget.consider() {
			return
		}
		id := o.mem.Add(memo.RelNode{
			Op:         opt.NestedLoopJoinOp,
			Left:       outer,
			Right:      rBest,
			JoinKind:   kind,
			On:         eqs,
			Provided:   o.mem.Node(outer).Provided,
			Relational: joined,
		})
		o.coster.CostNode(o.mem, id)
		out.add(o.mem, id, o.interesting)
	}
	addNLJ(lBest)
	left.forEach(func(id memo.RelID) {
		if id != lBest && len(o.mem.Node(id).Provided) > 0 {
			addNLJ(id)
		}
	})

	if len(eqs) == 0 {
		return
	}

	if o.budget.consider() {
		build, probe := lBest, rBest
		switch {
		case kind == opt.LeftOuterJoin:
			// The null-extending side builds.
			build, probe = rBest, lBest
		case o.mem.Node(rBest).Relational.RowCount < o.mem.Node(lBest).Relational.RowCount:
			build, probe = rBest, lBest
		}
		id := o.mem.Add(memo.RelNode{
			Op:         opt.HashJoinOp,
			Left:       build,
			Right:      probe,
			JoinKind:   kind,
			On:         eqs,
			Relational: joined,
		})
		o.coster.CostNode(o.mem, id)
		out.add(o.mem, id, o.interesting)
	}

	if o.budget.consider() {
		lOrd := opt.Ordering{{Col: eqs[0].LeftCol}}
		rOrd := opt.Ordering{{Col: eqs[0].RightCol}}
		lIn := left.forOrder(lOrd)
		if lIn == 0 {
			lIn = o.addSort(lBest, lOrd, 0)
		}
		rIn := right.forOrder(rOrd)
		if rIn == 0 {
			rIn = o.addSort(rBest, rOrd, 0)
		}
		id := o.mem.Add(memo.RelNode{
			Op:         opt.MergeJoinOp,
			Left:       lIn,
			Right:      rIn,
			JoinKind:   kind,
			On:         eqs,
			Provided:   o.mem.Node(lIn).Provided,
			Relational: joined,
		})
		o.coster.CostNode(o.mem, id)
		out.add(o.mem, id, o.interesting)
	}
}

// eqsBetweenTables returns the equalities connecting newTable to any table
// in rels, oriented with newTable's column on the right. Used only by the
// fallback plan, which joins in binder order.
func (o *Optimizer) eqsBetweenTables(rels []baseRel, newTable opt.TableID) []opt.JoinEquality {
	inPrefix := func(t opt.TableID) bool {
		for i := range rels {
			if rels[i].table == t && t != newTable {
				return true
			}
		}
		return false
	}
	tableOf := func(col opt.ColumnID) opt.TableID {
		tab, err := o.catalog.TableForColumn(col)
		if err != nil {
			return 0
		}
		return tab.ID
	}
	var out []opt.JoinEquality
	for _, eq := range o.shape.eqs {
		lt, rt := tableOf(eq.LeftCol), tableOf(eq.RightCol)
		switch {
		case rt == newTable && inPrefix(lt):
			out = append(out, eq)
		case lt == newTable && inPrefix(rt):
			out = append(out, opt.JoinEquality{LeftCol: eq.RightCol, RightCol: eq.LeftCol})
		}
	}
	return out
}
