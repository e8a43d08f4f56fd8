// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package memo

import (
	"testing"

	"github.com/stratumdb/stratum/pkg/sql/opt"
	"github.com/stretchr/testify/require"
)

func TestMemoArena(t *testing.T) {
	m := NewMemo()
	require.Equal(t, 0, m.Size())

	scan := m.Add(RelNode{Op: opt.TableScanOp, Table: 1})
	filter := m.Add(RelNode{Op: opt.FilterOp, Left: scan})
	require.Equal(t, 2, m.Size())

	// Sequence numbers record enumeration order for tie-breaking.
	require.Less(t, m.Node(scan).Seq, m.Node(filter).Seq)
	require.Equal(t, scan, m.Node(filter).Left)

	require.Panics(t, func() { m.Node(0) })
	require.Panics(t, func() { m.Node(RelID(99)) })
}

func TestExtractPlan(t *testing.T) {
	m := NewMemo()
	left := m.Add(RelNode{Op: opt.TableScanOp, Table: 1})
	right := m.Add(RelNode{Op: opt.IndexScanOp, Table: 2, Index: 1})
	join := m.Add(RelNode{
		Op:    opt.HashJoinOp,
		Left:  left,
		Right: right,
		On:    []opt.JoinEquality{{LeftCol: 1, RightCol: 11}},
	})

	p := m.ExtractPlan(join)
	require.Equal(t, opt.HashJoinOp, p.Op)
	require.Len(t, p.Children, 2)
	require.Equal(t, opt.TableScanOp, p.Children[0].Op)
	require.Equal(t, opt.IndexScanOp, p.Children[1].Op)
	require.Equal(t, opt.TableID(2), p.Children[1].Table)

	// The extracted tree is detached: the same shape extracted twice
	// compares equal but shares nothing with the arena.
	q := m.ExtractPlan(join)
	require.True(t, p.Equal(q))
	require.NotSame(t, p, q)
}

func TestPlanNodeEqual(t *testing.T) {
	m := NewMemo()
	scan1 := m.Add(RelNode{Op: opt.TableScanOp, Table: 1})
	scan2 := m.Add(RelNode{Op: opt.TableScanOp, Table: 2})

	require.True(t, m.ExtractPlan(scan1).Equal(m.ExtractPlan(scan1)))
	require.False(t, m.ExtractPlan(scan1).Equal(m.ExtractPlan(scan2)))
	require.False(t, m.ExtractPlan(scan1).Equal(nil))
}

// TestPlanNodeEqualParameters verifies that Equal distinguishes plans that
// share a shape but differ in any operator parameter.
func TestPlanNodeEqualParameters(t *testing.T) {
	m := NewMemo()
	base := func() RelNode {
		return RelNode{Op: opt.IndexScanOp, Table: 1, Index: 1, ScanLo: 900, ScanHi: 1000}
	}
	extract := func(n RelNode) *PlanNode { return m.ExtractPlan(m.Add(n)) }

	ref := extract(base())
	require.True(t, ref.Equal(extract(base())))

	lo := base()
	lo.ScanLo = 500
	require.False(t, ref.Equal(extract(lo)))

	open := base()
	open.ScanLoOpen = true
	require.False(t, ref.Equal(extract(open)))

	filt := base()
	filt.Op = opt.FilterOp
	filt2 := filt
	filt.Filter = opt.NewComparison(2, opt.EqOp, 7)
	filt2.Filter = opt.NewComparison(2, opt.EqOp, 8)
	require.False(t, extract(filt).Equal(extract(filt2)))

	scan := m.Add(RelNode{Op: opt.TableScanOp, Table: 1})
	joinWith := func(kind opt.JoinKind, on []opt.JoinEquality) *PlanNode {
		return extract(RelNode{Op: opt.HashJoinOp, Left: scan, Right: scan, JoinKind: kind, On: on})
	}
	inner := joinWith(opt.InnerJoin, []opt.JoinEquality{{LeftCol: 2, RightCol: 11}})
	require.True(t, inner.Equal(joinWith(opt.InnerJoin, []opt.JoinEquality{{LeftCol: 2, RightCol: 11}})))
	require.False(t, inner.Equal(joinWith(opt.LeftOuterJoin, []opt.JoinEquality{{LeftCol: 2, RightCol: 11}})))
	require.False(t, inner.Equal(joinWith(opt.InnerJoin, []opt.JoinEquality{{LeftCol: 3, RightCol: 11}})))

	aggWith := func(cols opt.ColSet, aggs []opt.Aggregation) *PlanNode {
		return extract(RelNode{Op: opt.HashAggregateOp, Left: scan, GroupCols: cols, Aggs: aggs})
	}
	agg := aggWith(opt.MakeColSet(2), []opt.Aggregation{{Func: opt.CountAgg, Arg: 1, Out: 100}})
	require.True(t, agg.Equal(aggWith(opt.MakeColSet(2), []opt.Aggregation{{Func: opt.CountAgg, Arg: 1, Out: 100}})))
	require.False(t, agg.Equal(aggWith(opt.MakeColSet(3), []opt.Aggregation{{Func: opt.CountAgg, Arg: 1, Out: 100}})))
	require.False(t, agg.Equal(aggWith(opt.MakeColSet(2), []opt.Aggregation{{Func: opt.SumAgg, Arg: 1, Out: 100}})))

	sortWith := func(ord opt.Ordering) *PlanNode {
		return extract(RelNode{Op: opt.PhysicalSortOp, Left: scan, SortOrder: ord})
	}
	asc := sortWith(opt.Ordering{{Col: 3}})
	require.True(t, asc.Equal(sortWith(opt.Ordering{{Col: 3}})))
	require.False(t, asc.Equal(sortWith(opt.Ordering{{Col: 3, Descending: true}})))
}

func TestCostLess(t *testing.T) {
	a := Cost{Total: 10, MemoryBytes: 100}
	b := Cost{Total: 20, MemoryBytes: 0}
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))

	// Equal totals break the tie on memory.
	c := Cost{Total: 10, MemoryBytes: 50}
	require.True(t, c.Less(a))
	require.False(t, a.Less(c))
	require.False(t, a.Less(a))
}
