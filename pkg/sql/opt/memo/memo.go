// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package memo stores the forest of candidate physical plans built during
// enumeration. Nodes live in an arena and reference children by index, so
// dynamic-programming memoization can share subplans across candidates
// without ownership conflicts.
package memo

import (
	"fmt"
	"math"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/stratumdb/stratum/pkg/sql/opt"
	"github.com/stratumdb/stratum/pkg/sql/opt/props"
)

// RelID addresses a physical plan node within its Memo. 0 is invalid.
type RelID int32

// RelNode is one candidate physical operator. It is a tagged variant
// dispatched on Op; which fields are meaningful depends on the operator.
// Children are RelIDs into the owning memo, never pointers.
type RelNode struct {
	Op opt.PhysicalOp

	// Left is the only input of unary operators and the outer (or build)
	// input of joins. Right is the inner (or probe) input of joins.
	Left  RelID
	Right RelID

	// Scan fields.
	Table opt.TableID
	Index opt.IndexID

	// ScanLo and ScanHi bound an index scan's key range on the index's
	// first column. Infinities mean unbounded. An open end excludes the
	// bound value, as produced by a strict comparison.
	ScanLo, ScanHi         float64
	ScanLoOpen, ScanHiOpen bool

	// Filter is the residual predicate of a Filter node, or the part of a
	// scan's predicate not absorbed by the index range.
	Filter *opt.ScalarExpr

	// Join fields.
	JoinKind opt.JoinKind
	On       []opt.JoinEquality

	// Aggregation fields.
	GroupCols opt.ColSet
	Aggs      []opt.Aggregation

	// SortOrder is the ordering produced by a Sort or required by a Top.
	SortOrder opt.Ordering

	// Limit is the row limit of a Top, or the bound of a bounded Sort
	// (0 = unbounded).
	Limit int64

	// Provided is the ordering this subtree's output is known to have.
	Provided opt.Ordering

	// Relational is the estimated statistics of the subtree's output.
	Relational props.Statistics

	// Cost is the estimated cost of the subtree rooted here.
	Cost Cost

	// Seq is the enumeration sequence number, assigned when the node is
	// added. Plans generated earlier win cost ties.
	Seq int64
}

// Memo is the arena holding every candidate plan node built during one
// optimization request. It is request-local: no synchronization needed.
type Memo struct {
	nodes []RelNode
}

// NewMemo returns an empty arena.
func NewMemo() *Memo {
	// Index 0 is reserved as the invalid RelID.
	return &Memo{nodes: make([]RelNode, 1, 64)}
}

// Add copies the node into the arena and returns its ID.
func (m *Memo) Add(n RelNode) RelID {
	n.Seq = int64(len(m.nodes))
	m.nodes = append(m.nodes, n)
	return RelID(len(m.nodes) - 1)
}

// Node returns a pointer to the node with the given ID. The pointer stays
// valid only until the next Add.
func (m *Memo) Node(id RelID) *RelNode {
	if id <= 0 || int(id) >= len(m.nodes) {
		panic(errors.AssertionFailedf("invalid memo node id %d", id))
	}
	return &m.nodes[id]
}

// Size returns the number of nodes in the arena.
func (m *Memo) Size() int {
	return len(m.nodes) - 1
}

// PlanNode is the owned physical operator tree handed to the execution
// engine, extracted from the memo once a winning plan is selected. Each node
// carries its cost estimate for cache bookkeeping and observability.
type PlanNode struct {
	Op         opt.PhysicalOp
	Table      opt.TableID
	Index      opt.IndexID
	ScanLo     float64
	ScanHi     float64
	ScanLoOpen bool
	ScanHiOpen bool
	Filter     *opt.ScalarExpr
	JoinKind   opt.JoinKind
	On         []opt.JoinEquality

	GroupCols opt.ColSet
	Aggs      []opt.Aggregation
	SortOrder opt.Ordering
	Limit     int64

	Cost     Cost
	Children []*PlanNode
}

// ExtractPlan materializes the subtree rooted at id into an owned PlanNode
// tree, detached from the arena.
func (m *Memo) ExtractPlan(id RelID) *PlanNode {
	n := m.Node(id)
	p := &PlanNode{
		Op:         n.Op,
		Table:      n.Table,
		Index:      n.Index,
		ScanLo:     n.ScanLo,
		ScanHi:     n.ScanHi,
		ScanLoOpen: n.ScanLoOpen,
		ScanHiOpen: n.ScanHiOpen,
		Filter:     n.Filter,
		JoinKind:   n.JoinKind,
		On:         n.On,
		GroupCols:  n.GroupCols,
		Aggs:       n.Aggs,
		SortOrder:  n.SortOrder,
		Limit:      n.Limit,
		Cost:       n.Cost,
	}
	if n.Left != 0 {
		p.Children = append(p.Children, m.ExtractPlan(n.Left))
	}
	if n.Right != 0 {
		p.Children = append(p.Children, m.ExtractPlan(n.Right))
	}
	return p
}

// String renders the plan as an indented operator tree with per-node
// estimates.
func (p *PlanNode) String() string {
	var b strings.Builder
	p.format(&b, 0)
	return b.String()
}

func (p *PlanNode) format(b *strings.Builder, level int) {
	indent := strings.Repeat("  ", level)
	fmt.Fprintf(b, "%s%s", indent, p.Op)
	switch p.Op {
	case opt.TableScanOp:
		fmt.Fprintf(b, " table=%d", p.Table)
	case opt.IndexScanOp:
		fmt.Fprintf(b, " table=%d index=%d", p.Table, p.Index)
		if !math.IsInf(p.ScanLo, -1) || !math.IsInf(p.ScanHi, 1) {
			loBrace, hiBrace := "[", "]"
			if p.ScanLoOpen {
				loBrace = "("
			}
			if p.ScanHiOpen {
				hiBrace = ")"
			}
			fmt.Fprintf(b, " range=%s%v,%v%s", loBrace, p.ScanLo, p.ScanHi, hiBrace)
		}
	case opt.FilterOp:
		fmt.Fprintf(b, " %s", p.Filter)
	case opt.HashAggregateOp, opt.StreamAggregateOp:
		fmt.Fprintf(b, " group=%s", p.GroupCols)
	case opt.PhysicalSortOp:
		fmt.Fprintf(b, " order=%s", p.SortOrder)
		if p.Limit > 0 {
			fmt.Fprintf(b, " bound=%d", p.Limit)
		}
	case opt.PhysicalTopOp:
		fmt.Fprintf(b, " limit=%d", p.Limit)
	}
	fmt.Fprintf(b, "  (%s)\n", p.Cost)
	for _, c := range p.Children {
		c.format(b, level+1)
	}
}

// Equal reports whether two extracted plans are structurally identical,
// including operator parameters. Used to verify deterministic selection and
// cache round-trips.
func (p *PlanNode) Equal(other *PlanNode) bool {
	if p == nil || other == nil {
		return p == other
	}
	if p.Op != other.Op || p.Table != other.Table || p.Index != other.Index ||
		p.ScanLo != other.ScanLo || p.ScanHi != other.ScanHi ||
		p.ScanLoOpen != other.ScanLoOpen || p.ScanHiOpen != other.ScanHiOpen ||
		p.JoinKind != other.JoinKind || p.Limit != other.Limit {
		return false
	}
	if !p.Filter.Equal(other.Filter) || !p.GroupCols.Equals(other.GroupCols) ||
		!p.SortOrder.Equals(other.SortOrder) {
		return false
	}
	if len(p.On) != len(other.On) || len(p.Aggs) != len(other.Aggs) ||
		len(p.Children) != len(other.Children) {
		return false
	}
	for i := range p.On {
		if p.On[i] != other.On[i] {
			return false
		}
	}
	for i := range p.Aggs {
		if p.Aggs[i] != other.Aggs[i] {
			return false
		}
	}
	for i := range p.Children {
		if !p.Children[i].Equal(other.Children[i]) {
			return false
		}
	}
	return true
}
