// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package xform

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/stratumdb/stratum/pkg/sql/opt"
	"github.com/stratumdb/stratum/pkg/sql/opt/memo"
)

// Coster assigns a cost to each candidate physical operator. Cost is a pure
// function of the node's cardinality estimates and the configured resource
// weights; two calls on the same subtree always produce the same cost.
type Coster struct {
	cfg Config
}

// NewCoster returns a coster using the given constants.
func NewCoster(cfg Config) *Coster {
	return &Coster{cfg: cfg}
}

// pages converts a row count and width into a page count, at least one.
func (c *Coster) pages(rows, width float64) float64 {
	pages := rows * width / c.cfg.PageSize
	if pages < 1 {
		pages = 1
	}
	return pages
}

// CostNode computes and stores the cost of the node, assuming its children
// have already been costed. Total aggregates bottom-up: the operator's own
// IO+CPU plus each child's Total.
func (c *Coster) CostNode(m *memo.Memo, id memo.RelID) {
	n := m.Node(id)
	rows := n.Relational.RowCount
	width := n.Relational.AvgRowSize

	var cost memo.Cost
	cost.Rows = rows

	var leftRows, rightRows, leftWidth float64
	var childTotal float64
	if n.Left != 0 {
		left := m.Node(n.Left)
		leftRows = left.Relational.RowCount
		leftWidth = left.Relational.AvgRowSize
		childTotal += left.Cost.Total
		cost.MemoryBytes += left.Cost.MemoryBytes
	}
	if n.Right != 0 {
		right := m.Node(n.Right)
		rightRows = right.Relational.RowCount
		childTotal += right.Cost.Total
		cost.MemoryBytes += right.Cost.MemoryBytes
	}

	switch n.Op {
	case opt.TableScanOp:
		cost.IO = c.pages(rows, width) * c.cfg.SeqPageCost
		cost.CPU = rows * c.cfg.CPUCostPerRow

	case opt.IndexScanOp:
		// Descend the index, then fetch the qualifying rows. Fetched pages
		// are charged at the random rate: the index order generally does
		// not match the table's layout.
		cost.IO = c.cfg.IndexDescentCost + c.pages(rows, width)*c.cfg.RandPageCost
		cost.CPU = rows * c.cfg.CPUCostPerRow

	case opt.FilterOp:
		// One predicate evaluation per input row.
		cost.CPU = leftRows * c.cfg.CPUCostPerRow

	case opt.NestedLoopJoinOp:
		// The inner input is re-evaluated once per outer row beyond the
		// first; its first evaluation is already in childTotal. Cheap only
		// when the outer side is small.
		inner := m.Node(n.Right)
		rescans := leftRows - 1
		if rescans < 0 {
			rescans = 0
		}
		cost.CPU = rescans*inner.Cost.Total + rows*c.cfg.CPUCostPerRow

	case opt.HashJoinOp:
		// Left is the build side, right the probe side.
		cost.CPU = leftRows*c.cfg.HashBuildCostPerRow +
			rightRows*c.cfg.HashProbeCostPerRow +
			rows*c.cfg.CPUCostPerRow
		cost.MemoryBytes += leftRows * leftWidth

	case opt.MergeJoinOp:
		// Both inputs arrive sorted on the join key; one pass over each.
		cost.CPU = (leftRows+rightRows)*c.cfg.CPUCostPerRow + rows*c.cfg.CPUCostPerRow

	case opt.HashAggregateOp:
		cost.CPU = leftRows*c.cfg.HashBuildCostPerRow + rows*c.cfg.CPUCostPerRow
		cost.MemoryBytes += rows * width

	case opt.StreamAggregateOp:
		cost.CPU = leftRows * c.cfg.CPUCostPerRow

	case opt.PhysicalSortOp:
		inRows := math.Max(leftRows, 1)
		// A bounded sort keeps a heap of the limit's size.
		heap := inRows
		if n.Limit > 0 && float64(n.Limit) < heap {
			heap = float64(n.Limit)
		}
		cost.CPU = inRows * math.Log2(math.Max(heap, 2)) * c.cfg.SortCostPerCompare
		cost.MemoryBytes += heap * width

	case opt.PhysicalTopOp:
		cost.CPU = rows * c.cfg.CPUCostPerRow

	default:
		panic(errors.AssertionFailedf("cannot cost operator %s", n.Op))
	}

	cost.Total = cost.IO + cost.CPU + childTotal
	n.Cost = cost
}
