// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package opt

import (
	"fmt"

	"github.com/cockroachdb/redact"
)

// LogicalOp enumerates the operators that can appear in a bound logical query
// tree. The tree is produced by the binder and is immutable once handed to the
// optimizer.
type LogicalOp uint8

const (
	UnknownLogicalOp LogicalOp = iota

	// ScanOp reads all rows of a table.
	ScanOp

	// SelectOp filters its input by a scalar predicate.
	SelectOp

	// JoinOp combines two inputs on an equality predicate. The join kind
	// (inner or outer) is carried by the node, not the operator.
	JoinOp

	// GroupByOp groups its input on a set of columns and computes aggregates.
	GroupByOp

	// SortOp orders its input on a set of columns.
	SortOp

	// TopOp returns the first N rows of its input.
	TopOp

	NumLogicalOps
)

var logicalOpNames = [NumLogicalOps]string{
	UnknownLogicalOp: "unknown",
	ScanOp:           "scan",
	SelectOp:         "select",
	JoinOp:           "join",
	GroupByOp:        "group-by",
	SortOp:           "sort",
	TopOp:            "top",
}

func (op LogicalOp) String() string {
	if op >= NumLogicalOps {
		return fmt.Sprintf("logical-op(%d)", op)
	}
	return logicalOpNames[op]
}

// SafeValue implements the redact.SafeValue interface.
func (op LogicalOp) SafeValue() {}

// PhysicalOp enumerates the execution strategies the optimizer can choose
// from. Each physical plan node names exactly one of these.
type PhysicalOp uint8

const (
	UnknownPhysicalOp PhysicalOp = iota

	// TableScanOp is a full sequential scan of a table's rows.
	TableScanOp

	// IndexScanOp reads a contiguous key range of an index and fetches the
	// qualifying rows.
	IndexScanOp

	// FilterOp applies a residual predicate to its input.
	FilterOp

	// NestedLoopJoinOp probes the inner input once per outer row. Always
	// eligible.
	NestedLoopJoinOp

	// MergeJoinOp merges two inputs that are sorted on the join key.
	MergeJoinOp

	// HashJoinOp builds a hash table on one side and probes it with the
	// other.
	HashJoinOp

	// StreamAggregateOp aggregates an input that is already sorted on the
	// grouping key.
	StreamAggregateOp

	// HashAggregateOp aggregates by hashing grouping keys. Always eligible.
	HashAggregateOp

	// PhysicalSortOp orders its input; used when no child provides the
	// required ordering. Bounded to the limit when a Top follows.
	PhysicalSortOp

	// PhysicalTopOp returns the first N rows of an already-ordered input.
	PhysicalTopOp

	NumPhysicalOps
)

var physicalOpNames = [NumPhysicalOps]string{
	UnknownPhysicalOp: "unknown",
	TableScanOp:       "table-scan",
	IndexScanOp:       "index-scan",
	FilterOp:          "filter",
	NestedLoopJoinOp:  "nested-loop-join",
	MergeJoinOp:       "merge-join",
	HashJoinOp:        "hash-join",
	StreamAggregateOp: "stream-aggregate",
	HashAggregateOp:   "hash-aggregate",
	PhysicalSortOp:    "sort",
	PhysicalTopOp:     "top",
}

func (op PhysicalOp) String() string {
	if op >= NumPhysicalOps {
		return fmt.Sprintf("physical-op(%d)", op)
	}
	return physicalOpNames[op]
}

// SafeValue implements the redact.SafeValue interface.
func (op PhysicalOp) SafeValue() {}

var _ redact.SafeValue = ScanOp
var _ redact.SafeValue = TableScanOp
