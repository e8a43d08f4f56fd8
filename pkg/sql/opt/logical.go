// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package opt

import (
	"fmt"
	"strings"
)

// JoinKind distinguishes inner joins from outer joins. Outer joins constrain
// both enumeration (no reordering across the null-extending side) and
// cardinality estimation (output is at least the size of the preserved side).
type JoinKind uint8

const (
	InnerJoin JoinKind = iota
	LeftOuterJoin
)

func (k JoinKind) String() string {
	if k == LeftOuterJoin {
		return "left-outer"
	}
	return "inner"
}

// ComparisonOp is the comparison in a simple predicate.
type ComparisonOp uint8

const (
	EqOp ComparisonOp = iota
	LtOp
	LeOp
	GtOp
	GeOp
)

var comparisonOpNames = [...]string{EqOp: "=", LtOp: "<", LeOp: "<=", GtOp: ">", GeOp: ">="}

func (op ComparisonOp) String() string { return comparisonOpNames[op] }

// ScalarExpr is a boolean predicate over a single row. It is a tagged variant:
// exactly one of the three shapes below is populated, selected by Op.
//
// Values are in the binder's ordered key space: the binder encodes every
// comparable datum (ints, floats, dates, decimals) to a float64 that sorts
// identically to the original value. Histograms use the same space.
type ScalarExpr struct {
	Op ScalarOp

	// Comparison fields (ScalarComparisonOp).
	Col   ColumnID
	CmpOp ComparisonOp
	Value float64

	// Children of And/Or variants.
	Children []*ScalarExpr
}

// ScalarOp tags the variant of a ScalarExpr.
type ScalarOp uint8

const (
	ScalarComparisonOp ScalarOp = iota
	ScalarAndOp
	ScalarOrOp
)

// NewComparison returns a predicate of the form col op value.
func NewComparison(col ColumnID, op ComparisonOp, value float64) *ScalarExpr {
	return &ScalarExpr{Op: ScalarComparisonOp, Col: col, CmpOp: op, Value: value}
}

// NewAnd returns the conjunction of the given predicates.
func NewAnd(children ...*ScalarExpr) *ScalarExpr {
	return &ScalarExpr{Op: ScalarAndOp, Children: children}
}

// NewOr returns the disjunction of the given predicates.
func NewOr(children ...*ScalarExpr) *ScalarExpr {
	return &ScalarExpr{Op: ScalarOrOp, Children: children}
}

// Equal reports whether two predicates are structurally identical: same
// variant, same comparison, and pairwise equal children.
func (e *ScalarExpr) Equal(other *ScalarExpr) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.Op != other.Op {
		return false
	}
	if e.Op == ScalarComparisonOp {
		return e.Col == other.Col && e.CmpOp == other.CmpOp && e.Value == other.Value
	}
	if len(e.Children) != len(other.Children) {
		return false
	}
	for i := range e.Children {
		if !e.Children[i].Equal(other.Children[i]) {
			return false
		}
	}
	return true
}

// OuterCols returns the set of columns referenced by the predicate.
func (e *ScalarExpr) OuterCols() ColSet {
	var cols []ColumnID
	var walk func(*ScalarExpr)
	walk = func(e *ScalarExpr) {
		if e.Op == ScalarComparisonOp {
			cols = append(cols, e.Col)
			return
		}
		for _, c := range e.Children {
			walk(c)
		}
	}
	walk(e)
	return MakeColSet(cols...)
}

func (e *ScalarExpr) String() string {
	switch e.Op {
	case ScalarComparisonOp:
		return fmt.Sprintf("@%d %s %v", e.Col, e.CmpOp, e.Value)
	case ScalarAndOp, ScalarOrOp:
		sep := " AND "
		if e.Op == ScalarOrOp {
			sep = " OR "
		}
		parts := make([]string, len(e.Children))
		for i, c := range e.Children {
			parts[i] = c.String()
		}
		return "(" + strings.Join(parts, sep) + ")"
	}
	return "?"
}

// JoinEquality is one equality column pair in a join predicate.
type JoinEquality struct {
	LeftCol  ColumnID
	RightCol ColumnID
}

// AggregateFunc names an aggregate computed by a GroupBy node.
type AggregateFunc uint8

const (
	CountAgg AggregateFunc = iota
	SumAgg
	MinAgg
	MaxAgg
	AvgAgg
)

var aggregateNames = [...]string{CountAgg: "count", SumAgg: "sum", MinAgg: "min", MaxAgg: "max", AvgAgg: "avg"}

func (f AggregateFunc) String() string { return aggregateNames[f] }

// Aggregation is one aggregate computation: Func applied to Arg, producing
// output column Out.
type Aggregation struct {
	Func AggregateFunc
	Arg  ColumnID
	Out  ColumnID
}

// Logical is a node of the bound logical query tree: a tagged variant
// dispatched on Op. The tree is owned by the optimization request that
// produced it and is immutable once bound. Which fields are meaningful
// depends on Op:
//
//	ScanOp:    Table
//	SelectOp:  Input, Filter
//	JoinOp:    Input (left), Right, Kind, On
//	GroupByOp: Input, GroupCols, Aggs
//	SortOp:    Input, SortOrder
//	TopOp:     Input, Limit
type Logical struct {
	Op LogicalOp

	Input *Logical
	Right *Logical

	Table     TableID
	Filter    *ScalarExpr
	Kind      JoinKind
	On        []JoinEquality
	GroupCols ColSet
	Aggs      []Aggregation
	SortOrder Ordering
	Limit     int64
}

// Tables returns the set of table IDs scanned anywhere under the node.
func (n *Logical) Tables() []TableID {
	var tabs []TableID
	var walk func(*Logical)
	walk = func(n *Logical) {
		if n == nil {
			return
		}
		if n.Op == ScanOp {
			tabs = append(tabs, n.Table)
			return
		}
		walk(n.Input)
		walk(n.Right)
	}
	walk(n)
	return tabs
}
