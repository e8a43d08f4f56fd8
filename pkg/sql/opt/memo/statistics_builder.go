// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package memo

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/stratumdb/stratum/pkg/sql/opt"
	"github.com/stratumdb/stratum/pkg/sql/opt/cat"
	"github.com/stratumdb/stratum/pkg/sql/opt/props"
	"github.com/stratumdb/stratum/pkg/sql/stats"
)

const (
	// unknownEqSelectivity is used for equality filters on columns without
	// statistics.
	unknownEqSelectivity = 0.30

	// unknownRangeSelectivity is the value used for inequality filters such
	// as x < 1 in "Access Path Selection in a Relational Database Management
	// System" by Pat Selinger et al.
	unknownRangeSelectivity = 1.0 / 3.0

	// unknownDistinctCountRatio is the ratio of distinct column values to
	// number of rows, used in the absence of any real statistics.
	unknownDistinctCountRatio = 0.1

	// unknownAvgRowSize is the assumed row width in bytes when the catalog
	// does not supply one.
	unknownAvgRowSize = 64
)

// StatisticsBuilder derives cardinality estimates for logical subtrees. It
// borrows one consistent statistics snapshot for the duration of a single
// optimization request: the first lookup of each target pins the version
// used for every later lookup, and the set of pinned versions is recorded
// for plan cache bookkeeping.
//
// All estimates are deterministic given the pinned statistics versions and
// the logical subtree; there is no randomness in estimation.
type StatisticsBuilder struct {
	catalog *cat.Catalog
	store   *stats.Store

	snapshot map[string]*stats.TableStatistic
	versions map[string]uint64
}

// NewStatisticsBuilder returns a builder reading from the given catalog and
// statistics store.
func NewStatisticsBuilder(catalog *cat.Catalog, store *stats.Store) *StatisticsBuilder {
	return &StatisticsBuilder{
		catalog:  catalog,
		store:    store,
		snapshot: make(map[string]*stats.TableStatistic),
		versions: make(map[string]uint64),
	}
}

// VersionsUsed returns the statistics versions pinned by this request,
// keyed by target. Targets consulted but missing are recorded as version 0,
// so that later creation of statistics invalidates cached plans built
// without them.
func (sb *StatisticsBuilder) VersionsUsed() map[string]uint64 {
	return sb.versions
}

// colStat returns the pinned single-column statistic for col, if any.
func (sb *StatisticsBuilder) colStat(col opt.ColumnID) (*stats.TableStatistic, bool) {
	tab, err := sb.catalog.TableForColumn(col)
	if err != nil {
		// Contract violation; surfaced when the scan itself is estimated.
		return nil, false
	}
	target := stats.MakeTarget(tab.ID, col)
	key := target.Key()
	if ts, ok := sb.snapshot[key]; ok {
		return ts, ts != nil
	}
	ts, ok := sb.store.Get(target)
	if !ok {
		sb.snapshot[key] = nil
		sb.versions[key] = 0
		return nil, false
	}
	sb.snapshot[key] = ts
	sb.versions[key] = ts.Version
	return ts, true
}

// distinctCount estimates the number of distinct values of col given that
// its table currently produces rowCount rows.
func (sb *StatisticsBuilder) distinctCount(col opt.ColumnID, rowCount float64) float64 {
	if ts, ok := sb.colStat(col); ok {
		if d, ok := ts.Density(1); ok && d > 0 {
			return props.ClampRowCount(1/d, rowCount)
		}
	}
	return props.ClampRowCount(rowCount*unknownDistinctCountRatio, rowCount)
}

// BuildScan returns the statistics of a table scan.
func (sb *StatisticsBuilder) BuildScan(table opt.TableID) (props.Statistics, error) {
	tab, err := sb.catalog.Table(table)
	if err != nil {
		return props.Statistics{}, err
	}
	width := float64(tab.AvgRowSize)
	if width == 0 {
		width = unknownAvgRowSize
	}
	var s props.Statistics
	s.Init(float64(tab.RowCount), width)
	return s, nil
}

// Selectivity estimates the fraction of rows satisfying the predicate,
// combining per-comparison selectivities under the independence assumption:
// conjuncts multiply, disjuncts combine as 1 - Π(1-s). Independence is a
// documented simplification; correlated predicates will be misestimated.
func (sb *StatisticsBuilder) Selectivity(e *opt.ScalarExpr) float64 {
	if e == nil {
		return 1
	}
	switch e.Op {
	case opt.ScalarComparisonOp:
		return sb.comparisonSelectivity(e)
	case opt.ScalarAndOp:
		sel := 1.0
		for _, c := range e.Children {
			sel *= sb.Selectivity(c)
		}
		return props.ClampSelectivity(sel)
	case opt.ScalarOrOp:
		noMatch := 1.0
		for _, c := range e.Children {
			noMatch *= 1 - sb.Selectivity(c)
		}
		return props.ClampSelectivity(1 - noMatch)
	}
	panic(errors.AssertionFailedf("unknown scalar op %d", e.Op))
}

func (sb *StatisticsBuilder) comparisonSelectivity(e *opt.ScalarExpr) float64 {
	ts, ok := sb.colStat(e.Col)

	if e.CmpOp == opt.EqOp {
		if ok {
			if d, dok := ts.Density(1); dok && d > 0 {
				return props.ClampSelectivity(d)
			}
		}
		return unknownEqSelectivity
	}

	// Range comparison: interpolate across the histogram steps intersecting
	// the range.
	if ok && len(ts.Histogram) > 0 {
		var h props.Histogram
		h.Init(e.Col, ts.Histogram)
		lo, hi := math.Inf(-1), math.Inf(1)
		var loOpen, hiOpen bool
		switch e.CmpOp {
		case opt.LtOp:
			hi, hiOpen = e.Value, true
		case opt.LeOp:
			hi = e.Value
		case opt.GtOp:
			lo, loOpen = e.Value, true
		case opt.GeOp:
			lo = e.Value
		}
		return h.RangeSelectivity(lo, hi, loOpen, hiOpen)
	}
	return unknownRangeSelectivity
}

// ApplyFilter returns input statistics filtered by the predicate.
func (sb *StatisticsBuilder) ApplyFilter(in props.Statistics, filter *opt.ScalarExpr) props.Statistics {
	out := in
	out.ApplySelectivity(sb.Selectivity(filter))
	return out
}

// BuildJoin estimates the cardinality of a join under the containment
// assumption: for each equality pair, the side with fewer distinct join-key
// values is assumed contained in the other, giving
//
//	rows = rows(left) × rows(right) / max(distinct(leftCol), distinct(rightCol))
//
// applied per pair. An outer join produces at least the preserved side's
// rows.
func (sb *StatisticsBuilder) BuildJoin(
	left, right props.Statistics, kind opt.JoinKind, on []opt.JoinEquality,
) props.Statistics {
	cross := left.RowCount * right.RowCount
	rows := cross
	for _, eq := range on {
		leftDistinct := sb.distinctCount(eq.LeftCol, left.RowCount)
		rightDistinct := sb.distinctCount(eq.RightCol, right.RowCount)
		maxDistinct := math.Max(leftDistinct, rightDistinct)
		if maxDistinct > 1 {
			rows /= maxDistinct
		}
	}
	if kind == opt.LeftOuterJoin && rows < left.RowCount {
		rows = left.RowCount
	}
	var out props.Statistics
	out.Init(props.ClampRowCount(rows, cross), left.AvgRowSize+right.AvgRowSize)
	return out
}

// BuildGroupBy estimates the number of groups as the product of the
// per-column distinct counts, clamped to the input cardinality. This is not
// rows times the grouping key's density: that product estimates the average
// group size rather than the group count, and column-set densities beyond
// single-column prefixes are rarely collected anyway. Multiplying distinct
// counts assumes the grouping columns are independent and lets the clamp
// bound the inevitable overestimate for correlated keys.
func (sb *StatisticsBuilder) BuildGroupBy(in props.Statistics, groupCols opt.ColSet) props.Statistics {
	groups := 1.0
	for _, col := range groupCols {
		groups *= sb.distinctCount(col, in.RowCount)
		if groups >= in.RowCount {
			groups = in.RowCount
			break
		}
	}
	if len(groupCols) == 0 {
		// Scalar aggregation produces exactly one row.
		groups = 1
	}
	var out props.Statistics
	out.Init(props.ClampRowCount(groups, in.RowCount), in.AvgRowSize)
	return out
}

// BuildTop caps cardinality at the limit.
func (sb *StatisticsBuilder) BuildTop(in props.Statistics, limit int64) props.Statistics {
	out := in
	if float64(limit) < out.RowCount {
		out.RowCount = float64(limit)
	}
	if out.RowCount < 1 {
		out.RowCount = 1
	}
	return out
}
