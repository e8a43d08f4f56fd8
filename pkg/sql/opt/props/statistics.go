// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package props holds the derived properties the optimizer attaches to plan
// subtrees: cardinality statistics and orderings.
package props

import (
	"fmt"

	"github.com/stratumdb/stratum/pkg/sql/opt"
)

// Statistics tracks the estimated cardinality of a relational subtree and
// the selectivity applied relative to its input. Estimates are deterministic
// given the statistics versions they were derived from; they never come from
// wall-clock measurement.
type Statistics struct {
	// RowCount is the estimated output cardinality. Always >= 1 for
	// non-empty inputs.
	RowCount float64

	// Selectivity is the fraction of input rows retained by the subtree's
	// filtering, in [0, 1].
	Selectivity float64

	// AvgRowSize is the estimated output row width in bytes.
	AvgRowSize float64

	// DistinctCounts records estimated distinct counts for columns where
	// statistics were available.
	DistinctCounts map[opt.ColumnID]float64
}

// Init sets up an unfiltered statistic with the given cardinality.
func (s *Statistics) Init(rowCount, avgRowSize float64) {
	s.RowCount = rowCount
	s.Selectivity = 1
	s.AvgRowSize = avgRowSize
	s.DistinctCounts = nil
}

// ApplySelectivity scales the row count by the given selectivity, clamping
// the result so an estimator never reports zero rows for a non-empty input.
func (s *Statistics) ApplySelectivity(selectivity float64) {
	s.Selectivity *= selectivity
	s.RowCount *= selectivity
	if s.RowCount < 1 {
		s.RowCount = 1
	}
}

func (s *Statistics) String() string {
	return fmt.Sprintf("[rows=%.6g, sel=%.6g]", s.RowCount, s.Selectivity)
}

// ClampSelectivity forces a selectivity into [0, 1].
func ClampSelectivity(sel float64) float64 {
	if sel < 0 {
		return 0
	}
	if sel > 1 {
		return 1
	}
	return sel
}

// ClampRowCount forces a cardinality estimate into [1, rowCount] for a
// non-empty input of rowCount rows.
func ClampRowCount(est, rowCount float64) float64 {
	if rowCount <= 0 {
		return 0
	}
	if est < 1 {
		return 1
	}
	if est > rowCount {
		return rowCount
	}
	return est
}
