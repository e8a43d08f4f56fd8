// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package stats owns table statistics: per-column (and per-index-prefix)
// histograms and density vectors, their freshness metadata, and the
// versioned store that publishes them to the optimizer.
package stats

import (
	"fmt"
	"strings"
	"time"

	"github.com/stratumdb/stratum/pkg/sql/opt"
	"github.com/stratumdb/stratum/pkg/sql/opt/cat"
)

// Mode selects how a statistic is collected.
type Mode uint8

const (
	// Sampled builds the statistic from a row sample and a distinct-count
	// sketch. Cheaper but approximate.
	Sampled Mode = iota

	// Full builds the statistic from a complete scan, yielding an exact
	// histogram and density vector.
	Full
)

func (m Mode) String() string {
	if m == Full {
		return "full"
	}
	return "sampled"
}

// Target identifies the column set a statistic describes. Columns is ordered:
// for index-prefix targets the order is the index key order, and the density
// vector carries one entry per prefix of it.
type Target struct {
	Table   opt.TableID
	Columns []opt.ColumnID
}

// MakeTarget returns a target for the given table and columns.
func MakeTarget(table opt.TableID, cols ...opt.ColumnID) Target {
	return Target{Table: table, Columns: cols}
}

// Key returns a canonical string form usable as a map key.
func (t Target) Key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d(", t.Table)
	for i, c := range t.Columns {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", c)
	}
	b.WriteByte(')')
	return b.String()
}

func (t Target) String() string { return t.Key() }

// DensityEntry maps a prefix of the target's column set to its uniqueness
// ratio: 1 / (number of distinct values of that prefix).
type DensityEntry struct {
	// PrefixLen is the number of leading target columns the entry covers.
	PrefixLen int `json:"prefix_len"`

	// Density is 1/distinct-count. Smaller is more selective.
	Density float64 `json:"density"`
}

// TableStatistic is one immutable, versioned statistics object. A refresh
// produces a new TableStatistic and atomically publishes it as the current
// version for its target; existing readers keep using the version they
// borrowed.
type TableStatistic struct {
	Target Target

	// RowCount is the table row count observed at build time.
	RowCount uint64

	// ModCountAtBuild is the table's modification counter at build time.
	// The store resets the running counter on publication, so this is
	// normally zero; staleness compares the running counter against
	// RowCount.
	ModCountAtBuild uint64

	// Version is the store-assigned version of this object. Strictly
	// increasing across refreshes of the same target.
	Version uint64

	// BuildMode records whether the statistic was sampled or exact.
	BuildMode Mode

	// CreatedAt is the build timestamp.
	CreatedAt time.Time

	// DistinctCount is the estimated number of distinct values of the full
	// target column set.
	DistinctCount uint64

	// NullCount is the number of rows with a null in any target column.
	NullCount uint64

	// Histogram describes the value distribution of the first target
	// column. Empty for multi-column targets built without one.
	Histogram []cat.HistogramBucket

	// Densities has one entry per prefix of Target.Columns.
	Densities []DensityEntry

	// Min and Max bound the observed values of the first target column.
	Min, Max float64
}

// Density returns the uniqueness ratio for the given prefix length, or
// (0, false) if the statistic does not cover it.
func (ts *TableStatistic) Density(prefixLen int) (float64, bool) {
	for _, d := range ts.Densities {
		if d.PrefixLen == prefixLen {
			return d.Density, true
		}
	}
	return 0, false
}

func (ts *TableStatistic) String() string {
	return fmt.Sprintf("statistic{target=%s version=%d rows=%d distinct=%d mode=%s buckets=%d}",
		ts.Target, ts.Version, ts.RowCount, ts.DistinctCount, ts.BuildMode, len(ts.Histogram))
}
