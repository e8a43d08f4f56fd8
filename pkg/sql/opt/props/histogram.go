// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package props

import (
	"bytes"
	"math"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/stratumdb/stratum/pkg/sql/opt"
	"github.com/stratumdb/stratum/pkg/sql/opt/cat"
)

// Histogram captures the distribution of values for a particular column
// within a relational expression. Histograms are immutable.
type Histogram struct {
	col     opt.ColumnID
	buckets []cat.HistogramBucket
}

// Init initializes the histogram with buckets from the statistics store.
func (h *Histogram) Init(col opt.ColumnID, buckets []cat.HistogramBucket) {
	h.col = col
	h.buckets = buckets
}

// BucketCount returns the number of buckets in the histogram.
func (h *Histogram) BucketCount() int {
	return len(h.buckets)
}

// ValuesCount returns the total number of values in the histogram.
func (h *Histogram) ValuesCount() float64 {
	var count float64
	for i := range h.buckets {
		count += h.buckets[i].NumRange
		count += h.buckets[i].NumEq
	}
	return count
}

// DistinctValuesCount returns the estimated number of distinct values in the
// histogram.
func (h *Histogram) DistinctValuesCount() float64 {
	var count float64
	for i := range h.buckets {
		b := &h.buckets[i]
		count += b.DistinctRange
		if b.NumEq > 1 {
			count++
		} else {
			count += b.NumEq
		}
	}
	return count
}

// RangeSelectivity estimates the fraction of rows with values between lo
// and hi. An open end excludes its bound value; use math.Inf for an
// unbounded end. The estimate interpolates within partially covered buckets
// by the fraction of the bucket's value span that the range covers, and is
// clamped to [0, 1].
func (h *Histogram) RangeSelectivity(lo, hi float64, loOpen, hiOpen bool) float64 {
	total := h.ValuesCount()
	if total == 0 || len(h.buckets) == 0 {
		return 0
	}
	if hi < lo || (hi == lo && (loOpen || hiOpen)) {
		return 0
	}

	var matched float64
	// The first bucket's upper bound doubles as the histogram lower bound.
	lowerBound := h.buckets[0].UpperBound
	for i := range h.buckets {
		b := &h.buckets[i]
		// Rows equal to the bucket boundary. An open end excludes the
		// boundary rows when it lands exactly on it.
		aboveLo := b.UpperBound > lo || (b.UpperBound == lo && !loOpen)
		belowHi := b.UpperBound < hi || (b.UpperBound == hi && !hiOpen)
		if aboveLo && belowHi {
			matched += b.NumEq
		}
		if i > 0 && b.NumRange > 0 {
			// Overlap of (lowerBound, UpperBound) with [lo, hi].
			spanLo := math.Max(lowerBound, lo)
			spanHi := math.Min(b.UpperBound, hi)
			if spanHi > spanLo {
				span := b.UpperBound - lowerBound
				frac := 1.0
				if span > 0 {
					frac = (spanHi - spanLo) / span
				}
				if frac > 1 {
					frac = 1
				}
				matched += b.NumRange * frac
			}
		}
		lowerBound = b.UpperBound
	}

	return ClampSelectivity(matched / total)
}

// String renders the histogram as a table, one row per bucket.
func (h *Histogram) String() string {
	var buf bytes.Buffer
	w := tablewriter.NewWriter(&buf)
	w.SetHeader([]string{"upper bound", "eq", "range", "distinct range"})
	w.SetAutoFormatHeaders(false)
	w.SetBorder(false)
	for i := range h.buckets {
		b := &h.buckets[i]
		w.Append([]string{
			strconv.FormatFloat(b.UpperBound, 'g', 6, 64),
			strconv.FormatFloat(b.NumEq, 'f', 1, 64),
			strconv.FormatFloat(b.NumRange, 'f', 1, 64),
			strconv.FormatFloat(b.DistinctRange, 'f', 1, 64),
		})
	}
	w.Render()
	return buf.String()
}
