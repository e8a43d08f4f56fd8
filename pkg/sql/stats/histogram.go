// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package stats

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/stratumdb/stratum/pkg/sql/opt/cat"
)

// DefaultHistogramBuckets is the maximum number of histogram buckets to build
// when collecting statistics.
const DefaultHistogramBuckets = 200

// EquiDepthHistogram creates a histogram where each bucket contains roughly
// the same number of samples (though it can vary when a boundary value has
// high frequency).
//
// numRows is the total number of rows from which values were sampled.
//
// In addition to building the histogram buckets, EquiDepthHistogram also
// estimates the number of distinct values in each bucket. It distributes the
// known number of distinct values (distinctCount, typically estimated by a
// sketch) among the buckets, in proportion with the number of rows in each
// bucket.
func EquiDepthHistogram(
	samples []float64, numRows, distinctCount uint64, maxBuckets int,
) ([]cat.HistogramBucket, error) {
	if len(samples) == 0 {
		return []cat.HistogramBucket{}, nil
	}
	if distinctCount == 0 {
		return nil, errors.Errorf("histogram requires distinctCount > 0")
	}
	if maxBuckets < 2 {
		return nil, errors.Errorf("histogram requires at least two buckets")
	}
	if numRows < uint64(len(samples)) {
		return nil, errors.Errorf("more samples than rows")
	}

	h, err := equiDepthBuckets(samples, numRows, maxBuckets)
	if err != nil {
		return nil, err
	}
	adjustCounts(h, float64(numRows), float64(distinctCount))
	return h, nil
}

// equiDepthBuckets performs the core construction described in the comment
// for EquiDepthHistogram, except the counts for each bucket are not adjusted
// at the end.
func equiDepthBuckets(
	samples []float64, numRows uint64, maxBuckets int,
) ([]cat.HistogramBucket, error) {
	numSamples := len(samples)
	sorted := make([]float64, numSamples)
	copy(sorted, samples)
	sort.Float64s(sorted)

	numBuckets := maxBuckets
	if maxBuckets > numSamples {
		numBuckets = numSamples
	}
	buckets := make([]cat.HistogramBucket, 0, numBuckets)

	// i keeps track of the current sample and advances as we form buckets.
	for i, b := 0, 0; b < numBuckets && i < numSamples; b++ {
		// numSamplesInBucket is the number of samples in this bucket. The
		// first bucket has numSamplesInBucket=1 so the histogram has a clear
		// lower bound.
		numSamplesInBucket := (numSamples - i) / (numBuckets - b)
		if i == 0 || numSamplesInBucket < 1 {
			numSamplesInBucket = 1
		}
		upper := sorted[i+numSamplesInBucket-1]
		// numLess is the number of samples strictly less than upper within
		// this bucket.
		numLess := 0
		for ; numLess < numSamplesInBucket-1; numLess++ {
			if sorted[i+numLess] == upper {
				break
			}
			if sorted[i+numLess] > upper {
				return nil, errors.AssertionFailedf("samples not sorted")
			}
		}
		// Advance the boundary of the bucket to cover all samples equal to
		// upper.
		for ; i+numSamplesInBucket < numSamples; numSamplesInBucket++ {
			if sorted[i+numSamplesInBucket] != upper {
				break
			}
		}

		numEq := float64(numSamplesInBucket-numLess) * float64(numRows) / float64(numSamples)
		numRange := float64(numLess) * float64(numRows) / float64(numSamples)
		// The value domain is continuous from the histogram's point of view,
		// so within-bucket distinct counts start out equal to the range row
		// count and get reconciled against the sketch in adjustCounts.
		distinctRange := numRange

		i += numSamplesInBucket
		buckets = append(buckets, cat.HistogramBucket{
			NumEq:         numEq,
			NumRange:      numRange,
			DistinctRange: distinctRange,
			UpperBound:    upper,
		})
	}

	return buckets, nil
}

// adjustCounts adjusts the row count and number of distinct values per bucket
// so the histogram totals equal the table row count and the sketch-estimated
// distinct count.
func adjustCounts(buckets []cat.HistogramBucket, rowCountTotal, distinctCountTotal float64) {
	if len(buckets) == 0 || rowCountTotal <= 0 || distinctCountTotal <= 0 {
		return
	}

	var rowCountRange, rowCountEq float64
	// Distinct count for values strictly inside bucket boundaries.
	var distinctCountRange float64
	// Number of bucket boundaries with at least one row on the boundary.
	var distinctCountEq float64
	for i := range buckets {
		rowCountRange += buckets[i].NumRange
		rowCountEq += buckets[i].NumEq
		distinctCountRange += buckets[i].DistinctRange
		if buckets[i].NumEq > 0 {
			distinctCountEq++
		}
	}
	if rowCountRange+rowCountEq <= 0 {
		return
	}

	// If the upper bounds account for all distinct values (as estimated by
	// the sketch), clear the ranges and adjust the NumEq values to add up to
	// the row count. This is the case for low-cardinality data.
	if distinctCountEq >= distinctCountTotal {
		adjustmentFactorNumEq := rowCountTotal / rowCountEq
		for i := range buckets {
			buckets[i].NumRange = 0
			buckets[i].DistinctRange = 0
			buckets[i].NumEq *= adjustmentFactorNumEq
		}
		return
	}

	// Spread the remaining distinct count across the ranges in proportion to
	// their current estimates, then scale row counts to the total.
	remDistinct := distinctCountTotal - distinctCountEq
	if distinctCountRange > 0 {
		factor := remDistinct / distinctCountRange
		for i := range buckets {
			buckets[i].DistinctRange *= factor
		}
	} else if len(buckets) > 1 {
		perBucket := remDistinct / float64(len(buckets)-1)
		for i := 1; i < len(buckets); i++ {
			buckets[i].DistinctRange = perBucket
		}
	}

	adjustmentFactorRowCount := rowCountTotal / (rowCountRange + rowCountEq)
	for i := range buckets {
		buckets[i].NumRange *= adjustmentFactorRowCount
		buckets[i].NumEq *= adjustmentFactorRowCount
	}

	// Distinct counts can never exceed row counts within a bucket.
	for i := range buckets {
		if buckets[i].DistinctRange > buckets[i].NumRange {
			buckets[i].DistinctRange = buckets[i].NumRange
		}
	}
}

// ValidateHistogram checks the structural invariants of a histogram: bucket
// count within limit, non-decreasing upper bounds, first bucket with an empty
// range, and non-negative counts.
func ValidateHistogram(buckets []cat.HistogramBucket, maxBuckets int) error {
	if len(buckets) > maxBuckets {
		return errors.Errorf("histogram has %d buckets, limit is %d", len(buckets), maxBuckets)
	}
	for i := range buckets {
		b := &buckets[i]
		if b.NumEq < 0 || b.NumRange < 0 || b.DistinctRange < 0 {
			return errors.Errorf("bucket %d has negative counts", i)
		}
		if i == 0 {
			if b.NumRange != 0 {
				return errors.Errorf("first bucket must have NumRange=0")
			}
			continue
		}
		if b.UpperBound < buckets[i-1].UpperBound {
			return errors.Errorf(
				"bucket bounds decrease at %d: %v after %v", i, b.UpperBound, buckets[i-1].UpperBound)
		}
	}
	return nil
}

// histogramRowCount returns the total row count represented by the buckets.
func histogramRowCount(buckets []cat.HistogramBucket) float64 {
	var count float64
	for i := range buckets {
		count += buckets[i].NumRange + buckets[i].NumEq
	}
	return count
}
