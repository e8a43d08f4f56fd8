// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package stats

import (
	"math"
	"testing"

	"github.com/stratumdb/stratum/pkg/sql/opt/cat"
	"github.com/stretchr/testify/require"
)

func TestEquiDepthHistogram(t *testing.T) {
	t.Run("uniform", func(t *testing.T) {
		samples := make([]float64, 1000)
		for i := range samples {
			samples[i] = float64(i)
		}
		h, err := EquiDepthHistogram(samples, 100000, 1000, 10)
		require.NoError(t, err)
		require.NoError(t, ValidateHistogram(h, 10))
		require.LessOrEqual(t, len(h), 10)

		// Scaled counts must add back up to the table's row count.
		require.InEpsilon(t, 100000, histogramRowCount(h), 1e-6)

		// First bucket holds only its lower bound.
		require.Zero(t, h[0].NumRange)
		require.Equal(t, samples[0], h[0].UpperBound)
		require.Equal(t, samples[len(samples)-1], h[len(h)-1].UpperBound)
	})

	t.Run("heavy-hitter", func(t *testing.T) {
		// One value accounts for half the samples; it must land on a bucket
		// boundary with the weight in NumEq rather than smeared into a
		// range.
		var samples []float64
		for i := 0; i < 500; i++ {
			samples = append(samples, 42)
		}
		for i := 0; i < 500; i++ {
			samples = append(samples, float64(1000+i))
		}
		h, err := EquiDepthHistogram(samples, 1000, 501, 8)
		require.NoError(t, err)
		require.NoError(t, ValidateHistogram(h, 8))

		var eqAt42 float64
		for _, b := range h {
			if b.UpperBound == 42 {
				eqAt42 = b.NumEq
			}
		}
		require.Greater(t, eqAt42, 400.0)
	})

	t.Run("distinct-spread", func(t *testing.T) {
		samples := make([]float64, 2000)
		for i := range samples {
			samples[i] = float64(i % 100)
		}
		h, err := EquiDepthHistogram(samples, 2000, 100, 20)
		require.NoError(t, err)

		var distinct float64
		for _, b := range h {
			distinct += b.DistinctRange
			if b.NumEq > 0 {
				distinct++
			}
		}
		// Distinct estimates are spread across buckets and should land near
		// the sketch total.
		require.InDelta(t, 100, distinct, 25)

		for _, b := range h {
			require.LessOrEqual(t, b.DistinctRange, b.NumRange+1e-9)
		}
	})

	t.Run("single-value", func(t *testing.T) {
		samples := []float64{7, 7, 7, 7}
		h, err := EquiDepthHistogram(samples, 4, 1, 4)
		require.NoError(t, err)
		require.Len(t, h, 1)
		require.Equal(t, 7.0, h[0].UpperBound)
		require.InEpsilon(t, 4.0, h[0].NumEq, 1e-9)
	})

	t.Run("empty", func(t *testing.T) {
		h, err := EquiDepthHistogram(nil, 0, 1, 4)
		require.NoError(t, err)
		require.Empty(t, h)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := EquiDepthHistogram([]float64{1}, 10, 0, 4)
		require.Error(t, err)
		_, err = EquiDepthHistogram([]float64{1}, 10, 1, 1)
		require.Error(t, err)
		_, err = EquiDepthHistogram([]float64{1, 2, 3}, 2, 3, 4)
		require.Error(t, err)
	})
}

func TestValidateHistogram(t *testing.T) {
	mk := func(eq, rng, distinct, ub float64) cat.HistogramBucket {
		return cat.HistogramBucket{NumEq: eq, NumRange: rng, DistinctRange: distinct, UpperBound: ub}
	}
	cases := []struct {
		name    string
		buckets []cat.HistogramBucket
		wantErr string
	}{
		{name: "ok", buckets: []cat.HistogramBucket{mk(1, 0, 0, 0), mk(5, 10, 4, 100)}},
		{name: "too-many", buckets: []cat.HistogramBucket{mk(1, 0, 0, 0), mk(1, 1, 1, 1), mk(1, 1, 1, 2)}, wantErr: "buckets"},
		{name: "decreasing", buckets: []cat.HistogramBucket{mk(1, 0, 0, 10), mk(1, 1, 1, 5)}, wantErr: "bounds decrease"},
		{name: "first-range", buckets: []cat.HistogramBucket{mk(1, 3, 1, 0), mk(1, 1, 1, 5)}, wantErr: "first bucket"},
		{name: "negative", buckets: []cat.HistogramBucket{mk(1, 0, 0, 0), mk(-1, 1, 1, 5)}, wantErr: "negative"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			maxBuckets := 2
			err := ValidateHistogram(tc.buckets, maxBuckets)
			if tc.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				require.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestAdjustCountsClearsRangesWhenDistinctExhausted(t *testing.T) {
	// When the boundary values alone account for the whole distinct count,
	// ranges must be cleared so no phantom values remain between bounds.
	buckets := []cat.HistogramBucket{
		{NumEq: 10, NumRange: 0, UpperBound: 1},
		{NumEq: 10, NumRange: 5, DistinctRange: 3, UpperBound: 2},
	}
	adjustCounts(buckets, 20, 2)
	require.Zero(t, buckets[1].NumRange)
	require.Zero(t, buckets[1].DistinctRange)
	require.InEpsilon(t, 20, histogramRowCount(buckets), 1e-9)
	require.False(t, math.IsNaN(buckets[1].NumEq))
}
