// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package stats

import (
	"bytes"
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stratumdb/stratum/pkg/sql/opt"
	"github.com/stretchr/testify/require"
)

// tableSource serves scans from in-memory rows, one table, columns assigned
// IDs 1..n in row order.
type tableSource struct {
	table opt.TableID
	cols  []opt.ColumnID
	rows  [][]float64

	// failScans makes Scan fail until the counter reaches zero.
	failScans int
}

func (s *tableSource) RowCount(_ context.Context, table opt.TableID) (uint64, error) {
	if table != s.table {
		return 0, errors.Errorf("unknown table %d", table)
	}
	return uint64(len(s.rows)), nil
}

func (s *tableSource) Scan(
	ctx context.Context, table opt.TableID, cols []opt.ColumnID, fn func(vals []float64) error,
) error {
	if table != s.table {
		return errors.Errorf("unknown table %d", table)
	}
	if s.failScans > 0 {
		s.failScans--
		return errors.New("scan interrupted")
	}
	vals := make([]float64, len(cols))
	for _, row := range s.rows {
		for i, c := range cols {
			vals[i] = row[int(c)-1]
		}
		if err := fn(vals); err != nil {
			return err
		}
	}
	return nil
}

func uniformRows(n int) [][]float64 {
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = []float64{float64(i % 100), float64(i)}
	}
	return rows
}

func TestStoreRefreshPublishesVersions(t *testing.T) {
	ctx := context.Background()
	src := &tableSource{table: 1, rows: uniformRows(5000)}
	s := NewStore(src)
	target := MakeTarget(1, 1)

	_, ok := s.Get(target)
	require.False(t, ok)
	require.Zero(t, s.Version(target))

	ts1, err := s.Refresh(ctx, target, Full)
	require.NoError(t, err)
	require.Equal(t, uint64(1), ts1.Version)
	require.Equal(t, uint64(5000), ts1.RowCount)
	// Full mode counts exactly.
	require.Equal(t, uint64(100), ts1.DistinctCount)
	require.Equal(t, 0.0, ts1.Min)
	require.Equal(t, 99.0, ts1.Max)
	d, ok := ts1.Density(1)
	require.True(t, ok)
	require.InEpsilon(t, 0.01, d, 1e-9)

	ts2, err := s.Refresh(ctx, target, Full)
	require.NoError(t, err)
	require.Equal(t, uint64(2), ts2.Version)

	// Readers see the newest version; the old statistic is untouched.
	got, ok := s.Get(target)
	require.True(t, ok)
	require.Same(t, ts2, got)
	require.Equal(t, uint64(1), ts1.Version)
}

func TestStoreSampledDistinctApproximation(t *testing.T) {
	ctx := context.Background()
	src := &tableSource{table: 1, rows: uniformRows(50000)}
	s := NewStore(src)

	ts, err := s.Refresh(ctx, MakeTarget(1, 1), Sampled)
	require.NoError(t, err)
	// The sketch estimate must be near the true 100 distinct values.
	require.InDelta(t, 100, float64(ts.DistinctCount), 5)
	require.NotEmpty(t, ts.Histogram)
	require.NoError(t, ValidateHistogram(ts.Histogram, DefaultHistogramBuckets))
}

func TestStoreMultiColumnDensities(t *testing.T) {
	ctx := context.Background()
	src := &tableSource{table: 1, rows: uniformRows(2000)}
	s := NewStore(src)

	ts, err := s.Refresh(ctx, MakeTarget(1, 1, 2), Full)
	require.NoError(t, err)
	require.Len(t, ts.Densities, 2)

	d1, ok := ts.Density(1)
	require.True(t, ok)
	require.InEpsilon(t, 1.0/100, d1, 1e-9)
	// Column 2 is unique, so the pair is too.
	d2, ok := ts.Density(2)
	require.True(t, ok)
	require.InEpsilon(t, 1.0/2000, d2, 1e-9)
	// Longer prefixes never have higher density.
	require.LessOrEqual(t, d2, d1)

	_, ok = ts.Density(3)
	require.False(t, ok)
}

func TestStoreRefreshFailureKeepsPreviousVersion(t *testing.T) {
	ctx := context.Background()
	src := &tableSource{table: 1, rows: uniformRows(1000)}
	s := NewStore(src)
	target := MakeTarget(1, 1)

	ts1, err := s.Refresh(ctx, target, Full)
	require.NoError(t, err)

	src.failScans = 1
	_, err = s.Refresh(ctx, target, Full)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrRefreshFailed))

	// The previous statistics remain in force.
	got, ok := s.Get(target)
	require.True(t, ok)
	require.Same(t, ts1, got)
	require.Equal(t, ts1.Version, s.Version(target))
}

func TestStoreStaleness(t *testing.T) {
	ctx := context.Background()
	src := &tableSource{table: 1, rows: uniformRows(1000)}
	s := NewStore(src)
	target := MakeTarget(1, 1)

	// Missing statistics are stale by definition.
	require.True(t, s.IsStale(target))

	_, err := s.Refresh(ctx, target, Full)
	require.NoError(t, err)
	require.False(t, s.IsStale(target))

	// Under 20% of rows modified: still fresh.
	s.RecordModifications(1, 150)
	require.False(t, s.IsStale(target))
	require.Equal(t, uint64(150), s.ModificationCount(1))

	// Crossing the threshold flips staleness.
	s.RecordModifications(1, 60)
	require.True(t, s.IsStale(target))

	// A successful refresh resets the modification counter.
	_, err = s.Refresh(ctx, target, Full)
	require.NoError(t, err)
	require.False(t, s.IsStale(target))
	require.Zero(t, s.ModificationCount(1))

	// A failed refresh must not reset it.
	s.RecordModifications(1, 500)
	src.failScans = 1
	_, err = s.Refresh(ctx, target, Full)
	require.Error(t, err)
	require.Equal(t, uint64(500), s.ModificationCount(1))
	require.True(t, s.IsStale(target))
}

func TestStoreMaybeRefresh(t *testing.T) {
	ctx := context.Background()
	src := &tableSource{table: 1, rows: uniformRows(1000)}
	s := NewStore(src)
	target := MakeTarget(1, 1)

	// Missing statistics trigger a build.
	s.MaybeRefresh(ctx, target)
	v := s.Version(target)
	require.NotZero(t, v)

	// Fresh statistics are left alone.
	s.MaybeRefresh(ctx, target)
	require.Equal(t, v, s.Version(target))

	s.RecordModifications(1, 400)
	s.MaybeRefresh(ctx, target)
	require.Greater(t, s.Version(target), v)
}

func TestStoreTargetsSorted(t *testing.T) {
	ctx := context.Background()
	src := &tableSource{table: 1, rows: uniformRows(100)}
	s := NewStore(src)

	_, err := s.Refresh(ctx, MakeTarget(1, 2), Full)
	require.NoError(t, err)
	_, err = s.Refresh(ctx, MakeTarget(1, 1), Full)
	require.NoError(t, err)
	_, err = s.Refresh(ctx, MakeTarget(1, 1, 2), Full)
	require.NoError(t, err)

	var keys []string
	s.Targets(func(target Target, ts *TableStatistic) {
		require.NotNil(t, ts)
		keys = append(keys, target.Key())
	})
	require.Equal(t, []string{"1(1)", "1(1,2)", "1(2)"}, keys)
}

func TestStoreSaveLoad(t *testing.T) {
	ctx := context.Background()
	src := &tableSource{table: 1, rows: uniformRows(3000)}
	s := NewStore(src)

	ts, err := s.Refresh(ctx, MakeTarget(1, 1), Full)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, s.Save(&buf))

	restored := NewStore(src)
	require.NoError(t, restored.Load(&buf))
	got, ok := restored.Get(MakeTarget(1, 1))
	require.True(t, ok)
	require.Equal(t, ts.RowCount, got.RowCount)
	require.Equal(t, ts.DistinctCount, got.DistinctCount)
	require.Equal(t, ts.Densities, got.Densities)
	require.Equal(t, ts.Histogram, got.Histogram)
	// Load publishes through the version counter, so cached plans pinned to
	// the old store's versions cannot leak across a restore.
	require.NotZero(t, restored.Version(MakeTarget(1, 1)))
}
