// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package sql

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stratumdb/stratum/pkg/sql/opt"
	"github.com/stratumdb/stratum/pkg/sql/opt/cat"
	"github.com/stratumdb/stratum/pkg/sql/opt/xform"
	"github.com/stratumdb/stratum/pkg/sql/querycache"
	"github.com/stratumdb/stratum/pkg/sql/stats"
	"github.com/stretchr/testify/require"
)

// plannerSource serves two small tables for end to end planning.
type plannerSource struct{}

func (plannerSource) RowCount(_ context.Context, table opt.TableID) (uint64, error) {
	if table == 1 {
		return 10000, nil
	}
	return 100, nil
}

func (plannerSource) Scan(
	ctx context.Context, table opt.TableID, cols []opt.ColumnID, fn func(vals []float64) error,
) error {
	n, mod := 10000, 100
	if table == 2 {
		n, mod = 100, 10
	}
	vals := make([]float64, len(cols))
	for i := 0; i < n; i++ {
		for j, c := range cols {
			switch c {
			case 1, 11:
				vals[j] = float64(i)
			default:
				vals[j] = float64(i % mod)
			}
		}
		if err := fn(vals); err != nil {
			return err
		}
	}
	return nil
}

func newTestPlanner(t *testing.T) *Planner {
	t.Helper()
	catalog := cat.NewCatalog()
	catalog.AddTable(&cat.Table{
		ID: 1, Name: "orders", RowCount: 10000, AvgRowSize: 100,
		Columns: []cat.Column{{ID: 1, Name: "id"}, {ID: 2, Name: "customer_id"}},
	})
	catalog.AddTable(&cat.Table{
		ID: 2, Name: "customers", RowCount: 100, AvgRowSize: 50,
		Columns: []cat.Column{{ID: 11, Name: "id"}, {ID: 12, Name: "region"}},
	})
	store := stats.NewStore(plannerSource{})
	for _, target := range []stats.Target{
		stats.MakeTarget(1, 2), stats.MakeTarget(2, 11),
	} {
		_, err := store.Refresh(context.Background(), target, stats.Full)
		require.NoError(t, err)
	}
	p, err := NewPlanner(catalog, store, xform.DefaultConfig(), 16)
	require.NoError(t, err)
	return p
}

func joinQuery() *opt.Logical {
	return &opt.Logical{
		Op:    opt.JoinOp,
		Kind:  opt.InnerJoin,
		Input: &opt.Logical{Op: opt.ScanOp, Table: 1},
		Right: &opt.Logical{
			Op:     opt.SelectOp,
			Input:  &opt.Logical{Op: opt.ScanOp, Table: 2},
			Filter: opt.NewComparison(12, opt.EqOp, 3),
		},
		On: []opt.JoinEquality{{LeftCol: 2, RightCol: 11}},
	}
}

func TestPlannerOptimizeCaches(t *testing.T) {
	p := newTestPlanner(t)
	ctx := context.Background()

	res1, cached, err := p.Optimize(ctx, "orders-by-region", joinQuery())
	require.NoError(t, err)
	require.False(t, cached)
	require.NotNil(t, res1.Plan)
	require.Greater(t, res1.PlansConsidered, int64(0))

	res2, cached, err := p.Optimize(ctx, "orders-by-region", joinQuery())
	require.NoError(t, err)
	require.True(t, cached)
	require.Same(t, res1, res2)
}

func TestPlannerRefreshInvalidatesCache(t *testing.T) {
	p := newTestPlanner(t)
	ctx := context.Background()

	_, cached, err := p.Optimize(ctx, "q", joinQuery())
	require.NoError(t, err)
	require.False(t, cached)

	_, err = p.RefreshStatistics(ctx, stats.MakeTarget(1, 2), stats.Full)
	require.NoError(t, err)

	_, cached, err = p.Optimize(ctx, "q", joinQuery())
	require.NoError(t, err)
	require.False(t, cached, "plan survived a statistics refresh it depends on")
}

func TestPlannerCacheAdmin(t *testing.T) {
	p := newTestPlanner(t)
	ctx := context.Background()

	_, _, err := p.Optimize(ctx, "q", joinQuery())
	require.NoError(t, err)

	var n int
	p.InspectCache(func(*querycache.CachedPlan) { n++ })
	require.Equal(t, 1, n)
	require.Equal(t, 1, p.EvictCache())
	p.InspectCache(func(*querycache.CachedPlan) { n++ })
	require.Equal(t, 1, n)
}

func TestPlannerStatisticsAge(t *testing.T) {
	p := newTestPlanner(t)

	built, ok := p.StatisticsAge(stats.MakeTarget(1, 2))
	require.True(t, ok)
	require.False(t, built.IsZero())

	_, ok = p.StatisticsAge(stats.MakeTarget(1, 99))
	require.False(t, ok)
}

func TestPlannerRegisterMetrics(t *testing.T) {
	p := newTestPlanner(t)
	reg := prometheus.NewRegistry()
	p.RegisterMetrics(reg)

	_, _, err := p.Optimize(context.Background(), "q", joinQuery())
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["optimizer_compile_seconds"])
	require.True(t, names["querycache_misses_total"])
}

func TestPlannerRejectsBadConfig(t *testing.T) {
	catalog := cat.NewCatalog()
	store := stats.NewStore(plannerSource{})
	cfg := xform.DefaultConfig()
	cfg.SeqPageCost = -1
	_, err := NewPlanner(catalog, store, cfg, 16)
	require.Error(t, err)
}
