// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package memo

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/errors"
	"github.com/stratumdb/stratum/pkg/sql/opt"
	"github.com/stratumdb/stratum/pkg/sql/opt/cat"
	"github.com/stratumdb/stratum/pkg/sql/stats"
	"github.com/stretchr/testify/require"
)

// testEnv is a two-table fixture: orders (10000 rows; col 1 unique, col 2
// with 100 distinct values, col 3 never analyzed) and customers (100 rows;
// col 11 unique). Statistics are built in full mode so densities are exact.
type testEnv struct {
	catalog *cat.Catalog
	store   *stats.Store
}

type envSource struct {
	rows map[opt.TableID][][]float64
	cols map[opt.TableID][]opt.ColumnID
}

func (s *envSource) RowCount(_ context.Context, table opt.TableID) (uint64, error) {
	return uint64(len(s.rows[table])), nil
}

func (s *envSource) Scan(
	_ context.Context, table opt.TableID, cols []opt.ColumnID, fn func(vals []float64) error,
) error {
	tabCols := s.cols[table]
	vals := make([]float64, len(cols))
	for _, row := range s.rows[table] {
		for i, c := range cols {
			found := false
			for j, tc := range tabCols {
				if tc == c {
					vals[i] = row[j]
					found = true
				}
			}
			if !found {
				return errors.Errorf("unknown column %d", c)
			}
		}
		if err := fn(vals); err != nil {
			return err
		}
	}
	return nil
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	catalog := cat.NewCatalog()
	catalog.AddTable(&cat.Table{
		ID: 1, Name: "orders", RowCount: 10000, AvgRowSize: 100,
		Columns: []cat.Column{{ID: 1, Name: "o_id"}, {ID: 2, Name: "o_custkey"}, {ID: 3, Name: "o_status"}},
	})
	catalog.AddTable(&cat.Table{
		ID: 2, Name: "customers", RowCount: 100, AvgRowSize: 50,
		Columns: []cat.Column{{ID: 11, Name: "c_id"}, {ID: 12, Name: "c_region"}},
	})

	src := &envSource{
		rows: make(map[opt.TableID][][]float64),
		cols: map[opt.TableID][]opt.ColumnID{1: {1, 2, 3}, 2: {11, 12}},
	}
	for i := 0; i < 10000; i++ {
		src.rows[1] = append(src.rows[1], []float64{float64(i), float64(i % 100), float64(i % 10)})
	}
	for i := 0; i < 100; i++ {
		src.rows[2] = append(src.rows[2], []float64{float64(i), float64(i % 5)})
	}

	store := stats.NewStore(src)
	ctx := context.Background()
	for _, target := range []stats.Target{
		stats.MakeTarget(1, 1),
		stats.MakeTarget(1, 2),
		stats.MakeTarget(2, 11),
		stats.MakeTarget(2, 12),
	} {
		_, err := store.Refresh(ctx, target, stats.Full)
		require.NoError(t, err)
	}
	return &testEnv{catalog: catalog, store: store}
}

func TestStatisticsBuilderDataDriven(t *testing.T) {
	env := newTestEnv(t)

	datadriven.RunTest(t, "testdata/estimator", func(t *testing.T, d *datadriven.TestData) string {
		sb := NewStatisticsBuilder(env.catalog, env.store)
		switch d.Cmd {
		case "scan":
			table := tableArg(t, d)
			s, err := sb.BuildScan(table)
			if err != nil {
				return fmt.Sprintf("error: %v", err)
			}
			return fmt.Sprintf("rows=%.0f width=%.0f\n", s.RowCount, s.AvgRowSize)

		case "filter":
			table := tableArg(t, d)
			in, err := sb.BuildScan(table)
			require.NoError(t, err)
			expr := parseScalar(t, d.Input)
			out := sb.ApplyFilter(in, expr)
			return fmt.Sprintf("selectivity=%.4f rows=%.0f\n", sb.Selectivity(expr), out.RowCount)

		case "join":
			left, err := sb.BuildScan(tableNamedArg(t, d, "left"))
			require.NoError(t, err)
			right, err := sb.BuildScan(tableNamedArg(t, d, "right"))
			require.NoError(t, err)
			kind := opt.InnerJoin
			if d.HasArg("left-outer") {
				kind = opt.LeftOuterJoin
			}
			out := sb.BuildJoin(left, right, kind, parseEqs(t, d.Input))
			return fmt.Sprintf("rows=%.0f\n", out.RowCount)

		case "groupby":
			table := tableArg(t, d)
			in, err := sb.BuildScan(table)
			require.NoError(t, err)
			var cols []opt.ColumnID
			if arg, ok := d.Arg("cols"); ok {
				for _, v := range arg.Vals {
					n, err := strconv.Atoi(v)
					require.NoError(t, err)
					cols = append(cols, opt.ColumnID(n))
				}
			}
			out := sb.BuildGroupBy(in, opt.MakeColSet(cols...))
			return fmt.Sprintf("rows=%.0f\n", out.RowCount)

		default:
			t.Fatalf("unknown command %q", d.Cmd)
			return ""
		}
	})
}

func tableArg(t *testing.T, d *datadriven.TestData) opt.TableID {
	return tableNamedArg(t, d, "table")
}

func tableNamedArg(t *testing.T, d *datadriven.TestData, name string) opt.TableID {
	t.Helper()
	var id int
	d.ScanArgs(t, name, &id)
	return opt.TableID(id)
}

// parseScalar parses a restricted predicate grammar: comparisons
// "@col op value" combined with AND (binding tighter) and OR.
func parseScalar(t *testing.T, s string) *opt.ScalarExpr {
	t.Helper()
	var disjuncts []*opt.ScalarExpr
	for _, orPart := range strings.Split(strings.TrimSpace(s), " OR ") {
		var conjuncts []*opt.ScalarExpr
		for _, andPart := range strings.Split(orPart, " AND ") {
			conjuncts = append(conjuncts, parseComparison(t, andPart))
		}
		if len(conjuncts) == 1 {
			disjuncts = append(disjuncts, conjuncts[0])
		} else {
			disjuncts = append(disjuncts, opt.NewAnd(conjuncts...))
		}
	}
	if len(disjuncts) == 1 {
		return disjuncts[0]
	}
	return opt.NewOr(disjuncts...)
}

func parseComparison(t *testing.T, s string) *opt.ScalarExpr {
	t.Helper()
	fields := strings.Fields(strings.TrimSpace(s))
	require.Len(t, fields, 3, "want '@col op value', got %q", s)
	require.True(t, strings.HasPrefix(fields[0], "@"), "want column reference, got %q", fields[0])
	col, err := strconv.Atoi(fields[0][1:])
	require.NoError(t, err)
	var op opt.ComparisonOp
	switch fields[1] {
	case "=":
		op = opt.EqOp
	case "<":
		op = opt.LtOp
	case "<=":
		op = opt.LeOp
	case ">":
		op = opt.GtOp
	case ">=":
		op = opt.GeOp
	default:
		t.Fatalf("unknown operator %q", fields[1])
	}
	val, err := strconv.ParseFloat(fields[2], 64)
	require.NoError(t, err)
	return opt.NewComparison(opt.ColumnID(col), op, val)
}

// parseEqs parses join equalities of the form "@l = @r", one per line.
func parseEqs(t *testing.T, s string) []opt.JoinEquality {
	t.Helper()
	var eqs []opt.JoinEquality
	for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
		if line = strings.TrimSpace(line); line == "" {
			continue
		}
		fields := strings.Fields(line)
		require.Len(t, fields, 3)
		l, err := strconv.Atoi(strings.TrimPrefix(fields[0], "@"))
		require.NoError(t, err)
		r, err := strconv.Atoi(strings.TrimPrefix(fields[2], "@"))
		require.NoError(t, err)
		eqs = append(eqs, opt.JoinEquality{LeftCol: opt.ColumnID(l), RightCol: opt.ColumnID(r)})
	}
	return eqs
}

func TestStatisticsBuilderHistogramRange(t *testing.T) {
	env := newTestEnv(t)
	sb := NewStatisticsBuilder(env.catalog, env.store)

	// Column 1 is uniform on [0, 9999]; a predicate covering the top tenth
	// of the domain should select close to 10% of rows.
	sel := sb.Selectivity(opt.NewComparison(1, opt.GtOp, 9000))
	require.InDelta(t, 0.10, sel, 0.02)

	// Monotonic in range width.
	wider := sb.Selectivity(opt.NewComparison(1, opt.GtOp, 5000))
	require.Greater(t, wider, sel)

	// A range outside the observed domain selects (almost) nothing.
	require.Less(t, sb.Selectivity(opt.NewComparison(1, opt.GtOp, 99999)), 0.01)
}

func TestStatisticsBuilderVersionPinning(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sb := NewStatisticsBuilder(env.catalog, env.store)

	before := sb.Selectivity(opt.NewComparison(2, opt.EqOp, 42))
	require.InEpsilon(t, 0.01, before, 1e-9)

	// A refresh mid-request must not change this request's estimates; the
	// snapshot pinned on first use stays in force.
	_, err := env.store.Refresh(ctx, stats.MakeTarget(1, 2), stats.Full)
	require.NoError(t, err)
	after := sb.Selectivity(opt.NewComparison(2, opt.EqOp, 42))
	require.Equal(t, before, after)

	// The pinned versions are exposed for cache validation, and consulting
	// a target without statistics records version 0.
	_ = sb.Selectivity(opt.NewComparison(3, opt.EqOp, 1))
	versions := sb.VersionsUsed()
	require.Contains(t, versions, stats.MakeTarget(1, 2).Key())
	require.NotEqual(t, uint64(0), versions[stats.MakeTarget(1, 2).Key()])
	require.Equal(t, uint64(0), versions[stats.MakeTarget(1, 3).Key()])
}

func TestBuildTopClampsCardinality(t *testing.T) {
	env := newTestEnv(t)
	sb := NewStatisticsBuilder(env.catalog, env.store)
	in, err := sb.BuildScan(1)
	require.NoError(t, err)

	out := sb.BuildTop(in, 10)
	require.Equal(t, 10.0, out.RowCount)
	out = sb.BuildTop(in, 1<<40)
	require.Equal(t, in.RowCount, out.RowCount)

	require.False(t, math.IsNaN(out.RowCount))
}
