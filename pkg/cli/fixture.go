// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package cli

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/stratumdb/stratum/pkg/sql/opt"
	"github.com/stratumdb/stratum/pkg/sql/opt/cat"
	"github.com/stratumdb/stratum/pkg/sql/stats"
	yaml "gopkg.in/yaml.v2"
)

// fixture is the YAML schema for a catalog plus inline table data, enough to
// exercise the planner without a storage engine. Row values are given
// directly in the ordered key space.
type fixture struct {
	Tables []fixtureTable `yaml:"tables"`
}

type fixtureTable struct {
	ID         int32           `yaml:"id"`
	Name       string          `yaml:"name"`
	AvgRowSize uint64          `yaml:"avg_row_size"`
	Columns    []fixtureColumn `yaml:"columns"`
	Indexes    []fixtureIndex  `yaml:"indexes"`
	Rows       [][]float64     `yaml:"rows"`
}

type fixtureColumn struct {
	ID   int32  `yaml:"id"`
	Name string `yaml:"name"`
}

type fixtureIndex struct {
	ID     int32           `yaml:"id"`
	Name   string          `yaml:"name"`
	Unique bool            `yaml:"unique"`
	Key    []fixtureOrdCol `yaml:"key"`
}

type fixtureOrdCol struct {
	Col  int32 `yaml:"col"`
	Desc bool  `yaml:"desc"`
}

// memSource serves statistics scans from fixture rows held in memory.
type memSource struct {
	tables map[opt.TableID]*memTable
}

type memTable struct {
	cols []opt.ColumnID
	rows [][]float64
}

var _ stats.Source = (*memSource)(nil)

func (s *memSource) RowCount(_ context.Context, table opt.TableID) (uint64, error) {
	t, ok := s.tables[table]
	if !ok {
		return 0, errors.Errorf("no fixture data for table %d", table)
	}
	return uint64(len(t.rows)), nil
}

func (s *memSource) Scan(
	ctx context.Context, table opt.TableID, cols []opt.ColumnID, fn func(vals []float64) error,
) error {
	t, ok := s.tables[table]
	if !ok {
		return errors.Errorf("no fixture data for table %d", table)
	}
	ords := make([]int, len(cols))
	for i, c := range cols {
		ords[i] = -1
		for j, tc := range t.cols {
			if tc == c {
				ords[i] = j
			}
		}
		if ords[i] == -1 {
			return errors.Errorf("column %d not in table %d", c, table)
		}
	}
	vals := make([]float64, len(cols))
	for _, row := range t.rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i, ord := range ords {
			vals[i] = row[ord]
		}
		if err := fn(vals); err != nil {
			return err
		}
	}
	return nil
}

// loadFixture reads a fixture file into a catalog and a statistics source.
func loadFixture(path string) (*cat.Catalog, *memSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading fixture %q", path)
	}
	var fx fixture
	if err := yaml.UnmarshalStrict(data, &fx); err != nil {
		return nil, nil, errors.Wrapf(err, "parsing fixture %q", path)
	}

	catalog := cat.NewCatalog()
	src := &memSource{tables: make(map[opt.TableID]*memTable)}
	for _, ft := range fx.Tables {
		tab := &cat.Table{
			ID:         opt.TableID(ft.ID),
			Name:       ft.Name,
			RowCount:   uint64(len(ft.Rows)),
			AvgRowSize: ft.AvgRowSize,
		}
		cols := make([]opt.ColumnID, len(ft.Columns))
		for i, fc := range ft.Columns {
			tab.Columns = append(tab.Columns, cat.Column{ID: opt.ColumnID(fc.ID), Name: fc.Name})
			cols[i] = opt.ColumnID(fc.ID)
		}
		for _, fi := range ft.Indexes {
			idx := cat.Index{
				ID:     opt.IndexID(fi.ID),
				Name:   fi.Name,
				Unique: fi.Unique,
			}
			for _, kc := range fi.Key {
				idx.KeyColumns = append(idx.KeyColumns, opt.OrderingColumn{
					Col:        opt.ColumnID(kc.Col),
					Descending: kc.Desc,
				})
			}
			tab.Indexes = append(tab.Indexes, idx)
		}
		for _, row := range ft.Rows {
			if len(row) != len(cols) {
				return nil, nil, errors.Errorf(
					"table %q: row has %d values, want %d", ft.Name, len(row), len(cols))
			}
		}
		catalog.AddTable(tab)
		src.tables[tab.ID] = &memTable{cols: cols, rows: ft.Rows}
	}
	return catalog, src, nil
}

// queryFixture is the YAML schema for a bound logical query tree.
type queryFixture struct {
	Op        string          `yaml:"op"`
	Table     int32           `yaml:"table,omitempty"`
	Filters   []filterFixture `yaml:"filters,omitempty"`
	Kind      string          `yaml:"kind,omitempty"`
	On        []joinEqFixture `yaml:"on,omitempty"`
	Left      *queryFixture   `yaml:"left,omitempty"`
	Right     *queryFixture   `yaml:"right,omitempty"`
	Input     *queryFixture   `yaml:"input,omitempty"`
	GroupCols []int32         `yaml:"group_cols,omitempty"`
	Aggs      []aggFixture    `yaml:"aggs,omitempty"`
	Order     []fixtureOrdCol `yaml:"order,omitempty"`
	Limit     int64           `yaml:"limit,omitempty"`
}

type filterFixture struct {
	Col   int32   `yaml:"col"`
	Cmp   string  `yaml:"cmp"`
	Value float64 `yaml:"value"`
}

type joinEqFixture struct {
	Left  int32 `yaml:"left"`
	Right int32 `yaml:"right"`
}

type aggFixture struct {
	Func string `yaml:"func"`
	Arg  int32  `yaml:"arg"`
	Out  int32  `yaml:"out"`
}

// loadQuery reads a query file into a bound logical tree.
func loadQuery(path string) (*opt.Logical, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading query %q", path)
	}
	var qf queryFixture
	if err := yaml.UnmarshalStrict(data, &qf); err != nil {
		return nil, errors.Wrapf(err, "parsing query %q", path)
	}
	return qf.logical()
}

func (qf *queryFixture) logical() (*opt.Logical, error) {
	child := func(c *queryFixture, name string) (*opt.Logical, error) {
		if c == nil {
			return nil, errors.Errorf("%s node missing %q", qf.Op, name)
		}
		return c.logical()
	}
	switch qf.Op {
	case "scan":
		return &opt.Logical{Op: opt.ScanOp, Table: opt.TableID(qf.Table)}, nil

	case "select":
		in, err := child(qf.Input, "input")
		if err != nil {
			return nil, err
		}
		filter, err := parseFilters(qf.Filters)
		if err != nil {
			return nil, err
		}
		return &opt.Logical{Op: opt.SelectOp, Input: in, Filter: filter}, nil

	case "join":
		left, err := child(qf.Left, "left")
		if err != nil {
			return nil, err
		}
		right, err := child(qf.Right, "right")
		if err != nil {
			return nil, err
		}
		kind := opt.InnerJoin
		switch qf.Kind {
		case "", "inner":
		case "left-outer":
			kind = opt.LeftOuterJoin
		default:
			return nil, errors.Errorf("unknown join kind %q", qf.Kind)
		}
		on := make([]opt.JoinEquality, len(qf.On))
		for i, eq := range qf.On {
			on[i] = opt.JoinEquality{
				LeftCol:  opt.ColumnID(eq.Left),
				RightCol: opt.ColumnID(eq.Right),
			}
		}
		return &opt.Logical{Op: opt.JoinOp, Input: left, Right: right, Kind: kind, On: on}, nil

	case "groupby":
		in, err := child(qf.Input, "input")
		if err != nil {
			return nil, err
		}
		cols := make([]opt.ColumnID, len(qf.GroupCols))
		for i, c := range qf.GroupCols {
			cols[i] = opt.ColumnID(c)
		}
		aggs := make([]opt.Aggregation, len(qf.Aggs))
		for i, a := range qf.Aggs {
			fn, err := parseAggFunc(a.Func)
			if err != nil {
				return nil, err
			}
			aggs[i] = opt.Aggregation{Func: fn, Arg: opt.ColumnID(a.Arg), Out: opt.ColumnID(a.Out)}
		}
		return &opt.Logical{
			Op: opt.GroupByOp, Input: in, GroupCols: opt.MakeColSet(cols...), Aggs: aggs,
		}, nil

	case "sort":
		in, err := child(qf.Input, "input")
		if err != nil {
			return nil, err
		}
		ord := make(opt.Ordering, len(qf.Order))
		for i, oc := range qf.Order {
			ord[i] = opt.OrderingColumn{Col: opt.ColumnID(oc.Col), Descending: oc.Desc}
		}
		return &opt.Logical{Op: opt.SortOp, Input: in, SortOrder: ord}, nil

	case "top":
		in, err := child(qf.Input, "input")
		if err != nil {
			return nil, err
		}
		return &opt.Logical{Op: opt.TopOp, Input: in, Limit: qf.Limit}, nil

	default:
		return nil, errors.Errorf("unknown query operator %q", qf.Op)
	}
}

func parseFilters(fs []filterFixture) (*opt.ScalarExpr, error) {
	conjs := make([]*opt.ScalarExpr, 0, len(fs))
	for _, f := range fs {
		var op opt.ComparisonOp
		switch f.Cmp {
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
			return nil, errors.Errorf("unknown comparison %q", f.Cmp)
		}
		conjs = append(conjs, opt.NewComparison(opt.ColumnID(f.Col), op, f.Value))
	}
	switch len(conjs) {
	case 0:
		return nil, errors.New("select node has no filters")
	case 1:
		return conjs[0], nil
	default:
		return opt.NewAnd(conjs...), nil
	}
}

func parseAggFunc(name string) (opt.AggregateFunc, error) {
	switch name {
	case "count":
		return opt.CountAgg, nil
	case "sum":
		return opt.SumAgg, nil
	case "min":
		return opt.MinAgg, nil
	case "max":
		return opt.MaxAgg, nil
	case "avg":
		return opt.AvgAgg, nil
	default:
		return 0, errors.Errorf("unknown aggregate %q", name)
	}
}
