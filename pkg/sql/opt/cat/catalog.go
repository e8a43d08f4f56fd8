// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package cat defines the optimizer's boundary with the catalog: resolved
// table, column, and index descriptors. The binder resolves names against
// the catalog before the optimizer runs, so every reference reaching the
// optimizer is already valid; a dangling reference is a contract violation.
package cat

import (
	"github.com/cockroachdb/errors"
	"github.com/stratumdb/stratum/pkg/sql/opt"
)

// Catalog is the read-only metadata interface consulted during optimization.
type Catalog struct {
	tables   map[opt.TableID]*Table
	tableIDs []opt.TableID
	colTab   map[opt.ColumnID]opt.TableID
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		tables: make(map[opt.TableID]*Table),
		colTab: make(map[opt.ColumnID]opt.TableID),
	}
}

// AddTable registers a table descriptor.
func (c *Catalog) AddTable(tab *Table) {
	c.tables[tab.ID] = tab
	c.tableIDs = append(c.tableIDs, tab.ID)
	for i := range tab.Columns {
		c.colTab[tab.Columns[i].ID] = tab.ID
	}
}

// Table returns the descriptor for the given table ID. The ID must have been
// resolved by the binder; an unknown ID indicates corrupted input.
func (c *Catalog) Table(id opt.TableID) (*Table, error) {
	tab, ok := c.tables[id]
	if !ok {
		return nil, errors.AssertionFailedf("unresolved table reference %d", id)
	}
	return tab, nil
}

// TableForColumn returns the table containing the given column.
func (c *Catalog) TableForColumn(col opt.ColumnID) (*Table, error) {
	id, ok := c.colTab[col]
	if !ok {
		return nil, errors.AssertionFailedf("unresolved column reference %d", col)
	}
	return c.tables[id], nil
}

// Tables iterates over all tables in registration order.
func (c *Catalog) Tables(fn func(*Table)) {
	for _, id := range c.tableIDs {
		fn(c.tables[id])
	}
}

// Table is a resolved table descriptor, annotated with the current row count
// and modification-tracking metadata the optimizer needs.
type Table struct {
	ID   opt.TableID
	Name string

	// RowCount is the table's current (approximate) row count, maintained
	// by the storage layer.
	RowCount uint64

	// AvgRowSize is the average row width in bytes, used to convert row
	// counts into page counts for I/O costing.
	AvgRowSize uint64

	Columns []Column
	Indexes []Index
}

// Column returns the column descriptor with the given ID, or nil.
func (t *Table) Column(id opt.ColumnID) *Column {
	for i := range t.Columns {
		if t.Columns[i].ID == id {
			return &t.Columns[i]
		}
	}
	return nil
}

// Index returns the index descriptor with the given ID.
func (t *Table) Index(id opt.IndexID) (*Index, error) {
	for i := range t.Indexes {
		if t.Indexes[i].ID == id {
			return &t.Indexes[i], nil
		}
	}
	return nil, errors.AssertionFailedf("unresolved index reference %d on table %q", id, t.Name)
}

// Column is a resolved column descriptor.
type Column struct {
	ID   opt.ColumnID
	Name string
}

// Index is a resolved secondary index descriptor.
type Index struct {
	ID     opt.IndexID
	Name   string
	Unique bool

	// KeyColumns is the ordered index key. A predicate or required ordering
	// on a prefix of these columns makes the index applicable.
	KeyColumns opt.Ordering
}

// Ordering returns the sort order the index provides.
func (idx *Index) Ordering() opt.Ordering {
	return idx.KeyColumns
}

// HistogramBucket is one step of a column histogram. Buckets are ordered by
// UpperBound; the first bucket of a histogram always has NumRange == 0 so
// that its upper bound doubles as the histogram's lower bound.
type HistogramBucket struct {
	// NumEq is the estimated number of rows equal to UpperBound.
	NumEq float64

	// NumRange is the estimated number of rows in (previous bound,
	// UpperBound), exclusive of both.
	NumRange float64

	// DistinctRange is the estimated number of distinct values in the same
	// open range.
	DistinctRange float64

	// UpperBound is the bucket's inclusive upper bound, in the binder's
	// ordered key space.
	UpperBound float64
}
