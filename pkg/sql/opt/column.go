// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package opt

import (
	"fmt"
	"strings"
)

// TableID uniquely identifies a table within the catalog.
type TableID int32

// ColumnID uniquely identifies a column across all tables referenced by a
// query. IDs are assigned by the binder; the catalog maps each one back to
// its table and ordinal position.
type ColumnID int32

// IndexID identifies an index within its table. IndexID 0 is reserved for
// the primary index.
type IndexID int32

// ColSet is an ordered set of column IDs. Sets are kept sorted so that their
// string form can serve as a deterministic map key.
type ColSet []ColumnID

// MakeColSet returns a sorted, deduplicated column set.
func MakeColSet(cols ...ColumnID) ColSet {
	s := make(ColSet, 0, len(cols))
	for _, c := range cols {
		s = s.add(c)
	}
	return s
}

func (s ColSet) add(c ColumnID) ColSet {
	for i, e := range s {
		if e == c {
			return s
		}
		if e > c {
			s = append(s, 0)
			copy(s[i+1:], s[i:])
			s[i] = c
			return s
		}
	}
	return append(s, c)
}

// Contains reports whether c is a member of the set.
func (s ColSet) Contains(c ColumnID) bool {
	for _, e := range s {
		if e == c {
			return true
		}
	}
	return false
}

// SubsetOf reports whether every member of s is a member of other.
func (s ColSet) SubsetOf(other ColSet) bool {
	for _, c := range s {
		if !other.Contains(c) {
			return false
		}
	}
	return true
}

// Equals reports whether the two sets have the same members.
func (s ColSet) Equals(other ColSet) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

func (s ColSet) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for i, c := range s {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", c)
	}
	b.WriteByte(')')
	return b.String()
}

// OrderingColumn is a column plus a direction.
type OrderingColumn struct {
	Col        ColumnID
	Descending bool
}

// Ordering is a list of ordering columns, major first.
type Ordering []OrderingColumn

// Implies reports whether rows ordered by o are necessarily also ordered by
// required. This holds when required is a prefix of o.
func (o Ordering) Implies(required Ordering) bool {
	if len(required) > len(o) {
		return false
	}
	for i := range required {
		if o[i] != required[i] {
			return false
		}
	}
	return true
}

// Equals reports whether the two orderings are identical, column for column.
func (o Ordering) Equals(other Ordering) bool {
	if len(o) != len(other) {
		return false
	}
	for i := range o {
		if o[i] != other[i] {
			return false
		}
	}
	return true
}

// Columns returns the set of columns appearing in the ordering.
func (o Ordering) Columns() ColSet {
	cols := make([]ColumnID, len(o))
	for i := range o {
		cols[i] = o[i].Col
	}
	return MakeColSet(cols...)
}

func (o Ordering) String() string {
	var b strings.Builder
	for i, c := range o {
		if i > 0 {
			b.WriteByte(',')
		}
		if c.Descending {
			b.WriteByte('-')
		} else {
			b.WriteByte('+')
		}
		fmt.Fprintf(&b, "%d", c.Col)
	}
	return b.String()
}
