// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package memo

import "fmt"

// Cost is the estimated expense of executing a (sub)plan. It is a pure
// function of the plan shape and the cardinality estimates feeding it; no
// component ever comes from wall-clock measurement.
type Cost struct {
	// Rows is the estimated output cardinality of the subtree.
	Rows float64

	// IO is the estimated I/O expense: sequential page reads for scans,
	// random page reads for index lookups and inner probes (weighted
	// higher).
	IO float64

	// CPU is the per-row processing expense: comparisons, hashing, copying.
	CPU float64

	// MemoryBytes is the estimated working set: hash table build side, sort
	// buffer. Memory does not feed Total; it breaks cost ties.
	MemoryBytes float64

	// Total is the subtree's aggregate cost: this operator's own IO+CPU
	// plus the Total of each child (an additive tree fold).
	Total float64
}

// Less compares two costs for plan selection. Ties on Total break to lower
// estimated memory; remaining ties are broken by the caller using
// enumeration order, which keeps selection deterministic.
func (c Cost) Less(other Cost) bool {
	if c.Total != other.Total {
		return c.Total < other.Total
	}
	return c.MemoryBytes < other.MemoryBytes
}

func (c Cost) String() string {
	return fmt.Sprintf("cost=%.6g rows=%.6g io=%.6g cpu=%.6g mem=%.6g",
		c.Total, c.Rows, c.IO, c.CPU, c.MemoryBytes)
}
