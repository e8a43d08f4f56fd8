// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package xform

import (
	"sort"

	"github.com/stratumdb/stratum/pkg/sql/opt"
	"github.com/stratumdb/stratum/pkg/sql/opt/memo"
)

// planSet retains the best candidate plans for one relational subproblem:
// the overall argmin, plus the argmin per interesting provided ordering
// (orders a later operator can consume without an extra sort). This is the
// per-subset memoization of the join-order dynamic program.
type planSet struct {
	best    memo.RelID
	byOrder map[string]memo.RelID
}

func newPlanSet() *planSet {
	return &planSet{byOrder: make(map[string]memo.RelID)}
}

// better reports whether candidate a beats candidate b: lower cost, ties
// broken by lower memory (inside Cost.Less), then by earlier enumeration.
func better(m *memo.Memo, a, b memo.RelID) bool {
	if b == 0 {
		return true
	}
	if a == 0 {
		return false
	}
	na, nb := m.Node(a), m.Node(b)
	if na.Cost.Less(nb.Cost) {
		return true
	}
	if nb.Cost.Less(na.Cost) {
		return false
	}
	return na.Seq < nb.Seq
}

// add offers a costed candidate to the set. The candidate is retained if it
// is the new overall best, or the best among plans providing some
// interesting ordering.
func (s *planSet) add(m *memo.Memo, id memo.RelID, interesting []opt.Ordering) {
	if better(m, id, s.best) {
		s.best = id
	}
	provided := m.Node(id).Provided
	if len(provided) == 0 {
		return
	}
	for _, ord := range interesting {
		if !provided.Implies(ord) {
			continue
		}
		key := ord.String()
		if better(m, id, s.byOrder[key]) {
			s.byOrder[key] = id
		}
	}
}

// forOrder returns the best retained plan providing the given ordering, or 0.
func (s *planSet) forOrder(ord opt.Ordering) memo.RelID {
	return s.byOrder[ord.String()]
}

// forEach visits the overall best plan and every per-ordering best, each at
// most once, in deterministic order (best first, then orderings sorted by
// key).
func (s *planSet) forEach(fn func(memo.RelID)) {
	seen := map[memo.RelID]bool{}
	if s.best != 0 {
		seen[s.best] = true
		fn(s.best)
	}
	for _, key := range sortedKeys(s.byOrder) {
		id := s.byOrder[key]
		if !seen[id] {
			seen[id] = true
			fn(id)
		}
	}
}

func sortedKeys(m map[string]memo.RelID) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
