// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package querycache caches optimized plans keyed by a signature of the
// bound logical query, and invalidates them when the statistics they were
// derived from change.
package querycache

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stratumdb/stratum/pkg/sql/opt"
	"github.com/stratumdb/stratum/pkg/sql/opt/xform"
	"github.com/stratumdb/stratum/pkg/sql/stats"
	"golang.org/x/sync/singleflight"
)

// DefaultSize is the default number of cached plans.
const DefaultSize = 1024

// Metrics are the cache's counters, registered with a prometheus registry
// by the embedding server.
type Metrics struct {
	Hits              prometheus.Counter
	Misses            prometheus.Counter
	StaleInvalidation prometheus.Counter
}

// MakeMetrics returns the cache counter set.
func MakeMetrics() Metrics {
	return Metrics{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "querycache_hits_total",
			Help: "Plan cache hits.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "querycache_misses_total",
			Help: "Plan cache misses, including stale invalidations.",
		}),
		StaleInvalidation: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "querycache_stale_invalidations_total",
			Help: "Cached plans evicted because their statistics changed.",
		}),
	}
}

// Register adds the cache counters to r.
func (m *Metrics) Register(r prometheus.Registerer) {
	r.MustRegister(m.Hits, m.Misses, m.StaleInvalidation)
}

// CachedPlan is one cache entry.
type CachedPlan struct {
	Signature uint64
	Result    *xform.Result
	CachedAt  time.Time

	// lastUsed is the wall-clock time of the most recent hit, in Unix
	// nanoseconds, or 0 when the plan has never been hit. Accessed
	// atomically because concurrent hits share the entry.
	lastUsed atomic.Int64
}

// LastUsed returns the time of the most recent hit for this plan, or its
// creation time when it has never been hit.
func (p *CachedPlan) LastUsed() time.Time {
	if ns := p.lastUsed.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return p.CachedAt
}

func (p *CachedPlan) touch() {
	p.lastUsed.Store(time.Now().UnixNano())
}

// Cache is a fixed-capacity LRU of optimized plans. A cached plan is valid
// only while every statistics version it was derived from is still current;
// a stale hit is evicted and treated as a miss. Concurrent requests for the
// same uncached signature are collapsed: one caller compiles, the rest wait
// and share the result.
type Cache struct {
	store   *stats.Store
	entries *lru.Cache[uint64, *CachedPlan]
	group   singleflight.Group
	metrics Metrics
}

// CompileFunc produces a plan for a query on a cache miss.
type CompileFunc func(ctx context.Context, query *opt.Logical) (*xform.Result, error)

// New returns a plan cache with the given capacity.
func New(size int, store *stats.Store, metrics Metrics) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	entries, err := lru.New[uint64, *CachedPlan](size)
	if err != nil {
		return nil, errors.Wrapf(err, "creating plan cache of size %d", size)
	}
	return &Cache{store: store, entries: entries, metrics: metrics}, nil
}

// Optimize returns the plan for query, compiling via compile on a miss. The
// returned bool reports whether the plan was served from cache.
func (c *Cache) Optimize(
	ctx context.Context, query *opt.Logical, compile CompileFunc,
) (*xform.Result, bool, error) {
	sig := Signature(query)

	if entry, ok := c.entries.Get(sig); ok {
		if c.valid(entry) {
			entry.touch()
			c.metrics.Hits.Inc()
			return entry.Result, true, nil
		}
		c.entries.Remove(sig)
		c.metrics.StaleInvalidation.Inc()
	}
	c.metrics.Misses.Inc()

	// Collapse concurrent compilations of the same signature. Losers of the
	// race still count as misses above, which matches what they observed.
	v, err, _ := c.group.Do(strconv.FormatUint(sig, 16), func() (interface{}, error) {
		if entry, ok := c.entries.Get(sig); ok && c.valid(entry) {
			entry.touch()
			return entry.Result, nil
		}
		res, err := compile(ctx, query)
		if err != nil {
			return nil, err
		}
		// Plans that hit the enumeration budget are kept out of the cache:
		// a retry with a fresh budget may find a better plan.
		if !res.Truncated {
			c.entries.Add(sig, &CachedPlan{Signature: sig, Result: res, CachedAt: time.Now()})
		}
		return res, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*xform.Result), false, nil
}

// valid reports whether every statistics version the plan was derived from
// is still current. Targets that had no statistics at compile time were
// recorded as version 0, so creating statistics later invalidates too.
func (c *Cache) valid(entry *CachedPlan) bool {
	for key, version := range entry.Result.StatsVersions {
		if c.store.VersionForKey(key) != version {
			return false
		}
	}
	return true
}

// Evict removes every cached plan.
func (c *Cache) Evict() int {
	n := c.entries.Len()
	c.entries.Purge()
	return n
}

// EvictSignature removes the entry for one signature, reporting whether it
// was present.
func (c *Cache) EvictSignature(sig uint64) bool {
	return c.entries.Remove(sig)
}

// Len returns the number of cached plans.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Inspect iterates over cached entries from most to least recently used.
func (c *Cache) Inspect(fn func(*CachedPlan)) {
	keys := c.entries.Keys()
	for i := len(keys) - 1; i >= 0; i-- {
		if entry, ok := c.entries.Peek(keys[i]); ok {
			fn(entry)
		}
	}
}

// Signature hashes the bound logical tree to a cache key. Two queries share
// a signature exactly when their trees are structurally identical,
// including constants; the binder is expected to have already normalized
// equivalent spellings.
func Signature(query *opt.Logical) uint64 {
	h := xxhash.New()
	var buf [8]byte
	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = h.Write(buf[:])
	}
	writeF64 := func(v float64) { writeU64(math.Float64bits(v)) }

	var hashScalar func(e *opt.ScalarExpr)
	hashScalar = func(e *opt.ScalarExpr) {
		if e == nil {
			writeU64(0)
			return
		}
		writeU64(1 + uint64(e.Op))
		switch e.Op {
		case opt.ScalarComparisonOp:
			writeU64(uint64(e.Col))
			writeU64(uint64(e.CmpOp))
			writeF64(e.Value)
		default:
			writeU64(uint64(len(e.Children)))
			for _, c := range e.Children {
				hashScalar(c)
			}
		}
	}
	hashOrdering := func(ord opt.Ordering) {
		writeU64(uint64(len(ord)))
		for _, oc := range ord {
			writeU64(uint64(oc.Col))
			if oc.Descending {
				writeU64(1)
			} else {
				writeU64(0)
			}
		}
	}

	var hashNode func(n *opt.Logical)
	hashNode = func(n *opt.Logical) {
		if n == nil {
			writeU64(0)
			return
		}
		writeU64(1 + uint64(n.Op))
		switch n.Op {
		case opt.ScanOp:
			writeU64(uint64(n.Table))
		case opt.SelectOp:
			hashScalar(n.Filter)
			hashNode(n.Input)
		case opt.JoinOp:
			writeU64(uint64(n.Kind))
			writeU64(uint64(len(n.On)))
			for _, eq := range n.On {
				writeU64(uint64(eq.LeftCol))
				writeU64(uint64(eq.RightCol))
			}
			hashNode(n.Input)
			hashNode(n.Right)
		case opt.GroupByOp:
			writeU64(uint64(len(n.GroupCols)))
			for _, c := range n.GroupCols {
				writeU64(uint64(c))
			}
			writeU64(uint64(len(n.Aggs)))
			for _, agg := range n.Aggs {
				writeU64(uint64(agg.Func))
				writeU64(uint64(agg.Arg))
				writeU64(uint64(agg.Out))
			}
			hashNode(n.Input)
		case opt.SortOp:
			hashOrdering(n.SortOrder)
			hashNode(n.Input)
		case opt.TopOp:
			writeU64(uint64(n.Limit))
			hashNode(n.Input)
		}
	}
	hashNode(query)
	return h.Sum64()
}

// String implements fmt.Stringer for log output.
func (p *CachedPlan) String() string {
	return fmt.Sprintf("plan %016x (%.0f rows, cost %.2f, cached %s, last used %s)",
		p.Signature, p.Result.Plan.Cost.Rows, p.Result.Plan.Cost.Total,
		p.CachedAt.Format(time.RFC3339), p.LastUsed().Format(time.RFC3339))
}
