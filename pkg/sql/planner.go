// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package sql wires the statistics store, the optimizer, and the plan cache
// into the planning surface the rest of the system calls.
package sql

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stratumdb/stratum/pkg/sql/opt"
	"github.com/stratumdb/stratum/pkg/sql/opt/cat"
	"github.com/stratumdb/stratum/pkg/sql/opt/xform"
	"github.com/stratumdb/stratum/pkg/sql/querycache"
	"github.com/stratumdb/stratum/pkg/sql/stats"
	"github.com/stratumdb/stratum/pkg/util/log"
)

// PlannerMetrics are the optimizer-level counters and timings.
type PlannerMetrics struct {
	CompileLatency    prometheus.Histogram
	BudgetTruncations prometheus.Counter
}

// MakePlannerMetrics returns the planner metric set.
func MakePlannerMetrics() PlannerMetrics {
	return PlannerMetrics{
		CompileLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "optimizer_compile_seconds",
			Help:    "Latency of plan compilation, cache misses only.",
			Buckets: prometheus.ExponentialBuckets(1e-5, 4, 10),
		}),
		BudgetTruncations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optimizer_budget_truncations_total",
			Help: "Compilations stopped by the enumeration budget.",
		}),
	}
}

// Register adds the planner metrics to r.
func (m *PlannerMetrics) Register(r prometheus.Registerer) {
	r.MustRegister(m.CompileLatency, m.BudgetTruncations)
}

// Planner is the planning façade. It is safe for concurrent use.
type Planner struct {
	catalog      *cat.Catalog
	store        *stats.Store
	cache        *querycache.Cache
	cfg          xform.Config
	metrics      PlannerMetrics
	cacheMetrics querycache.Metrics
}

// NewPlanner wires a planner over the given catalog and statistics source.
func NewPlanner(
	catalog *cat.Catalog, store *stats.Store, cfg xform.Config, cacheSize int,
) (*Planner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cacheMetrics := querycache.MakeMetrics()
	cache, err := querycache.New(cacheSize, store, cacheMetrics)
	if err != nil {
		return nil, err
	}
	return &Planner{
		catalog:      catalog,
		store:        store,
		cache:        cache,
		cfg:          cfg,
		metrics:      MakePlannerMetrics(),
		cacheMetrics: cacheMetrics,
	}, nil
}

// RegisterMetrics registers the planner's and the cache's metrics.
func (p *Planner) RegisterMetrics(r prometheus.Registerer) {
	p.metrics.Register(r)
	p.cacheMetrics.Register(r)
}

// Optimize plans the query, serving from the plan cache when a valid entry
// exists. name tags the request in log output.
func (p *Planner) Optimize(
	ctx context.Context, name string, query *opt.Logical,
) (*xform.Result, bool, error) {
	ctx = logtags.AddTag(ctx, "query", name)
	res, cached, err := p.cache.Optimize(ctx, query, p.compile)
	if err != nil {
		return nil, false, errors.Wrapf(err, "optimizing %q", name)
	}
	if cached {
		log.Infof(ctx, "plan cache hit")
	}
	return res, cached, nil
}

// compile runs one full optimization with a fresh budget.
func (p *Planner) compile(ctx context.Context, query *opt.Logical) (*xform.Result, error) {
	start := time.Now()
	o := xform.NewOptimizer(p.catalog, p.store, p.cfg)
	res, err := o.Optimize(ctx, query)
	if err != nil {
		return nil, err
	}
	p.metrics.CompileLatency.Observe(time.Since(start).Seconds())
	if res.Truncated {
		p.metrics.BudgetTruncations.Inc()
	}
	log.Infof(ctx, "compiled plan: %d candidates, cost %.2f",
		res.PlansConsidered, res.Plan.Cost.Total)
	return res, nil
}

// RefreshStatistics rebuilds statistics for a target and publishes the new
// version.
func (p *Planner) RefreshStatistics(
	ctx context.Context, target stats.Target, mode stats.Mode,
) (*stats.TableStatistic, error) {
	ctx = logtags.AddTag(ctx, "stats-refresh", target.Key())
	return p.store.Refresh(ctx, target, mode)
}

// StatisticsAge returns the build time of a target's current statistics.
// ok is false when no statistics exist.
func (p *Planner) StatisticsAge(target stats.Target) (time.Time, bool) {
	return p.store.Age(target)
}

// InspectCache iterates the cached plans, most recently used first.
func (p *Planner) InspectCache(fn func(*querycache.CachedPlan)) {
	p.cache.Inspect(fn)
}

// EvictCache drops every cached plan and returns how many were dropped.
func (p *Planner) EvictCache() int {
	return p.cache.Evict()
}

// EvictCacheEntry drops the cached plan for one signature, reporting whether
// an entry existed.
func (p *Planner) EvictCacheEntry(sig uint64) bool {
	return p.cache.EvictSignature(sig)
}

// Store exposes the statistics store for admin surfaces.
func (p *Planner) Store() *stats.Store {
	return p.store
}

// Catalog exposes the catalog for admin surfaces.
func (p *Planner) Catalog() *cat.Catalog {
	return p.catalog
}
