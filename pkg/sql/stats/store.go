// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package stats

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/axiomhq/hyperloglog"
	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"github.com/montanaflynn/stats"
	"github.com/stratumdb/stratum/pkg/sql/opt"
	"github.com/stratumdb/stratum/pkg/sql/opt/cat"
	"github.com/stratumdb/stratum/pkg/util/log"
	"github.com/stratumdb/stratum/pkg/util/syncutil"
	"golang.org/x/exp/rand"
)

// DefaultStalenessThreshold is the fraction of a table's rows that must be
// modified since the last build before its statistics are considered stale.
const DefaultStalenessThreshold = 0.20

// DefaultSampleSize is the reservoir size used for sampled builds.
const DefaultSampleSize = 10000

// ErrRefreshFailed marks errors returned when a statistics refresh could not
// complete. The previous statistics version remains in force and the refresh
// may be retried; callers should treat it as a warning, not a failure of the
// query.
var ErrRefreshFailed = errors.New("statistics refresh failed")

// Source provides access to table data for statistics collection. It is
// implemented by the storage layer; scans must respect context cancellation.
type Source interface {
	// RowCount returns the current number of rows in the table.
	RowCount(ctx context.Context, table opt.TableID) (uint64, error)

	// Scan invokes fn once per row with the values of the requested columns,
	// in the binder's ordered key space. The values slice is reused between
	// calls.
	Scan(ctx context.Context, table opt.TableID, cols []opt.ColumnID, fn func(vals []float64) error) error
}

// Store owns the current statistics version for every target. It is the one
// piece of shared mutable state in the optimizer: refreshes build a new
// immutable TableStatistic off-lock and publish it with an atomic swap, so
// concurrent readers never block on a refresh in progress.
type Store struct {
	src Source

	// StalenessThreshold overrides DefaultStalenessThreshold when non-zero.
	StalenessThreshold float64

	// SampleSize overrides DefaultSampleSize when non-zero.
	SampleSize int

	// MaxBuckets overrides DefaultHistogramBuckets when non-zero.
	MaxBuckets int

	mu struct {
		syncutil.Mutex

		// current maps target key to the published statistic.
		current map[string]*TableStatistic

		// mods counts row modifications per table since that table's last
		// successful refresh.
		mods map[opt.TableID]uint64

		// targets indexes all known target keys in sorted order, for
		// deterministic admin listings.
		targets *btree.BTree

		// versionCounter assigns strictly increasing statistic versions.
		versionCounter uint64
	}
}

type targetItem struct {
	key    string
	target Target
}

func (t *targetItem) Less(other btree.Item) bool {
	return t.key < other.(*targetItem).key
}

// NewStore returns an empty store reading from the given source.
func NewStore(src Source) *Store {
	s := &Store{src: src}
	s.mu.current = make(map[string]*TableStatistic)
	s.mu.mods = make(map[opt.TableID]uint64)
	s.mu.targets = btree.New(8)
	return s
}

func (s *Store) stalenessThreshold() float64 {
	if s.StalenessThreshold > 0 {
		return s.StalenessThreshold
	}
	return DefaultStalenessThreshold
}

func (s *Store) sampleSize() int {
	if s.SampleSize > 0 {
		return s.SampleSize
	}
	return DefaultSampleSize
}

func (s *Store) maxBuckets() int {
	if s.MaxBuckets > 0 {
		return s.MaxBuckets
	}
	return DefaultHistogramBuckets
}

// Get returns the current statistics for the target. Absence is not an
// error: estimation falls back to default selectivities.
func (s *Store) Get(target Target) (*TableStatistic, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.mu.current[target.Key()]
	return ts, ok
}

// Version returns the current statistics version for the target, or 0 if no
// statistics exist.
func (s *Store) Version(target Target) uint64 {
	if ts, ok := s.Get(target); ok {
		return ts.Version
	}
	return 0
}

// VersionForKey is Version keyed by Target.Key(), for callers that hold
// version maps rather than targets.
func (s *Store) VersionForKey(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok := s.mu.current[key]; ok {
		return ts.Version
	}
	return 0
}

// Age returns the build timestamp of the target's current statistics.
func (s *Store) Age(target Target) (time.Time, bool) {
	ts, ok := s.Get(target)
	if !ok {
		return time.Time{}, false
	}
	return ts.CreatedAt, true
}

// RecordModifications bumps the modification counter of a table. The storage
// layer calls this as rows are inserted, updated, or deleted.
func (s *Store) RecordModifications(table opt.TableID, n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.mods[table] += n
}

// ModificationCount returns the number of modifications recorded against the
// table since its last successful refresh.
func (s *Store) ModificationCount(table opt.TableID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.mods[table]
}

// IsStale reports whether the target's statistics have drifted past the
// staleness threshold. Missing statistics are stale by definition.
func (s *Store) IsStale(target Target) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.mu.current[target.Key()]
	if !ok {
		return true
	}
	if ts.RowCount == 0 {
		return s.mu.mods[target.Table] > 0
	}
	frac := float64(s.mu.mods[target.Table]) / float64(ts.RowCount)
	return frac >= s.stalenessThreshold()
}

// Targets invokes fn for every known target in sorted key order.
func (s *Store) Targets(fn func(Target, *TableStatistic)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.targets.Ascend(func(item btree.Item) bool {
		ti := item.(*targetItem)
		fn(ti.target, s.mu.current[ti.key])
		return true
	})
}

// Refresh collects fresh statistics for the target and publishes them as the
// new current version. On failure the previous version remains in force and
// the returned error is marked with ErrRefreshFailed.
func (s *Store) Refresh(ctx context.Context, target Target, mode Mode) (*TableStatistic, error) {
	if len(target.Columns) == 0 {
		return nil, errors.AssertionFailedf("statistics target without columns: %s", target)
	}

	ts, err := s.build(ctx, target, mode)
	if err != nil {
		log.Warningf(ctx, "statistics refresh for %s failed: %v", target, err)
		return nil, errors.Mark(errors.Wrapf(err, "refreshing %s", target), ErrRefreshFailed)
	}

	s.publish(ts)
	log.Infof(ctx, "published statistics %s", ts)
	return ts, nil
}

// MaybeRefresh refreshes the target in sampled mode if its statistics are
// stale. Mirrors the automatic statistics trigger: failures are swallowed
// after logging since a stale estimate is still usable.
func (s *Store) MaybeRefresh(ctx context.Context, target Target) {
	if !s.IsStale(target) {
		return
	}
	if _, err := s.Refresh(ctx, target, Sampled); err != nil {
		log.Warningf(ctx, "automatic statistics refresh skipped: %v", err)
	}
}

// publish atomically swaps in the new statistic and resets the table's
// modification counter.
func (s *Store) publish(ts *TableStatistic) {
	key := ts.Target.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.versionCounter++
	ts.Version = s.mu.versionCounter
	s.mu.current[key] = ts
	s.mu.targets.ReplaceOrInsert(&targetItem{key: key, target: ts.Target})
	s.mu.mods[ts.Target.Table] = 0
}

// build scans the source and constructs a new TableStatistic. It runs
// entirely outside the store lock.
func (s *Store) build(ctx context.Context, target Target, mode Mode) (*TableStatistic, error) {
	rowCount, err := s.src.RowCount(ctx, target.Table)
	if err != nil {
		return nil, err
	}

	// One distinct counter per prefix of the target columns; the last one
	// doubles as the counter for the full column set. Full builds count
	// exactly; sampled builds use a HyperLogLog sketch.
	counters := make([]distinctCounter, len(target.Columns))
	for i := range counters {
		if mode == Full {
			counters[i] = make(exactDistinct)
		} else {
			counters[i] = sketchDistinct{hyperloglog.New14()}
		}
	}

	var reservoir []float64
	var fullValues []float64
	var seen uint64
	rng := rand.New(rand.NewSource(uint64(time.Now().UnixNano())))
	sampleSize := s.sampleSize()

	var buf []byte
	err = s.src.Scan(ctx, target.Table, target.Columns, func(vals []float64) error {
		if seen%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		buf = buf[:0]
		for i := range vals {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(vals[i]))
			counters[i].insert(buf)
		}
		v := vals[0]
		switch mode {
		case Full:
			fullValues = append(fullValues, v)
		case Sampled:
			// Vitter's algorithm R.
			if len(reservoir) < sampleSize {
				reservoir = append(reservoir, v)
			} else if j := rng.Uint64n(seen + 1); j < uint64(sampleSize) {
				reservoir[j] = v
			}
		}
		seen++
		return nil
	})
	if err != nil {
		return nil, err
	}

	samples := reservoir
	if mode == Full {
		samples = fullValues
	}

	ts := &TableStatistic{
		Target:    target,
		RowCount:  rowCount,
		BuildMode: mode,
		CreatedAt: time.Now().UTC(),
	}
	if rowCount == 0 || len(samples) == 0 {
		ts.Histogram = []cat.HistogramBucket{}
		return ts, nil
	}

	clampDistinct := func(d uint64) uint64 {
		if d == 0 {
			d = 1
		}
		if d > rowCount {
			d = rowCount
		}
		return d
	}

	ts.DistinctCount = clampDistinct(counters[len(counters)-1].estimate())
	for i := range counters {
		distinct := clampDistinct(counters[i].estimate())
		ts.Densities = append(ts.Densities, DensityEntry{
			PrefixLen: i + 1,
			Density:   1.0 / float64(distinct),
		})
	}

	if min, err := stats.Min(samples); err == nil {
		ts.Min = min
	}
	if max, err := stats.Max(samples); err == nil {
		ts.Max = max
	}

	hist, err := EquiDepthHistogram(samples, rowCount, clampDistinct(counters[0].estimate()), s.maxBuckets())
	if err != nil {
		return nil, err
	}
	if err := ValidateHistogram(hist, s.maxBuckets()); err != nil {
		return nil, errors.WithSecondaryError(
			errors.AssertionFailedf("built invalid histogram for %s", target), err)
	}
	ts.Histogram = hist
	return ts, nil
}

// distinctCounter counts distinct byte strings, exactly or approximately.
type distinctCounter interface {
	insert(b []byte)
	estimate() uint64
}

type exactDistinct map[string]struct{}

func (d exactDistinct) insert(b []byte)  { d[string(b)] = struct{}{} }
func (d exactDistinct) estimate() uint64 { return uint64(len(d)) }

type sketchDistinct struct {
	sk *hyperloglog.Sketch
}

func (d sketchDistinct) insert(b []byte)  { d.sk.Insert(b) }
func (d sketchDistinct) estimate() uint64 { return d.sk.Estimate() }
