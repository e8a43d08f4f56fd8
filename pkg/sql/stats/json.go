// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package stats

import (
	"encoding/json"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stratumdb/stratum/pkg/sql/opt"
	"github.com/stratumdb/stratum/pkg/sql/opt/cat"
)

// JSONStatistic is the persistence form of one TableStatistic.
type JSONStatistic struct {
	Table         opt.TableID    `json:"table"`
	Columns       []opt.ColumnID `json:"columns"`
	RowCount      uint64         `json:"row_count"`
	ModCount      uint64         `json:"mod_count_at_build"`
	BuildMode     string         `json:"build_mode"`
	Version       uint64         `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	DistinctCount uint64         `json:"distinct_count"`
	NullCount     uint64         `json:"null_count,omitempty"`
	Min           float64        `json:"min"`
	Max           float64        `json:"max"`
	Buckets       []JSONBucket   `json:"histo_buckets"`
	Densities     []DensityEntry `json:"densities"`
}

// JSONBucket is one histogram step on disk.
type JSONBucket struct {
	NumEq         float64 `json:"num_eq"`
	NumRange      float64 `json:"num_range"`
	DistinctRange float64 `json:"distinct_range"`
	UpperBound    float64 `json:"upper_bound"`
}

// MakeJSONStatistic converts a TableStatistic into its persistence form.
func MakeJSONStatistic(ts *TableStatistic) JSONStatistic {
	js := JSONStatistic{
		Table:         ts.Target.Table,
		Columns:       ts.Target.Columns,
		RowCount:      ts.RowCount,
		ModCount:      ts.ModCountAtBuild,
		BuildMode:     ts.BuildMode.String(),
		Version:       ts.Version,
		CreatedAt:     ts.CreatedAt,
		DistinctCount: ts.DistinctCount,
		NullCount:     ts.NullCount,
		Min:           ts.Min,
		Max:           ts.Max,
		Densities:     ts.Densities,
	}
	js.Buckets = make([]JSONBucket, len(ts.Histogram))
	for i, b := range ts.Histogram {
		js.Buckets[i] = JSONBucket(b)
	}
	return js
}

// Statistic converts the persistence form back into a TableStatistic.
func (js *JSONStatistic) Statistic() (*TableStatistic, error) {
	mode := Sampled
	switch js.BuildMode {
	case "sampled":
	case "full":
		mode = Full
	default:
		return nil, errors.Errorf("unknown build mode %q", js.BuildMode)
	}
	ts := &TableStatistic{
		Target:          MakeTarget(js.Table, js.Columns...),
		RowCount:        js.RowCount,
		ModCountAtBuild: js.ModCount,
		Version:         js.Version,
		BuildMode:       mode,
		CreatedAt:       js.CreatedAt,
		DistinctCount:   js.DistinctCount,
		NullCount:       js.NullCount,
		Min:             js.Min,
		Max:             js.Max,
		Densities:       js.Densities,
	}
	ts.Histogram = make([]cat.HistogramBucket, len(js.Buckets))
	for i, b := range js.Buckets {
		ts.Histogram[i] = cat.HistogramBucket(b)
	}
	if err := ValidateHistogram(ts.Histogram, DefaultHistogramBuckets); err != nil {
		return nil, errors.Wrapf(err, "statistic for %s", ts.Target)
	}
	return ts, nil
}

// Save writes all current statistics to w as a JSON array, in sorted target
// order.
func (s *Store) Save(w io.Writer) error {
	var records []JSONStatistic
	s.Targets(func(_ Target, ts *TableStatistic) {
		records = append(records, MakeJSONStatistic(ts))
	})
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

// Load reads a JSON array of statistics records and publishes each one.
// Loaded statistics receive fresh store versions.
func (s *Store) Load(r io.Reader) error {
	var records []JSONStatistic
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return errors.Wrap(err, "decoding statistics")
	}
	for i := range records {
		ts, err := records[i].Statistic()
		if err != nil {
			return err
		}
		s.publish(ts)
	}
	return nil
}
