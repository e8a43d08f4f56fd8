// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package xform

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v2"
)

// Config carries the tunable constants of the cost model and the enumeration
// budget. The exact weightings are configuration, not contract: any values
// must preserve the cost model's structural properties (random I/O costlier
// than sequential, cost monotone in row count).
type Config struct {
	// SeqPageCost is the cost of reading one page sequentially.
	SeqPageCost float64 `yaml:"seq_page_cost"`

	// RandPageCost is the cost of reading one page at a random position.
	// Must be >= SeqPageCost.
	RandPageCost float64 `yaml:"rand_page_cost"`

	// CPUCostPerRow is the cost of processing one row through an operator.
	CPUCostPerRow float64 `yaml:"cpu_cost_per_row"`

	// HashBuildCostPerRow is the per-row cost of inserting into a hash
	// table; HashProbeCostPerRow the per-row cost of probing one.
	HashBuildCostPerRow float64 `yaml:"hash_build_cost_per_row"`
	HashProbeCostPerRow float64 `yaml:"hash_probe_cost_per_row"`

	// SortCostPerCompare scales the n·log₂(n) comparison count of a sort.
	SortCostPerCompare float64 `yaml:"sort_cost_per_compare"`

	// IndexDescentCost is the fixed cost of descending an index to position
	// a scan.
	IndexDescentCost float64 `yaml:"index_descent_cost"`

	// PageSize is the assumed page size in bytes for converting row widths
	// into page counts.
	PageSize float64 `yaml:"page_size"`

	// JoinOrderLimit is the largest join-graph size optimized with exhaustive
	// dynamic programming; larger graphs fall back to greedy ordering (an
	// explicit accuracy/time trade-off).
	JoinOrderLimit int `yaml:"join_order_limit"`

	// MaxPlans bounds the number of candidate plans considered per request.
	MaxPlans int64 `yaml:"max_plans"`

	// Timeout bounds the wall-clock time of one optimization request when
	// the caller's context carries no earlier deadline.
	Timeout time.Duration `yaml:"-"`
}

// DefaultConfig returns the default cost model constants.
func DefaultConfig() Config {
	return Config{
		SeqPageCost:         1.0,
		RandPageCost:        4.0,
		CPUCostPerRow:       0.01,
		HashBuildCostPerRow: 0.02,
		HashProbeCostPerRow: 0.01,
		SortCostPerCompare:  0.01,
		IndexDescentCost:    12.0,
		PageSize:            4096,
		JoinOrderLimit:      6,
		MaxPlans:            1 << 16,
		Timeout:             5 * time.Second,
	}
}

// LoadConfig reads a YAML config file, filling unset fields with defaults.
// Timeout is given as a duration string, e.g. "5s".
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading cost config %q", path)
	}
	aux := struct {
		Config  `yaml:",inline"`
		Timeout string `yaml:"timeout"`
	}{Config: cfg}
	if err := yaml.UnmarshalStrict(data, &aux); err != nil {
		return Config{}, errors.Wrapf(err, "parsing cost config %q", path)
	}
	cfg = aux.Config
	if aux.Timeout != "" {
		cfg.Timeout, err = time.ParseDuration(aux.Timeout)
		if err != nil {
			return Config{}, errors.Wrapf(err, "parsing cost config %q", path)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the structural constraints on the constants.
func (c *Config) Validate() error {
	if c.RandPageCost < c.SeqPageCost {
		return errors.Errorf("rand_page_cost (%v) must be >= seq_page_cost (%v)",
			c.RandPageCost, c.SeqPageCost)
	}
	if c.SeqPageCost <= 0 || c.CPUCostPerRow <= 0 || c.PageSize <= 0 {
		return errors.Errorf("cost factors must be positive")
	}
	if c.JoinOrderLimit < 2 || c.JoinOrderLimit > 63 {
		return errors.Errorf("join_order_limit %d out of range [2,63]", c.JoinOrderLimit)
	}
	return nil
}
