// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stratumdb/stratum/pkg/sql/stats"
	"github.com/stretchr/testify/require"
)

// runCmd executes the root command with the given arguments, resetting the
// shared flag state afterwards so tests stay independent.
func runCmd(t *testing.T, args ...string) error {
	t.Helper()
	defer func() {
		rootFlags.fixture = ""
		rootFlags.config = ""
		rootFlags.statsFile = ""
		rootFlags.verbosity = 0
		refreshFlags.full = false
		cacheFlags.queries = nil
		cacheFlags.signature = ""
	}()
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestStatsRefreshCommand(t *testing.T) {
	fixture := writeFile(t, "fixture.yaml", testFixtureYAML)
	statsFile := filepath.Join(t.TempDir(), "stats.json")

	err := runCmd(t,
		"stats", "refresh", "1", "2",
		"--full", "--fixture", fixture, "--stats", statsFile)
	require.NoError(t, err)

	// The refreshed statistics were persisted and reload cleanly.
	f, err := os.Open(statsFile)
	require.NoError(t, err)
	defer f.Close()
	store := stats.NewStore(nil)
	require.NoError(t, store.Load(f))
	ts, ok := store.Get(stats.MakeTarget(1, 2))
	require.True(t, ok)
	require.Equal(t, uint64(3), ts.RowCount)
	require.Equal(t, stats.Full, ts.BuildMode)
}

func TestStatsRefreshCommandErrors(t *testing.T) {
	fixture := writeFile(t, "fixture.yaml", testFixtureYAML)

	// Missing fixture flag.
	err := runCmd(t, "stats", "refresh", "1", "2")
	require.Error(t, err)

	// Bad target spellings.
	err = runCmd(t, "stats", "refresh", "x", "2", "--fixture", fixture)
	require.Error(t, err)
	err = runCmd(t, "stats", "refresh", "1", "2,y", "--fixture", fixture)
	require.Error(t, err)

	// Unknown table passes parsing but fails against the fixture.
	err = runCmd(t, "stats", "refresh", "9", "2", "--fixture", fixture)
	require.Error(t, err)
}

func TestStatsAgeCommand(t *testing.T) {
	fixture := writeFile(t, "fixture.yaml", testFixtureYAML)
	statsFile := filepath.Join(t.TempDir(), "stats.json")

	err := runCmd(t,
		"stats", "refresh", "1", "1",
		"--fixture", fixture, "--stats", statsFile)
	require.NoError(t, err)

	err = runCmd(t, "stats", "age", "--fixture", fixture, "--stats", statsFile)
	require.NoError(t, err)
}

func TestExplainCommand(t *testing.T) {
	fixture := writeFile(t, "fixture.yaml", testFixtureYAML)
	query := writeFile(t, "query.yaml", testQueryYAML)

	err := runCmd(t, "explain", query, "--fixture", fixture)
	require.NoError(t, err)

	// A query over a table the fixture does not define fails.
	bad := writeFile(t, "bad.yaml", "op: scan\ntable: 42\n")
	err = runCmd(t, "explain", bad, "--fixture", fixture)
	require.Error(t, err)
}

func TestCacheCommands(t *testing.T) {
	fixture := writeFile(t, "fixture.yaml", testFixtureYAML)
	query := writeFile(t, "query.yaml", testQueryYAML)

	err := runCmd(t,
		"cache", "inspect", "--fixture", fixture, "--query", query)
	require.NoError(t, err)

	err = runCmd(t,
		"cache", "evict", "--fixture", fixture, "--query", query)
	require.NoError(t, err)

	// Per-signature eviction: unknown signatures and bad spellings fail.
	err = runCmd(t,
		"cache", "evict", "--fixture", fixture, "--signature", "deadbeef")
	require.Error(t, err)
	err = runCmd(t,
		"cache", "evict", "--fixture", fixture, "--signature", "not-hex")
	require.Error(t, err)

	// A broken query file fails the warmup.
	bad := writeFile(t, "bad.yaml", "op: nonsense\n")
	err = runCmd(t,
		"cache", "inspect", "--fixture", fixture, "--query", bad)
	require.Error(t, err)
}

func TestExplainWithConfig(t *testing.T) {
	fixture := writeFile(t, "fixture.yaml", testFixtureYAML)
	query := writeFile(t, "query.yaml", testQueryYAML)
	config := writeFile(t, "config.yaml", `
seq_page_cost: 1.0
rand_page_cost: 2.0
cpu_cost_per_row: 0.01
hash_build_cost_per_row: 0.02
hash_probe_cost_per_row: 0.01
sort_cost_per_compare: 0.01
index_descent_cost: 8.0
page_size: 8192
join_order_limit: 4
max_plans: 1024
timeout: 2s
`)

	err := runCmd(t, "explain", query, "--fixture", fixture, "--config", config)
	require.NoError(t, err)

	broken := writeFile(t, "broken.yaml", "seq_page_cost: -1\n")
	err = runCmd(t, "explain", query, "--fixture", fixture, "--config", broken)
	require.Error(t, err)
}
