// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package xform

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "costs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	return path
}

func TestLoadConfigFillsDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "rand_page_cost: 2.5\ntimeout: 250ms\n"))
	require.NoError(t, err)

	require.Equal(t, 2.5, cfg.RandPageCost)
	require.Equal(t, 250*time.Millisecond, cfg.Timeout)

	// Unset fields keep their defaults.
	def := DefaultConfig()
	require.Equal(t, def.SeqPageCost, cfg.SeqPageCost)
	require.Equal(t, def.JoinOrderLimit, cfg.JoinOrderLimit)
	require.Equal(t, def.MaxPlans, cfg.MaxPlans)
}

func TestLoadConfigErrors(t *testing.T) {
	testCases := []struct {
		name string
		yaml string
	}{
		{"unknown-key", "seq_page_price: 2\n"},
		{"bad-duration", "timeout: fast\n"},
		{"rand-below-seq", "seq_page_cost: 3\nrand_page_cost: 2\n"},
		{"negative-factor", "seq_page_cost: -1\n"},
		{"join-limit-low", "join_order_limit: 1\n"},
		{"join-limit-high", "join_order_limit: 64\n"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.yaml))
			require.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.GreaterOrEqual(t, cfg.RandPageCost, cfg.SeqPageCost)
}
