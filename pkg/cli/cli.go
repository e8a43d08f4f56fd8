// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package cli implements the stratum admin command line: statistics
// refresh and inspection, plan cache administration, and plan explain over
// a catalog fixture.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stratumdb/stratum/pkg/sql"
	"github.com/stratumdb/stratum/pkg/sql/opt/xform"
	"github.com/stratumdb/stratum/pkg/sql/querycache"
	"github.com/stratumdb/stratum/pkg/sql/stats"
	"github.com/stratumdb/stratum/pkg/util/log"
)

var rootFlags struct {
	fixture   string
	config    string
	statsFile string
	verbosity int
}

var rootCmd = &cobra.Command{
	Use:           "stratum",
	Short:         "stratum query planner admin tool",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	registerRootFlags(rootCmd.PersistentFlags())
	statsCmd.AddCommand(statsRefreshCmd, statsAgeCmd)
	cacheCmd.AddCommand(cacheInspectCmd, cacheEvictCmd)
	rootCmd.AddCommand(statsCmd, cacheCmd, explainCmd)
}

func registerRootFlags(pf *pflag.FlagSet) {
	pf.StringVar(&rootFlags.fixture, "fixture", "", "catalog and data fixture (YAML)")
	pf.StringVar(&rootFlags.config, "config", "", "cost model configuration (YAML)")
	pf.StringVar(&rootFlags.statsFile, "stats", "", "statistics file to load before and save after (JSON)")
	pf.IntVarP(&rootFlags.verbosity, "verbosity", "v", 0, "log verbosity")
}

// Main runs the CLI and returns a process exit code.
func Main() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// openPlanner loads the fixture and configuration and wires a planner. The
// statistics file, when given, is loaded before the command runs; save
// persists it back.
func openPlanner() (p *sql.Planner, save func() error, err error) {
	log.SetVerbosity(rootFlags.verbosity)
	if rootFlags.fixture == "" {
		return nil, nil, errors.New("--fixture is required")
	}
	catalog, src, err := loadFixture(rootFlags.fixture)
	if err != nil {
		return nil, nil, err
	}

	cfg := xform.DefaultConfig()
	if rootFlags.config != "" {
		cfg, err = xform.LoadConfig(rootFlags.config)
		if err != nil {
			return nil, nil, err
		}
	}

	store := stats.NewStore(src)
	if rootFlags.statsFile != "" {
		f, err := os.Open(rootFlags.statsFile)
		if err == nil {
			err = store.Load(f)
			f.Close()
		}
		if err != nil && !os.IsNotExist(err) {
			return nil, nil, errors.Wrapf(err, "loading statistics %q", rootFlags.statsFile)
		}
	}

	p, err = sql.NewPlanner(catalog, store, cfg, querycache.DefaultSize)
	if err != nil {
		return nil, nil, err
	}
	save = func() error {
		if rootFlags.statsFile == "" {
			return nil
		}
		f, err := os.Create(rootFlags.statsFile)
		if err != nil {
			return errors.Wrapf(err, "saving statistics %q", rootFlags.statsFile)
		}
		defer f.Close()
		return store.Save(f)
	}
	return p, save, nil
}

func cmdContext() context.Context {
	return context.Background()
}
