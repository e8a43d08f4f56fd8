// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/stratumdb/stratum/pkg/sql"
	"github.com/stratumdb/stratum/pkg/sql/querycache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "plan cache administration",
}

var cacheFlags struct {
	queries   []string
	signature string
}

var cacheInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "compile the given queries and list the resulting cache entries",
	Long: `
Compile each --query file against the fixture, then list the plan cache
entries from most to least recently used. Compiling the same query twice
demonstrates a hit.
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, _, err := openPlanner()
		if err != nil {
			return err
		}
		if err := warmCache(p); err != nil {
			return err
		}
		tw := tablewriter.NewWriter(os.Stdout)
		tw.SetHeader([]string{"signature", "rows", "cost", "cached at", "last used"})
		tw.SetBorder(false)
		p.InspectCache(func(entry *querycache.CachedPlan) {
			tw.Append([]string{
				fmt.Sprintf("%016x", entry.Signature),
				fmt.Sprintf("%.0f", entry.Result.Plan.Cost.Rows),
				fmt.Sprintf("%.2f", entry.Result.Plan.Cost.Total),
				entry.CachedAt.Format("15:04:05.000"),
				entry.LastUsed().Format("15:04:05.000"),
			})
		})
		tw.Render()
		return nil
	},
}

var cacheEvictCmd = &cobra.Command{
	Use:   "evict",
	Short: "compile the given queries, then drop cached plans",
	Long: `
Compile each --query file against the fixture, then drop cached plans:
every entry by default, or the one named by --signature.
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, _, err := openPlanner()
		if err != nil {
			return err
		}
		if err := warmCache(p); err != nil {
			return err
		}
		if cacheFlags.signature != "" {
			sig, err := strconv.ParseUint(cacheFlags.signature, 16, 64)
			if err != nil {
				return errors.Wrapf(err, "parsing signature %q", cacheFlags.signature)
			}
			if !p.EvictCacheEntry(sig) {
				return errors.Errorf("no cached plan with signature %016x", sig)
			}
			fmt.Printf("evicted plan %016x\n", sig)
			return nil
		}
		fmt.Printf("evicted %d cached plans\n", p.EvictCache())
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{cacheInspectCmd, cacheEvictCmd} {
		cmd.Flags().StringArrayVar(&cacheFlags.queries, "query", nil,
			"query file to compile before the cache operation (repeatable)")
	}
	cacheEvictCmd.Flags().StringVar(&cacheFlags.signature, "signature", "",
		"evict only the plan with this hex signature")
}

func warmCache(p *sql.Planner) error {
	for _, path := range cacheFlags.queries {
		query, err := loadQuery(path)
		if err != nil {
			return err
		}
		name := filepath.Base(path)
		if _, _, err := p.Optimize(cmdContext(), name, query); err != nil {
			return err
		}
	}
	return nil
}
