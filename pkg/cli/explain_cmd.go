// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package cli

import (
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var explainCmd = &cobra.Command{
	Use:   "explain <query.yaml>",
	Short: "show the selected plan for a query",
	Long: `
Optimize the query against the fixture and print the selected physical plan
with per-node cost and cardinality estimates.
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, save, err := openPlanner()
		if err != nil {
			return err
		}
		query, err := loadQuery(args[0])
		if err != nil {
			return err
		}
		res, cached, err := p.Optimize(cmdContext(), filepath.Base(args[0]), query)
		if err != nil {
			return err
		}
		fmt.Print(res.Plan.String())
		fmt.Printf("\ncandidates considered: %s", humanize.Comma(res.PlansConsidered))
		if res.Truncated {
			fmt.Print(" (budget exhausted)")
		}
		if cached {
			fmt.Print(" (cached)")
		}
		fmt.Println()
		return save()
	},
}
