// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/stratumdb/stratum/pkg/sql/opt"
	"github.com/stratumdb/stratum/pkg/sql/stats"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "statistics administration",
}

var refreshFlags struct {
	full bool
}

var statsRefreshCmd = &cobra.Command{
	Use:   "refresh <table-id> <col-id>[,<col-id>...]",
	Short: "rebuild statistics for a column set",
	Long: `
Rebuild statistics for the given table and column prefix and publish the new
version. Sampled collection is the default; --full scans every row and
computes exact distinct counts.
`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, save, err := openPlanner()
		if err != nil {
			return err
		}
		target, err := parseTarget(args[0], args[1])
		if err != nil {
			return err
		}
		mode := stats.Sampled
		if refreshFlags.full {
			mode = stats.Full
		}
		ts, err := p.RefreshStatistics(cmdContext(), target, mode)
		if err != nil {
			return err
		}
		fmt.Printf("refreshed %s: version %d, %s rows, %s distinct, %d histogram buckets\n",
			ts.Target, ts.Version,
			humanize.Comma(int64(ts.RowCount)), humanize.Comma(int64(ts.DistinctCount)),
			len(ts.Histogram))
		return save()
	},
}

var statsAgeCmd = &cobra.Command{
	Use:   "age",
	Short: "list statistics targets with build time and staleness",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, _, err := openPlanner()
		if err != nil {
			return err
		}
		tw := tablewriter.NewWriter(os.Stdout)
		tw.SetHeader([]string{"target", "version", "mode", "rows", "built", "stale"})
		tw.SetBorder(false)
		p.Store().Targets(func(target stats.Target, ts *stats.TableStatistic) {
			tw.Append([]string{
				target.Key(),
				strconv.FormatUint(ts.Version, 10),
				ts.BuildMode.String(),
				humanize.Comma(int64(ts.RowCount)),
				humanize.Time(ts.CreatedAt),
				strconv.FormatBool(p.Store().IsStale(target)),
			})
		})
		tw.Render()
		return nil
	},
}

func init() {
	statsRefreshCmd.Flags().BoolVar(&refreshFlags.full, "full", false,
		"scan the full table instead of sampling")
}

func parseTarget(tableArg, colsArg string) (stats.Target, error) {
	tableID, err := strconv.Atoi(tableArg)
	if err != nil {
		return stats.Target{}, errors.Wrapf(err, "parsing table id %q", tableArg)
	}
	var cols []opt.ColumnID
	for _, s := range strings.Split(colsArg, ",") {
		colID, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return stats.Target{}, errors.Wrapf(err, "parsing column id %q", s)
		}
		cols = append(cols, opt.ColumnID(colID))
	}
	return stats.MakeTarget(opt.TableID(tableID), cols...), nil
}
