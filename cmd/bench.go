// Copyright 2021 Molecula Corp. All rights reserved.
package cmd

import (
	"context"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/featurebasedb/memo/ctl"
)

var benchCmd *ctl.BenchCommand

func newBenchCommand(stdin io.Reader, stdout io.Writer, stderr io.Writer) *cobra.Command {
	benchCmd = ctl.NewBenchCommand(stdin, stdout, stderr)
	ccmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark database operations",
		Long: `
Runs a synthetic workload of input sets and derived fetches against an
in-process database and reports the throughput.
`,
		RunE: func(c *cobra.Command, args []string) error {
			return benchCmd.Run(context.Background())
		},
	}

	flags := ccmd.Flags()
	flags.StringVar(&benchCmd.Op, "op", "", "Workload to run: set, fetch, or mixed.")
	flags.IntVar(&benchCmd.N, "n", 0, "Total number of operations to execute.")
	flags.IntVar(&benchCmd.Width, "width", benchCmd.Width, "Number of input cells, and the key range of every layer.")
	flags.IntVar(&benchCmd.Depth, "depth", benchCmd.Depth, "Number of derived layers stacked on the inputs.")
	flags.IntVar(&benchCmd.Workers, "workers", benchCmd.Workers, "Number of goroutines issuing operations concurrently.")
	flags.Int64Var(&benchCmd.Seed, "seed", benchCmd.Seed, "Seed for the workload's random source.")

	flags.IntVar(&benchCmd.Config.CacheSize, "cache-size", benchCmd.Config.CacheSize, "Maximum memoized entries per derived query. Zero keeps every entry.")
	flags.StringVar(&benchCmd.Config.LogPath, "log-path", benchCmd.Config.LogPath, "Log path. Empty means stderr.")
	flags.BoolVar(&benchCmd.Config.Verbose, "verbose", benchCmd.Config.Verbose, "Enable verbose logging.")
	flags.DurationVar((*time.Duration)(&benchCmd.Config.Maintenance.Interval), "maintenance.interval", time.Duration(benchCmd.Config.Maintenance.Interval), "Interval between maintenance passes. Zero disables maintenance.")
	flags.Uint64Var(&benchCmd.Config.Maintenance.SweepRevisions, "maintenance.sweep-revisions", benchCmd.Config.Maintenance.SweepRevisions, "Sweep entries last verified more than this many revisions ago. Zero disables sweeping.")
	flags.StringVar(&benchCmd.Config.Metric.Service, "metric.service", benchCmd.Config.Metric.Service, "Stats service to report to: statsd, expvar, prometheus, or none.")
	flags.StringVar(&benchCmd.Config.Metric.Host, "metric.host", benchCmd.Config.Metric.Host, "URI of the statsd host.")
	return ccmd
}
