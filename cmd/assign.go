package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shiftgig/petri-dish/internal/assign"
	"github.com/shiftgig/petri-dish/internal/connector"
)

type assignOptions struct {
	Input           string
	Output          string
	Format          string
	TreatmentColumn string
	Trials          int
	Seed            uint64
	Concurrency     int
	Timeout         time.Duration
	Report          bool
}

var assignOpts assignOptions

var assignCmd = &cobra.Command{
	Use:   "assign",
	Short: "Fill in missing treatment assignments",
	Long:  "Reads subjects from --input (or the configured source), assigns every subject without a treatment and writes the table to --output, or to stdout.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		opts := unsetFlags(cmd, assignOpts)
		return runAssign(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
	},
}

// unsetFlags marks trial flags the user did not pass so assignConfig keeps
// the configured values.
func unsetFlags(cmd *cobra.Command, opts assignOptions) assignOptions {
	flags := cmd.Flags()
	if !flags.Changed("trials") {
		opts.Trials = 0
	}
	if !flags.Changed("seed") {
		opts.Seed = cfg.Experiment.Seed
	}
	if !flags.Changed("concurrency") {
		opts.Concurrency = -1
	}
	if !flags.Changed("timeout") {
		opts.Timeout = -1
	}
	return opts
}

// assignConfig merges flag overrides into the configured experiment.
// Negative or zero sentinels keep the configured value. A zero seed draws a
// fresh one; the result reports the seed that was used.
func assignConfig(opts assignOptions) assign.Config {
	ac := cfg.Experiment.Assign(opts.TreatmentColumn)
	if opts.Trials > 0 {
		ac.Trials = opts.Trials
	}
	ac.Seed = opts.Seed
	for ac.Seed == 0 {
		ac.Seed = rand.Uint64()
	}
	if opts.Concurrency >= 0 {
		ac.Concurrency = opts.Concurrency
	}
	if opts.Timeout >= 0 {
		ac.Timeout = opts.Timeout
	}
	return ac
}

func runAssign(ctx context.Context, out, errOut io.Writer, opts assignOptions) error {
	cfg.Source = connectorFor(opts.Input, cfg.Source)
	if err := cfg.Validate("assign"); err != nil {
		return err
	}

	d, err := assign.NewDirected(assignConfig(opts))
	if err != nil {
		return err
	}
	subjects, err := readTable(ctx, cfg.Source)
	if err != nil {
		return eris.Wrap(err, "assign: read subjects")
	}

	res, err := d.Assign(ctx, subjects)
	if err != nil {
		return err
	}

	zap.L().Info("assignment complete",
		zap.Int("subjects", subjects.Len()),
		zap.Int("assigned", res.Assigned),
		zap.Float64("score", res.Score),
		zap.Int("best_trial", res.BestTrial),
		zap.Int("trials_run", res.TrialsRun),
	)

	if opts.Output != "" {
		if err := writeTableTo(ctx, connectorFor(opts.Output, connector.Config{}), res.Table); err != nil {
			return eris.Wrap(err, "assign: write output")
		}
	} else if err := writeTable(out, opts.Format, res.Table); err != nil {
		return err
	}

	fmt.Fprintf(errOut, "assigned %d of %d subjects: score %.6f (trial %d of %d run, seed %d)\n",
		res.Assigned, subjects.Len(), res.Score, res.BestTrial, res.TrialsRun, res.Seed)
	if res.Partial {
		fmt.Fprintf(errOut, "warning: stopped early after %d of %d trials\n", res.TrialsRun, res.TrialsRequested)
	}
	if opts.Report {
		return printReport(errOut, res.Report)
	}
	return nil
}

func init() {
	f := assignCmd.Flags()
	f.StringVarP(&assignOpts.Input, "input", "i", "", "subjects file or URL (default from config source)")
	f.StringVarP(&assignOpts.Output, "output", "o", "", "write the assigned table to this file instead of stdout")
	f.StringVarP(&assignOpts.Format, "format", "f", formatCSV, "stdout format: csv, json or yaml")
	f.StringVar(&assignOpts.TreatmentColumn, "treatment-column", "", "treatment column (default from config)")
	f.IntVar(&assignOpts.Trials, "trials", assign.DefaultTrials, "number of randomized trials")
	f.Uint64Var(&assignOpts.Seed, "seed", 0, "base seed for trial randomness")
	f.IntVar(&assignOpts.Concurrency, "concurrency", 0, "parallel trials (0 uses all CPUs)")
	f.DurationVar(&assignOpts.Timeout, "timeout", 0, "stop after this long and keep the best trial so far")
	f.BoolVar(&assignOpts.Report, "report", false, "print the per-test independence report")
	rootCmd.AddCommand(assignCmd)
}

