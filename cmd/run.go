package main

import (
	"context"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/shiftgig/petri-dish/internal/assign"
	"github.com/shiftgig/petri-dish/internal/experiment"
)

var runOpts struct {
	assignOptions
	Format string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the experiment pipeline once",
	Long:  "Merges new subjects from the source with the sink's state, applies filters, advances stages, assigns new subjects to groups and writes everything back to the sink.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		opts := unsetFlags(cmd, runOpts.assignOptions)
		return runExperiment(cmd.Context(), cmd.OutOrStdout(), opts, runOpts.Format)
	},
}

func runExperiment(ctx context.Context, out io.Writer, opts assignOptions, format string) error {
	if err := cfg.Validate("run"); err != nil {
		return err
	}

	opts.TreatmentColumn = experiment.GroupColumn
	balancer, err := assign.NewDirected(assignConfig(opts))
	if err != nil {
		return err
	}
	stages, err := cfg.Experiment.ParsedStages()
	if err != nil {
		return err
	}
	filters, err := experiment.CompileRules(cfg.Experiment.Filters)
	if err != nil {
		return err
	}

	source, err := openConnector(ctx, cfg.Source)
	if err != nil {
		return eris.Wrap(err, "open source")
	}
	defer source.Close() //nolint:errcheck
	sinkCfg := cfg.Sink
	if sinkCfg.Index == "" {
		sinkCfg.Index = cfg.Experiment.IndexColumn
	}
	sink, err := openConnector(ctx, sinkCfg)
	if err != nil {
		return eris.Wrap(err, "open sink")
	}
	defer sink.Close() //nolint:errcheck

	st, err := initStore(ctx)
	if err != nil {
		return err
	}
	if st != nil {
		defer st.Close() //nolint:errcheck
	}

	e, err := experiment.New(experiment.Options{
		Name:        cfg.Experiment.Name,
		Source:      source,
		Sink:        sink,
		IndexColumn: cfg.Experiment.IndexColumn,
		Stages:      stages,
		Filters:     filters,
		Balancer:    balancer,
		Store:       st,
	})
	if err != nil {
		return err
	}

	sum, err := e.Run(ctx)
	if err != nil {
		return eris.Wrap(err, "experiment run")
	}
	return encode(out, format, sum)
}

func init() {
	f := runCmd.Flags()
	f.IntVar(&runOpts.Trials, "trials", assign.DefaultTrials, "number of randomized trials")
	f.Uint64Var(&runOpts.Seed, "seed", 0, "base seed for trial randomness")
	f.IntVar(&runOpts.Concurrency, "concurrency", 0, "parallel trials (0 uses all CPUs)")
	f.DurationVar(&runOpts.Timeout, "timeout", 0, "stop assigning after this long and keep the best trial so far")
	f.StringVarP(&runOpts.Format, "format", "f", formatJSON, "summary format: json or yaml")
	rootCmd.AddCommand(runCmd)
}
