package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/shiftgig/petri-dish/internal/scorer"
)

var (
	scoreInput           string
	scoreFormat          string
	scoreTreatmentColumn string
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score how independent the assignments are from the subject features",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runScore(cmd.Context(), cmd.OutOrStdout(), scoreInput, scoreFormat, scoreTreatmentColumn)
	},
}

func runScore(ctx context.Context, out io.Writer, input, format, treatmentColumn string) error {
	cfg.Source = connectorFor(input, cfg.Source)
	if err := cfg.Validate("score"); err != nil {
		return err
	}
	s, err := scorer.New(cfg.Experiment.Assign(treatmentColumn).Scorer())
	if err != nil {
		return err
	}
	t, err := readTable(ctx, cfg.Source)
	if err != nil {
		return eris.Wrap(err, "score: read subjects")
	}
	report, err := s.Evaluate(t)
	if err != nil {
		return err
	}
	if format == "" || format == "table" {
		return printReport(out, report)
	}
	return encode(out, format, report)
}

// printReport writes one line per test and the resulting score.
func printReport(w io.Writer, r *scorer.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TEST\tFEATURE\tROLE\tGROUPS\tSTATISTIC\tDOF\tP-VALUE\tNOTE")
	for _, t := range r.Tests {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.4f\t%g\t%.6f\t%s\n",
			t.Kind, t.Feature, t.Role, strings.Join(t.Groups, "/"),
			t.Statistic, t.DegreesOfFreedom, t.PValue, t.Reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nscore: %.6f (%d run, %d skipped)\n", r.Score, r.Ran, r.Skipped)
	if weakest := r.Weakest(); weakest != nil {
		fmt.Fprintf(w, "weakest: %s on %s\n", weakest.Kind, weakest.Feature)
	}
	return nil
}

func init() {
	scoreCmd.Flags().StringVarP(&scoreInput, "input", "i", "", "assigned subjects file or URL (default from config source)")
	scoreCmd.Flags().StringVarP(&scoreFormat, "format", "f", "table", "output format: table, json or yaml")
	scoreCmd.Flags().StringVar(&scoreTreatmentColumn, "treatment-column", "", "treatment column (default from config)")
	rootCmd.AddCommand(scoreCmd)
}
