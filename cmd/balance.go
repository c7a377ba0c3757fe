package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/shiftgig/petri-dish/internal/balance"
)

var (
	balanceInput           string
	balanceTreatmentColumn string
	balanceCountNulls      bool
)

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Print per-block treatment counts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runBalance(cmd.Context(), cmd.OutOrStdout(), balanceInput, balanceTreatmentColumn, balanceCountNulls)
	},
}

func runBalance(ctx context.Context, out io.Writer, input, treatmentColumn string, countNulls bool) error {
	cfg.Source = connectorFor(input, cfg.Source)
	if err := cfg.Validate("balance"); err != nil {
		return err
	}
	ac := cfg.Experiment.Assign(treatmentColumn)
	t, err := readTable(ctx, cfg.Source)
	if err != nil {
		return eris.Wrap(err, "balance: read subjects")
	}
	bt, err := balance.Build(t, ac.BalancingFeatures, ac.TreatmentColumn, ac.TreatmentIDs, balance.WithCountNulls(countNulls))
	if err != nil {
		return err
	}
	return printBalance(out, bt, countNulls)
}

func printBalance(w io.Writer, bt *balance.Table, countNulls bool) error {
	ids := bt.TreatmentIDs()
	if countNulls {
		ids = append(ids, balance.Unassigned)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	header := append(bt.Features(), ids...)
	for i, h := range header {
		if h == balance.Unassigned && i >= len(bt.Features()) {
			header[i] = "(unassigned)"
		}
	}
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, b := range bt.Blocks() {
		cells := b.Values()
		for _, id := range ids {
			cells = append(cells, fmt.Sprint(bt.Count(b, id)))
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d blocks, %d counted\n", len(bt.Blocks()), bt.Total())
	return nil
}

func init() {
	balanceCmd.Flags().StringVarP(&balanceInput, "input", "i", "", "subjects file or URL (default from config source)")
	balanceCmd.Flags().StringVar(&balanceTreatmentColumn, "treatment-column", "", "treatment column (default from config)")
	balanceCmd.Flags().BoolVar(&balanceCountNulls, "count-nulls", false, "count unassigned subjects in their own column")
	rootCmd.AddCommand(balanceCmd)
}
