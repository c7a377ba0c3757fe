package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/shiftgig/petri-dish/internal/monitoring"
	"github.com/shiftgig/petri-dish/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect experiment run history",
	Long:  "Commands for listing and viewing recorded experiment runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List experiment runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		status, _ := cmd.Flags().GetString("status")
		experiment, _ := cmd.Flags().GetString("experiment")
		limit, _ := cmd.Flags().GetInt("limit")

		return runsList(cmd.Context(), cmd.OutOrStdout(), store.RunFilter{
			Experiment: experiment,
			Status:     store.RunStatus(status),
			Limit:      limit,
		})
	},
}

func runsList(ctx context.Context, out io.Writer, filter store.RunFilter) error {
	st, err := openRunStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	runs, err := st.ListRuns(ctx, filter)
	if err != nil {
		return eris.Wrap(err, "runs list")
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found.")
		return nil
	}
	formatRunsList(out, runs)
	return nil
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		return runsShow(cmd.Context(), cmd.OutOrStdout(), args[0], format)
	},
}

func runsShow(ctx context.Context, out io.Writer, id, format string) error {
	st, err := openRunStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	run, err := st.GetRun(ctx, id)
	if err != nil {
		return eris.Wrap(err, "runs show")
	}
	return encode(out, format, run)
}

// -- runs check --

var runsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Summarize recent run health and send configured alerts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		experiment, _ := cmd.Flags().GetString("experiment")
		format, _ := cmd.Flags().GetString("format")
		if cmd.Flags().Changed("hours") {
			cfg.Monitoring.LookbackWindowHours, _ = cmd.Flags().GetInt("hours")
		}
		failOnAlert, _ := cmd.Flags().GetBool("fail-on-alert")
		return runsCheck(cmd.Context(), cmd.OutOrStdout(), experiment, format, failOnAlert)
	},
}

type checkReport struct {
	Snapshot *monitoring.MetricsSnapshot `json:"snapshot" yaml:"snapshot"`
	Alerts   []monitoring.Alert          `json:"alerts" yaml:"alerts"`
	Sent     int                         `json:"sent" yaml:"sent"`
}

func runsCheck(ctx context.Context, out io.Writer, experiment, format string, failOnAlert bool) error {
	st, err := openRunStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	snap, err := monitoring.NewCollector(st, experiment).Collect(ctx, cfg.Monitoring.LookbackWindowHours)
	if err != nil {
		return eris.Wrap(err, "runs check")
	}
	alerter := monitoring.NewAlerter(cfg.Monitoring)
	report := checkReport{Snapshot: snap, Alerts: alerter.Evaluate(snap)}
	if report.Alerts == nil {
		report.Alerts = []monitoring.Alert{}
	}
	report.Sent = alerter.SendAlerts(ctx, report.Alerts)

	if err := encode(out, format, report); err != nil {
		return err
	}
	if failOnAlert && len(report.Alerts) > 0 {
		return eris.Errorf("runs check: %d alert(s) triggered", len(report.Alerts))
	}
	return nil
}

func openRunStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("runs"); err != nil {
		return nil, err
	}
	return initStore(ctx)
}

func formatRunsList(w io.Writer, runs []store.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEXPERIMENT\tSTATUS\tSUBJECTS\tASSIGNED\tSCORE\tTRIALS\tCREATED")
	for _, r := range runs {
		trials := fmt.Sprintf("%d/%d", r.TrialsRun, r.TrialsRequested)
		if r.Partial {
			trials += "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%.4f\t%s\t%s\n",
			r.ID, r.Experiment, r.Status, r.Subjects, r.Assigned, r.Score, trials,
			r.CreatedAt.Local().Format(time.DateTime))
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by status (running, complete, failed)")
	runsListCmd.Flags().String("experiment", "", "filter by experiment name")
	runsListCmd.Flags().Int("limit", store.DefaultListLimit, "maximum runs to show")
	runsShowCmd.Flags().StringP("format", "f", formatJSON, "output format: json or yaml")

	runsCheckCmd.Flags().String("experiment", "", "limit to one experiment")
	runsCheckCmd.Flags().Int("hours", 24, "lookback window in hours (0 for all runs)")
	runsCheckCmd.Flags().Bool("fail-on-alert", false, "exit non-zero when any alert triggers")
	runsCheckCmd.Flags().StringP("format", "f", formatJSON, "output format: json or yaml")

	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsCheckCmd)
	rootCmd.AddCommand(runsCmd)
}
