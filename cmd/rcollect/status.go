package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/rcollect/internal/store"
)

var (
	statusTarget string
	statusLimit  int
	statusRunID  int64
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display recorded collection runs",
		Long: `Display the collection runs recorded in the evidence store's ledger.
Shows per-run artifact counts, bytes collected and the final status.

Use --target to show runs against one computer, or --run to list the
artifacts of a single run.`,
		Example: `  rcollect status
  rcollect status --target 10.0.0.5 --limit 5
  rcollect status --run 12`,
		RunE: statusRun,
	}

	cmd.Flags().StringVar(&statusTarget, "target", "", "show only runs against this address")
	cmd.Flags().IntVar(&statusLimit, "limit", 20, "maximum number of runs to show")
	cmd.Flags().Int64Var(&statusRunID, "run", 0, "list the artifacts of this run")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	dbPath := globalCfg.DBPath()
	if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(cmd.OutOrStdout(), "No collection runs recorded.")
		return nil
	}

	st, err := store.New(dbPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	if statusRunID != 0 {
		return printArtifacts(cmd.OutOrStdout(), st, statusRunID)
	}
	return printRuns(cmd.OutOrStdout(), st, statusTarget, statusLimit)
}

func printRuns(w io.Writer, st *store.Store, target string, limit int) error {
	runs, err := st.ListRuns(target, limit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No collection runs recorded.")
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Target", "User", "Methods", "Started", "Duration", "OK", "Failed", "Size", "Status"})
	table.SetAutoWrapText(false)
	for _, r := range runs {
		duration := "-"
		if !r.EndTime.IsZero() {
			duration = r.EndTime.Sub(r.StartTime).Round(time.Second).String()
		}
		table.Append([]string{
			strconv.FormatInt(r.ID, 10),
			r.Target,
			r.Username,
			r.Methods,
			humanize.Time(r.StartTime),
			duration,
			strconv.Itoa(r.ArtifactsOK),
			strconv.Itoa(r.ArtifactsFailed),
			humanize.Bytes(uint64(r.BytesCollected)),
			r.Status,
		})
	}
	table.Render()
	return nil
}

func printArtifacts(w io.Writer, st *store.Store, runID int64) error {
	run, err := st.GetRun(runID)
	if err != nil {
		return fmt.Errorf("failed to load run %d: %w", runID, err)
	}
	arts, err := st.ListArtifacts(runID)
	if err != nil {
		return fmt.Errorf("failed to list artifacts: %w", err)
	}

	fmt.Fprintf(w, "Run %d against %s (%s), %s\n\n", run.ID, run.Target, run.Methods, run.Status)
	if len(arts) == 0 {
		fmt.Fprintln(w, "No artifacts recorded.")
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Method", "Prefix", "Size", "SHA-256", "Status", "Local Path"})
	table.SetAutoWrapText(false)
	for _, a := range arts {
		sum := a.SHA256
		if len(sum) > 12 {
			sum = sum[:12]
		}
		table.Append([]string{
			a.Method,
			a.Prefix,
			humanize.Bytes(uint64(a.Size)),
			sum,
			a.Status,
			a.LocalPath,
		})
	}
	table.Render()
	return nil
}
