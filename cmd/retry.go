package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/leadrun/internal/resilience"
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-drive failed lead stages from the retry queue",
	Long: `Resumes every due entry in the retry queue. Each lead continues from its
stored progress; an action that already reached the external system is
replayed from the idempotency ledger instead of being sent again.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		simulate, _ := cmd.Flags().GetBool("dry-run")
		env, err := initEnv(ctx, "retry", simulate)
		if err != nil {
			return err
		}
		defer env.Close()

		runID, _ := cmd.Flags().GetString("run")
		limit, _ := cmd.Flags().GetInt("limit")
		list, _ := cmd.Flags().GetBool("list")

		filter := resilience.DLQFilter{RunID: runID, Limit: limit}
		if list {
			entries, err := env.Runs.ListRetries(ctx, filter, false)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(os.Stderr, "No retries queued.")
				return nil
			}
			formatRetries(os.Stdout, entries)
			return nil
		}

		rep, err := env.Orchestrator.DrainRetries(ctx, filter, simulate)
		if err != nil {
			return err
		}
		if rep.Skipped > 0 {
			fmt.Fprintf(os.Stderr, "Skipped %d entries recorded in the other mode (toggle --dry-run).\n", rep.Skipped)
		}
		fmt.Printf("Retried %d: %d recovered, %d still failing\n", rep.Attempted(), rep.Recovered, rep.Failing)
		return nil
	},
}

func formatRetries(out io.Writer, entries []resilience.DLQEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tLEAD\tSTAGE\tERROR_TYPE\tATTEMPTS\tNEXT_RETRY\tERROR")
	_, _ = fmt.Fprintln(w, "---\t----\t-----\t----------\t--------\t----------\t-----")
	for _, e := range entries {
		next := "-"
		if e.CanRetry() {
			next = e.NextRetryAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			truncateID(e.RunID),
			e.LeadDocID,
			e.Stage,
			e.ErrorType,
			e.RetryCount,
			e.MaxRetries,
			next,
			truncate(e.Error, 50),
		)
	}
	_ = w.Flush()
}

func init() {
	retryCmd.Flags().String("run", "", "only retry entries of this run")
	retryCmd.Flags().Int("limit", 50, "max number of entries to retry")
	retryCmd.Flags().Bool("dry-run", false, "retry entries of dry runs (simulated actions only)")
	retryCmd.Flags().Bool("list", false, "list queued entries, including ones not yet due, without retrying")
	rootCmd.AddCommand(retryCmd)
}
