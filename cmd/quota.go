package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/leadrun/internal/model"
)

var quotaCmd = &cobra.Command{
	Use:   "quota <org-id>",
	Short: "Show an organization's quota usage and failure alerts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initReportEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		org := args[0]
		if ack, _ := cmd.Flags().GetString("ack"); ack != "" {
			actor, _ := cmd.Flags().GetString("actor")
			if err := env.Quota.AcknowledgeAlert(ctx, org, ack, actor); err != nil {
				return eris.Wrap(err, "quota ack")
			}
			fmt.Fprintf(os.Stderr, "Alert %s acknowledged.\n", ack)
		}

		sum, err := env.Quota.Summary(ctx, org)
		if err != nil {
			return eris.Wrap(err, "quota summary")
		}
		limit, _ := cmd.Flags().GetInt("alerts")
		if _, err := env.Quota.EscalateOpenAlerts(ctx, org, limit); err != nil {
			return eris.Wrap(err, "quota escalate")
		}
		alerts, err := env.Quota.ListAlerts(ctx, org, limit)
		if err != nil {
			return eris.Wrap(err, "quota alerts")
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			return printJSON(os.Stdout, struct {
				model.QuotaSummary
				Alerts []model.Alert `json:"alerts"`
			}{sum, alerts})
		}
		formatQuota(os.Stdout, sum, alerts)
		return nil
	},
}

func formatQuota(out io.Writer, s model.QuotaSummary, alerts []model.Alert) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Org:\t%s\n", s.OrgID)
	_, _ = fmt.Fprintf(w, "Period start:\t%s\n", s.PeriodStart.Format("2006-01-02 15:04 MST"))
	_, _ = fmt.Fprintf(w, "Used:\t%d / %d (%d%%)\n", s.Used, s.Limit, s.UtilizationPct)
	_, _ = fmt.Fprintf(w, "Remaining:\t%d\n", s.Remaining)
	if s.MaxRuns > 0 {
		_, _ = fmt.Fprintf(w, "Runs:\t%d / %d (%d%%)\n", s.RunsUsed, s.MaxRuns, s.RunsUtilizationPct)
	}
	_, _ = fmt.Fprintf(w, "Active runs:\t%d / %d\n", s.ActiveRuns, s.MaxActiveRuns)
	_, _ = fmt.Fprintf(w, "Failure streak:\t%d\n", s.FailureStreak)
	_ = w.Flush()

	if len(alerts) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ALERT\tRUN\tSTREAK\tACKED\tESCALATED\tCREATED\tREASON")
	for _, a := range alerts {
		acked := "no"
		if a.Acknowledged {
			acked = "by " + a.AcknowledgedBy
		}
		escalated := "-"
		if a.EscalatedAt != nil {
			escalated = a.EscalatedAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			a.ID,
			truncateID(a.RunID),
			a.FailureStreak,
			acked,
			escalated,
			a.CreatedAt.Format("2006-01-02 15:04"),
			truncate(a.Reason, 50),
		)
	}
	_ = w.Flush()
}

func init() {
	quotaCmd.Flags().String("ack", "", "acknowledge the alert with this id")
	quotaCmd.Flags().String("actor", "cli", "actor recorded on an acknowledgement")
	quotaCmd.Flags().Int("alerts", 10, "max number of alerts to display")
	quotaCmd.Flags().Bool("json", false, "print as JSON")
	rootCmd.AddCommand(quotaCmd)
}
