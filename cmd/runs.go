package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/leadrun/internal/audit"
	"github.com/sells-group/leadrun/internal/model"
	"github.com/sells-group/leadrun/internal/monitoring"
	"github.com/sells-group/leadrun/internal/runs"
	"github.com/sells-group/leadrun/internal/stage"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect lead-run history",
	Long:  "Commands for listing runs and viewing their audit timeline and lead journeys.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an organization's runs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initReportEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		org, _ := cmd.Flags().GetString("org")
		limit, _ := cmd.Flags().GetInt("limit")
		if org == "" {
			return eris.New("--org is required")
		}

		list, err := env.Runs.ListRuns(ctx, org, limit)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		formatRunsList(os.Stdout, list)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run with its lead journeys",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initReportEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Runs.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		journeys, err := env.Runs.Journeys(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			return printJSON(os.Stdout, struct {
				model.Run
				Journeys []runs.LeadJourney `json:"journeys"`
			}{run, journeys})
		}
		formatRunDetail(os.Stdout, run)
		formatJourneys(os.Stdout, journeys)
		return nil
	},
}

// -- runs audit --

var runsAuditCmd = &cobra.Command{
	Use:   "audit <run-id>",
	Short: "Show a run's action timeline, most recent first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initReportEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		events, err := env.Runs.Timeline(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs audit")
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			return printJSON(os.Stdout, events)
		}
		if len(events) == 0 {
			fmt.Fprintln(os.Stderr, "No actions recorded.")
			return nil
		}
		formatTimeline(os.Stdout, events)
		return nil
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run and retry-queue statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initReportEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		since, _ := cmd.Flags().GetDuration("since")
		hours := int(since.Hours())
		if hours < 1 {
			hours = 1
		}
		snap, err := monitoring.NewCollector(env.Runs, env.Quota).Collect(ctx, hours)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			return printJSON(os.Stdout, snap)
		}
		formatRunStats(os.Stdout, snap)
		return nil
	},
}

func init() {
	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")
	runsStatsCmd.Flags().Bool("json", false, "print as JSON")
	runsListCmd.Flags().String("org", "", "organization id")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")
	runsShowCmd.Flags().Bool("json", false, "print as JSON")
	runsAuditCmd.Flags().Bool("json", false, "print as JSON")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsAuditCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, list []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tLEADS\tEMAILS\tMEETINGS\tFAILED\tDRY_RUN\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------\t-----\t------\t--------\t------\t-------\t-------\t--------")

	for _, r := range list {
		dur := r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second).String()
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%t\t%s\t%s\n",
			truncateID(r.ID),
			r.Status,
			len(r.LeadDocIDs),
			r.Diagnostics.EmailsSent,
			r.Diagnostics.MeetingsScheduled,
			r.Diagnostics.FailedLeads,
			r.DryRun,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

func formatRunDetail(out io.Writer, r model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", r.ID)
	_, _ = fmt.Fprintf(w, "Org:\t%s\n", r.OrgID)
	_, _ = fmt.Fprintf(w, "Actor:\t%s\n", r.ActorID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", r.Status)
	if r.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", r.Error)
	}
	_, _ = fmt.Fprintf(w, "Dry run:\t%t\n", r.DryRun)
	_, _ = fmt.Fprintf(w, "Min score:\t%d\n", r.MinScore)
	if c := r.Criteria; c.TargetIndustry != "" || c.Location != "" || len(c.Keywords) > 0 {
		_, _ = fmt.Fprintf(w, "Criteria:\t%s / %s / %s\n", c.TargetIndustry, c.Location, strings.Join(c.Keywords, ","))
	}
	d := r.Diagnostics
	_, _ = fmt.Fprintf(w, "Leads:\t%d fetched, %d scored, %d filtered, %d without email\n",
		d.SourceFetched, d.SourceScored, d.FilteredByScore, d.WithoutEmail)
	_, _ = fmt.Fprintf(w, "Actions:\t%d emails, %d follow-ups, %d meetings, %d replayed\n",
		d.EmailsSent, d.FollowupsScheduled, d.MeetingsScheduled, d.Replayed)
	_, _ = fmt.Fprintf(w, "Failed leads:\t%d\n", d.FailedLeads)
	_, _ = fmt.Fprintf(w, "Created:\t%s\n", r.CreatedAt.Format(time.RFC3339))
	_ = w.Flush()
	_, _ = fmt.Fprintln(out)
}

// formatJourneys prints one row per lead with the status of every stage.
func formatJourneys(out io.Writer, journeys []runs.LeadJourney) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	header := []string{"LEAD", "COMPANY", "SCORE"}
	for _, s := range stage.Stages() {
		header = append(header, strings.ToUpper(string(s)))
	}
	_, _ = fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, j := range journeys {
		row := []string{j.LeadDocID, truncate(j.CompanyName, 30), fmt.Sprint(j.Score)}
		for _, s := range stage.Stages() {
			row = append(row, string(j.Steps.Status(s)))
		}
		_, _ = fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
}

func formatTimeline(out io.Writer, events []audit.Event) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "UPDATED\tLEAD\tCOMPANY\tACTION\tSTATUS\tIDS\tERROR")
	_, _ = fmt.Fprintln(w, "-------\t----\t-------\t------\t------\t---\t-----")
	for _, e := range events {
		status := string(e.Status)
		if e.Replayed {
			status += " (replayed)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.UpdatedAt.Format("2006-01-02 15:04:05"),
			e.LeadDocID,
			truncate(e.CompanyName, 30),
			e.ActionID,
			status,
			strings.Join(e.IDs, ","),
			truncate(e.Error, 50),
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s *monitoring.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Window:\tlast %dh\n", s.LookbackHours)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.RunsTotal)
	_, _ = fmt.Fprintf(w, "Completed:\t%d\n", s.RunsCompleted)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.RunsFailed)
	_, _ = fmt.Fprintf(w, "Cancelled:\t%d\n", s.RunsCancelled)
	_, _ = fmt.Fprintf(w, "Active:\t%d\n", s.RunsActive)
	if s.RunsCompleted+s.RunsFailed > 0 {
		_, _ = fmt.Fprintf(w, "Failure rate:\t%.1f%%\n", s.RunFailRate*100)
	}
	_, _ = fmt.Fprintf(w, "Leads admitted:\t%d\n", s.LeadsAdmitted)
	_, _ = fmt.Fprintf(w, "Emails sent:\t%d\n", s.EmailsSent)
	_, _ = fmt.Fprintf(w, "Meetings booked:\t%d\n", s.MeetingsScheduled)
	_, _ = fmt.Fprintf(w, "Replayed actions:\t%d\n", s.Replayed)
	_, _ = fmt.Fprintf(w, "Retry queue:\t%d\n", s.RetryDepth)
	_, _ = fmt.Fprintf(w, "  Permanent:\t%d\n", s.RetryPermanent)
	_, _ = fmt.Fprintf(w, "  Out of retries:\t%d\n", s.RetryOutOfRetries)
	_, _ = fmt.Fprintf(w, "Open alerts:\t%d\n", len(s.OpenAlerts))
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
