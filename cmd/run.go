package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/leadrun/internal/model"
	"github.com/sells-group/leadrun/internal/pipeline"
	"github.com/sells-group/leadrun/internal/quota"
	"github.com/sells-group/leadrun/internal/stage"
	"github.com/sells-group/leadrun/pkg/google"
	"github.com/sells-group/leadrun/pkg/notion"
)

// runTemplate is a YAML file describing a run: who it is for, what it
// targets and, optionally, the leads themselves.
type runTemplate struct {
	OrgID     string                  `yaml:"org_id"`
	ActorID   string                  `yaml:"actor_id"`
	Criteria  model.TargetingCriteria `yaml:"criteria"`
	Options   *pipeline.Options       `yaml:"options"`
	LeadsFile string                  `yaml:"leads_file"`
	Leads     []model.LeadCandidate   `yaml:"leads"`
}

func loadTemplate(path string) (runTemplate, error) {
	var t runTemplate
	data, err := os.ReadFile(path)
	if err != nil {
		return t, eris.Wrapf(err, "read run template %s", path)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, eris.Wrapf(err, "parse run template %s", path)
	}
	if t.LeadsFile != "" && !filepath.IsAbs(t.LeadsFile) {
		t.LeadsFile = filepath.Join(filepath.Dir(path), t.LeadsFile)
	}
	return t, nil
}

// loadLeads reads candidates from a JSON or YAML file. JSON may be a bare
// array or an object with a "leads" array.
func loadLeads(path string) ([]model.LeadCandidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read leads %s", path)
	}
	var leads []model.LeadCandidate
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &leads); err != nil {
			return nil, eris.Wrapf(err, "parse leads %s", path)
		}
	case ".json":
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '{' {
			var wrapped struct {
				Leads []model.LeadCandidate `json:"leads"`
			}
			if err := json.Unmarshal(trimmed, &wrapped); err != nil {
				return nil, eris.Wrapf(err, "parse leads %s", path)
			}
			leads = wrapped.Leads
		} else if err := json.Unmarshal(trimmed, &leads); err != nil {
			return nil, eris.Wrapf(err, "parse leads %s", path)
		}
	default:
		return nil, eris.Errorf("unsupported leads file type %q (want .json, .yaml or .yml)", filepath.Ext(path))
	}
	return normalizeLeads(leads)
}

// normalizeLeads fills in the source and id of file leads and rejects
// unknown sources.
func normalizeLeads(leads []model.LeadCandidate) ([]model.LeadCandidate, error) {
	for i := range leads {
		l := &leads[i]
		if l.Source == "" {
			l.Source = model.LeadSourceFile
		}
		if !l.Source.Valid() {
			return nil, eris.Errorf("lead %d: unknown source %q", i, l.Source)
		}
		if l.ID == "" {
			l.ID = model.SanitizeID(strings.ToLower(l.CompanyName), fmt.Sprintf("lead-%d", i))
		}
	}
	return leads, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive a batch of leads through outreach, follow-up and booking",
	Long: `Scores the leads, admits the run against the organization's quota and
drives each admitted lead through outreach, follow-up and meeting booking.
Leads come from --leads, a run template, a Google Places search
(--places) or the Notion lead queue.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		req, err := buildRunRequest(cmd)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "run", req.Options.DryRun)
		if err != nil {
			return err
		}
		defer env.Close()

		fromNotion, _ := cmd.Flags().GetBool("notion")
		if fromNotion {
			if env.Notion == nil || cfg.Notion.LeadDB == "" {
				return eris.New("notion.token and notion.lead_db are required for --notion (LEADRUN_NOTION_TOKEN, LEADRUN_NOTION_LEAD_DB)")
			}
			queued, err := notion.QueuedLeads(ctx, env.Notion, cfg.Notion.LeadDB)
			if err != nil {
				return err
			}
			req.Leads = append(req.Leads, queued...)
		}
		if query, _ := cmd.Flags().GetString("places"); query != "" {
			if env.Places == nil {
				return eris.New("google.places_key is required for --places (LEADRUN_GOOGLE_PLACES_KEY)")
			}
			found, err := google.SearchLeads(ctx, env.Places, query, cfg.Google.MaxResults)
			if err != nil {
				return err
			}
			zap.L().Info("places: leads found", zap.String("query", query), zap.Int("count", len(found)))
			found, err = normalizeLeads(found)
			if err != nil {
				return err
			}
			req.Leads = append(req.Leads, found...)
		}
		if len(req.Leads) == 0 {
			return eris.New("no leads: pass --leads, a template with leads, --places or --notion")
		}

		res, err := env.Orchestrator.Run(ctx, req)
		if err != nil {
			if quota.IsExceeded(err) {
				fmt.Fprintf(os.Stderr, "Run not admitted: %v\n", err)
			}
			return err
		}

		if fromNotion && !req.Options.DryRun {
			markNotionLeads(ctx, env.Notion, req.Leads, res)
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			return printJSON(os.Stdout, res)
		}
		formatRunResult(os.Stdout, res)
		return nil
	},
}

// buildRunRequest merges the template (if any) with flags. Flags win.
func buildRunRequest(cmd *cobra.Command) (pipeline.RunRequest, error) {
	req := pipeline.RunRequest{
		Options: pipeline.Options{
			IncludeEnrichment: cfg.Pipeline.IncludeEnrichment,
			DryRun:            cfg.Pipeline.DryRun,
			MinScore:          cfg.Pipeline.MinScore,
		},
	}

	if path, _ := cmd.Flags().GetString("template"); path != "" {
		t, err := loadTemplate(path)
		if err != nil {
			return req, err
		}
		req.OrgID, req.ActorID, req.Criteria = t.OrgID, t.ActorID, t.Criteria
		if t.Options != nil {
			req.Options = *t.Options
		}
		leads, err := normalizeLeads(t.Leads)
		if err != nil {
			return req, err
		}
		req.Leads = leads
		if t.LeadsFile != "" {
			fromFile, err := loadLeads(t.LeadsFile)
			if err != nil {
				return req, err
			}
			req.Leads = append(req.Leads, fromFile...)
		}
	}

	if path, _ := cmd.Flags().GetString("leads"); path != "" {
		leads, err := loadLeads(path)
		if err != nil {
			return req, err
		}
		req.Leads = append(req.Leads, leads...)
	}

	f := cmd.Flags()
	if f.Changed("org") {
		req.OrgID, _ = f.GetString("org")
	}
	if f.Changed("actor") {
		req.ActorID, _ = f.GetString("actor")
	}
	if f.Changed("run-id") {
		req.RunID, _ = f.GetString("run-id")
	}
	if f.Changed("industry") {
		req.Criteria.TargetIndustry, _ = f.GetString("industry")
	}
	if f.Changed("location") {
		req.Criteria.Location, _ = f.GetString("location")
	}
	if f.Changed("keyword") {
		req.Criteria.Keywords, _ = f.GetStringSlice("keyword")
	}
	if f.Changed("min-score") {
		req.Options.MinScore, _ = f.GetInt("min-score")
	}
	if f.Changed("enrich") {
		req.Options.IncludeEnrichment, _ = f.GetBool("enrich")
	}
	if f.Changed("dry-run") {
		req.Options.DryRun, _ = f.GetBool("dry-run")
	}

	if req.OrgID == "" {
		return req, eris.New("--org (or org_id in the template) is required")
	}
	if req.ActorID == "" {
		req.ActorID = "cli"
	}
	if req.Options.MinScore < 0 || req.Options.MinScore > 100 {
		return req, eris.Errorf("min score %d out of range 0-100", req.Options.MinScore)
	}
	return req, nil
}

// markNotionLeads moves queued Notion pages to Contacted or Failed.
func markNotionLeads(ctx context.Context, c notion.Client, leads []model.LeadCandidate, res *pipeline.RunResult) {
	pageOf := make(map[string]string, len(leads))
	for _, l := range leads {
		if l.Source == model.LeadSourceNotion {
			pageOf[model.LeadDocID(l.Source, l.ID)] = l.ID
		}
	}
	for _, o := range res.Leads {
		pageID, ok := pageOf[o.LeadDocID]
		if !ok {
			continue
		}
		status := notion.StatusContacted
		if o.Progress.Status(stage.Outreach) != stage.StatusComplete {
			status = notion.StatusFailed
		}
		if err := notion.MarkLead(ctx, c, pageID, status); err != nil {
			zap.L().Warn("notion: mark lead failed", zap.String("page_id", pageID), zap.Error(err))
		}
	}
}

func formatRunResult(out io.Writer, res *pipeline.RunResult) {
	d := res.Diagnostics
	_, _ = fmt.Fprintf(out, "Run %s: %s\n", res.RunID, res.Status)
	_, _ = fmt.Fprintf(out, "  fetched %d, admitted %d, filtered %d, without email %d\n",
		d.SourceFetched, res.Admitted, res.Filtered, d.WithoutEmail)
	_, _ = fmt.Fprintf(out, "  emails %d, follow-ups %d, meetings %d, replayed %d, failed leads %d\n\n",
		d.EmailsSent, d.FollowupsScheduled, d.MeetingsScheduled, d.Replayed, d.FailedLeads)

	if len(res.Leads) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "LEAD\tCOMPANY\tSCORE\tSTAGE\tACTIONS")
	_, _ = fmt.Fprintln(w, "----\t-------\t-----\t-----\t-------")
	for _, l := range res.Leads {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\n",
			l.LeadDocID,
			truncate(l.CompanyName, 30),
			l.Score,
			stage.CurrentStage(l.Progress),
			len(l.Actions),
		)
	}
	_ = w.Flush()
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode json")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func addRunFlags(c *cobra.Command) {
	c.Flags().String("leads", "", "JSON or YAML file of lead candidates")
	c.Flags().String("template", "", "YAML run template (org, criteria, options, leads)")
	c.Flags().String("places", "", "also source leads from a Google Places text search")
	c.Flags().Bool("notion", false, "also pull queued leads from the Notion lead database")
	c.Flags().String("org", "", "organization id")
	c.Flags().String("actor", "", "actor id recorded on the run (default \"cli\")")
	c.Flags().String("run-id", "", "explicit run id (default: generated)")
	c.Flags().String("industry", "", "target industry")
	c.Flags().String("location", "", "target location")
	c.Flags().StringSlice("keyword", nil, "targeting keywords (repeatable)")
	c.Flags().Int("min-score", 0, "drop leads scoring below this (default from config)")
	c.Flags().Bool("enrich", false, "mark the enrich stage as run (default from config)")
	c.Flags().Bool("dry-run", false, "simulate every action (default from config)")
	c.Flags().Bool("json", false, "print the run result as JSON")
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}
