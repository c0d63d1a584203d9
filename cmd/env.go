package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadrun/internal/actions"
	"github.com/sells-group/leadrun/internal/idempotency"
	"github.com/sells-group/leadrun/internal/pipeline"
	"github.com/sells-group/leadrun/internal/quota"
	"github.com/sells-group/leadrun/internal/resilience"
	"github.com/sells-group/leadrun/internal/runs"
	"github.com/sells-group/leadrun/internal/store"
	anthropicpkg "github.com/sells-group/leadrun/pkg/anthropic"
	"github.com/sells-group/leadrun/pkg/gcal"
	"github.com/sells-group/leadrun/pkg/google"
	"github.com/sells-group/leadrun/pkg/mailer"
	"github.com/sells-group/leadrun/pkg/notion"
)

// leadEnv holds the store, repositories and orchestrator used by the run,
// retry and serve commands.
type leadEnv struct {
	Store        store.Store
	Runs         *runs.Repository
	Quota        *quota.Controller
	Ledger       *idempotency.Ledger
	Orchestrator *pipeline.Orchestrator
	Guard        *resilience.Guard
	Notion       notion.Client // nil when not configured
	Places       google.Client // nil when not configured
}

// Close releases resources held by the environment.
func (le *leadEnv) Close() {
	if le.Store != nil {
		_ = le.Store.Close()
	}
}

// initEnv validates config for mode, opens the store and wires the
// orchestrator. With simulate set, no SMTP or calendar credentials are
// needed and every action is simulated. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string, simulate bool) (*leadEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	search, err := actions.SlotSearchFrom(cfg.Slot)
	if err != nil {
		return nil, err
	}
	set, err := buildActions(ctx, search, simulate)
	if err != nil {
		return nil, err
	}

	composer, err := buildComposer()
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	repo := runs.New(st)
	quotas := quota.New(st, cfg.Quota)
	ledger := idempotency.New(st)
	guard := resilience.NewGuard(resilience.FromConfig(cfg))
	orch := pipeline.New(cfg.Pipeline, pipeline.Deps{
		Runs:     repo,
		Ledger:   ledger,
		Quota:    quotas,
		Guard:    guard,
		Actions:  set,
		Composer: composer,
		Slots:    search,
	})

	var notionClient notion.Client
	if cfg.Notion.Token != "" {
		notionClient = notion.NewClient(cfg.Notion.Token)
	}

	var places google.Client
	if cfg.Google.PlacesKey != "" {
		places = google.NewClient(cfg.Google.PlacesKey)
	}

	return &leadEnv{
		Store:        st,
		Runs:         repo,
		Quota:        quotas,
		Ledger:       ledger,
		Orchestrator: orch,
		Guard:        guard,
		Notion:       notionClient,
		Places:       places,
	}, nil
}

// buildActions returns the live SMTP and Google Calendar collaborators, or
// the simulated set.
func buildActions(ctx context.Context, search actions.SlotSearch, simulate bool) (actions.Set, error) {
	if simulate {
		return actions.SimulatedSet(), nil
	}
	if cfg.SMTP.Host == "" || cfg.SMTP.FromEmail == "" {
		return actions.Set{}, eris.New("smtp.host and smtp.from_email are required for live runs (LEADRUN_SMTP_HOST, LEADRUN_SMTP_FROM_EMAIL); use --dry-run to simulate")
	}
	if cfg.Calendar.AccessToken == "" {
		return actions.Set{}, eris.New("calendar.access_token is required for live runs (LEADRUN_CALENDAR_ACCESS_TOKEN); use --dry-run to simulate")
	}

	sender := mailer.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.FromEmail, cfg.SMTP.FromName)
	cal, err := gcal.New(ctx, cfg.Calendar.AccessToken, cfg.Calendar.CalendarID)
	if err != nil {
		return actions.Set{}, eris.Wrap(err, "init calendar")
	}
	calendar := actions.NewCalendarActions(cal, search)
	return actions.Set{
		Outreach:  actions.NewEmailOutreach(sender),
		Followups: calendar,
		Meetings:  calendar,
	}, nil
}

// buildComposer drafts outreach with Claude when an API key is configured
// and falls back to the template composer otherwise. outreach.subject and
// outreach.body replace the built-in templates.
func buildComposer() (actions.Composer, error) {
	s := actions.Sender{Name: cfg.SMTP.FromName, Company: cfg.SMTP.Company}
	subject, body := actions.DefaultSubjectTemplate, actions.DefaultBodyTemplate
	if cfg.Outreach.Subject != "" {
		subject = cfg.Outreach.Subject
	}
	if cfg.Outreach.Body != "" {
		body = cfg.Outreach.Body
	}
	tmpl, err := actions.ParseTemplateComposer(subject, body, s)
	if err != nil {
		return nil, eris.Wrap(err, "outreach templates")
	}
	if cfg.Anthropic.Key == "" {
		zap.L().Debug("LEADRUN_ANTHROPIC_KEY not set, outreach uses the template composer")
		return tmpl, nil
	}
	client := anthropicpkg.NewClient(cfg.Anthropic.Key)
	return actions.NewClaudeComposer(client, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens, s, tmpl), nil
}

// initReportEnv opens the store for the read-only commands. No action
// collaborators are built.
func initReportEnv(ctx context.Context) (*leadEnv, error) {
	if err := cfg.Validate("report"); err != nil {
		return nil, err
	}
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	return &leadEnv{
		Store: st,
		Runs:  runs.New(st),
		Quota: quota.New(st, cfg.Quota),
	}, nil
}
