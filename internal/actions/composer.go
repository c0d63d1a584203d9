package actions

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadrun/internal/model"
	"github.com/sells-group/leadrun/pkg/anthropic"
)

// Composer writes the outreach email for a lead.
type Composer interface {
	Compose(ctx context.Context, lead model.LeadCandidate) (Content, error)
}

// Sender is who outreach is signed by.
type Sender struct {
	Name    string
	Company string
}

// Built-in outreach templates.
const (
	DefaultSubjectTemplate = `Quick question for {{.Company}}`
	DefaultBodyTemplate    = `Hi {{.FirstName}},

I came across {{.Company}}{{if .Location}} in {{.Location}}{{end}} and was impressed by what you have built{{if .Industry}} in {{.Industry}}{{end}}.

Would you be open to a short call next week to see if there is a fit?

Best regards,
{{.SenderName}}{{if .SenderCompany}}
{{.SenderCompany}}{{end}}
`
)

type templateData struct {
	Company       string
	FirstName     string
	Industry      string
	Location      string
	SenderName    string
	SenderCompany string
}

func dataFor(lead model.LeadCandidate, s Sender) templateData {
	first := "there"
	if f := strings.Fields(lead.FounderName); len(f) > 0 {
		first = f[0]
	}
	company := lead.CompanyName
	if company == "" {
		company = "your company"
	}
	return templateData{
		Company:       company,
		FirstName:     first,
		Industry:      lead.Industry,
		Location:      lead.Location,
		SenderName:    s.Name,
		SenderCompany: s.Company,
	}
}

// TemplateComposer renders outreach from text templates.
type TemplateComposer struct {
	subject *template.Template
	body    *template.Template
	sender  Sender
}

// NewTemplateComposer returns a composer using the built-in templates.
func NewTemplateComposer(s Sender) *TemplateComposer {
	c, err := ParseTemplateComposer(DefaultSubjectTemplate, DefaultBodyTemplate, s)
	if err != nil {
		panic(err)
	}
	return c
}

// ParseTemplateComposer returns a composer using custom templates. Fields
// available: Company, FirstName, Industry, Location, SenderName,
// SenderCompany.
func ParseTemplateComposer(subject, body string, s Sender) (*TemplateComposer, error) {
	st, err := template.New("subject").Option("missingkey=error").Parse(subject)
	if err != nil {
		return nil, eris.Wrap(err, "actions: parse subject template")
	}
	bt, err := template.New("body").Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, eris.Wrap(err, "actions: parse body template")
	}
	return &TemplateComposer{subject: st, body: bt, sender: s}, nil
}

// Compose renders the templates for lead.
func (c *TemplateComposer) Compose(_ context.Context, lead model.LeadCandidate) (Content, error) {
	data := dataFor(lead, c.sender)
	var subj, body bytes.Buffer
	if err := c.subject.Execute(&subj, data); err != nil {
		return Content{}, eris.Wrap(err, "actions: render subject")
	}
	if err := c.body.Execute(&body, data); err != nil {
		return Content{}, eris.Wrap(err, "actions: render body")
	}
	return Content{Subject: strings.TrimSpace(subj.String()), Body: body.String()}, nil
}

const draftSystemPrompt = `You write short, friendly first-touch sales emails to owners of small local businesses.
Rules:
- 90 words or fewer in the body, plain text, no links, no placeholders.
- Mention one concrete detail about the business.
- End with a single question proposing a short call.
- Output exactly: a first line "Subject: <subject>", a blank line, then the body.`

// ClaudeComposer drafts outreach with Claude and falls back to another
// composer when the API fails or the draft is unusable.
type ClaudeComposer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	sender    Sender
	fallback  Composer
}

// NewClaudeComposer creates a ClaudeComposer.
func NewClaudeComposer(client anthropic.Client, model string, maxTokens int, s Sender, fallback Composer) *ClaudeComposer {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &ClaudeComposer{client: client, model: model, maxTokens: int64(maxTokens), sender: s, fallback: fallback}
}

func leadFacts(lead model.LeadCandidate, s Sender) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Business: %s\n", lead.CompanyName)
	if lead.FounderName != "" {
		fmt.Fprintf(&b, "Owner: %s\n", lead.FounderName)
	}
	if lead.Industry != "" {
		fmt.Fprintf(&b, "Industry: %s\n", lead.Industry)
	}
	if lead.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", lead.Location)
	}
	if lead.Website != "" {
		fmt.Fprintf(&b, "Website: %s\n", lead.Website)
	}
	if lead.Rating != nil {
		fmt.Fprintf(&b, "Rating: %.1f", *lead.Rating)
		if lead.ReviewCount != nil {
			fmt.Fprintf(&b, " from %d reviews", *lead.ReviewCount)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Sign as: %s", s.Name)
	if s.Company != "" {
		fmt.Fprintf(&b, ", %s", s.Company)
	}
	return b.String()
}

// parseDraft splits a "Subject: ..." first line from the body.
func parseDraft(text string) (Content, bool) {
	text = strings.TrimSpace(text)
	line, rest, _ := strings.Cut(text, "\n")
	subject, ok := strings.CutPrefix(strings.TrimSpace(line), "Subject:")
	if !ok {
		return Content{}, false
	}
	c := Content{Subject: strings.TrimSpace(subject), Body: strings.TrimSpace(rest) + "\n"}
	if c.Subject == "" || strings.TrimSpace(c.Body) == "" {
		return Content{}, false
	}
	return c, true
}

// Compose drafts outreach for lead.
func (c *ClaudeComposer) Compose(ctx context.Context, lead model.LeadCandidate) (Content, error) {
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    anthropic.CachedSystem(draftSystemPrompt),
		Messages:  []anthropic.Message{{Role: "user", Content: leadFacts(lead, c.sender)}},
	})
	if err != nil {
		zap.L().Warn("actions: draft failed, using template",
			zap.String("company", lead.CompanyName),
			zap.Bool("retryable", anthropic.IsRetryable(err)),
			zap.Error(err),
		)
		return c.fallback.Compose(ctx, lead)
	}
	resp.Usage.LogCost(c.model, "outreach_draft")

	content, ok := parseDraft(resp.Text())
	if !ok {
		zap.L().Warn("actions: unusable draft, using template",
			zap.String("company", lead.CompanyName),
			zap.String("stop_reason", resp.StopReason),
		)
		return c.fallback.Compose(ctx, lead)
	}
	return content, nil
}
