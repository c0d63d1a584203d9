package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadrun/internal/config"
	"github.com/sells-group/leadrun/internal/model"
)

func TestBuildComposer_OutreachOverride(t *testing.T) {
	cfg = &config.Config{
		SMTP:     config.SMTPConfig{FromName: "Dana"},
		Outreach: config.OutreachConfig{Subject: "Hello {{.Company}}"},
	}

	c, err := buildComposer()
	require.NoError(t, err)

	content, err := c.Compose(context.Background(), model.LeadCandidate{CompanyName: "Acme HVAC", FounderName: "Sam Ortiz"})
	require.NoError(t, err)
	assert.Equal(t, "Hello Acme HVAC", content.Subject)
	assert.Contains(t, content.Body, "Hi Sam,")
	assert.Contains(t, content.Body, "Dana")
}

func TestBuildComposer_BadTemplate(t *testing.T) {
	cfg = &config.Config{Outreach: config.OutreachConfig{Body: "{{.Company"}}

	_, err := buildComposer()
	assert.ErrorContains(t, err, "outreach templates")
}
