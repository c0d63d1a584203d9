package actions

import (
	"context"
	"strings"

	"github.com/sells-group/leadrun/internal/model"
	"github.com/sells-group/leadrun/internal/resilience"
	"github.com/sells-group/leadrun/pkg/mailer"
)

// EmailOutreach sends outreach over SMTP.
type EmailOutreach struct {
	sender mailer.Sender
}

// NewEmailOutreach creates an EmailOutreach.
func NewEmailOutreach(s mailer.Sender) *EmailOutreach {
	return &EmailOutreach{sender: s}
}

// SendOutreach mails c to the lead. Temporary SMTP rejections are returned
// as transient errors, permanent ones and a missing address as rejections.
func (o *EmailOutreach) SendOutreach(ctx context.Context, lead model.LeadCandidate, c Content) (OutreachReceipt, error) {
	to := strings.TrimSpace(lead.Email)
	if to == "" {
		return OutreachReceipt{}, resilience.Reject(ErrNoEmail)
	}
	id, err := o.sender.Send(ctx, mailer.Message{
		To:      to,
		ToName:  lead.FounderName,
		Subject: c.Subject,
		Body:    c.Body,
	})
	if err != nil {
		switch {
		case mailer.IsTemporary(err):
			return OutreachReceipt{}, resilience.NewTransientError(err, 0)
		case mailer.IsPermanent(err):
			return OutreachReceipt{}, resilience.Reject(err)
		}
		return OutreachReceipt{}, err
	}
	return OutreachReceipt{ID: id, ThreadID: id}, nil
}
