package mailer

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gomail "github.com/wneessen/go-mail"
)

func newTestSender(opts ...Option) *SMTPSender {
	return NewSMTPSender("smtp.example.com", 587, "bot", "secret", "outreach@sellsgroup.com", "Sells Group", opts...)
}

func render(t *testing.T, msg *gomail.Msg) string {
	t.Helper()
	var buf bytes.Buffer
	_, err := msg.WriteTo(&buf)
	require.NoError(t, err)
	return buf.String()
}

func TestBuild(t *testing.T) {
	s := newTestSender()
	msg, id, err := s.Build(Message{
		To:      "maria@lonestarair.com",
		ToName:  "Maria Lopez",
		Subject: "Quick question about Lone Star Air",
		Body:    "Hi Maria,\n\nAre you open to a short call?",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(id, "@sellsgroup.com"))

	raw := render(t, msg)
	assert.Contains(t, raw, "Subject: Quick question about Lone Star Air")
	assert.Contains(t, raw, "maria@lonestarair.com")
	assert.Contains(t, raw, "<"+id+">")
	assert.Contains(t, raw, "Are you open to a short call?")
	assert.NotContains(t, raw, "In-Reply-To")
}

func TestBuild_Threaded(t *testing.T) {
	s := newTestSender()
	msg, _, err := s.Build(Message{
		To:        "maria@lonestarair.com",
		Subject:   "Re: Quick question",
		Body:      "Following up.",
		InReplyTo: "<abc@sellsgroup.com>",
	})
	require.NoError(t, err)
	raw := render(t, msg)
	assert.Contains(t, raw, "In-Reply-To: <abc@sellsgroup.com>")
	assert.Contains(t, raw, "References: <abc@sellsgroup.com>")
}

func TestBuild_UniqueMessageIDs(t *testing.T) {
	s := newTestSender()
	_, a, err := s.Build(Message{To: "a@example.com", Subject: "s", Body: "b"})
	require.NoError(t, err)
	_, b, err := s.Build(Message{To: "a@example.com", Subject: "s", Body: "b"})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestBuild_InvalidRecipient(t *testing.T) {
	_, _, err := newTestSender().Build(Message{To: "not an address", Subject: "s", Body: "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mailer: to")
}

func TestMessageID_NoDomain(t *testing.T) {
	s := NewSMTPSender("smtp.example.com", 25, "", "", "outreach", "")
	assert.True(t, strings.HasSuffix(s.messageID(), "@localhost"))
}

func TestSend_DialFailure(t *testing.T) {
	dialErr := errors.New("connection refused")
	s := newTestSender(
		WithTimeout(time.Second),
		WithDialer(func(context.Context, string, string) (net.Conn, error) {
			return nil, dialErr
		}),
	)

	id, err := s.Send(context.Background(), Message{To: "maria@lonestarair.com", Subject: "s", Body: "b"})
	require.Error(t, err)
	assert.Empty(t, id)
	assert.Contains(t, err.Error(), "mailer: send to maria@lonestarair.com")
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTemporary(t *testing.T) {
	assert.False(t, IsTemporary(nil))
	assert.False(t, IsTemporary(errors.New("550 mailbox unavailable")))
	assert.False(t, IsTemporary(&gomail.SendError{Reason: gomail.ErrSMTPRcptTo}))
	assert.True(t, IsTemporary(timeoutErr{}))
}

func TestIsPermanent(t *testing.T) {
	assert.False(t, IsPermanent(nil))
	assert.False(t, IsPermanent(timeoutErr{}))
	assert.False(t, IsPermanent(errors.New("550 mailbox unavailable")), "only SMTP replies count")
	assert.True(t, IsPermanent(&gomail.SendError{Reason: gomail.ErrSMTPRcptTo}))
}
