// Package mailer delivers outreach email over SMTP.
package mailer

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	gomail "github.com/wneessen/go-mail"
)

// Message is a single plain-text email.
type Message struct {
	To      string
	ToName  string
	Subject string
	Body    string
	// InReplyTo threads the message under an earlier Message-ID.
	InReplyTo string
}

// Sender sends a message and returns the Message-ID it was sent with.
type Sender interface {
	Send(ctx context.Context, m Message) (string, error)
}

// DialFunc opens the connection to the SMTP server.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Option configures an SMTPSender.
type Option func(*SMTPSender)

// WithDialer overrides how the SMTP connection is opened.
func WithDialer(d DialFunc) Option {
	return func(s *SMTPSender) { s.dial = d }
}

// WithTimeout sets the connection and command timeout (default 15s).
func WithTimeout(d time.Duration) Option {
	return func(s *SMTPSender) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// SMTPSender implements Sender over a direct SMTP connection.
type SMTPSender struct {
	host      string
	port      int
	username  string
	password  string
	fromEmail string
	fromName  string
	timeout   time.Duration
	dial      DialFunc
}

// NewSMTPSender creates an SMTPSender.
func NewSMTPSender(host string, port int, username, password, fromEmail, fromName string, opts ...Option) *SMTPSender {
	s := &SMTPSender{
		host:      host,
		port:      port,
		username:  username,
		password:  password,
		fromEmail: fromEmail,
		fromName:  fromName,
		timeout:   15 * time.Second,
		dial: func(ctx context.Context, _ string, addr string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "tcp", addr)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// messageID returns a fresh id in the sender's domain, without brackets.
func (s *SMTPSender) messageID() string {
	domain := "localhost"
	if at := strings.LastIndex(s.fromEmail, "@"); at >= 0 && at < len(s.fromEmail)-1 {
		domain = s.fromEmail[at+1:]
	}
	return uuid.NewString() + "@" + domain
}

// Build renders m into a go-mail message with a fresh Message-ID.
func (s *SMTPSender) Build(m Message) (*gomail.Msg, string, error) {
	msg := gomail.NewMsg()
	if err := msg.FromFormat(s.fromName, s.fromEmail); err != nil {
		return nil, "", eris.Wrap(err, "mailer: from")
	}
	var err error
	if m.ToName != "" {
		err = msg.AddToFormat(m.ToName, m.To)
	} else {
		err = msg.To(m.To)
	}
	if err != nil {
		return nil, "", eris.Wrapf(err, "mailer: to %q", m.To)
	}
	msg.Subject(m.Subject)
	if m.InReplyTo != "" {
		ref := "<" + strings.Trim(m.InReplyTo, "<>") + ">"
		msg.SetGenHeader(gomail.HeaderInReplyTo, ref)
		msg.SetGenHeader(gomail.HeaderReferences, ref)
	}
	id := s.messageID()
	msg.SetMessageIDWithValue(id)
	msg.SetDate()
	msg.SetBodyString(gomail.TypeTextPlain, m.Body)
	return msg, id, nil
}

// Send delivers m and returns its Message-ID.
func (s *SMTPSender) Send(ctx context.Context, m Message) (string, error) {
	msg, id, err := s.Build(m)
	if err != nil {
		return "", err
	}

	opts := []gomail.Option{
		gomail.WithPort(s.port),
		gomail.WithTLSPortPolicy(gomail.TLSOpportunistic),
		gomail.WithTimeout(s.timeout),
		gomail.WithDialContextFunc(gomail.DialContextFunc(s.dial)),
	}
	if s.username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.username),
			gomail.WithPassword(s.password),
		)
	}
	client, err := gomail.NewClient(s.host, opts...)
	if err != nil {
		return "", eris.Wrap(err, "mailer: client")
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return "", eris.Wrapf(err, "mailer: send to %s", m.To)
	}
	return id, nil
}

// IsPermanent reports whether the server refused the message for good, such
// as a 5xx reply for an unknown mailbox.
func IsPermanent(err error) bool {
	var sendErr *gomail.SendError
	return errors.As(err, &sendErr) && !sendErr.IsTemp()
}

// IsTemporary reports whether a send failure is worth retrying: a 4xx SMTP
// reply or a network timeout.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	var sendErr *gomail.SendError
	if errors.As(err, &sendErr) {
		return sendErr.IsTemp()
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
