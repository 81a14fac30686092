package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"hourwatch/internal/core"
)

// SMTPConfig describes the outgoing mail server.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Recipients are the address lists a report is delivered to. Bcc addresses
// only appear in the envelope.
type Recipients struct {
	To  []string
	Cc  []string
	Bcc []string
}

func (r Recipients) empty() bool {
	return len(r.To)+len(r.Cc)+len(r.Bcc) == 0
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer composes plain-text mail and submits it over SMTP.
type Mailer struct {
	cfg  SMTPConfig
	from *mail.Address
	send sendFunc
	now  func() time.Time
}

// NewMailer validates cfg. Port defaults to 587.
func NewMailer(cfg SMTPConfig) (*Mailer, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is empty")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("parse sender address %q: %w", cfg.From, err)
	}
	return &Mailer{cfg: cfg, from: from, send: smtp.SendMail, now: time.Now}, nil
}

// Send submits one message. smtp.SendMail upgrades with STARTTLS when the
// server offers it.
func (m *Mailer) Send(ctx context.Context, rcpt Recipients, subject, body string) error {
	if rcpt.empty() {
		return errors.New("no recipients")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	to, err := parseAddresses(rcpt.To)
	if err != nil {
		return err
	}
	cc, err := parseAddresses(rcpt.Cc)
	if err != nil {
		return err
	}
	bcc, err := parseAddresses(rcpt.Bcc)
	if err != nil {
		return err
	}

	msg, err := m.compose(to, cc, subject, body)
	if err != nil {
		return err
	}

	var envelope []string
	for _, list := range [][]*mail.Address{to, cc, bcc} {
		for _, a := range list {
			envelope = append(envelope, a.Address)
		}
	}

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	if err := m.send(addr, auth, m.from.Address, envelope, msg); err != nil {
		return fmt.Errorf("smtp send to %s: %w", addr, err)
	}
	return nil
}

func (m *Mailer) compose(to, cc []*mail.Address, subject, body string) ([]byte, error) {
	var h mail.Header
	h.SetDate(m.now())
	h.SetAddressList("From", []*mail.Address{m.from})
	if len(to) > 0 {
		h.SetAddressList("To", to)
	}
	if len(cc) > 0 {
		h.SetAddressList("Cc", cc)
	}
	h.SetSubject(subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, fmt.Errorf("write mail body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

func parseAddresses(list []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(list))
	for _, s := range list {
		if strings.TrimSpace(s) == "" {
			continue
		}
		a, err := mail.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", s, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// EmailNotifier mails reports to a fixed recipient set.
type EmailNotifier struct {
	mailer *Mailer
	rcpt   Recipients
}

// NewEmailNotifier binds mailer to rcpt.
func NewEmailNotifier(mailer *Mailer, rcpt Recipients) (*EmailNotifier, error) {
	if mailer == nil {
		return nil, errors.New("mailer is nil")
	}
	if rcpt.empty() {
		return nil, errors.New("email notifier has no recipients")
	}
	return &EmailNotifier{mailer: mailer, rcpt: rcpt}, nil
}

func (e *EmailNotifier) Name() string { return "email" }

func (e *EmailNotifier) Send(ctx context.Context, title, body string) error {
	return e.mailer.Send(ctx, e.rcpt, title, body)
}

// EmailReplier mails confirmations back to the sender of a reply.
type EmailReplier struct {
	mailer *Mailer
}

func NewEmailReplier(mailer *Mailer) *EmailReplier {
	return &EmailReplier{mailer: mailer}
}

func (e *EmailReplier) Reply(ctx context.Context, msg core.InboundMessage, title, body string) error {
	if msg.Sender == "" {
		return errors.New("reply has no sender")
	}
	return e.mailer.Send(ctx, Recipients{To: []string{msg.Sender}}, title, body)
}
