package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"hourwatch/internal/core"
)

// IMAPConfig describes the mailbox replies arrive in.
type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Mailbox  string
}

// imapSession is the part of *client.Client the inbox uses.
type imapSession interface {
	Login(username, password string) error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
	Expunge(ch chan uint32) error
	Logout() error
}

type dialFunc func(addr string) (imapSession, error)

// IMAPInbox reads replies to the due report from an IMAP mailbox. Each
// Fetch and Ack opens its own connection.
type IMAPInbox struct {
	cfg    IMAPConfig
	dial   dialFunc
	logger *slog.Logger
}

// NewIMAPInbox validates cfg. Port defaults to 993 (implicit TLS) and the
// mailbox to INBOX.
func NewIMAPInbox(cfg IMAPConfig, logger *slog.Logger) (*IMAPInbox, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("imap host is empty")
	}
	if cfg.Port == 0 {
		cfg.Port = 993
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if logger == nil {
		logger = slog.Default()
	}
	host := cfg.Host
	return &IMAPInbox{
		cfg: cfg,
		dial: func(addr string) (imapSession, error) {
			return client.DialTLS(addr, &tls.Config{ServerName: host})
		},
		logger: logger,
	}, nil
}

func (in *IMAPInbox) connect() (imapSession, error) {
	addr := net.JoinHostPort(in.cfg.Host, strconv.Itoa(in.cfg.Port))
	c, err := in.dial(addr)
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", addr, err)
	}
	if err := c.Login(in.cfg.Username, in.cfg.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("imap login: %w", err)
	}
	if _, err := c.Select(in.cfg.Mailbox, false); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("select %s: %w", in.cfg.Mailbox, err)
	}
	return c, nil
}

// Fetch returns the replies to the due report. Messages whose subject is
// not a reply are left alone.
func (in *IMAPInbox) Fetch(ctx context.Context) ([]core.InboundMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := in.connect()
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Subject", core.DueReportTitle)
	criteria.WithoutFlags = []string{imap.DeletedFlag}
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	ch := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, ch)
	}()

	var out []core.InboundMessage
	for m := range ch {
		body := m.GetBody(section)
		if body == nil {
			in.logger.Warn("imap message without body", "uid", m.Uid)
			continue
		}
		msg, ok, err := parseReply(body)
		if err != nil {
			in.logger.Warn("skip unreadable message", "uid", m.Uid, "err", err)
			continue
		}
		if !ok {
			continue
		}
		msg.ID = strconv.FormatUint(uint64(m.Uid), 10)
		out = append(out, msg)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap fetch: %w", err)
	}
	return out, nil
}

// Ack deletes a processed reply.
func (in *IMAPInbox) Ack(ctx context.Context, msg core.InboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	uid, err := strconv.ParseUint(msg.ID, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid imap uid %q: %w", msg.ID, err)
	}
	c, err := in.connect()
	if err != nil {
		return err
	}
	defer c.Logout()

	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(uid))
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.UidStore(seqset, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return fmt.Errorf("flag uid %d deleted: %w", uid, err)
	}
	if err := c.Expunge(nil); err != nil {
		return fmt.Errorf("expunge: %w", err)
	}
	return nil
}

// parseReply reports ok=false for messages that are not replies to the due
// report.
func parseReply(r io.Reader) (core.InboundMessage, bool, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return core.InboundMessage{}, false, fmt.Errorf("read message: %w", err)
	}
	defer mr.Close()

	subject, _ := mr.Header.Subject()
	if !strings.Contains(subject, "Re: "+core.DueReportTitle) {
		return core.InboundMessage{}, false, nil
	}

	sender := firstAddress(mr.Header, "Reply-To")
	if sender == "" {
		sender = firstAddress(mr.Header, "From")
	}
	if sender == "" {
		return core.InboundMessage{}, false, errors.New("no sender address")
	}

	msg := core.InboundMessage{Sender: sender, Subject: subject}
	if date, err := mr.Header.Date(); err == nil {
		msg.ReceivedAt = date
	}

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return core.InboundMessage{}, false, fmt.Errorf("read part: %w", err)
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		if ct != "text/plain" {
			continue
		}
		b, err := io.ReadAll(p.Body)
		if err != nil {
			return core.InboundMessage{}, false, fmt.Errorf("read body: %w", err)
		}
		msg.Body = string(b)
		break
	}
	return msg, true, nil
}

func firstAddress(h mail.Header, key string) string {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		return ""
	}
	return list[0].Address
}
