package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset"
	gomessage "github.com/emersion/go-message/mail"

	"task-automation-service/internal/models"
)

// IMAPDialer opens IMAP mailboxes.
type IMAPDialer struct {
	Timeout time.Duration
}

// Dial logs in and selects the configured folder read-only.
func (d IMAPDialer) Dial(ctx context.Context, cfg models.MailboxConfig) (Mailbox, error) {
	ep := Resolve(cfg)
	addr := net.JoinHostPort(ep.IMAPHost, strconv.Itoa(ep.IMAPPort))
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var (
		c   *client.Client
		err error
	)
	if cfg.Insecure {
		c, err = client.Dial(addr)
	} else {
		c, err = client.DialTLS(addr, &tls.Config{ServerName: ep.IMAPHost})
	}
	if err != nil {
		return nil, &models.MailError{Op: "connect " + addr, Err: err}
	}
	c.Timeout = timeout
	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		_ = c.Logout()
		return nil, &models.MailError{Op: "login " + addr, Err: err}
	}
	hlog.CtxInfof(ctx, "IMAPMailbox: connected to %s as %s (folder %s)", addr, cfg.Username, ep.Folder)
	return &imapMailbox{c: c, folder: ep.Folder}, nil
}

type imapMailbox struct {
	mu     sync.Mutex
	c      *client.Client
	folder string
}

func (m *imapMailbox) HighestUID(ctx context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, err := m.c.Select(m.folder, true)
	if err != nil {
		return 0, &models.MailError{Op: "select " + m.folder, Err: err}
	}
	if status.UidNext == 0 {
		return 0, nil
	}
	return status.UidNext - 1, nil
}

func (m *imapMailbox) Fetch(ctx context.Context, since uint32) ([]InboundEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, err := m.c.Select(m.folder, true)
	if err != nil {
		return nil, &models.MailError{Op: "select " + m.folder, Err: err}
	}
	if status.Messages == 0 || (status.UidNext != 0 && status.UidNext <= since+1) {
		return nil, nil
	}

	seq := new(imap.SeqSet)
	seq.AddRange(since+1, 0)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	ch := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() { done <- m.c.UidFetch(seq, items, ch) }()

	var out []InboundEmail
	for msg := range ch {
		// A UID range past the newest message still returns the newest one.
		if msg.Uid <= since {
			continue
		}
		lit := msg.GetBody(section)
		if lit == nil {
			continue
		}
		raw, err := io.ReadAll(lit)
		if err != nil {
			hlog.CtxWarnf(ctx, "IMAPMailbox: failed to read message UID %d: %v", msg.Uid, err)
			continue
		}
		email, err := ParseMessage(raw)
		if err != nil {
			hlog.CtxWarnf(ctx, "IMAPMailbox: failed to parse message UID %d: %v", msg.Uid, err)
			continue
		}
		email.UID = msg.Uid
		if !msg.InternalDate.IsZero() {
			email.ReceivedAt = msg.InternalDate
		}
		out = append(out, email)
	}
	if err := <-done; err != nil {
		return nil, &models.MailError{Op: "fetch " + m.folder, Err: err}
	}
	return out, nil
}

func (m *imapMailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.c.Logout()
}

// ParseMessage decodes an RFC 5322 message into an InboundEmail. Only the
// first text/plain part becomes the body.
func ParseMessage(raw []byte) (InboundEmail, error) {
	mr, err := gomessage.CreateReader(strings.NewReader(string(raw)))
	if err != nil {
		return InboundEmail{}, fmt.Errorf("failed to read message: %w", err)
	}
	defer mr.Close()

	out := InboundEmail{Raw: raw}
	h := mr.Header
	out.Subject, _ = h.Subject()
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		out.From = from[0].Address
		out.FromName = from[0].Name
	}
	if to, err := h.AddressList("To"); err == nil {
		for _, a := range to {
			out.To = append(out.To, a.Address)
		}
	}
	out.MessageID, _ = h.MessageID()
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		out.InReplyTo = ids[0]
	}
	out.References, _ = h.MsgIDList("References")
	if d, err := h.Date(); err == nil {
		out.ReceivedAt = d
	}

	var body, html string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, fmt.Errorf("failed to read message part: %w", err)
		}
		switch ph := p.Header.(type) {
		case *gomessage.InlineHeader:
			ct, _, _ := ph.ContentType()
			b, _ := io.ReadAll(p.Body)
			switch {
			case ct == "text/plain" && body == "":
				body = string(b)
			case ct == "text/html" && html == "":
				html = string(b)
			}
		case *gomessage.AttachmentHeader:
			name, _ := ph.Filename()
			ct, _, _ := ph.ContentType()
			b, _ := io.ReadAll(p.Body)
			out.Attachments = append(out.Attachments, AttachmentHeader{Filename: name, ContentType: ct, Size: len(b)})
		}
	}
	if body == "" {
		body = html
	}
	out.Body = strings.TrimSpace(body)
	return out, nil
}
