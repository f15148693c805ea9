package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	gomail "github.com/wneessen/go-mail"

	"task-automation-service/internal/models"
)

// SMTPConfig configures the outbound relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
	// Insecure allows plaintext delivery when the relay does not offer STARTTLS.
	Insecure bool
}

// SMTPSender delivers messages through an SMTP relay.
type SMTPSender struct {
	cfg SMTPConfig
}

// NewSMTPSender creates a sender for the relay.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPSender{cfg: cfg}
}

// SenderFactory builds a sender that delivers as the given mailbox.
type SenderFactory func(cfg models.MailboxConfig) Sender

// MailboxSenders returns a factory of SMTP senders that log in with the
// mailbox credentials on its resolved SMTP endpoint.
func MailboxSenders(timeout time.Duration) SenderFactory {
	return func(cfg models.MailboxConfig) Sender {
		ep := Resolve(cfg)
		return NewSMTPSender(SMTPConfig{
			Host:     ep.SMTPHost,
			Port:     ep.SMTPPort,
			Username: cfg.Username,
			Password: cfg.Password,
			From:     cfg.Address(),
			Timeout:  timeout,
			Insecure: cfg.Insecure,
		})
	}
}

// Send implements Sender. Errors are returned as *models.MailError.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if s.cfg.Host == "" {
		return &models.MailError{Op: "send", Err: errors.New("smtp relay is not configured")}
	}
	if msg.From == "" {
		msg.From = s.cfg.From
	}
	m, err := BuildMsg(msg)
	if err != nil {
		return &models.MailError{Op: "compose", Err: err}
	}

	opts := []gomail.Option{
		gomail.WithPort(s.cfg.Port),
		gomail.WithTimeout(s.cfg.Timeout),
	}
	if s.cfg.Insecure {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSOpportunistic))
	} else {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.cfg.Username),
			gomail.WithPassword(s.cfg.Password),
		)
	}
	client, err := gomail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return &models.MailError{Op: "connect", Err: err}
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	if err := client.DialAndSendWithContext(sendCtx, m); err != nil {
		return &models.MailError{Op: "send", Err: err}
	}
	hlog.CtxInfof(ctx, "MailSender: sent %q to %v", msg.Subject, msg.To)
	return nil
}

// BuildMsg converts a Message into a go-mail message.
func BuildMsg(msg Message) (*gomail.Msg, error) {
	if len(msg.To) == 0 {
		return nil, errors.New("message has no recipients")
	}
	m := gomail.NewMsg()
	if err := m.From(msg.From); err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", msg.From, err)
	}
	if err := m.To(msg.To...); err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	if len(msg.Cc) > 0 {
		if err := m.Cc(msg.Cc...); err != nil {
			return nil, fmt.Errorf("invalid cc recipient: %w", err)
		}
	}
	if msg.ReplyTo != "" {
		if err := m.ReplyTo(msg.ReplyTo); err != nil {
			return nil, fmt.Errorf("invalid reply-to address %q: %w", msg.ReplyTo, err)
		}
	}
	m.Subject(msg.Subject)
	m.SetDate()
	if msg.MessageID != "" {
		m.SetMessageIDWithValue(trimAngle(msg.MessageID))
	} else {
		m.SetMessageID()
	}
	if msg.InReplyTo != "" {
		m.SetGenHeader(gomail.HeaderInReplyTo, angle(msg.InReplyTo))
	}
	if len(msg.References) > 0 {
		refs := make([]string, len(msg.References))
		for i, r := range msg.References {
			refs[i] = angle(r)
		}
		m.SetGenHeader(gomail.HeaderReferences, refs...)
	}
	for k, v := range msg.Headers {
		m.SetGenHeader(gomail.Header(k), v)
	}
	m.SetBodyString(gomail.TypeTextPlain, msg.Body)
	for _, a := range msg.Attachments {
		var opts []gomail.FileOption
		if a.ContentType != "" {
			opts = append(opts, gomail.WithFileContentType(gomail.ContentType(a.ContentType)))
		}
		if err := m.AttachReader(a.Filename, bytes.NewReader(a.Data), opts...); err != nil {
			return nil, fmt.Errorf("attach %s: %w", a.Filename, err)
		}
	}
	return m, nil
}

func trimAngle(id string) string {
	if len(id) >= 2 && id[0] == '<' && id[len(id)-1] == '>' {
		return id[1 : len(id)-1]
	}
	return id
}

func angle(id string) string { return "<" + trimAngle(id) + ">" }
