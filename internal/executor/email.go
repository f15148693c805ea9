package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"task-automation-service/internal/mail"
	"task-automation-service/internal/models"
	"task-automation-service/pkg/template"
)

var errNoTriggeringEmail = errors.New("action requires a triggering email")

// EmailReplyExecutor answers the triggering message.
type EmailReplyExecutor struct {
	Sender mail.Sender
	From   string
	// ForMailbox, when set, sends mail of email_received tasks through the
	// receiving mailbox instead of Sender.
	ForMailbox mail.SenderFactory
}

func (e *EmailReplyExecutor) Execute(ctx context.Context, a models.Action, inv Invocation) (string, error) {
	cfg, err := configAs[models.EmailReplyConfig](a)
	if err != nil {
		return "", err
	}
	if inv.Email == nil {
		return "", &models.MailError{Op: "reply", Err: errNoTriggeringEmail}
	}
	subject := template.Interpolate(cfg.Subject, inv.Vars)
	if subject == "" {
		subject = replySubject(inv.Email.Subject)
	}
	sender, from := route(e.Sender, e.From, e.ForMailbox, inv)
	msg := mail.Message{
		From:       from,
		To:         []string{inv.Email.From},
		Subject:    subject,
		Body:       template.Interpolate(cfg.Body, inv.Vars),
		InReplyTo:  inv.Email.MessageID,
		References: threadRefs(inv.Email),
	}
	if err := send(ctx, sender, "reply", msg); err != nil {
		return "", err
	}
	return "replied to " + inv.Email.From, nil
}

// EmailSendExecutor sends a new message.
type EmailSendExecutor struct {
	Sender mail.Sender
	From   string
	// ForMailbox, when set, sends mail of email_received tasks through the
	// receiving mailbox instead of Sender.
	ForMailbox mail.SenderFactory
}

func (e *EmailSendExecutor) Execute(ctx context.Context, a models.Action, inv Invocation) (string, error) {
	cfg, err := configAs[models.EmailSendConfig](a)
	if err != nil {
		return "", err
	}
	sender, from := route(e.Sender, e.From, e.ForMailbox, inv)
	msg := mail.Message{
		From:    from,
		To:      interpolateList(cfg.To, inv.Vars),
		Cc:      interpolateList(cfg.Cc, inv.Vars),
		Subject: template.Interpolate(cfg.Subject, inv.Vars),
		Body:    template.Interpolate(cfg.Body, inv.Vars),
	}
	if err := send(ctx, sender, "send", msg); err != nil {
		return "", err
	}
	return "sent to " + strings.Join(msg.To, ", "), nil
}

// EmailForwardExecutor forwards the triggering message.
type EmailForwardExecutor struct {
	Sender mail.Sender
	From   string
	// ForMailbox, when set, sends mail of email_received tasks through the
	// receiving mailbox instead of Sender.
	ForMailbox mail.SenderFactory
}

func (e *EmailForwardExecutor) Execute(ctx context.Context, a models.Action, inv Invocation) (string, error) {
	cfg, err := configAs[models.EmailForwardConfig](a)
	if err != nil {
		return "", err
	}
	if inv.Email == nil {
		return "", &models.MailError{Op: "forward", Err: errNoTriggeringEmail}
	}
	orig := inv.Email
	var body strings.Builder
	if note := template.Interpolate(cfg.Note, inv.Vars); note != "" {
		body.WriteString(note)
		body.WriteString("\n\n")
	}
	fmt.Fprintf(&body, "---------- Forwarded message ----------\nFrom: %s\nSubject: %s\n\n%s\n", orig.From, orig.Subject, orig.Body)

	sender, from := route(e.Sender, e.From, e.ForMailbox, inv)
	msg := mail.Message{
		From:       from,
		To:         interpolateList(cfg.ForwardTo, inv.Vars),
		Subject:    "Fwd: " + orig.Subject,
		Body:       body.String(),
		References: threadRefs(orig),
	}
	if cfg.AttachOriginal && len(orig.Raw) > 0 {
		msg.Attachments = append(msg.Attachments, mail.Attachment{
			Filename:    "original.eml",
			ContentType: "message/rfc822",
			Data:        orig.Raw,
		})
	}
	if err := send(ctx, sender, "forward", msg); err != nil {
		return "", err
	}
	return "forwarded to " + strings.Join(msg.To, ", "), nil
}

// route picks the sender and From address. Mail of an invocation that came
// from a mailbox with a resolvable SMTP endpoint goes out as that mailbox.
func route(def mail.Sender, from string, forMailbox mail.SenderFactory, inv Invocation) (mail.Sender, string) {
	if inv.Mailbox == nil || forMailbox == nil || mail.Resolve(*inv.Mailbox).SMTPHost == "" {
		return def, from
	}
	if addr := inv.Mailbox.Address(); addr != "" {
		from = addr
	}
	return forMailbox(*inv.Mailbox), from
}

func send(ctx context.Context, s mail.Sender, op string, msg mail.Message) error {
	if s == nil {
		return &models.MailError{Op: op, Err: errors.New("no mail sender configured")}
	}
	if err := s.Send(ctx, msg); err != nil {
		var merr *models.MailError
		if errors.As(err, &merr) {
			return err
		}
		return &models.MailError{Op: op, Err: err}
	}
	return nil
}

func replySubject(s string) string {
	if strings.HasPrefix(strings.ToLower(s), "re:") {
		return s
	}
	return "Re: " + s
}

func threadRefs(e *mail.InboundEmail) []string {
	refs := append([]string(nil), e.References...)
	if e.MessageID != "" {
		refs = append(refs, e.MessageID)
	}
	return refs
}

func interpolateList(in []string, vars map[string]string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if v := strings.TrimSpace(template.Interpolate(s, vars)); v != "" {
			out = append(out, v)
		}
	}
	return out
}
