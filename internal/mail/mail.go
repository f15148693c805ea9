// Package mail holds the outbound and inbound mail collaborators used by the
// email actions, the email_received listener and the campaign runner.
package mail

import (
	"context"
	"strconv"
	"strings"
	"time"

	"task-automation-service/internal/models"
)

// Attachment is a file carried by a message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is an outbound email.
type Message struct {
	From        string
	To          []string
	Cc          []string
	ReplyTo     string
	Subject     string
	Body        string
	MessageID   string
	InReplyTo   string
	References  []string
	Headers     map[string]string
	Attachments []Attachment
}

// Sender delivers outbound messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// InboundEmail is a message read from a mailbox.
type InboundEmail struct {
	UID         uint32             `json:"uid,omitempty"`
	MessageID   string             `json:"messageId,omitempty"`
	From        string             `json:"from"`
	FromName    string             `json:"fromName,omitempty"`
	To          []string           `json:"to,omitempty"`
	Subject     string             `json:"subject"`
	Body        string             `json:"body"`
	InReplyTo   string             `json:"inReplyTo,omitempty"`
	References  []string           `json:"references,omitempty"`
	Attachments []AttachmentHeader `json:"attachments,omitempty"`
	Raw         []byte             `json:"-"`
	ReceivedAt  time.Time          `json:"receivedAt"`
}

// AttachmentHeader describes an attachment without its content.
type AttachmentHeader struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType,omitempty"`
	Size        int    `json:"size,omitempty"`
}

// Fields flattens the message into a trigger event field map.
func (e InboundEmail) Fields() map[string]string {
	names := make([]string, 0, len(e.Attachments))
	for _, a := range e.Attachments {
		names = append(names, a.Filename)
	}
	sender := e.FromName
	if sender == "" {
		sender = e.From
	}
	f := map[string]string{
		"from":             e.From,
		"to":               strings.Join(e.To, ", "),
		"subject":          e.Subject,
		"body":             e.Body,
		"attachment":       strings.Join(names, ", "),
		"message_id":       e.MessageID,
		"in_reply_to":      e.InReplyTo,
		"sender_name":      sender,
		"original_subject": e.Subject,
	}
	if !e.ReceivedAt.IsZero() {
		f["received_at"] = e.ReceivedAt.UTC().Format(time.RFC3339)
	}
	if e.UID != 0 {
		f["uid"] = strconv.FormatUint(uint64(e.UID), 10)
	}
	return f
}

// DedupeKey identifies the message for duplicate suppression.
func (e InboundEmail) DedupeKey() string {
	if e.MessageID != "" {
		return e.MessageID
	}
	return "uid:" + strconv.FormatUint(uint64(e.UID), 10)
}

// Mailbox reads new messages from a single folder.
type Mailbox interface {
	// HighestUID returns the UID of the newest message in the folder.
	HighestUID(ctx context.Context) (uint32, error)
	// Fetch returns messages with a UID strictly greater than since, oldest first.
	Fetch(ctx context.Context, since uint32) ([]InboundEmail, error)
	Close() error
}

// MailboxDialer opens mailboxes described by task configuration.
type MailboxDialer interface {
	Dial(ctx context.Context, cfg models.MailboxConfig) (Mailbox, error)
}

// DialerFunc adapts a function to MailboxDialer.
type DialerFunc func(ctx context.Context, cfg models.MailboxConfig) (Mailbox, error)

func (f DialerFunc) Dial(ctx context.Context, cfg models.MailboxConfig) (Mailbox, error) {
	return f(ctx, cfg)
}
