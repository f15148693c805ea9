package listener

import (
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	lru "github.com/hashicorp/golang-lru/v2"

	"task-automation-service/internal/conditions"
	"task-automation-service/internal/mail"
	"task-automation-service/internal/models"
)

const seenMessagesSize = 4096

// mailboxSource polls a mailbox folder. The first successful check records
// the newest UID so the existing inbox is never replayed.
type mailboxSource struct {
	cfg     models.EmailReceivedConfig
	dialer  mail.MailboxDialer
	mb      mail.Mailbox
	lastUID uint32
	ready   bool
	seen    *lru.Cache[string, struct{}]
}

func newMailboxSource(cfg models.EmailReceivedConfig, dialer mail.MailboxDialer) *mailboxSource {
	seen, _ := lru.New[string, struct{}](seenMessagesSize)
	return &mailboxSource{cfg: cfg, dialer: dialer, seen: seen}
}

func (s *mailboxSource) poll(ctx context.Context, now time.Time) ([]Event, error) {
	if s.mb == nil {
		mb, err := s.dialer.Dial(ctx, s.cfg.EmailConfig)
		if err != nil {
			return nil, err
		}
		s.mb = mb
	}
	if !s.ready {
		uid, err := s.mb.HighestUID(ctx)
		if err != nil {
			s.drop()
			return nil, err
		}
		s.lastUID, s.ready = uid, true
		return nil, nil
	}

	msgs, err := s.mb.Fetch(ctx, s.lastUID)
	if err != nil {
		s.drop()
		return nil, err
	}
	var events []Event
	for i := range msgs {
		msg := msgs[i]
		if msg.UID > s.lastUID {
			s.lastUID = msg.UID
		}
		key := msg.DedupeKey()
		if s.seen.Contains(key) {
			continue
		}
		s.seen.Add(key, struct{}{})
		fields := msg.Fields()
		if !conditions.MatchEmail(s.cfg.EmailFilters, fields) {
			continue
		}
		at := msg.ReceivedAt
		if at.IsZero() {
			at = now
		}
		events = append(events, Event{Fields: fields, OccurredAt: at, Email: &msg})
	}
	return events, nil
}

func (s *mailboxSource) drop() {
	if s.mb == nil {
		return
	}
	if err := s.mb.Close(); err != nil {
		hlog.Warnf("MailboxListener: close after failure: %v", err)
	}
	s.mb = nil
}

func (s *mailboxSource) close() { s.drop() }
