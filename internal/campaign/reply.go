package campaign

import (
	"context"
	"errors"
	"strings"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	"task-automation-service/internal/executor"
	"task-automation-service/internal/mail"
	"task-automation-service/internal/models"
)

// HandleReply matches an inbound email to campaign clients of userID, the
// account whose mailbox received it. A reply that carries a known correlation
// token (plus tag in To, or a campaign Message-ID in In-Reply-To/References)
// matches that campaign only; otherwise the account's sent campaigns with
// auto-reply enabled are matched by sender address. An empty userID allows
// token matches only. It returns the number of clients newly flagged as
// responded.
func (r *Runner) HandleReply(ctx context.Context, userID string, email mail.InboundEmail) (int, error) {
	c, clientID, found, err := r.byToken(ctx, userID, email)
	if err != nil {
		return 0, err
	}
	if found {
		if c == nil {
			return 0, nil
		}
		cl, ok := clientOf(*c, clientID, email.From)
		if !ok {
			hlog.CtxInfof(ctx, "CampaignRunner: reply from %s carries campaign %s token but matches no client", email.From, c.ID)
			return 0, nil
		}
		changed, err := r.respond(ctx, *c, cl, email)
		if err != nil || !changed {
			return 0, err
		}
		return 1, nil
	}
	if userID == "" {
		return 0, nil
	}

	// Sender matches need a finished send with auto-reply enabled.
	sent, err := r.store.ListUserCampaigns(ctx, userID, models.CampaignSent)
	if err != nil {
		return 0, err
	}
	matched := 0
	var errs []error
	for _, c := range sent {
		if !c.AutoReplyEnabled {
			continue
		}
		cl, ok := c.ClientByEmail(email.From)
		if !ok {
			continue
		}
		changed, err := r.respond(ctx, c, cl, email)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			matched++
		}
	}
	return matched, errors.Join(errs...)
}

// byToken reports found for a known token; c is nil when that campaign does
// not accept the reply. Token matches are accepted while the campaign is still
// sending and whether or not auto-reply is on.
func (r *Runner) byToken(ctx context.Context, userID string, email mail.InboundEmail) (c *models.EmailCampaign, clientID string, found bool, err error) {
	for _, cand := range tokenCandidates(email) {
		camp, err := r.store.FindCampaignByToken(ctx, cand.token)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, "", false, err
		}
		if camp.Status != models.CampaignScheduled && camp.Status != models.CampaignSent {
			hlog.CtxInfof(ctx, "CampaignRunner: reply for campaign %s ignored, campaign is %s", camp.ID, camp.Status)
			return nil, "", true, nil
		}
		if userID != "" {
			task, err := r.store.GetTaskByID(ctx, camp.TaskID)
			if err != nil && !errors.Is(err, models.ErrNotFound) {
				return nil, "", false, err
			}
			if err != nil || task.UserID != userID {
				hlog.CtxWarnf(ctx, "CampaignRunner: reply for campaign %s arrived for another account, ignored", camp.ID)
				return nil, "", true, nil
			}
		}
		return &camp, cand.clientID, true, nil
	}
	return nil, "", false, nil
}

func clientOf(c models.EmailCampaign, clientID, from string) (models.Client, bool) {
	if clientID != "" {
		for _, cl := range c.Clients {
			if cl.ID == clientID {
				return cl, true
			}
		}
	}
	return c.ClientByEmail(from)
}

func (r *Runner) respond(ctx context.Context, c models.EmailCampaign, cl models.Client, email mail.InboundEmail) (bool, error) {
	at := email.ReceivedAt
	if at.IsZero() {
		at = r.clock.Now()
	}
	changed, err := r.store.MarkClientResponded(ctx, c.ID, cl.ID, at)
	if err != nil || !changed {
		return false, err
	}
	r.metrics.CampaignReply()
	hlog.CtxInfof(ctx, "CampaignRunner: client %s replied to campaign %s", cl.ID, c.ID)
	if updated, err := r.store.GetCampaignByID(ctx, c.ID); err == nil {
		r.publish(ctx, updated)
	}
	if c.AutoReplyEnabled && c.AutoReplyTemplate != nil {
		r.autoReply(ctx, c, cl, email)
	}
	return true, nil
}

func (r *Runner) autoReply(ctx context.Context, c models.EmailCampaign, cl models.Client, email mail.InboundEmail) {
	if r.actions == nil {
		hlog.CtxWarnf(ctx, "CampaignRunner: no action runner, auto-reply for campaign %s skipped", c.ID)
		return
	}
	var taskVars map[string]string
	if task, err := r.store.GetTaskByID(ctx, c.TaskID); err == nil {
		taskVars = task.Variables
	}
	sender := email.FromName
	if sender == "" {
		sender = email.From
	}
	bag := r.clientBag(c, cl, taskVars).
		Set("sender_name", sender).
		Set("original_subject", email.Subject)

	action := models.Action{
		ID:   c.ActionID + ".auto_reply",
		Type: models.ActionEmailReply,
		Name: "auto-reply",
		Config: models.EmailReplyConfig{
			Subject: c.AutoReplyTemplate.Subject,
			Body:    c.AutoReplyTemplate.Body,
		},
	}
	res := r.actions.Execute(ctx, action, executor.Invocation{
		TaskID: c.TaskID,
		Vars:   bag.Vars(),
		Email:  &email,
	})
	if res.Failed() {
		hlog.CtxWarnf(ctx, "CampaignRunner: auto-reply to %s for campaign %s failed: %s", email.From, c.ID, res.Error)
	}
}

type tokenCandidate struct {
	token    string
	clientID string
}

// tokenCandidates extracts correlation tokens from plus-tagged recipients
// (local+token@domain) and from campaign Message-IDs (token.client@domain)
// referenced by the reply.
func tokenCandidates(email mail.InboundEmail) []tokenCandidate {
	var out []tokenCandidate
	seen := map[string]bool{}
	add := func(c tokenCandidate) {
		if c.token == "" || seen[c.token+"/"+c.clientID] {
			return
		}
		seen[c.token+"/"+c.clientID] = true
		out = append(out, c)
	}
	for _, to := range email.To {
		local, _, ok := splitAddress(to)
		if !ok {
			continue
		}
		if i := strings.IndexByte(local, '+'); i >= 0 {
			add(tokenCandidate{token: local[i+1:]})
		}
	}
	ids := append([]string{email.InReplyTo}, email.References...)
	for _, id := range ids {
		id = strings.Trim(strings.TrimSpace(id), "<>")
		local, _, ok := strings.Cut(id, "@")
		if !ok {
			continue
		}
		token, clientID, ok := strings.Cut(local, ".")
		if !ok {
			continue
		}
		add(tokenCandidate{token: token, clientID: clientID})
	}
	return out
}
