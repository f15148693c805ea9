package campaign

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	"task-automation-service/internal/mail"
	"task-automation-service/internal/models"
	"task-automation-service/pkg/template"
)

// CampaignHeader names the campaign on every outgoing message.
const CampaignHeader = "X-Campaign-ID"

const defaultDomain = "task-engine.local"

// send walks the client list of a scheduled campaign. Clients that already
// have LastEmailSent are skipped, so an interrupted run resumes where it
// stopped. Per-client failures are recorded and never stop the walk.
func (r *Runner) send(ctx context.Context, campaignID string) error {
	c, err := r.store.GetCampaignByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status != models.CampaignScheduled {
		hlog.Infof("CampaignRunner: campaign %s is %s, nothing to send", c.ID, c.Status)
		return nil
	}
	task, err := r.store.GetTaskByID(ctx, c.TaskID)
	if err != nil {
		return err
	}
	var delay time.Duration
	if blast, err := blastConfig(task, c.ActionID); err == nil {
		delay = time.Duration(blast.DelayBetweenEmails) * time.Second
	}

	hlog.Infof("CampaignRunner: sending campaign %s (%s) to %d clients", c.ID, c.Name, len(c.Clients))
	sent := 0
	for _, cl := range c.Clients {
		if cl.LastEmailSent != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if sent > 0 && delay > 0 {
			if err := r.sleep(ctx, delay); err != nil {
				return err
			}
		}
		sent++

		if missing := r.missingVars(c, cl, task.Variables); len(missing) > 0 {
			hlog.Warnf("CampaignRunner: campaign %s: client %s has no value for %s", c.ID, cl.ID, strings.Join(missing, ", "))
		}
		msg := r.Compose(c, cl, task.Variables)
		if err := r.sender.Send(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			hlog.Warnf("CampaignRunner: campaign %s: send to client %s failed: %v", c.ID, cl.ID, err)
			r.metrics.CampaignSend("failed")
			if err := r.store.MarkClientFailed(ctx, c.ID, cl.ID, err.Error()); err != nil {
				hlog.Errorf("CampaignRunner: %v", err)
			}
			continue
		}
		r.metrics.CampaignSend("sent")
		if err := r.store.MarkClientSent(ctx, c.ID, cl.ID, r.clock.Now()); err != nil {
			hlog.Errorf("CampaignRunner: %v", err)
		}
	}

	if err := r.store.TransitionCampaign(ctx, c.ID, models.CampaignScheduled, models.CampaignSent, r.clock.Now()); err != nil {
		return fmt.Errorf("mark campaign %s sent: %w", c.ID, err)
	}
	c, err = r.store.GetCampaignByID(ctx, c.ID)
	if err != nil {
		return err
	}
	hlog.Infof("CampaignRunner: campaign %s sent (%d/%d delivered)", c.ID, c.SentCount, len(c.Clients))
	r.publish(ctx, c)
	r.armCompletion(ctx, c)
	return nil
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	t := r.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Chan():
		return nil
	}
}

// Compose renders the campaign template for one client. Variables resolve
// from the client's custom fields first, then its scalar fields, then the
// task variables, then timestamp and campaign_name.
func (r *Runner) Compose(c models.EmailCampaign, cl models.Client, taskVars map[string]string) mail.Message {
	vars := r.clientBag(c, cl, taskVars).Vars()
	domain := r.domain()
	msg := mail.Message{
		From:      r.cfg.From,
		To:        []string{cl.Email},
		Subject:   template.Interpolate(c.Template.Subject, vars),
		Body:      template.Interpolate(c.Template.Body, vars),
		MessageID: fmt.Sprintf("%s.%s@%s", c.CorrelationToken, cl.ID, domain),
		Headers:   map[string]string{CampaignHeader: c.ID},
	}
	if addr := r.replyBase(); addr != "" && c.CorrelationToken != "" {
		msg.ReplyTo = plusAddress(addr, c.CorrelationToken)
	}
	return msg
}

// missingVars lists the template placeholders no variable layer of the client
// resolves. They are sent verbatim.
func (r *Runner) missingVars(c models.EmailCampaign, cl models.Client, taskVars map[string]string) []string {
	vars := r.clientBag(c, cl, taskVars).Vars()
	var missing []string
	for _, name := range template.Placeholders(c.Template.Subject + "\n" + c.Template.Body) {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

func (r *Runner) clientBag(c models.EmailCampaign, cl models.Client, taskVars map[string]string) *template.Bag {
	return template.NewBag().
		Add(cl.CustomFields).
		Add(cl.Vars()).
		Add(taskVars).
		Set("timestamp", r.clock.Now().UTC().Format(time.RFC3339)).
		Set("campaign_name", c.Name)
}

func (r *Runner) replyBase() string {
	if r.cfg.ReplyAddress != "" {
		return r.cfg.ReplyAddress
	}
	return r.cfg.From
}

func (r *Runner) domain() string {
	if _, d, ok := splitAddress(r.replyBase()); ok && d != "" {
		return d
	}
	return defaultDomain
}

// plusAddress turns local@domain into local+tag@domain.
func plusAddress(addr, tag string) string {
	local, domain, ok := splitAddress(addr)
	if !ok {
		return addr
	}
	if i := strings.IndexByte(local, '+'); i >= 0 {
		local = local[:i]
	}
	return local + "+" + tag + "@" + domain
}

// splitAddress accepts a bare address or "Name <addr>".
func splitAddress(addr string) (local, domain string, ok bool) {
	addr = strings.TrimSpace(addr)
	if i := strings.LastIndexByte(addr, '<'); i >= 0 {
		addr = strings.TrimSuffix(addr[i+1:], ">")
	}
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 {
		return "", "", false
	}
	return addr[:at], addr[at+1:], true
}
