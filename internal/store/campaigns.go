package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"task-automation-service/internal/models"
)

// UpsertCampaign creates the campaign for (TaskID, ActionID) on first sight.
// An existing campaign keeps its state, counters and token; while it is still
// a draft its name, template, schedule and clients are refreshed from c.
func (s *Store) UpsertCampaign(ctx context.Context, c models.EmailCampaign) (models.EmailCampaign, error) {
	var out models.EmailCampaign
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec CampaignRecord
		err := tx.Where("task_id = ? AND action_id = ?", c.TaskID, c.ActionID).First(&rec).Error
		switch {
		case err == nil:
			if models.CampaignStatus(rec.Status) == models.CampaignDraft {
				applyDraft(&rec, c)
				if err := tx.Model(&rec).Select("*").Omit("id", "task_id", "action_id", "created_at", "correlation_token", "Clients").Updates(&rec).Error; err != nil {
					return fmt.Errorf("refresh campaign %s: %w", rec.ID, err)
				}
				if err := replaceClients(tx, rec.ID, c.Clients); err != nil {
					return err
				}
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec = CampaignRecord{
				ID:               uuid.NewString(),
				TaskID:           c.TaskID,
				ActionID:         c.ActionID,
				Status:           string(models.CampaignDraft),
				CorrelationToken: newToken(),
			}
			applyDraft(&rec, c)
			if err := tx.Omit("Clients").Create(&rec).Error; err != nil {
				return fmt.Errorf("create campaign for task %s action %s: %w", c.TaskID, c.ActionID, err)
			}
			if err := replaceClients(tx, rec.ID, c.Clients); err != nil {
				return err
			}
		default:
			return fmt.Errorf("get campaign: %w", err)
		}
		loaded, err := loadCampaign(tx, "id = ?", rec.ID)
		out = loaded
		return err
	})
	return out, err
}

func applyDraft(rec *CampaignRecord, c models.EmailCampaign) {
	rec.Name = c.Name
	rec.Template = c.Template
	rec.ScheduledTime = c.ScheduledTime
	rec.Timezone = c.Timezone
	rec.AutoReplyEnabled = c.AutoReplyEnabled
	rec.AutoReplyTemplate = c.AutoReplyTemplate
	rec.SentCount, rec.ResponseCount = 0, 0
}

func replaceClients(tx *gorm.DB, campaignID string, clients []models.Client) error {
	if err := tx.Where("campaign_id = ?", campaignID).Delete(&ClientRecord{}).Error; err != nil {
		return fmt.Errorf("clear clients of campaign %s: %w", campaignID, err)
	}
	if len(clients) == 0 {
		return nil
	}
	recs := make([]ClientRecord, len(clients))
	for i, cl := range clients {
		if cl.ID == "" {
			cl.ID = uuid.NewString()
		}
		cl.ResponseReceived, cl.LastEmailSent, cl.LastError = false, nil, ""
		recs[i] = toClientRecord(campaignID, i, cl)
	}
	if err := tx.Create(&recs).Error; err != nil {
		return fmt.Errorf("store clients of campaign %s: %w", campaignID, err)
	}
	return nil
}

func loadCampaign(tx *gorm.DB, query string, args ...interface{}) (models.EmailCampaign, error) {
	var rec CampaignRecord
	err := tx.Preload("Clients", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where(query, args...).First(&rec).Error
	if err != nil {
		return models.EmailCampaign{}, notFound("campaign", err)
	}
	return rec.toModel(), nil
}

// GetCampaign returns the campaign owned by an email_blast action.
func (s *Store) GetCampaign(ctx context.Context, taskID, actionID string) (models.EmailCampaign, error) {
	return loadCampaign(s.db.WithContext(ctx), "task_id = ? AND action_id = ?", taskID, actionID)
}

// GetCampaignByID returns a campaign by id.
func (s *Store) GetCampaignByID(ctx context.Context, id string) (models.EmailCampaign, error) {
	return loadCampaign(s.db.WithContext(ctx), "id = ?", id)
}

// FindCampaignByToken returns the campaign with the correlation token.
func (s *Store) FindCampaignByToken(ctx context.Context, token string) (models.EmailCampaign, error) {
	return loadCampaign(s.db.WithContext(ctx), "correlation_token = ?", token)
}

// ListCampaignsByStatus returns campaigns in any of the statuses.
func (s *Store) ListCampaignsByStatus(ctx context.Context, statuses ...models.CampaignStatus) ([]models.EmailCampaign, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	var recs []CampaignRecord
	err := s.db.WithContext(ctx).
		Preload("Clients", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("status IN ?", names).Order("created_at").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	out := make([]models.EmailCampaign, len(recs))
	for i, r := range recs {
		out[i] = r.toModel()
	}
	return out, nil
}

// ListUserCampaigns returns the campaigns in any of the statuses whose task
// belongs to userID.
func (s *Store) ListUserCampaigns(ctx context.Context, userID string, statuses ...models.CampaignStatus) ([]models.EmailCampaign, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	owned := s.db.Model(&TaskRecord{}).Select("id").Where("user_id = ?", userID)
	var recs []CampaignRecord
	err := s.db.WithContext(ctx).
		Preload("Clients", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("status IN ? AND task_id IN (?)", names, owned).Order("created_at").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list campaigns of user %s: %w", userID, err)
	}
	out := make([]models.EmailCampaign, len(recs))
	for i, r := range recs {
		out[i] = r.toModel()
	}
	return out, nil
}

// TransitionCampaign moves a campaign from one status to the next. It fails
// with models.ErrInvalidTransition unless to is the single forward step from
// from and the campaign is currently in from.
func (s *Store) TransitionCampaign(ctx context.Context, id string, from, to models.CampaignStatus, at time.Time) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("campaign %s %s -> %s: %w", id, from, to, models.ErrInvalidTransition)
	}
	updates := map[string]interface{}{"status": string(to)}
	switch to {
	case models.CampaignSent:
		updates["sent_at"] = at
	case models.CampaignCompleted:
		updates["completed_at"] = at
	}
	res := s.db.WithContext(ctx).Model(&CampaignRecord{}).Where("id = ? AND status = ?", id, string(from)).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("transition campaign %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetCampaignByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("campaign %s is not %s: %w", id, from, models.ErrInvalidTransition)
	}
	return nil
}

// MarkClientSent records a delivered email. It is a no-op for a client that
// was already sent to, so SentCount counts each client at most once.
func (s *Store) MarkClientSent(ctx context.Context, campaignID, clientID string, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ClientRecord{}).
			Where("campaign_id = ? AND client_id = ? AND last_email_sent IS NULL", campaignID, clientID).
			Updates(map[string]interface{}{"last_email_sent": at, "last_error": ""})
		if res.Error != nil {
			return fmt.Errorf("mark client %s sent: %w", clientID, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return tx.Model(&CampaignRecord{}).Where("id = ?", campaignID).
			UpdateColumn("sent_count", gorm.Expr("sent_count + ?", 1)).Error
	})
}

// MarkClientFailed records a per-client delivery failure.
func (s *Store) MarkClientFailed(ctx context.Context, campaignID, clientID, reason string) error {
	err := s.db.WithContext(ctx).Model(&ClientRecord{}).
		Where("campaign_id = ? AND client_id = ?", campaignID, clientID).
		Update("last_error", reason).Error
	if err != nil {
		return fmt.Errorf("mark client %s failed: %w", clientID, err)
	}
	return nil
}

// MarkClientResponded flags a reply from the client. It reports whether the
// flag changed; a second reply from the same client changes nothing.
func (s *Store) MarkClientResponded(ctx context.Context, campaignID, clientID string, at time.Time) (bool, error) {
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ClientRecord{}).
			Where("campaign_id = ? AND client_id = ? AND response_received = ?", campaignID, clientID, false).
			Updates(map[string]interface{}{"response_received": true, "responded_at": at})
		if res.Error != nil {
			return fmt.Errorf("mark client %s responded: %w", clientID, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		changed = true
		return tx.Model(&CampaignRecord{}).Where("id = ?", campaignID).
			UpdateColumn("response_count", gorm.Expr("response_count + ?", 1)).Error
	})
	return changed, err
}

// DeleteCampaignsExcept removes the task's campaigns whose action is not in keep.
func (s *Store) DeleteCampaignsExcept(ctx context.Context, taskID string, keep []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(keep) == 0 {
			return deleteCampaigns(tx, "task_id = ?", taskID)
		}
		return deleteCampaigns(tx, "task_id = ? AND action_id NOT IN ?", taskID, keep)
	})
}

func deleteCampaigns(tx *gorm.DB, query string, args ...interface{}) error {
	var ids []string
	if err := tx.Model(&CampaignRecord{}).Where(query, args...).Pluck("id", &ids).Error; err != nil {
		return fmt.Errorf("find campaigns: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := tx.Where("campaign_id IN ?", ids).Delete(&ClientRecord{}).Error; err != nil {
		return fmt.Errorf("delete campaign clients: %w", err)
	}
	if err := tx.Where("id IN ?", ids).Delete(&CampaignRecord{}).Error; err != nil {
		return fmt.Errorf("delete campaigns: %w", err)
	}
	return nil
}

func newToken() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return uuid.NewString()[:16]
	}
	return hex.EncodeToString(b)
}
