package repository

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"social-auto-reply-go/internal/models"
)

// Repository is the narrow persistence surface the pipeline depends on.
type Repository struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// SaveWebhookLog persists a raw inbound payload before any dispatch happens.
func (r *Repository) SaveWebhookLog(log *models.WebhookLog) error {
	if err := r.db.Create(log).Error; err != nil {
		return fmt.Errorf("failed to save webhook log: %w", err)
	}
	return nil
}

// MarkWebhookLogProcessed flips the processed flag, clearing any prior error.
func (r *Repository) MarkWebhookLogProcessed(id string) error {
	result := r.db.Model(&models.WebhookLog{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "error_message": ""})
	if result.Error != nil {
		return fmt.Errorf("failed to mark webhook log processed: %w", result.Error)
	}
	return nil
}

// RecordWebhookLogError stores a dispatch error; the log stays unprocessed so
// a later reprocessing pass picks it up again.
func (r *Repository) RecordWebhookLogError(id string, errMsg string) error {
	result := r.db.Model(&models.WebhookLog{}).Where("id = ?", id).
		Update("error_message", errMsg)
	if result.Error != nil {
		return fmt.Errorf("failed to record webhook log error: %w", result.Error)
	}
	return nil
}

// UnprocessedWebhookLogs returns stored payloads not yet marked processed,
// oldest first, up to limit.
func (r *Repository) UnprocessedWebhookLogs(limit int) ([]models.WebhookLog, error) {
	var logs []models.WebhookLog
	result := r.db.Where("processed = ?", false).Order("created_at ASC").Limit(limit).Find(&logs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to fetch unprocessed webhook logs: %w", result.Error)
	}
	return logs, nil
}

// WebhookLogs returns stored payloads for the operator API, newest first.
func (r *Repository) WebhookLogs(offset, limit int) ([]models.WebhookLog, int64, error) {
	var logs []models.WebhookLog
	var total int64
	if err := r.db.Model(&models.WebhookLog{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count webhook logs: %w", err)
	}
	result := r.db.Order("created_at DESC").Offset(offset).Limit(limit).Find(&logs)
	if result.Error != nil {
		return nil, 0, fmt.Errorf("failed to fetch webhook logs: %w", result.Error)
	}
	return logs, total, nil
}

// InsertEvent inserts an event keyed by its platform-assigned id, creating a
// pending record in the same write. Redelivery of the same id is a no-op; the
// bool reports whether this call actually created the row.
func (r *Repository) InsertEvent(event *models.Event) (bool, error) {
	event.Status = models.StatusPending
	result := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "platform_id"}},
		DoNothing: true,
	}).Create(event)
	if result.Error != nil {
		return false, fmt.Errorf("failed to insert event: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ClaimPendingEvent re-claims a pending event whose last update is older than
// grace. The UPDATE doubles as the claim: bumping updated_at means a second
// concurrent claimer no longer matches the cutoff, so at most one caller wins.
func (r *Repository) ClaimPendingEvent(platformID string, grace time.Duration) (bool, error) {
	result := r.db.Model(&models.Event{}).
		Where("platform_id = ? AND status = ? AND updated_at < ?",
			platformID, models.StatusPending, time.Now().Add(-grace)).
		Update("updated_at", time.Now())
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim pending event: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// EventByPlatformID fetches an event by its natural key.
func (r *Repository) EventByPlatformID(platformID string) (*models.Event, error) {
	var event models.Event
	result := r.db.Where("platform_id = ?", platformID).First(&event)
	if result.Error == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to fetch event: %w", result.Error)
	}
	return &event, nil
}

// MarkEventSuccess records the delivered reply. Only a pending record may
// move to a terminal state.
func (r *Repository) MarkEventSuccess(platformID, replyText string) error {
	result := r.db.Model(&models.Event{}).
		Where("platform_id = ? AND status = ?", platformID, models.StatusPending).
		Updates(map[string]interface{}{
			"status":     models.StatusSuccess,
			"reply_text": replyText,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark event success: %w", result.Error)
	}
	return nil
}

// MarkEventFailed records a terminal failure with its cause.
func (r *Repository) MarkEventFailed(platformID, errMsg string) error {
	result := r.db.Model(&models.Event{}).
		Where("platform_id = ? AND status = ?", platformID, models.StatusPending).
		Updates(map[string]interface{}{
			"status":        models.StatusFailed,
			"error_message": errMsg,
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark event failed: %w", result.Error)
	}
	return nil
}

// Events returns events for the operator API, newest first, optionally
// filtered by page.
func (r *Repository) Events(pageID string, offset, limit int) ([]models.Event, int64, error) {
	query := r.db.Model(&models.Event{})
	if pageID != "" {
		query = query.Where("page_id = ?", pageID)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count events: %w", err)
	}
	var events []models.Event
	result := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&events)
	if result.Error != nil {
		return nil, 0, fmt.Errorf("failed to fetch events: %w", result.Error)
	}
	return events, total, nil
}

// ActivePages returns every connected page still marked active.
func (r *Repository) ActivePages() ([]models.Page, error) {
	var pages []models.Page
	result := r.db.Where("is_active = ?", true).Find(&pages)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to fetch active pages: %w", result.Error)
	}
	return pages, nil
}

// PageByID returns a page by its platform id; nil when unknown or inactive.
func (r *Repository) PageByID(pageID string) (*models.Page, error) {
	var page models.Page
	result := r.db.Where("page_id = ? AND is_active = ?", pageID, true).First(&page)
	if result.Error == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to fetch page: %w", result.Error)
	}
	return &page, nil
}

// ActiveRules returns a page's active auto-reply rules, highest priority first.
func (r *Repository) ActiveRules(pageID string) ([]models.AutoReplyRule, error) {
	var rules []models.AutoReplyRule
	result := r.db.Where("page_id = ? AND is_active = ?", pageID, true).
		Order("priority DESC").Find(&rules)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to fetch rules: %w", result.Error)
	}
	return rules, nil
}

// DB exposes the underlying handle for the admin CRUD handlers and health check.
func (r *Repository) DB() *gorm.DB {
	return r.db
}
