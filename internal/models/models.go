package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Event kinds as reported by the platform webhook.
const (
	EventKindMessage    = "message"
	EventKindComment    = "comment"
	EventKindFeedChange = "feed_change"
)

// Event processing statuses.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// WebhookLog stores every raw inbound payload before any dispatch happens,
// so a failed dispatch can be replayed later from the stored body.
type WebhookLog struct {
	ID           string         `json:"id" gorm:"type:char(36);primaryKey"`
	PageID       string         `json:"page_id" gorm:"type:varchar(64);index"`
	RawPayload   string         `json:"raw_payload" gorm:"type:mediumtext;not null"`
	Processed    bool           `json:"processed" gorm:"default:false;index"`
	ErrorMessage string         `json:"error_message" gorm:"type:text"`
	CreatedAt    time.Time      `json:"created_at"`
	DeletedAt    gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName specifies the table name for WebhookLog
func (WebhookLog) TableName() string {
	return "webhook_logs"
}

// Event represents a single inbound comment, message or feed change together
// with its processing outcome. PlatformID is the platform-assigned comment or
// message id; the unique index on it is what makes redelivery an upsert no-op.
type Event struct {
	ID           uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	PlatformID   string         `json:"platform_id" gorm:"type:varchar(128);not null;uniqueIndex"`
	Kind         string         `json:"kind" gorm:"type:varchar(32);not null;index"`
	PageID       string         `json:"page_id" gorm:"type:varchar(64);not null;index"`
	PostID       string         `json:"post_id" gorm:"type:varchar(128)"`
	CommentID    string         `json:"comment_id" gorm:"type:varchar(128)"`
	MessageID    string         `json:"message_id" gorm:"type:varchar(128)"`
	AuthorID     string         `json:"author_id" gorm:"type:varchar(64)"`
	AuthorName   string         `json:"author_name" gorm:"type:varchar(255)"`
	Text         string         `json:"text" gorm:"type:text"`
	Status       string         `json:"status" gorm:"type:varchar(16);not null;default:'pending';index"`
	ReplyText    string         `json:"reply_text" gorm:"type:text"`
	ErrorMessage string         `json:"error_message" gorm:"type:text"`
	Metadata     string         `json:"metadata" gorm:"type:text"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName specifies the table name for Event
func (Event) TableName() string {
	return "events"
}

// Page holds a connected page and its access token. Rows are owned by the
// page-management surface; this service only reads them. Deactivating a page
// stops processing without touching its history.
type Page struct {
	ID          uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	PageID      string         `json:"page_id" gorm:"type:varchar(64);not null;uniqueIndex"`
	PageName    string         `json:"page_name" gorm:"type:varchar(255)"`
	AccessToken string         `json:"-" gorm:"type:text;not null"`
	IsActive    bool           `json:"is_active" gorm:"default:true;index"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName specifies the table name for Page
func (Page) TableName() string {
	return "pages"
}

// AutoReplyRule is a keyword-triggered canned reply used when AI generation
// is unavailable or times out. Keywords is a comma-separated list; higher
// Priority wins when several rules match.
type AutoReplyRule struct {
	ID        uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	PageID    string         `json:"page_id" gorm:"type:varchar(64);not null;index"`
	Keywords  string         `json:"keywords" gorm:"type:text;not null"`
	ReplyText string         `json:"reply_text" gorm:"type:text;not null"`
	Priority  int            `json:"priority" gorm:"default:0"`
	IsActive  bool           `json:"is_active" gorm:"default:true"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName specifies the table name for AutoReplyRule
func (AutoReplyRule) TableName() string {
	return "auto_reply_rules"
}

// KeywordList splits the stored comma-separated keywords, dropping empties.
func (r *AutoReplyRule) KeywordList() []string {
	var out []string
	for _, k := range strings.Split(r.Keywords, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}
