package domain

import (
	"time"
)

// Campaign statuses.
const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignSending   = "sending"
	CampaignCompleted = "completed"
)

type Campaign struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	Name        string     `json:"name"`
	Subject     string     `json:"subject"`
	HTMLContent string     `json:"html_content"`
	FromName    string     `json:"from_name"`
	FromEmail   string     `json:"from_email"`
	ReplyTo     string     `json:"reply_to,omitempty"`
	ServerID    string     `json:"server_id"`
	Status      string     `json:"status"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Contact statuses. Only active contacts are enqueued.
const (
	ContactActive       = "active"
	ContactUnsubscribed = "unsubscribed"
	ContactBounced      = "bounced"
)

// Recipient is the denormalized slice of a contact the producer needs:
// the address and the display name snapshot.
type Recipient struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}
