package domain

import (
	"time"
)

// Queue item statuses. An item is created as pending, claimed as processing,
// and ends in sent, failed or bounced. Terminal items are never deleted —
// they stay behind for campaign progress views and audit.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusFailed     = "failed"
	StatusBounced    = "bounced"
)

// Error codes recorded on queue items when a delivery attempt fails.
const (
	ErrCodeTimeout   = "SMTP_TIMEOUT"
	ErrCodeSendError = "SEND_ERROR"
)

// MaxRetries is the retry ceiling. Once retry_count reaches this value the
// item becomes terminal failed.
const MaxRetries = 3

// QueueItem is one row of email_queue: a single (campaign, recipient) pair
// to be delivered. Subject, HTML and contact name are snapshots taken at
// enqueue time — later edits to the campaign or contact do not affect
// already-queued items.
type QueueItem struct {
	ID           string     `json:"id"`
	CampaignID   string     `json:"campaign_id"`
	ContactEmail string     `json:"contact_email"`
	ContactName  string     `json:"contact_name"`
	MessageID    string     `json:"message_id"`
	Subject      string     `json:"subject"`
	HTMLContent  string     `json:"html_content"`
	Status       string     `json:"status"`
	RetryCount   int        `json:"retry_count"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	ErrorCode    *string    `json:"error_code,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// RetryBackoff returns the delay before the next attempt for an item whose
// retry_count has already been incremented: 2^retryCount minutes.
func RetryBackoff(retryCount int) time.Duration {
	return time.Duration(1<<uint(retryCount)) * time.Minute
}

// QueueStats holds per-status counts for a campaign (or the whole queue).
type QueueStats struct {
	Total       int     `json:"total"`
	Pending     int     `json:"pending"`
	Processing  int     `json:"processing"`
	Sent        int     `json:"sent"`
	Failed      int     `json:"failed"`
	Bounced     int     `json:"bounced"`
	SuccessRate float64 `json:"success_rate"`
}
