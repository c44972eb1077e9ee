package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/renton5150/campaign-forge-queue/internal/domain"
)

const queueColumns = `id, campaign_id, contact_email, contact_name, message_id, subject, html_content, status, retry_count, scheduled_for, sent_at, error_code, error_message, created_at, updated_at`

func scanQueueItem(row pgx.Row) (*domain.QueueItem, error) {
	var item domain.QueueItem
	err := row.Scan(
		&item.ID, &item.CampaignID, &item.ContactEmail, &item.ContactName,
		&item.MessageID, &item.Subject, &item.HTMLContent, &item.Status,
		&item.RetryCount, &item.ScheduledFor, &item.SentAt,
		&item.ErrorCode, &item.ErrorMessage, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// InsertQueueItem inserts one pending queue item. The unique index on
// (campaign_id, contact_email) turns duplicate inserts into no-ops; the
// return value reports whether a row was actually created.
func (s *PostgresStore) InsertQueueItem(ctx context.Context, item *domain.QueueItem) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO email_queue (campaign_id, contact_email, contact_name,
			message_id, subject, html_content, status, scheduled_for)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7)
		ON CONFLICT (campaign_id, contact_email) DO NOTHING
	`, item.CampaignID, item.ContactEmail, item.ContactName,
		item.MessageID, item.Subject, item.HTMLContent, item.ScheduledFor)
	if err != nil {
		return false, fmt.Errorf("inserting queue item: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ExistingRecipients returns the set of addresses already queued (in any
// status) for a campaign, lowercased. The producer uses it to count
// duplicates without attempting inserts.
func (s *PostgresStore) ExistingRecipients(ctx context.Context, campaignID string) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT LOWER(contact_email) FROM email_queue WHERE campaign_id = $1
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("querying existing recipients: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]struct{})
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scanning recipient email: %w", err)
		}
		existing[email] = struct{}{}
	}
	return existing, nil
}

// ClaimDueBatch atomically claims up to limit due pending items, oldest
// first, and returns them already marked processing. SKIP LOCKED keeps
// two concurrent pollers from claiming the same rows.
func (s *PostgresStore) ClaimDueBatch(ctx context.Context, limit int) ([]domain.QueueItem, error) {
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE email_queue
			SET status = 'processing', updated_at = NOW()
			WHERE id IN (
				SELECT id FROM email_queue
				WHERE status = 'pending' AND scheduled_for <= NOW()
				ORDER BY created_at ASC
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+queueColumns+`
		)
		SELECT `+queueColumns+` FROM claimed ORDER BY created_at ASC
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claiming queue batch: %w", err)
	}
	defer rows.Close()

	var items []domain.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning claimed item: %w", err)
		}
		items = append(items, *item)
	}
	return items, nil
}

// ItemStatus re-reads the persisted status of a single item. The worker
// calls this after claiming to detect a double-claim race.
func (s *PostgresStore) ItemStatus(ctx context.Context, id string) (string, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM email_queue WHERE id = $1`, id,
	).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("querying item status: %w", err)
	}
	return status, nil
}

// MarkSent records a successful delivery. Guarded on status = 'processing'
// so a racing worker that already moved the item cannot be overwritten.
func (s *PostgresStore) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE email_queue
		SET status = 'sent', sent_at = $2, error_code = NULL,
			error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, sentAt)
	if err != nil {
		return fmt.Errorf("marking item sent: %w", err)
	}
	return nil
}

// ScheduleRetry returns a failed item to pending with an incremented retry
// count and a future scheduled_for. The error is recorded so the failed
// attempt stays visible in the audit trail.
func (s *PostgresStore) ScheduleRetry(ctx context.Context, id string, retryCount int, scheduledFor time.Time, code, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE email_queue
		SET status = 'pending', retry_count = $2, scheduled_for = $3,
			error_code = $4, error_message = $5, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, retryCount, scheduledFor, code, message)
	if err != nil {
		return fmt.Errorf("scheduling retry: %w", err)
	}
	return nil
}

// MarkFailed moves an item to terminal failed once the retry ceiling is hit.
func (s *PostgresStore) MarkFailed(ctx context.Context, id string, retryCount int, code, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE email_queue
		SET status = 'failed', retry_count = $2, error_code = $3,
			error_message = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, retryCount, code, message)
	if err != nil {
		return fmt.Errorf("marking item failed: %w", err)
	}
	return nil
}

// MarkBounced moves an item to terminal bounced. Permanent provider
// rejections land here and are never retried.
func (s *PostgresStore) MarkBounced(ctx context.Context, id string, code, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE email_queue
		SET status = 'bounced', error_code = $2, error_message = $3,
			updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, code, message)
	if err != nil {
		return fmt.Errorf("marking item bounced: %w", err)
	}
	return nil
}

// DeferItem reschedules an item without touching retry_count. Rate-limit
// and circuit-breaker deferrals are not failures.
func (s *PostgresStore) DeferItem(ctx context.Context, id string, until time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE email_queue
		SET status = 'pending', scheduled_for = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, until)
	if err != nil {
		return fmt.Errorf("deferring item: %w", err)
	}
	return nil
}

// ReclaimStuck returns items stuck in processing since before cutoff back
// to pending, due immediately, with retry_count untouched. Recovery after
// a worker crash, not a retry.
func (s *PostgresStore) ReclaimStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE email_queue
		SET status = 'pending', scheduled_for = NOW(), updated_at = NOW()
		WHERE status = 'processing' AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaiming stuck items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ResetFailed bulk-resets a campaign's failed items back to pending with
// retry_count zeroed, making them eligible for a fresh round of attempts.
func (s *PostgresStore) ResetFailed(ctx context.Context, campaignID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE email_queue
		SET status = 'pending', retry_count = 0, scheduled_for = NOW(),
			error_code = NULL, error_message = NULL, updated_at = NOW()
		WHERE campaign_id = $1 AND status = 'failed'
	`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("resetting failed items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListQueueItems returns queue items with optional filtering.
func (s *PostgresStore) ListQueueItems(ctx context.Context, campaignID, status string, limit int) ([]domain.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM email_queue`
	args := []interface{}{}
	argIdx := 1
	conditions := []string{}

	if campaignID != "" {
		conditions = append(conditions, fmt.Sprintf("campaign_id = $%d", argIdx))
		args = append(args, campaignID)
		argIdx++
	}
	if status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, status)
		argIdx++
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY created_at DESC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying queue items: %w", err)
	}
	defer rows.Close()

	var items []domain.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning queue item: %w", err)
		}
		items = append(items, *item)
	}

	if items == nil {
		items = []domain.QueueItem{}
	}

	return items, nil
}

// GetQueueItem returns a single queue item by ID.
func (s *PostgresStore) GetQueueItem(ctx context.Context, id string) (*domain.QueueItem, error) {
	item, err := scanQueueItem(s.pool.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM email_queue WHERE id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying queue item: %w", err)
	}
	return item, nil
}

// QueueStats returns per-status counts, optionally scoped to one campaign.
func (s *PostgresStore) QueueStats(ctx context.Context, campaignID string) (*domain.QueueStats, error) {
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'processing') AS processing,
			COUNT(*) FILTER (WHERE status = 'sent') AS sent,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status = 'bounced') AS bounced
		FROM email_queue`
	args := []interface{}{}
	if campaignID != "" {
		query += " WHERE campaign_id = $1"
		args = append(args, campaignID)
	}

	var stats domain.QueueStats
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&stats.Total, &stats.Pending, &stats.Processing,
		&stats.Sent, &stats.Failed, &stats.Bounced,
	)
	if err != nil {
		return nil, fmt.Errorf("querying queue stats: %w", err)
	}

	if terminal := stats.Sent + stats.Failed + stats.Bounced; terminal > 0 {
		stats.SuccessRate = float64(stats.Sent) / float64(terminal) * 100
	}

	return &stats, nil
}
