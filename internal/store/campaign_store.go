package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/renton5150/campaign-forge-queue/internal/domain"
)

// GetCampaign returns a single campaign by ID.
func (s *PostgresStore) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	var c domain.Campaign
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, subject, html_content, from_name,
			from_email, COALESCE(reply_to, ''), COALESCE(server_id::text, ''),
			status, scheduled_at, created_at, updated_at
		FROM campaigns WHERE id = $1
	`, id).Scan(
		&c.ID, &c.TenantID, &c.Name, &c.Subject, &c.HTMLContent, &c.FromName,
		&c.FromEmail, &c.ReplyTo, &c.ServerID, &c.Status, &c.ScheduledAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying campaign: %w", err)
	}
	return &c, nil
}

// MarkCampaignSending moves a draft or scheduled campaign into sending.
func (s *PostgresStore) MarkCampaignSending(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE campaigns
		SET status = 'sending', updated_at = NOW()
		WHERE id = $1 AND status IN ('draft', 'scheduled')
	`, id)
	if err != nil {
		return fmt.Errorf("marking campaign sending: %w", err)
	}
	return nil
}

// ResolveRecipients expands a set of list IDs into the deduplicated set of
// active contacts. A contact appearing in several of the lists comes back
// once; unsubscribed and bounced contacts are excluded.
func (s *PostgresStore) ResolveRecipients(ctx context.Context, listIDs []string) ([]domain.Recipient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (LOWER(c.email)) c.email, c.name
		FROM contacts c
		JOIN list_contacts lc ON lc.contact_id = c.id
		WHERE lc.list_id = ANY($1) AND c.status = 'active'
		ORDER BY LOWER(c.email), c.created_at ASC
	`, listIDs)
	if err != nil {
		return nil, fmt.Errorf("resolving recipients: %w", err)
	}
	defer rows.Close()

	var recipients []domain.Recipient
	for rows.Next() {
		var r domain.Recipient
		if err := rows.Scan(&r.Email, &r.Name); err != nil {
			return nil, fmt.Errorf("scanning recipient: %w", err)
		}
		recipients = append(recipients, r)
	}

	if recipients == nil {
		recipients = []domain.Recipient{}
	}

	return recipients, nil
}
