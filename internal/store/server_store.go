package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/renton5150/campaign-forge-queue/internal/domain"
)

const serverColumns = `id, tenant_id, name, provider, COALESCE(host, ''), COALESCE(port, 0), COALESCE(username, ''), COALESCE(password, ''), COALESCE(api_key, ''), COALESCE(sending_domain, ''), from_email, from_name, limit_per_minute, limit_per_hour, limit_per_day, is_active, created_at, updated_at`

func scanServer(row pgx.Row) (*domain.SendingServer, error) {
	var srv domain.SendingServer
	err := row.Scan(
		&srv.ID, &srv.TenantID, &srv.Name, &srv.Provider, &srv.Host, &srv.Port,
		&srv.Username, &srv.Password, &srv.APIKey, &srv.SendingDomain,
		&srv.FromEmail, &srv.FromName, &srv.LimitPerMinute, &srv.LimitPerHour,
		&srv.LimitPerDay, &srv.IsActive, &srv.CreatedAt, &srv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &srv, nil
}

// GetServer returns a single sending server by ID.
func (s *PostgresStore) GetServer(ctx context.Context, id string) (*domain.SendingServer, error) {
	srv, err := scanServer(s.pool.QueryRow(ctx,
		`SELECT `+serverColumns+` FROM sending_servers WHERE id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying sending server: %w", err)
	}
	return srv, nil
}

// ServerForCampaign resolves the active sending server configured on a
// campaign. Returns nil if the campaign has no active server; the worker
// treats that as a failed attempt and retries with backoff.
func (s *PostgresStore) ServerForCampaign(ctx context.Context, campaignID string) (*domain.SendingServer, error) {
	srv, err := scanServer(s.pool.QueryRow(ctx, `
		SELECT s.id, s.tenant_id, s.name, s.provider, COALESCE(s.host, ''),
			COALESCE(s.port, 0), COALESCE(s.username, ''), COALESCE(s.password, ''),
			COALESCE(s.api_key, ''), COALESCE(s.sending_domain, ''),
			s.from_email, s.from_name, s.limit_per_minute, s.limit_per_hour,
			s.limit_per_day, s.is_active, s.created_at, s.updated_at
		FROM sending_servers s
		JOIN campaigns c ON c.server_id = s.id
		WHERE c.id = $1 AND s.is_active = true
	`, campaignID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("resolving server for campaign: %w", err)
	}
	return srv, nil
}
