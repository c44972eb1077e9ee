package domain

import (
	"time"
)

// Sending server providers. All three implement the same send contract;
// the worker does not care which one a campaign uses.
const (
	ProviderSMTP     = "smtp"
	ProviderSendGrid = "sendgrid"
	ProviderMailgun  = "mailgun"
)

// SendingServer is an outbound mail server configuration owned by a tenant.
// Rate limits are rolling-window ceilings enforced per server, not per
// campaign. A zero limit means unlimited for that window.
type SendingServer struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	Name           string    `json:"name"`
	Provider       string    `json:"provider"`
	Host           string    `json:"host,omitempty"`
	Port           int       `json:"port,omitempty"`
	Username       string    `json:"username,omitempty"`
	Password       string    `json:"-"`
	APIKey         string    `json:"-"`
	SendingDomain  string    `json:"sending_domain,omitempty"`
	FromEmail      string    `json:"from_email"`
	FromName       string    `json:"from_name"`
	LimitPerMinute int       `json:"limit_per_minute"`
	LimitPerHour   int       `json:"limit_per_hour"`
	LimitPerDay    int       `json:"limit_per_day"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
