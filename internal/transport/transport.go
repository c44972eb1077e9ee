package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/renton5150/campaign-forge-queue/internal/domain"
)

// Message is a fully-resolved email ready for one delivery attempt. The
// payload fields come from the queue item snapshot; the sender identity
// comes from the sending server configuration.
type Message struct {
	To        string
	ToName    string
	FromEmail string
	FromName  string
	ReplyTo   string
	Subject   string
	HTML      string
	MessageID string // idempotency key assigned at enqueue time
}

// Result holds what the provider reported for a successful send.
type Result struct {
	ProviderMessageID string
}

// SendError is a typed transport failure. Permanent failures are recipient
// rejections the provider will never accept (the item is bounced, not
// retried); everything else is transient and goes through retry/backoff.
type SendError struct {
	Code      string
	Message   string
	Permanent bool
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Sender delivers one message through a sending server. Implementations
// must respect ctx cancellation; the worker wraps every send in a hard
// timeout.
type Sender interface {
	Send(ctx context.Context, srv *domain.SendingServer, msg Message) (*Result, error)
}

// Registry routes each send to the implementation matching the server's
// provider. The worker is agnostic to which provider a campaign uses.
type Registry struct {
	senders map[string]Sender
}

// NewRegistry builds a registry with all three provider transports. The
// HTTP client carries no client-level timeout — the per-send context
// deadline is the only clock.
func NewRegistry(logger *slog.Logger) *Registry {
	httpClient := &http.Client{}
	return &Registry{
		senders: map[string]Sender{
			domain.ProviderSMTP:     NewSMTPSender(logger),
			domain.ProviderSendGrid: NewSendGridSender(httpClient, logger),
			domain.ProviderMailgun:  NewMailgunSender(httpClient, logger),
		},
	}
}

func (r *Registry) Send(ctx context.Context, srv *domain.SendingServer, msg Message) (*Result, error) {
	sender, ok := r.senders[srv.Provider]
	if !ok {
		return nil, &SendError{
			Code:    domain.ErrCodeSendError,
			Message: fmt.Sprintf("unknown provider %q", srv.Provider),
		}
	}
	return sender.Send(ctx, srv, msg)
}
