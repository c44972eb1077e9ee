package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/renton5150/campaign-forge-queue/internal/domain"
)

const mailgunBaseURL = "https://api.mailgun.net"

// MailgunSender delivers through the Mailgun v3 messages API.
type MailgunSender struct {
	httpClient *http.Client
	logger     *slog.Logger

	// BaseURL is overridable for tests.
	BaseURL string
}

func NewMailgunSender(httpClient *http.Client, logger *slog.Logger) *MailgunSender {
	return &MailgunSender{
		httpClient: httpClient,
		logger:     logger,
		BaseURL:    mailgunBaseURL,
	}
}

func (m *MailgunSender) Send(ctx context.Context, srv *domain.SendingServer, msg Message) (*Result, error) {
	from := pickFrom(srv, msg)
	if name := pickFromName(srv, msg); name != "" {
		from = fmt.Sprintf("%s <%s>", name, from)
	}
	to := msg.To
	if msg.ToName != "" {
		to = fmt.Sprintf("%s <%s>", msg.ToName, msg.To)
	}

	form := url.Values{}
	form.Set("from", from)
	form.Set("to", to)
	form.Set("subject", msg.Subject)
	form.Set("html", msg.HTML)
	form.Set("v:message_id", msg.MessageID)
	if msg.ReplyTo != "" {
		form.Set("h:Reply-To", msg.ReplyTo)
	}

	endpoint := fmt.Sprintf("%s/v3/%s/messages", m.BaseURL, srv.SendingDomain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &SendError{Code: domain.ErrCodeSendError, Message: fmt.Sprintf("building request: %v", err)}
	}
	req.SetBasicAuth("api", srv.APIKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &SendError{Code: domain.ErrCodeTimeout, Message: "mailgun api did not respond in time"}
		}
		return nil, &SendError{Code: domain.ErrCodeSendError, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var parsed struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			m.logger.Debug("unparseable mailgun response", "error", err)
		}
		return &Result{ProviderMessageID: parsed.ID}, nil
	}

	return nil, classifyHTTPFailure(resp.StatusCode, string(body))
}
