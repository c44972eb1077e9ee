package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/renton5150/campaign-forge-queue/internal/domain"
)

const sendGridBaseURL = "https://api.sendgrid.com"

// SendGridSender delivers through the SendGrid v3 mail send API.
type SendGridSender struct {
	httpClient *http.Client
	logger     *slog.Logger

	// BaseURL is overridable for tests.
	BaseURL string
}

func NewSendGridSender(httpClient *http.Client, logger *slog.Logger) *SendGridSender {
	return &SendGridSender{
		httpClient: httpClient,
		logger:     logger,
		BaseURL:    sendGridBaseURL,
	}
}

type sgAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sgPayload struct {
	Personalizations []struct {
		To []sgAddress `json:"to"`
	} `json:"personalizations"`
	From    sgAddress  `json:"from"`
	ReplyTo *sgAddress `json:"reply_to,omitempty"`
	Subject string     `json:"subject"`
	Content []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"content"`
	CustomArgs map[string]string `json:"custom_args,omitempty"`
}

func (s *SendGridSender) Send(ctx context.Context, srv *domain.SendingServer, msg Message) (*Result, error) {
	payload := sgPayload{
		From:    sgAddress{Email: pickFrom(srv, msg), Name: pickFromName(srv, msg)},
		Subject: msg.Subject,
		CustomArgs: map[string]string{
			"message_id": msg.MessageID,
		},
	}
	payload.Personalizations = append(payload.Personalizations, struct {
		To []sgAddress `json:"to"`
	}{To: []sgAddress{{Email: msg.To, Name: msg.ToName}}})
	payload.Content = append(payload.Content, struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	}{Type: "text/html", Value: msg.HTML})
	if msg.ReplyTo != "" {
		payload.ReplyTo = &sgAddress{Email: msg.ReplyTo}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &SendError{Code: domain.ErrCodeSendError, Message: fmt.Sprintf("encoding payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return nil, &SendError{Code: domain.ErrCodeSendError, Message: fmt.Sprintf("building request: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+srv.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &SendError{Code: domain.ErrCodeTimeout, Message: "sendgrid api did not respond in time"}
		}
		return nil, &SendError{Code: domain.ErrCodeSendError, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Result{ProviderMessageID: resp.Header.Get("X-Message-Id")}, nil
	}

	// Limit error body to 1KB to keep error_message bounded
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return nil, classifyHTTPFailure(resp.StatusCode, string(respBody))
}

// classifyHTTPFailure maps a provider API status to a typed failure.
// 429 and 5xx are transient; other 4xx mean the request itself was
// rejected and retrying the same message cannot succeed.
func classifyHTTPFailure(status int, body string) *SendError {
	permanent := status >= 400 && status < 500 && status != http.StatusTooManyRequests
	return &SendError{
		Code:      domain.ErrCodeSendError,
		Message:   fmt.Sprintf("provider returned %d: %s", status, body),
		Permanent: permanent,
	}
}

func pickFrom(srv *domain.SendingServer, msg Message) string {
	if msg.FromEmail != "" {
		return msg.FromEmail
	}
	return srv.FromEmail
}

func pickFromName(srv *domain.SendingServer, msg Message) string {
	if msg.FromName != "" {
		return msg.FromName
	}
	return srv.FromName
}
