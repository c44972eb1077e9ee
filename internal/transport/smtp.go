package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"

	"github.com/renton5150/campaign-forge-queue/internal/domain"
)

// SMTPSender delivers through a plain SMTP conversation with the server's
// configured host, using STARTTLS-capable AUTH PLAIN when credentials are
// present.
type SMTPSender struct {
	logger *slog.Logger

	// sendMail is swappable for tests; defaults to smtp.SendMail.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(logger *slog.Logger) *SMTPSender {
	return &SMTPSender{
		logger:   logger,
		sendMail: smtp.SendMail,
	}
}

func (s *SMTPSender) Send(ctx context.Context, srv *domain.SendingServer, msg Message) (*Result, error) {
	addr := fmt.Sprintf("%s:%d", srv.Host, srv.Port)

	var auth smtp.Auth
	if srv.Username != "" {
		auth = smtp.PlainAuth("", srv.Username, srv.Password, srv.Host)
	}

	raw := buildMIMEMessage(srv, msg)

	// net/smtp has no context support, so the dial-and-send runs in its
	// own goroutine and the context deadline wins the race.
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.sendMail(addr, auth, srv.FromEmail, []string{msg.To}, raw)
	}()

	select {
	case <-ctx.Done():
		return nil, &SendError{
			Code:    domain.ErrCodeTimeout,
			Message: fmt.Sprintf("smtp conversation with %s did not complete in time", addr),
		}
	case err := <-errCh:
		if err != nil {
			return nil, &SendError{
				Code:    domain.ErrCodeSendError,
				Message: err.Error(),
			}
		}
	}

	return &Result{ProviderMessageID: msg.MessageID}, nil
}

// buildMIMEMessage assembles the raw RFC 5322 message with an HTML body.
func buildMIMEMessage(srv *domain.SendingServer, msg Message) []byte {
	var b strings.Builder

	from := srv.FromEmail
	if msg.FromEmail != "" {
		from = msg.FromEmail
	}
	fromName := srv.FromName
	if msg.FromName != "" {
		fromName = msg.FromName
	}

	if fromName != "" {
		fmt.Fprintf(&b, "From: %s <%s>\r\n", fromName, from)
	} else {
		fmt.Fprintf(&b, "From: %s\r\n", from)
	}
	if msg.ToName != "" {
		fmt.Fprintf(&b, "To: %s <%s>\r\n", msg.ToName, msg.To)
	} else {
		fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	}
	if msg.ReplyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\r\n", msg.ReplyTo)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Message-ID: <%s@%s>\r\n", msg.MessageID, srv.Host)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.HTML)

	return []byte(b.String())
}
