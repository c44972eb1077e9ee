package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/renton5150/campaign-forge-queue/internal/domain"
	"github.com/renton5150/campaign-forge-queue/internal/transport"
	ws "github.com/renton5150/campaign-forge-queue/internal/websocket"
)

// Store is the slice of the queue store the worker needs. Every terminal
// transition is conditional on the row still being in processing, so a
// racing worker that lost the claim cannot overwrite the winner's result.
type Store interface {
	ClaimDueBatch(ctx context.Context, limit int) ([]domain.QueueItem, error)
	ItemStatus(ctx context.Context, id string) (string, error)
	MarkSent(ctx context.Context, id string, sentAt time.Time) error
	ScheduleRetry(ctx context.Context, id string, retryCount int, scheduledFor time.Time, code, message string) error
	MarkFailed(ctx context.Context, id string, retryCount int, code, message string) error
	MarkBounced(ctx context.Context, id string, code, message string) error
	DeferItem(ctx context.Context, id string, until time.Time) error
}

// ServerResolver looks up the sending server configured for a campaign.
type ServerResolver interface {
	ServerForCampaign(ctx context.Context, campaignID string) (*domain.SendingServer, error)
}

// RateLimiter is consulted, never owned, by the worker. A false answer is
// a deferral signal, not an error.
type RateLimiter interface {
	Allow(ctx context.Context, srv *domain.SendingServer) bool
}

// Breaker gates sends per server after consecutive failures.
type Breaker interface {
	AllowRequest(ctx context.Context, serverID string) (string, bool)
	RecordSuccess(ctx context.Context, serverID string)
	RecordFailure(ctx context.Context, serverID string)
}

// Sender delivers one message; see transport.Registry.
type Sender interface {
	Send(ctx context.Context, srv *domain.SendingServer, msg transport.Message) (*transport.Result, error)
}

// Config holds worker tuning knobs.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	SendTimeout  time.Duration
	ItemDelay    time.Duration
	DeferDelay   time.Duration
}

// DefaultConfig returns the tuning the queue was designed around: small
// batches drained sequentially, one send at a time, with a pause between
// sends so outbound servers see a steady trickle rather than a burst.
func DefaultConfig() Config {
	return Config{
		PollInterval: 10 * time.Second,
		BatchSize:    5,
		SendTimeout:  30 * time.Second,
		ItemDelay:    time.Second,
		DeferDelay:   10 * time.Minute,
	}
}

// BatchStats reports what one poll cycle did.
type BatchStats struct {
	Claimed  int `json:"claimed"`
	Sent     int `json:"sent"`
	Retried  int `json:"retried"`
	Failed   int `json:"failed"`
	Bounced  int `json:"bounced"`
	Deferred int `json:"deferred"`
	Skipped  int `json:"skipped"`
}

// Worker drains the email queue: it claims batches of due pending items,
// checks rate limits, invokes the delivery transport with a hard timeout,
// and applies the retry/backoff policy. The same state machine serves the
// long-lived polling loop and one-shot batch invocations.
type Worker struct {
	store   Store
	servers ServerResolver
	limiter RateLimiter
	breaker Breaker
	sender  Sender
	hub     *ws.Hub
	logger  *slog.Logger
	cfg     Config

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	wake    chan struct{}

	// procMu serializes poll cycles: a manual batch trigger never
	// overlaps the loop's own cycle.
	procMu sync.Mutex
}

func NewWorker(store Store, servers ServerResolver, limiter RateLimiter, breaker Breaker, sender Sender, hub *ws.Hub, logger *slog.Logger, cfg Config) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultConfig().SendTimeout
	}
	if cfg.DeferDelay <= 0 {
		cfg.DeferDelay = DefaultConfig().DeferDelay
	}
	return &Worker{
		store:   store,
		servers: servers,
		limiter: limiter,
		breaker: breaker,
		sender:  sender,
		hub:     hub,
		logger:  logger,
		cfg:     cfg,
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the polling loop. Safe to call from an operator endpoint;
// starting an already-running worker is an error.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("worker already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true
	w.wg.Add(1)
	go w.run(ctx)

	w.logger.Info("queue worker started",
		"poll_interval", w.cfg.PollInterval,
		"batch_size", w.cfg.BatchSize,
	)
	return nil
}

// Stop cancels the polling loop and waits for the in-flight cycle to
// finish. Cancellation is cooperative: an item mid-send completes (or
// times out) normally.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("queue worker stopped")
}

// Running reports whether the polling loop is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Wake nudges the loop to poll immediately instead of waiting for the
// next tick. Non-blocking; a pending nudge is enough.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.wake:
		}

		if _, err := w.ProcessBatch(ctx); err != nil {
			// Infrastructure errors abort the cycle; the next poll retries.
			w.logger.Error("poll cycle failed", "error", err)
		}
	}
}

// ProcessBatch claims and processes one batch to completion. This is the
// whole state machine for the one-shot deployment shape; the polling loop
// calls it once per tick. Per-item failures never abort the batch.
func (w *Worker) ProcessBatch(ctx context.Context) (BatchStats, error) {
	w.procMu.Lock()
	defer w.procMu.Unlock()

	var stats BatchStats

	items, err := w.store.ClaimDueBatch(ctx, w.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("claiming batch: %w", err)
	}
	stats.Claimed = len(items)

	// Items are processed in sequence, not concurrently: outbound servers
	// enforce per-connection rate limits, and a steady one-at-a-time
	// trickle with a fixed delay avoids tripping provider throttling.
	for i := range items {
		if i > 0 && w.cfg.ItemDelay > 0 {
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-time.After(w.cfg.ItemDelay):
			}
		}
		w.processItem(ctx, &items[i], &stats)
	}

	if stats.Claimed > 0 {
		w.logger.Info("batch processed",
			"claimed", stats.Claimed,
			"sent", stats.Sent,
			"retried", stats.Retried,
			"failed", stats.Failed,
			"bounced", stats.Bounced,
			"deferred", stats.Deferred,
			"skipped", stats.Skipped,
		)
	}

	return stats, nil
}

// processItem runs one claimed item through the state machine.
func (w *Worker) processItem(ctx context.Context, item *domain.QueueItem, stats *BatchStats) {
	// Re-verify the claim. Two pollers can both believe they own a row;
	// the persisted status is the arbiter and the loser skips silently.
	status, err := w.store.ItemStatus(ctx, item.ID)
	if err != nil {
		w.logger.Error("claim re-check failed", "error", err, "item_id", item.ID)
		stats.Skipped++
		return
	}
	if status != domain.StatusProcessing {
		stats.Skipped++
		return
	}

	srv, err := w.servers.ServerForCampaign(ctx, item.CampaignID)
	if err != nil {
		// Infra hiccup, not a delivery failure: put the item back
		// shortly without touching retry_count.
		w.logger.Error("server resolution failed", "error", err, "item_id", item.ID)
		w.deferItem(ctx, item, time.Minute, stats)
		return
	}
	if srv == nil {
		w.recordFailure(ctx, item, "", &transport.SendError{
			Code:    domain.ErrCodeSendError,
			Message: "no active sending server configured for campaign",
		}, stats)
		return
	}

	if _, allowed := w.breaker.AllowRequest(ctx, srv.ID); !allowed {
		w.logger.Warn("server circuit open, deferring",
			"item_id", item.ID, "server_id", srv.ID)
		w.deferItem(ctx, item, w.cfg.DeferDelay, stats)
		return
	}

	// Rate-limit deferral is free: no retry penalty, just rescheduled.
	if !w.limiter.Allow(ctx, srv) {
		w.deferItem(ctx, item, w.cfg.DeferDelay, stats)
		return
	}

	msg := transport.Message{
		To:        item.ContactEmail,
		ToName:    item.ContactName,
		Subject:   item.Subject,
		HTML:      item.HTMLContent,
		MessageID: item.MessageID,
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
	result, err := w.sender.Send(sendCtx, srv, msg)
	cancel()

	if err != nil {
		w.breaker.RecordFailure(ctx, srv.ID)
		w.recordFailure(ctx, item, srv.ID, asSendError(err), stats)
		return
	}

	w.breaker.RecordSuccess(ctx, srv.ID)

	if err := w.store.MarkSent(ctx, item.ID, time.Now()); err != nil {
		w.logger.Error("failed to mark item sent", "error", err, "item_id", item.ID)
		return
	}
	stats.Sent++

	w.logger.Info("email sent",
		"item_id", item.ID,
		"campaign_id", item.CampaignID,
		"contact_email", item.ContactEmail,
		"provider_message_id", result.ProviderMessageID,
		"attempt", item.RetryCount+1,
	)
	w.broadcast("item_sent", item, "")
}

// recordFailure applies the retry/backoff policy to a failed attempt:
// bounce permanently-rejected recipients, fail items that hit the retry
// ceiling, reschedule the rest with exponential backoff.
func (w *Worker) recordFailure(ctx context.Context, item *domain.QueueItem, serverID string, sendErr *transport.SendError, stats *BatchStats) {
	if sendErr.Permanent {
		if err := w.store.MarkBounced(ctx, item.ID, sendErr.Code, sendErr.Message); err != nil {
			w.logger.Error("failed to mark item bounced", "error", err, "item_id", item.ID)
			return
		}
		stats.Bounced++
		w.logger.Warn("recipient rejected permanently",
			"item_id", item.ID,
			"contact_email", item.ContactEmail,
			"error", sendErr.Message,
		)
		w.broadcast("item_bounced", item, sendErr.Message)
		return
	}

	retryCount := item.RetryCount + 1
	if retryCount >= domain.MaxRetries {
		if err := w.store.MarkFailed(ctx, item.ID, retryCount, sendErr.Code, sendErr.Message); err != nil {
			w.logger.Error("failed to mark item failed", "error", err, "item_id", item.ID)
			return
		}
		stats.Failed++
		w.logger.Warn("delivery failed permanently",
			"item_id", item.ID,
			"contact_email", item.ContactEmail,
			"retry_count", retryCount,
			"error_code", sendErr.Code,
			"error", sendErr.Message,
		)
		w.broadcast("item_failed", item, sendErr.Message)
		return
	}

	nextAttempt := time.Now().Add(domain.RetryBackoff(retryCount))
	if err := w.store.ScheduleRetry(ctx, item.ID, retryCount, nextAttempt, sendErr.Code, sendErr.Message); err != nil {
		w.logger.Error("failed to schedule retry", "error", err, "item_id", item.ID)
		return
	}
	stats.Retried++
	w.logger.Warn("delivery failed, retry scheduled",
		"item_id", item.ID,
		"contact_email", item.ContactEmail,
		"retry_count", retryCount,
		"next_attempt", nextAttempt,
		"error_code", sendErr.Code,
	)
	w.broadcast("item_retrying", item, sendErr.Message)
}

func (w *Worker) deferItem(ctx context.Context, item *domain.QueueItem, delay time.Duration, stats *BatchStats) {
	if err := w.store.DeferItem(ctx, item.ID, time.Now().Add(delay)); err != nil {
		w.logger.Error("failed to defer item", "error", err, "item_id", item.ID)
		return
	}
	stats.Deferred++
	w.broadcast("item_deferred", item, "")
}

func (w *Worker) broadcast(eventType string, item *domain.QueueItem, errMsg string) {
	if w.hub == nil {
		return
	}
	w.hub.Broadcast(ws.QueueEvent{
		Type:         eventType,
		ItemID:       item.ID,
		CampaignID:   item.CampaignID,
		ContactEmail: item.ContactEmail,
		Attempt:      item.RetryCount + 1,
		Error:        errMsg,
		Timestamp:    time.Now(),
	})
}

// asSendError normalizes any transport error into a typed SendError.
// A context deadline that the transport didn't classify itself counts as
// a timeout.
func asSendError(err error) *transport.SendError {
	var sendErr *transport.SendError
	if errors.As(err, &sendErr) {
		return sendErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &transport.SendError{
			Code:    domain.ErrCodeTimeout,
			Message: "delivery transport did not respond in time",
		}
	}
	return &transport.SendError{
		Code:    domain.ErrCodeSendError,
		Message: err.Error(),
	}
}
