package queue

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/renton5150/campaign-forge-queue/internal/domain"
	"github.com/renton5150/campaign-forge-queue/internal/transport"
)

// fakeQueueStore records every state transition the worker applies.
type fakeQueueStore struct {
	items    []domain.QueueItem
	statuses map[string]string // overrides for ItemStatus re-checks

	sent     []string
	retries  []retryCall
	failed   []failCall
	bounced  []bounceCall
	deferred []deferCall
}

type retryCall struct {
	id           string
	retryCount   int
	scheduledFor time.Time
	code         string
}

type failCall struct {
	id         string
	retryCount int
	code       string
}

type bounceCall struct {
	id   string
	code string
}

type deferCall struct {
	id    string
	until time.Time
}

func (f *fakeQueueStore) ClaimDueBatch(ctx context.Context, limit int) ([]domain.QueueItem, error) {
	if len(f.items) > limit {
		return f.items[:limit], nil
	}
	return f.items, nil
}

func (f *fakeQueueStore) ItemStatus(ctx context.Context, id string) (string, error) {
	if s, ok := f.statuses[id]; ok {
		return s, nil
	}
	return domain.StatusProcessing, nil
}

func (f *fakeQueueStore) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeQueueStore) ScheduleRetry(ctx context.Context, id string, retryCount int, scheduledFor time.Time, code, message string) error {
	f.retries = append(f.retries, retryCall{id: id, retryCount: retryCount, scheduledFor: scheduledFor, code: code})
	return nil
}

func (f *fakeQueueStore) MarkFailed(ctx context.Context, id string, retryCount int, code, message string) error {
	f.failed = append(f.failed, failCall{id: id, retryCount: retryCount, code: code})
	return nil
}

func (f *fakeQueueStore) MarkBounced(ctx context.Context, id string, code, message string) error {
	f.bounced = append(f.bounced, bounceCall{id: id, code: code})
	return nil
}

func (f *fakeQueueStore) DeferItem(ctx context.Context, id string, until time.Time) error {
	f.deferred = append(f.deferred, deferCall{id: id, until: until})
	return nil
}

type fakeResolver struct {
	srv *domain.SendingServer
	err error
}

func (f *fakeResolver) ServerForCampaign(ctx context.Context, campaignID string) (*domain.SendingServer, error) {
	return f.srv, f.err
}

type fakeLimiter struct {
	allow bool
	calls int
}

func (f *fakeLimiter) Allow(ctx context.Context, srv *domain.SendingServer) bool {
	f.calls++
	return f.allow
}

type fakeBreaker struct {
	allow     bool
	successes []string
	failures  []string
}

func (f *fakeBreaker) AllowRequest(ctx context.Context, serverID string) (string, bool) {
	if f.allow {
		return "closed", true
	}
	return "open", false
}

func (f *fakeBreaker) RecordSuccess(ctx context.Context, serverID string) {
	f.successes = append(f.successes, serverID)
}

func (f *fakeBreaker) RecordFailure(ctx context.Context, serverID string) {
	f.failures = append(f.failures, serverID)
}

type fakeSender struct {
	err   error
	calls atomic.Int32
}

func (f *fakeSender) Send(ctx context.Context, srv *domain.SendingServer, msg transport.Message) (*transport.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &transport.Result{ProviderMessageID: "prov-" + msg.MessageID}, nil
}

type workerFixture struct {
	store   *fakeQueueStore
	limiter *fakeLimiter
	breaker *fakeBreaker
	sender  *fakeSender
	worker  *Worker
}

func setupWorker(t *testing.T, items []domain.QueueItem) *workerFixture {
	t.Helper()

	store := &fakeQueueStore{items: items, statuses: map[string]string{}}
	limiter := &fakeLimiter{allow: true}
	breaker := &fakeBreaker{allow: true}
	sender := &fakeSender{}
	resolver := &fakeResolver{srv: &domain.SendingServer{
		ID:        "srv-1",
		Provider:  domain.ProviderSMTP,
		FromEmail: "news@example.com",
		IsActive:  true,
	}}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	w := NewWorker(store, resolver, limiter, breaker, sender, nil, logger, Config{
		BatchSize:   10,
		SendTimeout: 5 * time.Second,
	})

	return &workerFixture{store: store, limiter: limiter, breaker: breaker, sender: sender, worker: w}
}

func testItem(id string, retryCount int) domain.QueueItem {
	return domain.QueueItem{
		ID:           id,
		CampaignID:   "camp-1",
		ContactEmail: "user@example.com",
		ContactName:  "Test User",
		MessageID:    "msg-" + id,
		Subject:      "Hello",
		HTMLContent:  "<p>Hi</p>",
		Status:       domain.StatusProcessing,
		RetryCount:   retryCount,
	}
}

func TestWorker_SuccessfulSendMarksSent(t *testing.T) {
	f := setupWorker(t, []domain.QueueItem{testItem("item-1", 0)})

	stats, err := f.worker.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if stats.Sent != 1 {
		t.Errorf("expected 1 sent, got %+v", stats)
	}
	if len(f.store.sent) != 1 || f.store.sent[0] != "item-1" {
		t.Errorf("expected item-1 marked sent, got %v", f.store.sent)
	}
	if len(f.breaker.successes) != 1 {
		t.Errorf("expected 1 breaker success, got %d", len(f.breaker.successes))
	}
}

func TestWorker_TransientFailureSchedulesRetry(t *testing.T) {
	f := setupWorker(t, []domain.QueueItem{testItem("item-1", 0)})
	f.sender.err = &transport.SendError{Code: domain.ErrCodeSendError, Message: "connection refused"}

	before := time.Now()
	stats, err := f.worker.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if stats.Retried != 1 {
		t.Fatalf("expected 1 retried, got %+v", stats)
	}

	retry := f.store.retries[0]
	if retry.retryCount != 1 {
		t.Errorf("expected retry_count 1, got %d", retry.retryCount)
	}

	// First retry backs off 2^1 = 2 minutes
	wantAt := before.Add(2 * time.Minute)
	if retry.scheduledFor.Before(wantAt.Add(-5*time.Second)) || retry.scheduledFor.After(wantAt.Add(5*time.Second)) {
		t.Errorf("expected retry around %v, got %v", wantAt, retry.scheduledFor)
	}

	if len(f.breaker.failures) != 1 {
		t.Errorf("expected 1 breaker failure, got %d", len(f.breaker.failures))
	}
}

func TestWorker_RetryCeilingMarksFailed(t *testing.T) {
	// Item already failed twice; the third failure hits the ceiling.
	f := setupWorker(t, []domain.QueueItem{testItem("item-1", 2)})
	f.sender.err = &transport.SendError{Code: domain.ErrCodeTimeout, Message: "timed out"}

	stats, err := f.worker.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if stats.Failed != 1 {
		t.Fatalf("expected 1 failed, got %+v", stats)
	}
	if len(f.store.retries) != 0 {
		t.Error("item at the retry ceiling should not be rescheduled")
	}

	failed := f.store.failed[0]
	if failed.retryCount != 3 {
		t.Errorf("expected terminal retry_count 3, got %d", failed.retryCount)
	}
	if failed.code != domain.ErrCodeTimeout {
		t.Errorf("expected error code %q, got %q", domain.ErrCodeTimeout, failed.code)
	}
}

func TestWorker_PermanentFailureBounces(t *testing.T) {
	f := setupWorker(t, []domain.QueueItem{testItem("item-1", 0)})
	f.sender.err = &transport.SendError{Code: domain.ErrCodeSendError, Message: "mailbox does not exist", Permanent: true}

	stats, err := f.worker.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if stats.Bounced != 1 {
		t.Fatalf("expected 1 bounced, got %+v", stats)
	}
	if len(f.store.retries) != 0 || len(f.store.failed) != 0 {
		t.Error("permanently rejected recipient should bounce, not retry")
	}
}

func TestWorker_RateLimitedDefersWithoutPenalty(t *testing.T) {
	f := setupWorker(t, []domain.QueueItem{testItem("item-1", 1)})
	f.limiter.allow = false

	before := time.Now()
	stats, err := f.worker.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if stats.Deferred != 1 {
		t.Fatalf("expected 1 deferred, got %+v", stats)
	}
	if f.sender.calls.Load() != 0 {
		t.Error("rate-limited item should never reach the transport")
	}
	if len(f.store.retries) != 0 {
		t.Error("a rate-limit deferral must not consume a retry")
	}

	// Deferred 10 minutes out by default
	until := f.store.deferred[0].until
	wantAt := before.Add(10 * time.Minute)
	if until.Before(wantAt.Add(-5*time.Second)) || until.After(wantAt.Add(5*time.Second)) {
		t.Errorf("expected deferral around %v, got %v", wantAt, until)
	}
}

func TestWorker_OpenCircuitDefers(t *testing.T) {
	f := setupWorker(t, []domain.QueueItem{testItem("item-1", 0)})
	f.breaker.allow = false

	stats, err := f.worker.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if stats.Deferred != 1 {
		t.Fatalf("expected 1 deferred, got %+v", stats)
	}
	if f.sender.calls.Load() != 0 {
		t.Error("open circuit should block the send entirely")
	}
	if f.limiter.calls != 0 {
		t.Error("open circuit should be checked before the rate limiter")
	}
}

func TestWorker_SkipsItemLostToAnotherWorker(t *testing.T) {
	f := setupWorker(t, []domain.QueueItem{testItem("item-1", 0)})

	// Another worker already finished this item between our claim and
	// the re-check.
	f.store.statuses["item-1"] = domain.StatusSent

	stats, err := f.worker.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if stats.Skipped != 1 {
		t.Fatalf("expected 1 skipped, got %+v", stats)
	}
	if f.sender.calls.Load() != 0 {
		t.Error("a lost claim must not trigger a duplicate send")
	}
	if len(f.store.sent) != 0 {
		t.Error("a lost claim must not overwrite the winner's result")
	}
}

func TestWorker_NoActiveServerCountsAsFailure(t *testing.T) {
	f := setupWorker(t, []domain.QueueItem{testItem("item-1", 0)})
	f.worker.servers = &fakeResolver{srv: nil}

	stats, err := f.worker.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	// No server is a delivery failure: it goes through retry/backoff so
	// the campaign can recover once a server is configured.
	if stats.Retried != 1 {
		t.Fatalf("expected 1 retried, got %+v", stats)
	}
	if f.sender.calls.Load() != 0 {
		t.Error("nothing should be sent without a server")
	}
}

func TestWorker_ResolverErrorDefersBriefly(t *testing.T) {
	f := setupWorker(t, []domain.QueueItem{testItem("item-1", 0)})
	f.worker.servers = &fakeResolver{err: context.DeadlineExceeded}

	stats, err := f.worker.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if stats.Deferred != 1 {
		t.Fatalf("expected 1 deferred, got %+v", stats)
	}
	if len(f.store.retries) != 0 {
		t.Error("an infrastructure hiccup must not consume a retry")
	}
}

func TestWorker_ItemFailureDoesNotAbortBatch(t *testing.T) {
	f := setupWorker(t, []domain.QueueItem{
		testItem("item-1", 0),
		testItem("item-2", 0),
		testItem("item-3", 0),
	})

	// Middle item is permanently rejected; the rest must still go out.
	sendErrs := map[string]error{
		"msg-item-2": &transport.SendError{Code: domain.ErrCodeSendError, Message: "bad address", Permanent: true},
	}
	f.worker.sender = senderFunc(func(ctx context.Context, srv *domain.SendingServer, msg transport.Message) (*transport.Result, error) {
		if err, ok := sendErrs[msg.MessageID]; ok {
			return nil, err
		}
		return &transport.Result{}, nil
	})

	stats, err := f.worker.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if stats.Sent != 2 || stats.Bounced != 1 {
		t.Errorf("expected 2 sent and 1 bounced, got %+v", stats)
	}
}

type senderFunc func(ctx context.Context, srv *domain.SendingServer, msg transport.Message) (*transport.Result, error)

func (f senderFunc) Send(ctx context.Context, srv *domain.SendingServer, msg transport.Message) (*transport.Result, error) {
	return f(ctx, srv, msg)
}

func TestWorker_StartTwiceFails(t *testing.T) {
	f := setupWorker(t, nil)

	if err := f.worker.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer f.worker.Stop()

	if err := f.worker.Start(); err == nil {
		t.Error("second Start should fail while the worker is running")
	}
}

func TestWorker_StopIsIdempotent(t *testing.T) {
	f := setupWorker(t, nil)

	if err := f.worker.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.worker.Stop()
	f.worker.Stop() // second Stop is a no-op

	if f.worker.Running() {
		t.Error("worker should not be running after Stop")
	}
}

func TestWorker_WakeTriggersImmediatePoll(t *testing.T) {
	f := setupWorker(t, []domain.QueueItem{testItem("item-1", 0)})
	f.worker.cfg.PollInterval = time.Hour // the tick alone would never fire in time

	if err := f.worker.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.worker.Stop()

	f.worker.Wake()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.sender.calls.Load() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Wake should trigger a poll without waiting for the next tick")
}

func TestAsSendError_ClassifiesTimeout(t *testing.T) {
	sendErr := asSendError(context.DeadlineExceeded)
	if sendErr.Code != domain.ErrCodeTimeout {
		t.Errorf("expected code %q, got %q", domain.ErrCodeTimeout, sendErr.Code)
	}
	if sendErr.Permanent {
		t.Error("a timeout is transient")
	}
}
