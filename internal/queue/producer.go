package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/renton5150/campaign-forge-queue/internal/domain"
	ws "github.com/renton5150/campaign-forge-queue/internal/websocket"
)

// ErrCampaignNotFound is returned when the campaign to enqueue does not exist.
var ErrCampaignNotFound = errors.New("campaign not found")

// ProducerStore is the slice of the store the producer needs.
type ProducerStore interface {
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)
	MarkCampaignSending(ctx context.Context, id string) error
	ResolveRecipients(ctx context.Context, listIDs []string) ([]domain.Recipient, error)
	ExistingRecipients(ctx context.Context, campaignID string) (map[string]struct{}, error)
	InsertQueueItem(ctx context.Context, item *domain.QueueItem) (bool, error)
}

// Waker nudges the worker so freshly enqueued items start draining without
// waiting for the next poll tick.
type Waker interface {
	Wake()
}

// EnqueueResult reports what one enqueue call actually did.
type EnqueueResult struct {
	QueuedCount       int `json:"queued_count"`
	DuplicatesSkipped int `json:"duplicates_skipped"`
}

// Producer expands a campaign plus selected recipient lists into queue
// items, one per unique (campaign, recipient) pair.
type Producer struct {
	store  ProducerStore
	waker  Waker
	hub    *ws.Hub
	logger *slog.Logger
}

func NewProducer(store ProducerStore, waker Waker, hub *ws.Hub, logger *slog.Logger) *Producer {
	return &Producer{
		store:  store,
		waker:  waker,
		hub:    hub,
		logger: logger,
	}
}

// Enqueue creates one pending queue item per unique active recipient across
// the given lists, snapshotting the campaign's subject and HTML into each
// item. Recipients already queued for this campaign (in any status) are
// counted as duplicates and skipped. Inserts are not transactional across
// the batch: a failure partway through leaves the already-inserted items
// queued and the result reports the count actually inserted.
func (p *Producer) Enqueue(ctx context.Context, campaignID string, listIDs []string) (*EnqueueResult, error) {
	campaign, err := p.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("loading campaign: %w", err)
	}
	if campaign == nil {
		return nil, ErrCampaignNotFound
	}

	recipients, err := p.store.ResolveRecipients(ctx, listIDs)
	if err != nil {
		return nil, fmt.Errorf("resolving recipients: %w", err)
	}

	existing, err := p.store.ExistingRecipients(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("loading existing recipients: %w", err)
	}

	// Immediate campaigns are due now; scheduled campaigns become due at
	// their schedule time.
	scheduledFor := time.Now()
	if campaign.ScheduledAt != nil && campaign.ScheduledAt.After(scheduledFor) {
		scheduledFor = *campaign.ScheduledAt
	}

	result := &EnqueueResult{}
	for _, r := range recipients {
		if _, dup := existing[strings.ToLower(r.Email)]; dup {
			result.DuplicatesSkipped++
			continue
		}

		item := &domain.QueueItem{
			CampaignID:   campaignID,
			ContactEmail: r.Email,
			ContactName:  r.Name,
			MessageID:    uuid.New().String(),
			Subject:      campaign.Subject,
			HTMLContent:  campaign.HTMLContent,
			ScheduledFor: scheduledFor,
		}

		inserted, err := p.store.InsertQueueItem(ctx, item)
		if err != nil {
			// Partial success is expected: keep what's in, keep going.
			p.logger.Error("failed to enqueue recipient",
				"error", err,
				"campaign_id", campaignID,
				"contact_email", r.Email,
			)
			continue
		}
		if inserted {
			result.QueuedCount++
		} else {
			// A concurrent producer got there first — the unique index
			// caught what the pre-check missed.
			result.DuplicatesSkipped++
		}
	}

	p.logger.Info("campaign enqueued",
		"campaign_id", campaignID,
		"queued", result.QueuedCount,
		"duplicates_skipped", result.DuplicatesSkipped,
	)

	if result.QueuedCount > 0 {
		if err := p.store.MarkCampaignSending(ctx, campaignID); err != nil {
			p.logger.Error("failed to mark campaign sending", "error", err, "campaign_id", campaignID)
		}
		if p.hub != nil {
			p.hub.Broadcast(ws.QueueEvent{
				Type:       "items_queued",
				CampaignID: campaignID,
				Queued:     result.QueuedCount,
				Timestamp:  time.Now(),
			})
		}
		if p.waker != nil {
			p.waker.Wake()
		}
	}

	return result, nil
}
