// Package service is the notification service: it persists notification
// records, applies campaign targeting and throttle limits, enqueues queue
// jobs, and is the handler target the queue workers invoke.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/afroverse/notify/internal/campaign"
	"github.com/afroverse/notify/internal/db"
	"github.com/afroverse/notify/internal/dispatch"
	"github.com/afroverse/notify/internal/metrics"
	"github.com/afroverse/notify/internal/queue"
	"github.com/afroverse/notify/internal/redis"
)

var (
	// ErrThrottled means the campaign's rate limits rejected the send.
	ErrThrottled = errors.New("campaign throttle rejected notification")

	// ErrCampaignInactive means the campaign is not eligible to run now.
	ErrCampaignInactive = errors.New("campaign is not active")

	// ErrChannelUnsupported means the campaign has no template for any
	// channel the user can receive.
	ErrChannelUnsupported = errors.New("campaign has no template for channel")
)

// Repository is the persistence surface the service needs.
type Repository interface {
	PreferenceStore
	CreateNotification(ctx context.Context, notif *db.Notification) error
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	UpdateNotificationStatus(ctx context.Context, id uuid.UUID, status string, attempt int, errorMsg *string, nextRetryAt *time.Time) error
	ListFailedNotifications(ctx context.Context, maxRetries, limit int) ([]*db.Notification, error)
}

// CampaignStore resolves campaigns at dispatch time.
type CampaignStore interface {
	GetByKey(ctx context.Context, key string) (*campaign.Campaign, error)
}

// ThrottleGuard enforces campaign rate limits before enqueueing.
type ThrottleGuard interface {
	Allow(ctx context.Context, campaignKey, userID string, settings campaign.Throttle) (*redis.ThrottleResult, error)
}

// DedupeGuard guarantees at-most-once delivery under job redelivery.
type DedupeGuard interface {
	Reserve(ctx context.Context, notificationID string) error
	Release(ctx context.Context, notificationID string) error
}

// Dispatcher is the dispatch surface the service drives.
type Dispatcher interface {
	Send(ctx context.Context, notif *db.Notification, prefs dispatch.Preferences) dispatch.Result
	SendWithFallback(ctx context.Context, notif *db.Notification, prefs dispatch.Preferences, chain ...dispatch.Channel) dispatch.Result
	SendBulk(ctx context.Context, notifs []*db.Notification, prefs []dispatch.Preferences) []dispatch.Result
}

// Queues groups the three durable queues the service feeds.
type Queues struct {
	Process *queue.Queue
	Bulk    *queue.Queue
	Retry   *queue.Queue
}

// Service wires persistence, campaign policy, throttling and dispatch.
type Service struct {
	repo       Repository
	campaigns  CampaignStore
	throttle   ThrottleGuard
	dedupe     DedupeGuard
	dispatcher Dispatcher
	queues     Queues
	logger     *zap.Logger
}

// New creates the notification service.
func New(repo Repository, campaigns CampaignStore, throttle ThrottleGuard, dedupe DedupeGuard, dispatcher Dispatcher, queues Queues, logger *zap.Logger) *Service {
	return &Service{
		repo:       repo,
		campaigns:  campaigns,
		throttle:   throttle,
		dedupe:     dedupe,
		dispatcher: dispatcher,
		queues:     queues,
		logger:     logger,
	}
}

// CreateRequest is an ad-hoc (non-campaign) notification.
type CreateRequest struct {
	UserID   uuid.UUID
	Type     string
	Channel  dispatch.Channel
	Title    string
	Message  string
	Metadata json.RawMessage
	Fallback bool // walk the fallback chain instead of the single channel
}

// Create persists the notification and enqueues a single-send job.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*db.Notification, error) {
	notif := &db.Notification{
		ID:       uuid.New(),
		UserID:   req.UserID,
		Type:     req.Type,
		Channel:  req.Channel.String(),
		Title:    req.Title,
		Message:  req.Message,
		Metadata: req.Metadata,
		Status:   db.StatusPending,
	}
	if err := s.repo.CreateNotification(ctx, notif); err != nil {
		return nil, err
	}

	job := &queue.Job{
		ID:   uuid.New(),
		Kind: queue.KindSingle,
		Item: &queue.Item{
			NotificationID: notif.ID,
			UserID:         notif.UserID,
			Type:           notif.Type,
			Channel:        notif.Channel,
		},
		Options: queue.Options{Fallback: req.Fallback},
	}
	if err := s.queues.Process.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue notification: %w", err)
	}
	return notif, nil
}

// CreateFromCampaign resolves a campaign for one user: eligibility,
// variant bucketing, template resolution for the user's first receivable
// channel, then the throttle gate, then persist + enqueue. Throttle
// enforcement happens here, before the job exists; the campaign model
// itself only stores the limits.
func (s *Service) CreateFromCampaign(ctx context.Context, campaignKey string, userID uuid.UUID, metadata json.RawMessage) (*db.Notification, error) {
	camp, err := s.campaigns.GetByKey(ctx, campaignKey)
	if err != nil {
		return nil, err
	}
	if !camp.ShouldRun(time.Now()) {
		return nil, fmt.Errorf("%w: %s", ErrCampaignInactive, campaignKey)
	}

	settings, err := loadUserSettings(ctx, s.repo, userID)
	if err != nil {
		return nil, fmt.Errorf("load user settings: %w", err)
	}

	variant := camp.VariantForUser(userID.String())

	// First channel in the fallback order with a campaign template the
	// user has not opted out of.
	var (
		tmpl  campaign.Template
		ch    dispatch.Channel
		found bool
	)
	for _, candidate := range dispatch.AllChannels() {
		t, ok := camp.TemplateForChannel(candidate, variant)
		if !ok {
			continue
		}
		if !settings.CanReceive(campaignKey, candidate) {
			continue
		}
		tmpl, ch, found = t, candidate, true
		break
	}
	if !found {
		return nil, fmt.Errorf("%w: campaign %s", ErrChannelUnsupported, campaignKey)
	}

	verdict, err := s.throttle.Allow(ctx, campaignKey, userID.String(), camp.ThrottleSettings())
	if err != nil {
		return nil, fmt.Errorf("throttle check: %w", err)
	}
	if !verdict.Allowed {
		s.logger.Info("campaign send throttled",
			zap.String("campaign", campaignKey),
			zap.String("user_id", userID.String()),
			zap.String("limit", verdict.Limit),
		)
		return nil, fmt.Errorf("%w: %s limit", ErrThrottled, verdict.Limit)
	}

	key := campaignKey
	notif := &db.Notification{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        campaignKey,
		Channel:     ch.String(),
		Title:       tmpl.Title,
		Message:     tmpl.Body,
		Metadata:    metadata,
		CampaignKey: &key,
		Status:      db.StatusPending,
	}
	if err := s.repo.CreateNotification(ctx, notif); err != nil {
		return nil, err
	}

	variables := map[string]string{"template": tmpl.Ref}
	if variant != nil {
		variables["variant"] = variant.Name
	}

	job := &queue.Job{
		ID:   uuid.New(),
		Kind: queue.KindSingle,
		Item: &queue.Item{
			NotificationID: notif.ID,
			UserID:         userID,
			Type:           notif.Type,
			Channel:        notif.Channel,
			Variables:      variables,
		},
		Options: queue.Options{Fallback: true},
	}
	if err := s.queues.Process.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue campaign notification: %w", err)
	}
	return notif, nil
}

// CreateBulk persists a batch and enqueues one bulk job.
func (s *Service) CreateBulk(ctx context.Context, reqs []CreateRequest) ([]*db.Notification, error) {
	notifs := make([]*db.Notification, 0, len(reqs))
	items := make([]queue.Item, 0, len(reqs))

	for _, req := range reqs {
		notif := &db.Notification{
			ID:       uuid.New(),
			UserID:   req.UserID,
			Type:     req.Type,
			Channel:  req.Channel.String(),
			Title:    req.Title,
			Message:  req.Message,
			Metadata: req.Metadata,
			Status:   db.StatusPending,
		}
		if err := s.repo.CreateNotification(ctx, notif); err != nil {
			return nil, err
		}
		notifs = append(notifs, notif)
		items = append(items, queue.Item{
			NotificationID: notif.ID,
			UserID:         notif.UserID,
			Type:           notif.Type,
			Channel:        notif.Channel,
		})
	}

	job := &queue.Job{
		ID:    uuid.New(),
		Kind:  queue.KindBulk,
		Items: items,
	}
	if err := s.queues.Bulk.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue bulk job: %w", err)
	}
	return notifs, nil
}

// HandleSingleJob is the process-queue handler: deliver one notification,
// with the fallback chain when requested. A returned error makes the
// worker retry with backoff (2s, 4s, 8s; 3 attempts).
func (s *Service) HandleSingleJob(ctx context.Context, job *queue.Job) error {
	if job.Item == nil {
		return errors.New("single job missing item")
	}

	notif, err := s.repo.GetNotification(ctx, job.Item.NotificationID)
	if err != nil {
		return err
	}
	if notif.Status == db.StatusSent || notif.Status == db.StatusDelivered {
		return nil // redelivered job, already done
	}

	if err := s.dedupe.Reserve(ctx, notif.ID.String()); err != nil {
		if errors.Is(err, redis.ErrAlreadySent) {
			return nil
		}
		return err
	}

	settings, err := loadUserSettings(ctx, s.repo, notif.UserID)
	if err != nil {
		s.releaseDedupe(ctx, notif.ID)
		return fmt.Errorf("load user settings: %w", err)
	}

	_ = s.repo.UpdateNotificationStatus(ctx, notif.ID, db.StatusProcessing, job.Attempt, nil, nil)

	start := time.Now()
	var res dispatch.Result
	if job.Options.Fallback {
		res = s.dispatcher.SendWithFallback(ctx, notif, settings, parseChain(job.Options.Channels)...)
	} else {
		res = s.dispatcher.Send(ctx, notif, settings)
	}

	if !res.Success {
		msg := res.ErrorMessage()
		_ = s.repo.UpdateNotificationStatus(ctx, notif.ID, db.StatusFailed, job.Attempt, &msg, nil)
		s.releaseDedupe(ctx, notif.ID)
		return fmt.Errorf("dispatch failed: %s", msg)
	}

	metrics.RecordDeliveryLatency(res.Channel.String(), time.Since(start))

	status := db.StatusSent
	if res.Channel == dispatch.ChannelInApp {
		status = db.StatusDelivered
	}
	return s.repo.UpdateNotificationStatus(ctx, notif.ID, status, job.Attempt, nil, nil)
}

// HandleBulkJob is the bulk-queue handler. Individual failures are marked
// on their rows and left to the retry sweep; the job itself only fails
// (and is retried, gently: 5s, 2 attempts) when every item failed, which
// signals a systemic outage rather than bad recipients.
func (s *Service) HandleBulkJob(ctx context.Context, job *queue.Job) error {
	if len(job.Items) == 0 {
		return errors.New("bulk job missing items")
	}

	notifs := make([]*db.Notification, 0, len(job.Items))
	prefs := make([]dispatch.Preferences, 0, len(job.Items))
	for _, item := range job.Items {
		notif, err := s.repo.GetNotification(ctx, item.NotificationID)
		if err != nil {
			s.logger.Warn("bulk item missing", zap.String("notification_id", item.NotificationID.String()))
			continue
		}
		if notif.Status == db.StatusSent || notif.Status == db.StatusDelivered {
			continue
		}
		settings, err := loadUserSettings(ctx, s.repo, notif.UserID)
		if err != nil {
			settings = nil
		}
		notifs = append(notifs, notif)
		prefs = append(prefs, settings)
	}
	if len(notifs) == 0 {
		return nil
	}

	results := s.dispatcher.SendBulk(ctx, notifs, prefs)

	failures := 0
	for i, res := range results {
		notif := notifs[i]
		if res.Success {
			status := db.StatusSent
			if res.Channel == dispatch.ChannelInApp {
				status = db.StatusDelivered
			}
			_ = s.repo.UpdateNotificationStatus(ctx, notif.ID, status, job.Attempt, nil, nil)
			continue
		}
		failures++
		msg := res.ErrorMessage()
		_ = s.repo.UpdateNotificationStatus(ctx, notif.ID, db.StatusFailed, job.Attempt, &msg, nil)
	}

	if failures == len(results) {
		return fmt.Errorf("all %d bulk items failed", failures)
	}
	return nil
}

// HandleRetrySweep is the retry-queue handler: re-scan previously failed
// notifications and enqueue fresh single-send jobs for them. The sweep
// itself runs with a 30s delay and a single attempt; its cadence, not
// per-job retries, provides repetition.
func (s *Service) HandleRetrySweep(ctx context.Context, job *queue.Job) error {
	maxRetries := job.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	failed, err := s.repo.ListFailedNotifications(ctx, maxRetries, 100)
	if err != nil {
		return fmt.Errorf("scan failed notifications: %w", err)
	}

	for _, notif := range failed {
		retry := &queue.Job{
			ID:   uuid.New(),
			Kind: queue.KindSingle,
			Item: &queue.Item{
				NotificationID: notif.ID,
				UserID:         notif.UserID,
				Type:           notif.Type,
				Channel:        notif.Channel,
			},
			Options: queue.Options{Fallback: true},
		}
		if err := s.queues.Process.Enqueue(ctx, retry); err != nil {
			return fmt.Errorf("re-enqueue notification %s: %w", notif.ID, err)
		}
	}

	if len(failed) > 0 {
		s.logger.Info("retry sweep re-enqueued notifications", zap.Int("count", len(failed)))
	}
	return nil
}

// ScheduleRetrySweep enqueues the periodic sweep job with its fixed delay.
func (s *Service) ScheduleRetrySweep(ctx context.Context, maxRetries int) error {
	job := &queue.Job{
		ID:         uuid.New(),
		Kind:       queue.KindRetry,
		MaxRetries: maxRetries,
	}
	return s.queues.Retry.EnqueueIn(ctx, job, s.queues.Retry.Policy().InitialDelay)
}

func (s *Service) releaseDedupe(ctx context.Context, id uuid.UUID) {
	if err := s.dedupe.Release(ctx, id.String()); err != nil {
		s.logger.Warn("failed to release dedupe reservation", zap.Error(err))
	}
}

func parseChain(raw []string) []dispatch.Channel {
	chain := make([]dispatch.Channel, 0, len(raw))
	for _, r := range raw {
		if ch, err := dispatch.ParseChannel(r); err == nil {
			chain = append(chain, ch)
		}
	}
	return chain
}
