package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/afroverse/notify/internal/campaign"
	"github.com/afroverse/notify/internal/db"
	"github.com/afroverse/notify/internal/dispatch"
	"github.com/afroverse/notify/internal/queue"
	"github.com/afroverse/notify/internal/redis"
)

// mockRepo keeps notifications in memory.
type mockRepo struct {
	notifs   map[uuid.UUID]*db.Notification
	prefs    []*db.ChannelPreference
	statuses []string // recorded status transitions
	failed   []*db.Notification
}

func newMockRepo() *mockRepo {
	return &mockRepo{notifs: make(map[uuid.UUID]*db.Notification)}
}

func (m *mockRepo) CreateNotification(ctx context.Context, notif *db.Notification) error {
	m.notifs[notif.ID] = notif
	return nil
}

func (m *mockRepo) GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	n, ok := m.notifs[id]
	if !ok {
		return nil, db.ErrNotificationNotFound
	}
	return n, nil
}

func (m *mockRepo) UpdateNotificationStatus(ctx context.Context, id uuid.UUID, status string, attempt int, errorMsg *string, nextRetryAt *time.Time) error {
	if n, ok := m.notifs[id]; ok {
		n.Status = status
		n.Attempt = attempt
		n.ErrorMessage = errorMsg
	}
	m.statuses = append(m.statuses, status)
	return nil
}

func (m *mockRepo) ListFailedNotifications(ctx context.Context, maxRetries, limit int) ([]*db.Notification, error) {
	return m.failed, nil
}

func (m *mockRepo) ListChannelPreferences(ctx context.Context, userID uuid.UUID) ([]*db.ChannelPreference, error) {
	return m.prefs, nil
}

// mockCampaigns serves one campaign.
type mockCampaigns struct {
	campaign *campaign.Campaign
}

func (m *mockCampaigns) GetByKey(ctx context.Context, key string) (*campaign.Campaign, error) {
	if m.campaign == nil || m.campaign.Key != key {
		return nil, campaign.ErrNotFound
	}
	return m.campaign, nil
}

// mockThrottle scripts the verdict.
type mockThrottle struct {
	allowed bool
	limit   string
	calls   int
}

func (m *mockThrottle) Allow(ctx context.Context, campaignKey, userID string, settings campaign.Throttle) (*redis.ThrottleResult, error) {
	m.calls++
	return &redis.ThrottleResult{Allowed: m.allowed, Limit: m.limit}, nil
}

// mockDedupe tracks reservations in memory.
type mockDedupe struct {
	reserved map[string]bool
	released []string
}

func newMockDedupe() *mockDedupe {
	return &mockDedupe{reserved: make(map[string]bool)}
}

func (m *mockDedupe) Reserve(ctx context.Context, id string) error {
	if m.reserved[id] {
		return redis.ErrAlreadySent
	}
	m.reserved[id] = true
	return nil
}

func (m *mockDedupe) Release(ctx context.Context, id string) error {
	m.released = append(m.released, id)
	delete(m.reserved, id)
	return nil
}

// mockDispatcher scripts dispatch outcomes.
type mockDispatcher struct {
	succeed       bool
	channel       dispatch.Channel
	sendCalls     int
	fallbackCalls int
	bulkCalls     int
	bulkResults   []dispatch.Result
}

func (m *mockDispatcher) result() dispatch.Result {
	if m.succeed {
		return dispatch.Result{Success: true, Channel: m.channel, MessageID: "msg-1"}
	}
	return dispatch.Result{Success: false, Channel: m.channel, Err: errors.New("provider down")}
}

func (m *mockDispatcher) Send(ctx context.Context, notif *db.Notification, prefs dispatch.Preferences) dispatch.Result {
	m.sendCalls++
	return m.result()
}

func (m *mockDispatcher) SendWithFallback(ctx context.Context, notif *db.Notification, prefs dispatch.Preferences, chain ...dispatch.Channel) dispatch.Result {
	m.fallbackCalls++
	return m.result()
}

func (m *mockDispatcher) SendBulk(ctx context.Context, notifs []*db.Notification, prefs []dispatch.Preferences) []dispatch.Result {
	m.bulkCalls++
	return m.bulkResults
}

type testEnv struct {
	svc        *Service
	repo       *mockRepo
	campaigns  *mockCampaigns
	throttle   *mockThrottle
	dedupe     *mockDedupe
	dispatcher *mockDispatcher
	queues     Queues
}

func setupTestService(t *testing.T) (*testEnv, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := redis.NewFromAddr(mr.Addr(), zap.NewNop())
	env := &testEnv{
		repo:       newMockRepo(),
		campaigns:  &mockCampaigns{},
		throttle:   &mockThrottle{allowed: true},
		dedupe:     newMockDedupe(),
		dispatcher: &mockDispatcher{succeed: true, channel: dispatch.ChannelPush},
		queues: Queues{
			Process: queue.New(queue.QueueProcess, queue.SinglePolicy, client, zap.NewNop()),
			Bulk:    queue.New(queue.QueueBulk, queue.BulkPolicy, client, zap.NewNop()),
			Retry:   queue.New(queue.QueueRetry, queue.SweepPolicy, client, zap.NewNop()),
		},
	}
	env.svc = New(env.repo, env.campaigns, env.throttle, env.dedupe, env.dispatcher, env.queues, zap.NewNop())

	return env, func() {
		client.Close()
		mr.Close()
	}
}

func activeCampaign() *campaign.Campaign {
	return &campaign.Campaign{
		Key:    "streak_at_risk",
		Name:   "Streak Reminder",
		Active: true,
		Templates: map[dispatch.Channel]campaign.Template{
			dispatch.ChannelPush:  {Ref: "streak_push", Title: "Keep it going!", Body: "Vote today"},
			dispatch.ChannelInApp: {Ref: "streak_inapp", Title: "Keep it going!", Body: "Vote today"},
		},
		Throttle: campaign.Throttle{MaxPerDay: 3},
	}
}

func TestCreatePersistsAndEnqueues(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	notif, err := env.svc.Create(ctx, CreateRequest{
		UserID:  uuid.New(),
		Type:    db.TypeBattleLive,
		Channel: dispatch.ChannelPush,
		Title:   "Battle is live",
		Message: "Go vote",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if notif.Status != db.StatusPending {
		t.Errorf("new notification should be pending, got %q", notif.Status)
	}
	if _, ok := env.repo.notifs[notif.ID]; !ok {
		t.Error("notification should be persisted")
	}

	job, err := env.queues.Process.Pop(ctx)
	if err != nil || job == nil {
		t.Fatalf("expected a queued job, got %v, %v", job, err)
	}
	if job.Kind != queue.KindSingle {
		t.Errorf("expected single job, got %q", job.Kind)
	}
	if job.Item.NotificationID != notif.ID {
		t.Error("job should reference the created notification")
	}
}

func TestCreateFromCampaignHappyPath(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()

	env.campaigns.campaign = activeCampaign()
	userID := uuid.New()

	ctx := context.Background()
	notif, err := env.svc.CreateFromCampaign(ctx, "streak_at_risk", userID, nil)
	if err != nil {
		t.Fatalf("create from campaign failed: %v", err)
	}
	if notif.CampaignKey == nil || *notif.CampaignKey != "streak_at_risk" {
		t.Error("notification should carry the campaign key")
	}
	if notif.Channel != "push" {
		t.Errorf("expected push (first fallback channel with a template), got %q", notif.Channel)
	}
	if env.throttle.calls != 1 {
		t.Errorf("throttle must be consulted exactly once, got %d", env.throttle.calls)
	}

	job, _ := env.queues.Process.Pop(ctx)
	if job == nil {
		t.Fatal("expected a queued job")
	}
	if !job.Options.Fallback {
		t.Error("campaign sends should walk the fallback chain")
	}
	if job.Item.Variables["template"] != "streak_push" {
		t.Errorf("job should carry the resolved template ref, got %v", job.Item.Variables)
	}
}

func TestCreateFromCampaignInactive(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()

	camp := activeCampaign()
	camp.Active = false
	env.campaigns.campaign = camp

	_, err := env.svc.CreateFromCampaign(context.Background(), "streak_at_risk", uuid.New(), nil)
	if !errors.Is(err, ErrCampaignInactive) {
		t.Errorf("expected ErrCampaignInactive, got %v", err)
	}
}

func TestCreateFromCampaignUnknownKey(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()

	_, err := env.svc.CreateFromCampaign(context.Background(), "nope", uuid.New(), nil)
	if !errors.Is(err, campaign.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateFromCampaignThrottled(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()

	env.campaigns.campaign = activeCampaign()
	env.throttle.allowed = false
	env.throttle.limit = redis.LimitDaily

	ctx := context.Background()
	_, err := env.svc.CreateFromCampaign(ctx, "streak_at_risk", uuid.New(), nil)
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}

	// Nothing persisted, nothing enqueued.
	if len(env.repo.notifs) != 0 {
		t.Error("throttled sends must not be persisted")
	}
	if job, _ := env.queues.Process.Pop(ctx); job != nil {
		t.Error("throttled sends must not be enqueued")
	}
}

func TestCreateFromCampaignHonorsOptOut(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()

	env.campaigns.campaign = activeCampaign()
	userID := uuid.New()
	env.repo.prefs = []*db.ChannelPreference{
		{UserID: userID, Type: "streak_at_risk", Channel: "push", Enabled: false},
	}

	notif, err := env.svc.CreateFromCampaign(context.Background(), "streak_at_risk", userID, nil)
	if err != nil {
		t.Fatalf("create should fall through to the next channel: %v", err)
	}
	if notif.Channel != "inapp" {
		t.Errorf("push opt-out should pick the inapp template, got %q", notif.Channel)
	}
}

func TestCreateFromCampaignNoReceivableChannel(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()

	camp := activeCampaign()
	camp.Templates = map[dispatch.Channel]campaign.Template{
		dispatch.ChannelPush: {Ref: "push_only"},
	}
	env.campaigns.campaign = camp

	userID := uuid.New()
	env.repo.prefs = []*db.ChannelPreference{
		{UserID: userID, Type: "streak_at_risk", Channel: "push", Enabled: false},
	}

	_, err := env.svc.CreateFromCampaign(context.Background(), "streak_at_risk", userID, nil)
	if !errors.Is(err, ErrChannelUnsupported) {
		t.Errorf("expected ErrChannelUnsupported, got %v", err)
	}
}

func TestHandleSingleJobSuccess(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	notif, _ := env.svc.Create(ctx, CreateRequest{
		UserID: uuid.New(), Type: db.TypeBattleLive, Channel: dispatch.ChannelPush,
	})
	job, _ := env.queues.Process.Pop(ctx)

	if err := env.svc.HandleSingleJob(ctx, job); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if env.dispatcher.sendCalls != 1 {
		t.Errorf("expected one direct send, got %d", env.dispatcher.sendCalls)
	}
	if env.repo.notifs[notif.ID].Status != db.StatusSent {
		t.Errorf("expected sent status, got %q", env.repo.notifs[notif.ID].Status)
	}
}

func TestHandleSingleJobInAppMarksDelivered(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()

	env.dispatcher.channel = dispatch.ChannelInApp

	ctx := context.Background()
	notif, _ := env.svc.Create(ctx, CreateRequest{
		UserID: uuid.New(), Type: db.TypeBattleLive, Channel: dispatch.ChannelInApp,
	})
	job, _ := env.queues.Process.Pop(ctx)

	if err := env.svc.HandleSingleJob(ctx, job); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if env.repo.notifs[notif.ID].Status != db.StatusDelivered {
		t.Errorf("in-app delivery should mark delivered, got %q", env.repo.notifs[notif.ID].Status)
	}
}

func TestHandleSingleJobUsesFallbackWhenRequested(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	env.svc.Create(ctx, CreateRequest{
		UserID: uuid.New(), Type: db.TypeBattleLive, Channel: dispatch.ChannelPush,
		Fallback: true,
	})
	job, _ := env.queues.Process.Pop(ctx)

	if err := env.svc.HandleSingleJob(ctx, job); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if env.dispatcher.fallbackCalls != 1 || env.dispatcher.sendCalls != 0 {
		t.Errorf("expected fallback path, got fallback=%d send=%d",
			env.dispatcher.fallbackCalls, env.dispatcher.sendCalls)
	}
}

func TestHandleSingleJobSkipsAlreadySentNotification(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	notif, _ := env.svc.Create(ctx, CreateRequest{
		UserID: uuid.New(), Type: db.TypeBattleLive, Channel: dispatch.ChannelPush,
	})
	job, _ := env.queues.Process.Pop(ctx)

	env.repo.notifs[notif.ID].Status = db.StatusSent

	if err := env.svc.HandleSingleJob(ctx, job); err != nil {
		t.Fatalf("redelivered job for a sent notification should be a no-op: %v", err)
	}
	if env.dispatcher.sendCalls != 0 {
		t.Error("already-sent notification must not be dispatched again")
	}
}

func TestHandleSingleJobDedupeBlocksSecondDelivery(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	notif, _ := env.svc.Create(ctx, CreateRequest{
		UserID: uuid.New(), Type: db.TypeBattleLive, Channel: dispatch.ChannelPush,
	})
	job, _ := env.queues.Process.Pop(ctx)

	env.dedupe.reserved[notif.ID.String()] = true

	if err := env.svc.HandleSingleJob(ctx, job); err != nil {
		t.Fatalf("reserved notification should be treated as done: %v", err)
	}
	if env.dispatcher.sendCalls != 0 {
		t.Error("reserved notification must not be dispatched")
	}
}

func TestHandleSingleJobFailureReleasesDedupe(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()

	env.dispatcher.succeed = false

	ctx := context.Background()
	notif, _ := env.svc.Create(ctx, CreateRequest{
		UserID: uuid.New(), Type: db.TypeBattleLive, Channel: dispatch.ChannelPush,
	})
	job, _ := env.queues.Process.Pop(ctx)

	err := env.svc.HandleSingleJob(ctx, job)
	if err == nil {
		t.Fatal("failed dispatch should surface an error so the worker retries")
	}
	if env.repo.notifs[notif.ID].Status != db.StatusFailed {
		t.Errorf("expected failed status, got %q", env.repo.notifs[notif.ID].Status)
	}
	if env.repo.notifs[notif.ID].ErrorMessage == nil {
		t.Error("failure should record the error message")
	}
	if len(env.dedupe.released) != 1 {
		t.Error("failed delivery must release the dedupe reservation for the retry")
	}
}

func TestHandleBulkJobPartialFailure(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	notifs, err := env.svc.CreateBulk(ctx, []CreateRequest{
		{UserID: uuid.New(), Type: db.TypeBattleLive, Channel: dispatch.ChannelInApp},
		{UserID: uuid.New(), Type: db.TypeBattleLive, Channel: dispatch.ChannelInApp},
	})
	if err != nil {
		t.Fatalf("create bulk failed: %v", err)
	}

	env.dispatcher.bulkResults = []dispatch.Result{
		{Success: true, Channel: dispatch.ChannelInApp, MessageID: "m1"},
		{Success: false, Channel: dispatch.ChannelInApp, Err: errors.New("down")},
	}

	job, _ := env.queues.Bulk.Pop(ctx)
	if job == nil || job.Kind != queue.KindBulk {
		t.Fatalf("expected bulk job, got %+v", job)
	}

	if err := env.svc.HandleBulkJob(ctx, job); err != nil {
		t.Fatalf("partial failure should not fail the whole job: %v", err)
	}
	if env.repo.notifs[notifs[0].ID].Status != db.StatusDelivered {
		t.Errorf("first item should be delivered, got %q", env.repo.notifs[notifs[0].ID].Status)
	}
	if env.repo.notifs[notifs[1].ID].Status != db.StatusFailed {
		t.Errorf("second item should be failed, got %q", env.repo.notifs[notifs[1].ID].Status)
	}
}

func TestHandleBulkJobAllFailed(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	env.svc.CreateBulk(ctx, []CreateRequest{
		{UserID: uuid.New(), Type: db.TypeBattleLive, Channel: dispatch.ChannelPush},
	})

	env.dispatcher.bulkResults = []dispatch.Result{
		{Success: false, Channel: dispatch.ChannelPush, Err: errors.New("down")},
	}

	job, _ := env.queues.Bulk.Pop(ctx)
	if err := env.svc.HandleBulkJob(ctx, job); err == nil {
		t.Error("a fully failed batch should fail the job for a retry")
	}
}

func TestHandleRetrySweepReenqueuesFailures(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()

	failed := &db.Notification{
		ID:      uuid.New(),
		UserID:  uuid.New(),
		Type:    db.TypeBattleLive,
		Channel: "push",
		Status:  db.StatusFailed,
	}
	env.repo.failed = []*db.Notification{failed}

	ctx := context.Background()
	sweep := &queue.Job{ID: uuid.New(), Kind: queue.KindRetry, MaxRetries: 3}
	if err := env.svc.HandleRetrySweep(ctx, sweep); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	job, _ := env.queues.Process.Pop(ctx)
	if job == nil {
		t.Fatal("sweep should re-enqueue a single-send job")
	}
	if job.Item.NotificationID != failed.ID {
		t.Error("re-enqueued job should reference the failed notification")
	}
	if !job.Options.Fallback {
		t.Error("retried sends should walk the fallback chain")
	}
}

func TestScheduleRetrySweepIsDelayed(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	if err := env.svc.ScheduleRetrySweep(ctx, 3); err != nil {
		t.Fatalf("schedule failed: %v", err)
	}

	// The sweep carries a fixed delay; it must not be ready immediately.
	env.queues.Retry.PromoteDue(ctx)
	if job, _ := env.queues.Retry.Pop(ctx); job != nil {
		t.Error("sweep job should sit in the delayed set until its delay elapses")
	}
}

func TestUserSettingsCanReceive(t *testing.T) {
	userID := uuid.New()
	repo := newMockRepo()
	repo.prefs = []*db.ChannelPreference{
		{UserID: userID, Type: db.TypeBattleLive, Channel: "push", Enabled: false},
		{UserID: userID, Type: db.TypeBattleLive, Channel: "email", Enabled: true},
	}

	settings, err := loadUserSettings(context.Background(), repo, userID)
	if err != nil {
		t.Fatalf("load settings failed: %v", err)
	}

	tests := []struct {
		notifType string
		channel   dispatch.Channel
		want      bool
	}{
		{db.TypeBattleLive, dispatch.ChannelPush, false},   // explicit opt-out
		{db.TypeBattleLive, dispatch.ChannelEmail, true},   // explicit opt-in
		{db.TypeBattleLive, dispatch.ChannelInApp, true},   // no row means opted in
		{db.TypeStreakAtRisk, dispatch.ChannelPush, true},  // opt-out is per type
	}

	for _, tt := range tests {
		if got := settings.CanReceive(tt.notifType, tt.channel); got != tt.want {
			t.Errorf("CanReceive(%s, %s) = %v, want %v", tt.notifType, tt.channel, got, tt.want)
		}
	}

	var nilSettings *UserSettings
	if !nilSettings.CanReceive(db.TypeBattleLive, dispatch.ChannelPush) {
		t.Error("nil settings should mean no restrictions")
	}
}
