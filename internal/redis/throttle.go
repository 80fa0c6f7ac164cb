package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/afroverse/notify/internal/campaign"
	"github.com/afroverse/notify/internal/metrics"
)

// Throttle limit kinds reported in ThrottleResult.Limit.
const (
	LimitCooldown = "cooldown"
	LimitHourly   = "hourly"
	LimitDaily    = "daily"
)

// ThrottleResult reports whether a campaign notification may be sent to a
// user, and which limit blocked it when not.
type ThrottleResult struct {
	Allowed bool
	Limit   string // which cap rejected the send, "" when allowed
	ResetAt time.Time
}

// Throttle enforces a campaign's per-user rate limits: cooldown since the
// last send, plus hourly and daily sliding windows. The campaign model only
// stores the numbers; this is where they are counted and applied, checked
// by the notification service before enqueueing.
type Throttle struct {
	client *Client
	logger *zap.Logger
}

// NewThrottle creates the throttle guard.
func NewThrottle(client *Client, logger *zap.Logger) *Throttle {
	return &Throttle{client: client, logger: logger}
}

func throttleKey(window, campaignKey, userID string) string {
	return fmt.Sprintf("throttle:%s:%s:%s", window, campaignKey, userID)
}

// Allow checks all three caps for (campaign, user) and, when every cap
// passes, records the send in the hourly and daily windows and arms the
// cooldown. A zero value disables the corresponding cap.
func (t *Throttle) Allow(ctx context.Context, campaignKey, userID string, settings campaign.Throttle) (*ThrottleResult, error) {
	now := time.Now()

	if settings.PerUserCooldownMinutes > 0 {
		key := throttleKey("cooldown", campaignKey, userID)
		ttl, err := t.client.rdb.TTL(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("redis ttl failed: %w", err)
		}
		if ttl > 0 {
			metrics.RecordThrottleRejection(campaignKey, LimitCooldown)
			return &ThrottleResult{Allowed: false, Limit: LimitCooldown, ResetAt: now.Add(ttl)}, nil
		}
	}

	if res, err := t.checkWindow(ctx, campaignKey, userID, "hourly", settings.MaxPerHour, time.Hour, now); err != nil || res != nil {
		return res, err
	}
	if res, err := t.checkWindow(ctx, campaignKey, userID, "daily", settings.MaxPerDay, 24*time.Hour, now); err != nil || res != nil {
		return res, err
	}

	if err := t.record(ctx, campaignKey, userID, settings, now); err != nil {
		return nil, err
	}
	return &ThrottleResult{Allowed: true}, nil
}

// checkWindow returns a rejection result when the sliding window is full,
// nil when the send may proceed.
func (t *Throttle) checkWindow(ctx context.Context, campaignKey, userID, window string, limit int, span time.Duration, now time.Time) (*ThrottleResult, error) {
	if limit <= 0 {
		return nil, nil
	}

	key := throttleKey(window, campaignKey, userID)
	windowStart := now.Add(-span)

	pipe := t.client.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	if int(countCmd.Val()) >= limit {
		kind := LimitHourly
		if window == "daily" {
			kind = LimitDaily
		}
		metrics.RecordThrottleRejection(campaignKey, kind)
		t.logger.Debug("campaign throttled",
			zap.String("campaign", campaignKey),
			zap.String("user_id", userID),
			zap.String("limit", kind),
		)
		return &ThrottleResult{Allowed: false, Limit: kind, ResetAt: now.Add(span)}, nil
	}
	return nil, nil
}

// record stamps the send into both windows and arms the cooldown key.
func (t *Throttle) record(ctx context.Context, campaignKey, userID string, settings campaign.Throttle, now time.Time) error {
	member := fmt.Sprintf("%d", now.UnixNano())
	pipe := t.client.rdb.Pipeline()

	if settings.MaxPerHour > 0 {
		key := throttleKey("hourly", campaignKey, userID)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
		pipe.Expire(ctx, key, time.Hour+time.Second)
	}
	if settings.MaxPerDay > 0 {
		key := throttleKey("daily", campaignKey, userID)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
		pipe.Expire(ctx, key, 24*time.Hour+time.Second)
	}
	if settings.PerUserCooldownMinutes > 0 {
		key := throttleKey("cooldown", campaignKey, userID)
		pipe.Set(ctx, key, "1", time.Duration(settings.PerUserCooldownMinutes)*time.Minute)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis record send failed: %w", err)
	}
	return nil
}
