package redis

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// dedupeTTL is how long a delivery reservation is held. Long enough to
// cover every retry of a queue job, short enough not to block a genuine
// re-send of the same logical notification later.
const dedupeTTL = 24 * time.Hour

// ErrAlreadySent indicates the notification was already delivered by an
// earlier attempt of a redelivered queue job.
var ErrAlreadySent = errors.New("notification already delivered")

// Dedupe guarantees at-most-once delivery per logical notification when
// the queue redelivers a job whose previous attempt succeeded after the
// worker crashed between send and acknowledgement.
type Dedupe struct {
	client *Client
}

// NewDedupe creates the send deduplication service.
func NewDedupe(client *Client) *Dedupe {
	return &Dedupe{client: client}
}

func dedupeKey(notificationID string) string {
	return fmt.Sprintf("dedupe:sent:%s", notificationID)
}

// Reserve atomically claims the notification for delivery using SET NX.
// Returns ErrAlreadySent when another attempt already delivered it.
func (d *Dedupe) Reserve(ctx context.Context, notificationID string) error {
	set, err := d.client.rdb.SetNX(ctx, dedupeKey(notificationID), "1", dedupeTTL).Result()
	if err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		return ErrAlreadySent
	}
	return nil
}

// Release frees the reservation after a failed delivery so a retry can
// claim it again.
func (d *Dedupe) Release(ctx context.Context, notificationID string) error {
	if err := d.client.rdb.Del(ctx, dedupeKey(notificationID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
