// Package queue implements the three durable Redis-backed job queues
// (single send, bulk send, retry sweep) and the worker loop that drains
// them with per-queue retry policies.
package queue

import (
	"time"

	"github.com/google/uuid"
)

// Queue names. Each owns a ready list, a delayed set, and capped
// completed/failed lists under this prefix.
const (
	QueueProcess = "notify:process"
	QueueBulk    = "notify:bulk"
	QueueRetry   = "notify:retry"
)

// Job kinds.
const (
	KindSingle = "single"
	KindBulk   = "bulk"
	KindRetry  = "retry_sweep"
)

// Item is one notification reference inside a job: enough to reconstruct
// a dispatch call without reloading unrelated state.
type Item struct {
	NotificationID uuid.UUID         `json:"notification_id"`
	UserID         uuid.UUID         `json:"user_id"`
	Type           string            `json:"type"`
	Channel        string            `json:"channel"`
	Variables      map[string]string `json:"variables,omitempty"`
}

// Options tune one dispatch call.
type Options struct {
	Fallback bool     `json:"fallback,omitempty"` // walk the fallback chain instead of a single channel
	Channels []string `json:"channels,omitempty"` // explicit chain / fan-out list
}

// Job is the unit of work carried through Redis. Single jobs use Item,
// bulk jobs use Items, retry sweeps use MaxRetries.
type Job struct {
	ID         uuid.UUID `json:"id"`
	Kind       string    `json:"kind"`
	Item       *Item     `json:"item,omitempty"`
	Items      []Item    `json:"items,omitempty"`
	Options    Options   `json:"options"`
	MaxRetries int       `json:"max_retries,omitempty"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// RetryPolicy is the backoff contract attached to each queue, executed by
// the worker loop rather than delegated to a queue library.
type RetryPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
}

// Delay returns how long to wait before the given attempt number
// (1-based): InitialDelay doubled (or multiplied) per prior failure.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= p.BackoffMultiplier
	}
	return time.Duration(d)
}

// Per-queue policies. Single sends retry hardest (2s, 4s, 8s); bulk
// failures are costlier to repeat blindly so they back off gentler and
// give up sooner; the retry sweep runs once per job with a fixed delay
// and relies on its own cadence instead of per-job attempts.
var (
	SinglePolicy = RetryPolicy{MaxAttempts: 3, InitialDelay: 2 * time.Second, BackoffMultiplier: 2}
	BulkPolicy   = RetryPolicy{MaxAttempts: 2, InitialDelay: 5 * time.Second, BackoffMultiplier: 2}
	SweepPolicy  = RetryPolicy{MaxAttempts: 1, InitialDelay: 30 * time.Second, BackoffMultiplier: 2}
)
