package dispatch

import (
	"context"

	"github.com/afroverse/notify/internal/db"
)

// Preferences exposes a user's opt-in state. The dispatcher checks it
// before each fallback attempt; senders may consult it for addressing.
type Preferences interface {
	CanReceive(notifType string, ch Channel) bool
}

// Sender delivers one notification to one user via an external provider.
// Implementations return the provider message ID on success. Provider-side
// failures (bad recipient, auth, template missing, rate limited) come back
// as ordinary errors; the dispatcher converts them to Result values and
// they never abort a batch.
type Sender interface {
	Send(ctx context.Context, notif *db.Notification, prefs Preferences) (string, error)
}

// BulkSender is an optional capability for batch-capable providers.
// Notifications and preferences are index-aligned.
type BulkSender interface {
	SendBulk(ctx context.Context, notifs []*db.Notification, prefs []Preferences) []Result
}

// StatsSource is an optional capability for senders that track their own
// delivery counters, surfaced through Dispatcher.Stats.
type StatsSource interface {
	Stats() map[string]any
}

// Result is the outcome of one delivery attempt. Failures are carried in
// Err rather than returned as a Go error so that one bad channel cannot
// abort processing of other users or channels.
type Result struct {
	Success   bool    `json:"success"`
	Channel   Channel `json:"channel"`
	MessageID string  `json:"message_id,omitempty"`
	Err       error   `json:"-"`
}

// ErrorMessage returns the failure text, or "" on success.
func (r Result) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

func failure(ch Channel, err error) Result {
	return Result{Success: false, Channel: ch, Err: err}
}

func success(ch Channel, messageID string) Result {
	return Result{Success: true, Channel: ch, MessageID: messageID}
}
