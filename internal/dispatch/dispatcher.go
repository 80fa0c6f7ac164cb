// Package dispatch routes notifications to channel senders and implements
// the fallback, fan-out and bulk delivery policies.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/afroverse/notify/internal/db"
	"github.com/afroverse/notify/internal/metrics"
)

var (
	// ErrNoSender means no sender is registered for the notification's channel.
	ErrNoSender = errors.New("no sender registered for channel")

	// ErrAllChannelsFailed means every channel in a fallback chain was
	// skipped by user preferences or failed at the provider.
	ErrAllChannelsFailed = errors.New("all channels failed")

	// ErrSkipped means the user has opted out of the channel for this type.
	ErrSkipped = errors.New("skipped by user preference")
)

// Dispatcher holds the channel registry and fallback configuration.
// Construct one at process start and inject it; registry mutation is an
// administrative action, not a per-request operation.
type Dispatcher struct {
	mu       sync.RWMutex
	registry map[Channel]Sender
	fallback []Channel

	logger *zap.Logger
}

// New creates a Dispatcher with the default fallback chain
// push -> inapp -> whatsapp -> email.
func New(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry: make(map[Channel]Sender),
		fallback: AllChannels(),
		logger:   logger,
	}
}

// Register upserts the sender for a channel. Last registration wins.
func (d *Dispatcher) Register(ch Channel, s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, replacing := d.registry[ch]; replacing {
		d.logger.Info("replacing channel sender", zap.String("channel", ch.String()))
	}
	d.registry[ch] = s
}

// SetFallbackChain replaces the default chain used by SendWithFallback.
func (d *Dispatcher) SetFallbackChain(chain []Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = append([]Channel(nil), chain...)
}

// FallbackChain returns a copy of the current default chain.
func (d *Dispatcher) FallbackChain() []Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Channel(nil), d.fallback...)
}

func (d *Dispatcher) sender(ch Channel) (Sender, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.registry[ch]
	return s, ok
}

// Send delivers the notification on its own channel. Errors are reported
// in the Result, never returned: this sits on a hot path serving many
// users and one misconfigured channel must not abort a batch.
func (d *Dispatcher) Send(ctx context.Context, notif *db.Notification, prefs Preferences) Result {
	ch, err := ParseChannel(notif.Channel)
	if err != nil {
		return d.finish(notif, failure(Channel(notif.Channel), err))
	}

	s, ok := d.sender(ch)
	if !ok {
		return d.finish(notif, failure(ch, fmt.Errorf("%w: %s", ErrNoSender, ch)))
	}

	messageID, err := s.Send(ctx, notif, prefs)
	if err != nil {
		return d.finish(notif, failure(ch, err))
	}
	return d.finish(notif, success(ch, messageID))
}

// SendWithFallback walks the given chain (or the default when none is
// given) in order, skipping channels the user opted out of, and returns
// on the first success. Attempts are strictly sequential: racing channels
// would risk duplicate delivery and duplicate provider cost. At most one
// successful delivery is made per call.
func (d *Dispatcher) SendWithFallback(ctx context.Context, notif *db.Notification, prefs Preferences, chain ...Channel) Result {
	if len(chain) == 0 {
		chain = d.FallbackChain()
	}
	if len(chain) == 0 {
		return failure("", ErrAllChannelsFailed)
	}

	for i, ch := range chain {
		if prefs != nil && !prefs.CanReceive(notif.Type, ch) {
			d.logger.Debug("channel skipped by preference",
				zap.String("notification_id", notif.ID.String()),
				zap.String("channel", ch.String()),
			)
			continue
		}

		notif.Channel = ch.String()
		res := d.Send(ctx, notif, prefs)
		if res.Success {
			metrics.RecordFallbackDepth(i + 1)
			return res
		}
	}

	return failure("", ErrAllChannelsFailed)
}

// SendToMultipleChannels attempts every listed channel regardless of prior
// outcomes and returns one Result per entry. A channel listed twice is
// attempted twice; deduplication belongs to the caller.
func (d *Dispatcher) SendToMultipleChannels(ctx context.Context, notif *db.Notification, prefs Preferences, chain []Channel) []Result {
	results := make([]Result, 0, len(chain))
	for _, ch := range chain {
		if prefs != nil && !prefs.CanReceive(notif.Type, ch) {
			results = append(results, failure(ch, ErrSkipped))
			continue
		}
		notif.Channel = ch.String()
		results = append(results, d.Send(ctx, notif, prefs))
	}
	return results
}

// SendBulk partitions notifications by channel, keeping preferences
// aligned, and hands each group to the sender's SendBulk when it supports
// batching, else loops Send per item. Results come back in input order.
func (d *Dispatcher) SendBulk(ctx context.Context, notifs []*db.Notification, prefs []Preferences) []Result {
	type item struct {
		idx   int
		notif *db.Notification
		prefs Preferences
	}

	groups := make(map[Channel][]item)
	order := make([]Channel, 0, 4)
	results := make([]Result, len(notifs))

	for i, n := range notifs {
		var p Preferences
		if i < len(prefs) {
			p = prefs[i]
		}
		ch, err := ParseChannel(n.Channel)
		if err != nil {
			results[i] = failure(Channel(n.Channel), err)
			continue
		}
		if _, seen := groups[ch]; !seen {
			order = append(order, ch)
		}
		groups[ch] = append(groups[ch], item{idx: i, notif: n, prefs: p})
	}

	for _, ch := range order {
		group := groups[ch]
		s, ok := d.sender(ch)
		if !ok {
			err := fmt.Errorf("%w: %s", ErrNoSender, ch)
			for _, it := range group {
				results[it.idx] = d.finish(it.notif, failure(ch, err))
			}
			continue
		}

		if bs, batch := s.(BulkSender); batch {
			ns := make([]*db.Notification, len(group))
			ps := make([]Preferences, len(group))
			for i, it := range group {
				ns[i] = it.notif
				ps[i] = it.prefs
			}
			for i, res := range bs.SendBulk(ctx, ns, ps) {
				if i < len(group) {
					results[group[i].idx] = d.finish(ns[i], res)
				}
			}
			continue
		}

		for _, it := range group {
			results[it.idx] = d.Send(ctx, it.notif, it.prefs)
		}
	}

	return results
}

// Stats reports the registry and fallback configuration plus per-sender
// counters for senders that expose them.
func (d *Dispatcher) Stats() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()

	channels := make([]string, 0, len(d.registry))
	senders := make(map[string]any)
	for ch, s := range d.registry {
		channels = append(channels, ch.String())
		if src, ok := s.(StatsSource); ok {
			senders[ch.String()] = src.Stats()
		}
	}

	chain := make([]string, len(d.fallback))
	for i, ch := range d.fallback {
		chain[i] = ch.String()
	}

	return map[string]any{
		"registered":     len(d.registry),
		"channels":       channels,
		"fallback_chain": chain,
		"senders":        senders,
	}
}

func (d *Dispatcher) finish(notif *db.Notification, res Result) Result {
	metrics.RecordDispatch(res.Channel.String(), res.Success)

	if res.Success {
		d.logger.Info("notification dispatched",
			zap.String("notification_id", notif.ID.String()),
			zap.String("channel", res.Channel.String()),
			zap.String("message_id", res.MessageID),
		)
	} else {
		d.logger.Warn("notification dispatch failed",
			zap.String("notification_id", notif.ID.String()),
			zap.String("channel", res.Channel.String()),
			zap.Error(res.Err),
		)
	}
	return res
}
