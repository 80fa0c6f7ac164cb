package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/afroverse/notify/internal/db"
	"github.com/afroverse/notify/internal/dispatch"
)

// ErrCircuitOpen is returned while a provider is being shielded from
// traffic after repeated failures.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the circuit position.
//
//	closed -> open:      consecutive failures reach the threshold
//	open -> half-open:   recovery timeout elapses
//	half-open -> closed: the probe request succeeds
//	half-open -> open:   the probe request fails
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig tunes a BreakerSender.
type BreakerConfig struct {
	Name            string
	MaxFailures     int
	RecoveryTimeout time.Duration
}

// BreakerSender wraps another sender with a circuit breaker so a
// systemically failing provider fails fast instead of eating a worker
// slot per job. Off by default; dispatch documents per-job retries as the
// baseline recovery mechanism.
type BreakerSender struct {
	inner  dispatch.Sender
	config BreakerConfig
	logger *zap.Logger

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	probing     bool

	rejected int64
}

// NewBreakerSender wraps inner with a breaker. Defaults: 5 consecutive
// failures to open, 30s recovery timeout.
func NewBreakerSender(inner dispatch.Sender, cfg BreakerConfig, logger *zap.Logger) *BreakerSender {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	return &BreakerSender{inner: inner, config: cfg, logger: logger, state: BreakerClosed}
}

// Send delegates to the wrapped sender when the circuit allows it.
func (b *BreakerSender) Send(ctx context.Context, notif *db.Notification, prefs dispatch.Preferences) (string, error) {
	if !b.allow() {
		return "", ErrCircuitOpen
	}

	id, err := b.inner.Send(ctx, notif, prefs)
	if err != nil {
		b.recordFailure()
		return "", err
	}
	b.recordSuccess()
	return id, nil
}

func (b *BreakerSender) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.lastFailure) >= b.config.RecoveryTimeout {
			b.state = BreakerHalfOpen
			b.probing = true
			b.logger.Info("circuit breaker probing", zap.String("name", b.config.Name))
			return true
		}
		b.rejected++
		return false
	case BreakerHalfOpen:
		// one probe at a time
		if !b.probing {
			b.probing = true
			return true
		}
		b.rejected++
		return false
	}
	return false
}

func (b *BreakerSender) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	if b.state != BreakerClosed {
		b.state = BreakerClosed
		b.logger.Info("circuit breaker closed", zap.String("name", b.config.Name))
	}
}

func (b *BreakerSender) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()
	b.probing = false

	switch b.state {
	case BreakerClosed:
		if b.failures >= b.config.MaxFailures {
			b.state = BreakerOpen
			b.logger.Warn("circuit breaker opened",
				zap.String("name", b.config.Name),
				zap.Int("failures", b.failures),
			)
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.logger.Warn("circuit breaker re-opened, probe failed",
			zap.String("name", b.config.Name),
		)
	}
}

// State returns the current circuit position.
func (b *BreakerSender) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats merges the wrapped sender's counters with the breaker's own.
func (b *BreakerSender) Stats() map[string]any {
	b.mu.Lock()
	stats := map[string]any{
		"breaker_state":    b.state.String(),
		"breaker_rejected": b.rejected,
	}
	b.mu.Unlock()

	if src, ok := b.inner.(dispatch.StatsSource); ok {
		for k, v := range src.Stats() {
			stats[k] = v
		}
	}
	return stats
}
