// Package campaign models named notification campaigns: per-channel
// templates, targeting, throttle limits, and deterministic A/B bucketing.
// Campaigns are read-only at dispatch time.
package campaign

import (
	"errors"
	"fmt"
	"time"

	"github.com/afroverse/notify/internal/dispatch"
)

var ErrNotFound = errors.New("campaign not found")

// Template identifies the content to render for one channel. Rendering is
// the provider's concern; here a template is an opaque reference plus
// optional title/body defaults used by channels without template support.
type Template struct {
	Ref   string `json:"ref"`
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

// Variant is one A/B test arm. Weight is a positive integer; selection
// probability is Weight over the sum of all variant weights.
type Variant struct {
	Name      string                        `json:"name"`
	Weight    int                           `json:"weight"`
	Templates map[dispatch.Channel]Template `json:"templates,omitempty"`
}

// Throttle carries the per-campaign rate limits. The campaign only stores
// these numbers; counting happens against notification history elsewhere.
type Throttle struct {
	PerUserCooldownMinutes int `json:"per_user_cooldown_minutes"`
	MaxPerDay              int `json:"max_per_day"`
	MaxPerHour             int `json:"max_per_hour"`
}

// Targeting describes which users a campaign addresses. Rules are opaque
// to the dispatch engine and evaluated by the audience builder upstream.
type Targeting struct {
	Audience string         `json:"audience"`
	Rules    map[string]any `json:"rules,omitempty"`
}

// ABTesting configures variant assignment for a campaign.
type ABTesting struct {
	Enabled  bool      `json:"enabled"`
	Variants []Variant `json:"variants,omitempty"`
}

// Campaign is a named, reusable notification configuration. Key is
// globally unique (enforced by storage).
type Campaign struct {
	Key         string                        `json:"key"`
	Name        string                        `json:"name"`
	Templates   map[dispatch.Channel]Template `json:"templates"`
	Targeting   Targeting                     `json:"targeting"`
	Throttle    Throttle                      `json:"throttle"`
	ABTesting   ABTesting                     `json:"ab_testing"`
	Active      bool                          `json:"active"`
	Priority    int                           `json:"priority"`
	ScheduledAt *time.Time                    `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time                     `json:"created_at"`
	UpdatedAt   time.Time                     `json:"updated_at"`
}

// Validate checks the invariants admin tooling must not violate.
func (c *Campaign) Validate() error {
	if c.Key == "" {
		return errors.New("campaign key is required")
	}
	for _, v := range c.ABTesting.Variants {
		if v.Weight <= 0 {
			return fmt.Errorf("variant %q: weight must be a positive integer", v.Name)
		}
	}
	return nil
}

// VariantForUser deterministically buckets a user into an A/B arm.
// It is a pure function of (userID, campaign key): a 32-bit multiply-by-31
// rolling hash of userID+key, folded to non-negative, reduced modulo the
// weight sum, then walked through the variants subtracting weights.
// Returns nil ("use base template") when A/B testing is disabled or fewer
// than two variants exist. Not a cryptographic hash; never use it for
// anything security-sensitive.
func (c *Campaign) VariantForUser(userID string) *Variant {
	if !c.ABTesting.Enabled || len(c.ABTesting.Variants) < 2 {
		return nil
	}

	total := 0
	for _, v := range c.ABTesting.Variants {
		total += v.Weight
	}
	if total <= 0 {
		return nil
	}

	bucket := int(hash32(userID+c.Key)) % total
	for i := range c.ABTesting.Variants {
		bucket -= c.ABTesting.Variants[i].Weight
		if bucket < 0 {
			return &c.ABTesting.Variants[i]
		}
	}
	return &c.ABTesting.Variants[len(c.ABTesting.Variants)-1]
}

// TemplateForChannel resolves the template to send on a channel: the
// variant's override when present, else the campaign base template. The
// second return is false when the campaign cannot send on this channel.
func (c *Campaign) TemplateForChannel(ch dispatch.Channel, v *Variant) (Template, bool) {
	if v != nil {
		if t, ok := v.Templates[ch]; ok {
			return t, true
		}
	}
	t, ok := c.Templates[ch]
	return t, ok
}

// ThrottleSettings returns the campaign's rate limits unchanged.
func (c *Campaign) ThrottleSettings() Throttle {
	return c.Throttle
}

// ShouldRun reports whether the campaign may run now: active, and for
// scheduled campaigns only once the scheduled time has been reached.
// Recurring/cron semantics belong to the external scheduler.
func (c *Campaign) ShouldRun(now time.Time) bool {
	if !c.Active {
		return false
	}
	if c.ScheduledAt != nil && now.Before(*c.ScheduledAt) {
		return false
	}
	return true
}

// hash32 is the rolling string hash used for bucketing, masked to the
// non-negative 31-bit range.
func hash32(s string) uint32 {
	var h uint32
	for i := 0; i < len(s); i++ {
		h = h*31 + uint32(s[i])
	}
	return h & 0x7fffffff
}
