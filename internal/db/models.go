package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Notification is a single delivery record for one user on one channel.
// The channel may be rewritten by the dispatcher while walking a fallback chain.
type Notification struct {
	ID           uuid.UUID       `json:"id"`
	UserID       uuid.UUID       `json:"user_id"`
	Type         string          `json:"type"`
	Channel      string          `json:"channel"`
	Title        string          `json:"title"`
	Message      string          `json:"message"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CampaignKey  *string         `json:"campaign_key,omitempty"`
	Status       string          `json:"status"`
	Attempt      int             `json:"attempt"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	ReadAt       *time.Time      `json:"read_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Status constants
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusFailed     = "failed"
	StatusDelivered  = "delivered"
)

// Notification type constants for the product surface. The dispatch layer
// treats types as opaque strings; these exist for seed data and tests.
const (
	TypeBattleLive     = "battle_live"
	TypeBattleResult   = "battle_result"
	TypeVoteMilestone  = "vote_milestone"
	TypeStreakAtRisk   = "streak_at_risk"
	TypeTransformReady = "transformation_ready"
)

// tokenValidityWindow is how recently a device token must have been used
// to still count as deliverable.
const tokenValidityWindow = 30 * 24 * time.Hour

// DeviceToken is a push registration for one device of one user.
// Token uniqueness is enforced by the storage schema.
type DeviceToken struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	Token      string    `json:"token"`
	Platform   string    `json:"platform"`
	IsActive   bool      `json:"is_active"`
	LastUsedAt time.Time `json:"last_used_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Platform constants
const (
	PlatformWeb     = "web"
	PlatformAndroid = "android"
	PlatformIOS     = "ios"
)

// Valid reports whether the token can be used for delivery:
// active and used within the last 30 days.
func (t *DeviceToken) Valid(now time.Time) bool {
	return t.IsActive && now.Sub(t.LastUsedAt) <= tokenValidityWindow
}

// ChannelPreference records a user's opt-in/opt-out for one notification
// type on one channel. Absence of a row means opted in.
type ChannelPreference struct {
	UserID    uuid.UUID `json:"user_id"`
	Type      string    `json:"type"`
	Channel   string    `json:"channel"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}
