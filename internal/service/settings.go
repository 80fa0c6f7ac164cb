package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/afroverse/notify/internal/db"
	"github.com/afroverse/notify/internal/dispatch"
)

// UserSettings is a snapshot of one user's channel opt-outs, implementing
// dispatch.Preferences. Absence of a row means opted in; only explicit
// opt-outs block a channel.
type UserSettings struct {
	userID   uuid.UUID
	disabled map[prefKey]bool
}

type prefKey struct {
	notifType string
	channel   dispatch.Channel
}

// CanReceive reports whether the user accepts this notification type on
// this channel.
func (s *UserSettings) CanReceive(notifType string, ch dispatch.Channel) bool {
	if s == nil {
		return true
	}
	return !s.disabled[prefKey{notifType: notifType, channel: ch}]
}

// loadUserSettings builds the snapshot from persisted preference rows.
func loadUserSettings(ctx context.Context, store PreferenceStore, userID uuid.UUID) (*UserSettings, error) {
	prefs, err := store.ListChannelPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}

	s := &UserSettings{userID: userID, disabled: make(map[prefKey]bool)}
	for _, p := range prefs {
		if p.Enabled {
			continue
		}
		ch, err := dispatch.ParseChannel(p.Channel)
		if err != nil {
			continue // stale row for a removed channel
		}
		s.disabled[prefKey{notifType: p.Type, channel: ch}] = true
	}
	return s, nil
}

// PreferenceStore is the repository slice settings loading needs.
type PreferenceStore interface {
	ListChannelPreferences(ctx context.Context, userID uuid.UUID) ([]*db.ChannelPreference, error)
}
