package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var (
	ErrNotificationNotFound = errors.New("notification not found")
	ErrDeviceTokenNotFound  = errors.New("device token not found")
)

// Repository handles database operations for notifications, device tokens
// and channel preferences.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(database *DB, logger *zap.Logger) *Repository {
	return &Repository{db: database, logger: logger}
}

// CreateNotification inserts a new notification row
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification) error {
	query := `
		INSERT INTO notifications (
			id, user_id, type, channel, title, message, metadata,
			campaign_key, status, attempt, next_retry_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		notif.ID, notif.UserID, notif.Type, notif.Channel, notif.Title,
		notif.Message, notif.Metadata, notif.CampaignKey, notif.Status,
		notif.Attempt, notif.NextRetryAt,
	).Scan(&notif.CreatedAt, &notif.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	return nil
}

const notificationColumns = `
	id, user_id, type, channel, title, message, metadata, campaign_key,
	status, attempt, error_message, next_retry_at, read_at,
	created_at, updated_at
`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID, &n.UserID, &n.Type, &n.Channel, &n.Title, &n.Message,
		&n.Metadata, &n.CampaignKey, &n.Status, &n.Attempt, &n.ErrorMessage,
		&n.NextRetryAt, &n.ReadAt, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// GetNotification retrieves a notification by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// ListNotificationsByUser returns a user's notifications, newest first.
// Used by the in-app feed.
func (r *Repository) ListNotificationsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// UpdateNotificationStatus updates status, attempt count and retry bookkeeping
func (r *Repository) UpdateNotificationStatus(ctx context.Context, id uuid.UUID, status string, attempt int, errorMsg *string, nextRetryAt *time.Time) error {
	query := `
		UPDATE notifications
		SET status = $2, attempt = $3, error_message = $4, next_retry_at = $5,
		    updated_at = now()
		WHERE id = $1
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, status, attempt, errorMsg, nextRetryAt)
	if err != nil {
		return fmt.Errorf("update notification status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
	}
	return nil
}

// MarkRead sets the read timestamp for an in-app notification
func (r *Repository) MarkRead(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE notifications SET read_at = now(), updated_at = now() WHERE id = $1`
	tag, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
	}
	return nil
}

// ListFailedNotifications returns failed notifications below the attempt
// cap, oldest first. Feeds the retry sweep.
func (r *Repository) ListFailedNotifications(ctx context.Context, maxRetries, limit int) ([]*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE status = $1 AND attempt < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, StatusFailed, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// UpsertDeviceToken registers a device token, reactivating and re-owning
// it if the token already exists (a device can change hands between
// accounts on the same phone).
func (r *Repository) UpsertDeviceToken(ctx context.Context, t *DeviceToken) error {
	query := `
		INSERT INTO device_tokens (id, user_id, token, platform, is_active, last_used_at)
		VALUES ($1, $2, $3, $4, true, now())
		ON CONFLICT (token) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			platform = EXCLUDED.platform,
			is_active = true,
			last_used_at = now()
		RETURNING id, last_used_at, created_at
	`

	err := r.db.Pool().QueryRow(ctx, query, t.ID, t.UserID, t.Token, t.Platform).
		Scan(&t.ID, &t.LastUsedAt, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert device token: %w", err)
	}
	t.IsActive = true

	r.logger.Info("device token registered",
		zap.String("user_id", t.UserID.String()),
		zap.String("platform", t.Platform),
	)
	return nil
}

// DeactivateDeviceToken marks a token unusable (logout, provider rejection)
func (r *Repository) DeactivateDeviceToken(ctx context.Context, token string) error {
	query := `UPDATE device_tokens SET is_active = false WHERE token = $1`
	tag, err := r.db.Pool().Exec(ctx, query, token)
	if err != nil {
		return fmt.Errorf("deactivate device token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeviceTokenNotFound
	}
	return nil
}

// ValidDeviceTokens returns a user's active tokens used within the last
// 30 days, the push sender's recipient set.
func (r *Repository) ValidDeviceTokens(ctx context.Context, userID uuid.UUID) ([]*DeviceToken, error) {
	query := `
		SELECT id, user_id, token, platform, is_active, last_used_at, created_at
		FROM device_tokens
		WHERE user_id = $1 AND is_active = true AND last_used_at > now() - interval '30 days'
		ORDER BY last_used_at DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query device tokens: %w", err)
	}
	defer rows.Close()

	var out []*DeviceToken
	for rows.Next() {
		var t DeviceToken
		if err := rows.Scan(&t.ID, &t.UserID, &t.Token, &t.Platform, &t.IsActive, &t.LastUsedAt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan device token: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// ListChannelPreferences returns every explicit opt-out/opt-in row for a user
func (r *Repository) ListChannelPreferences(ctx context.Context, userID uuid.UUID) ([]*ChannelPreference, error) {
	query := `
		SELECT user_id, type, channel, enabled, updated_at
		FROM channel_preferences
		WHERE user_id = $1
	`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query channel preferences: %w", err)
	}
	defer rows.Close()

	var out []*ChannelPreference
	for rows.Next() {
		var p ChannelPreference
		if err := rows.Scan(&p.UserID, &p.Type, &p.Channel, &p.Enabled, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan channel preference: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// SetChannelPreference writes one opt-in/opt-out row
func (r *Repository) SetChannelPreference(ctx context.Context, p *ChannelPreference) error {
	query := `
		INSERT INTO channel_preferences (user_id, type, channel, enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, type, channel) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			updated_at = now()
	`

	_, err := r.db.Pool().Exec(ctx, query, p.UserID, p.Type, p.Channel, p.Enabled)
	if err != nil {
		return fmt.Errorf("set channel preference: %w", err)
	}
	return nil
}
