package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/afroverse/notify/internal/db"
	"github.com/afroverse/notify/internal/dispatch"
)

// Store reads and seeds campaigns in Postgres. Per-channel templates,
// targeting and A/B config live in JSONB columns; key uniqueness is
// enforced by the schema.
type Store struct {
	db     *db.DB
	logger *zap.Logger
}

func NewStore(database *db.DB, logger *zap.Logger) *Store {
	return &Store{db: database, logger: logger}
}

type campaignRow struct {
	templates json.RawMessage
	targeting json.RawMessage
	throttle  json.RawMessage
	abTesting json.RawMessage
}

// GetByKey loads one campaign. Returns ErrNotFound for unknown keys.
func (s *Store) GetByKey(ctx context.Context, key string) (*Campaign, error) {
	query := `
		SELECT key, name, templates, targeting, throttle, ab_testing,
		       active, priority, scheduled_at, created_at, updated_at
		FROM campaigns
		WHERE key = $1
	`

	var (
		c   Campaign
		row campaignRow
	)
	err := s.db.Pool().QueryRow(ctx, query, key).Scan(
		&c.Key,
		&c.Name,
		&row.templates,
		&row.targeting,
		&row.throttle,
		&row.abTesting,
		&c.Active,
		&c.Priority,
		&c.ScheduledAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("query campaign: %w", err)
	}

	if err := decodeRow(&c, row); err != nil {
		return nil, fmt.Errorf("decode campaign %s: %w", key, err)
	}
	return &c, nil
}

// Active lists campaigns eligible to run now, highest priority first.
func (s *Store) Active(ctx context.Context, now time.Time) ([]*Campaign, error) {
	query := `
		SELECT key, name, templates, targeting, throttle, ab_testing,
		       active, priority, scheduled_at, created_at, updated_at
		FROM campaigns
		WHERE active = true
		  AND (scheduled_at IS NULL OR scheduled_at <= $1)
		ORDER BY priority DESC, key
	`

	rows, err := s.db.Pool().Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("query active campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		var (
			c   Campaign
			row campaignRow
		)
		if err := rows.Scan(
			&c.Key, &c.Name, &row.templates, &row.targeting, &row.throttle,
			&row.abTesting, &c.Active, &c.Priority, &c.ScheduledAt,
			&c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		if err := decodeRow(&c, row); err != nil {
			return nil, fmt.Errorf("decode campaign %s: %w", c.Key, err)
		}
		campaigns = append(campaigns, &c)
	}
	return campaigns, rows.Err()
}

// Upsert writes a campaign, used by admin tooling and the seed routine.
func (s *Store) Upsert(ctx context.Context, c *Campaign) error {
	if err := c.Validate(); err != nil {
		return err
	}

	templates, err := json.Marshal(c.Templates)
	if err != nil {
		return fmt.Errorf("marshal templates: %w", err)
	}
	targeting, err := json.Marshal(c.Targeting)
	if err != nil {
		return fmt.Errorf("marshal targeting: %w", err)
	}
	throttle, err := json.Marshal(c.Throttle)
	if err != nil {
		return fmt.Errorf("marshal throttle: %w", err)
	}
	abTesting, err := json.Marshal(c.ABTesting)
	if err != nil {
		return fmt.Errorf("marshal ab_testing: %w", err)
	}

	query := `
		INSERT INTO campaigns (key, name, templates, targeting, throttle, ab_testing,
		                       active, priority, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (key) DO UPDATE SET
			name = EXCLUDED.name,
			templates = EXCLUDED.templates,
			targeting = EXCLUDED.targeting,
			throttle = EXCLUDED.throttle,
			ab_testing = EXCLUDED.ab_testing,
			active = EXCLUDED.active,
			priority = EXCLUDED.priority,
			scheduled_at = EXCLUDED.scheduled_at,
			updated_at = now()
	`

	_, err = s.db.Pool().Exec(ctx, query,
		c.Key, c.Name, templates, targeting, throttle, abTesting,
		c.Active, c.Priority, c.ScheduledAt,
	)
	if err != nil {
		return fmt.Errorf("upsert campaign %s: %w", c.Key, err)
	}

	s.logger.Info("campaign upserted",
		zap.String("key", c.Key),
		zap.Bool("active", c.Active),
	)
	return nil
}

func decodeRow(c *Campaign, row campaignRow) error {
	if len(row.templates) > 0 {
		if err := json.Unmarshal(row.templates, &c.Templates); err != nil {
			return fmt.Errorf("templates: %w", err)
		}
	}
	if c.Templates == nil {
		c.Templates = make(map[dispatch.Channel]Template)
	}
	if len(row.targeting) > 0 {
		if err := json.Unmarshal(row.targeting, &c.Targeting); err != nil {
			return fmt.Errorf("targeting: %w", err)
		}
	}
	if len(row.throttle) > 0 {
		if err := json.Unmarshal(row.throttle, &c.Throttle); err != nil {
			return fmt.Errorf("throttle: %w", err)
		}
	}
	if len(row.abTesting) > 0 {
		if err := json.Unmarshal(row.abTesting, &c.ABTesting); err != nil {
			return fmt.Errorf("ab_testing: %w", err)
		}
	}
	return nil
}
