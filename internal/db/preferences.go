package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// DefaultPreference returns the preference row a user gets before ever
// touching their settings: in-app plus email, all categories subscribed.
func DefaultPreference(userID uuid.UUID) *Preference {
	return &Preference{
		UserID:     userID,
		Channels:   []string{ChannelInApp, ChannelEmail},
		Categories: append([]string(nil), Categories...),
		Language:   "en",
		UrgentSMS:  true,
	}
}

// GetPreference fetches a user's notification preference, creating the
// defaulted row on first access.
func (r *Repository) GetPreference(ctx context.Context, userID uuid.UUID) (*Preference, error) {
	query := `
		SELECT user_id, channels, categories, language, urgent_sms, updated_at
		FROM notification_preferences
		WHERE user_id = $1
	`

	var p Preference
	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(
		&p.UserID, &p.Channels, &p.Categories, &p.Language, &p.UrgentSMS, &p.UpdatedAt,
	)
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("query preference: %w", err)
	}

	// Lazily create the defaulted row. ON CONFLICT handles the race where
	// two requests default the same user at once.
	def := DefaultPreference(userID)
	_, err = r.db.Pool().Exec(ctx, `
		INSERT INTO notification_preferences (user_id, channels, categories, language, urgent_sms)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO NOTHING
	`, def.UserID, def.Channels, def.Categories, def.Language, def.UrgentSMS)
	if err != nil {
		return nil, fmt.Errorf("create default preference: %w", err)
	}

	r.logger.Debug("preference defaulted", zap.String("user_id", userID.String()))

	err = r.db.Pool().QueryRow(ctx, query, userID).Scan(
		&p.UserID, &p.Channels, &p.Categories, &p.Language, &p.UrgentSMS, &p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("reread preference: %w", err)
	}

	return &p, nil
}

// UpdatePreference upserts a user's preference row.
func (r *Repository) UpdatePreference(ctx context.Context, p *Preference) error {
	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO notification_preferences (user_id, channels, categories, language, urgent_sms, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET channels = EXCLUDED.channels,
		    categories = EXCLUDED.categories,
		    language = EXCLUDED.language,
		    urgent_sms = EXCLUDED.urgent_sms,
		    updated_at = NOW()
		RETURNING updated_at
	`, p.UserID, p.Channels, p.Categories, p.Language, p.UrgentSMS).Scan(&p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}

	r.logger.Info("preference updated",
		zap.String("user_id", p.UserID.String()),
		zap.Strings("channels", p.Channels),
	)

	return nil
}
