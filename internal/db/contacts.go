package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Contact carries the per-channel recipient addresses for one user. Empty
// fields mean the address is unknown, which senders treat as a permanent
// failure for their channel.
type Contact struct {
	UserID      uuid.UUID `json:"user_id"`
	Email       string    `json:"email"`
	Phone       string    `json:"phone"`
	DeviceToken string    `json:"device_token"`
}

// GetContact resolves a user's contact projection. A user with no row at all
// gets an empty contact rather than an error: in-app delivery needs no
// address.
func (r *Repository) GetContact(ctx context.Context, userID uuid.UUID) (*Contact, error) {
	var c Contact
	var email, phone, token *string

	err := r.db.Pool().QueryRow(ctx,
		`SELECT user_id, email, phone, device_token FROM user_contacts WHERE user_id = $1`,
		userID,
	).Scan(&c.UserID, &email, &phone, &token)
	if errors.Is(err, pgx.ErrNoRows) {
		return &Contact{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query contact: %w", err)
	}

	if email != nil {
		c.Email = *email
	}
	if phone != nil {
		c.Phone = *phone
	}
	if token != nil {
		c.DeviceToken = *token
	}

	return &c, nil
}
