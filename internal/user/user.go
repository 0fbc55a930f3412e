// Package user provides the minimal user directory the escrow core needs.
//
// The full marketplace owns registration and profiles; this core only has to
// resolve users by id (notifications) and by email (matching connected payout
// accounts created inside Stripe's hosted onboarding).
package user

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrUserNotFound = errors.New("user not found")

// User is a marketplace member (owner or renter).
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists users.
type Store interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
}

// NormalizeEmail lowercases and trims an email for lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
