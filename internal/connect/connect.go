// Package connect mirrors payout-account onboarding state.
//
// Owners receive transfers on connected accounts. The mirror is kept current
// by account.updated webhook events so the release engine can check payout
// readiness without a live gateway call on the hot path.
package connect

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/gearshareapp/gearshare/internal/escrow"
	"github.com/gearshareapp/gearshare/internal/idgen"
	"github.com/gearshareapp/gearshare/internal/logging"
	"github.com/gearshareapp/gearshare/internal/payments"
	"github.com/gearshareapp/gearshare/internal/user"
)

var ErrAccountNotFound = errors.New("connected account not found")

// Status is the normalized payout-readiness state of a connected account.
type Status string

const (
	// StatusActive — charges and payouts enabled; transfers will land.
	StatusActive Status = "active"
	// StatusRestricted — onboarding was submitted but the gateway still has
	// outstanding requirements or has disabled payouts.
	StatusRestricted Status = "restricted"
	// StatusConnectRequired — onboarding has not been completed.
	StatusConnectRequired Status = "connect_required"
)

// Account is the local mirror of a gateway connected account.
type Account struct {
	ID              string `json:"id"`
	UserID          string `json:"userId"`
	StripeAccountID string `json:"stripeAccountId"`
	Email           string `json:"email,omitempty"`

	Status           Status   `json:"status"`
	ChargesEnabled   bool     `json:"chargesEnabled"`
	PayoutsEnabled   bool     `json:"payoutsEnabled"`
	DetailsSubmitted bool     `json:"detailsSubmitted"`
	RequirementsDue  []string `json:"requirementsDue,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists connected-account mirrors.
type Store interface {
	Upsert(ctx context.Context, a *Account) error
	GetByUserID(ctx context.Context, userID string) (*Account, error)
	GetByStripeID(ctx context.Context, stripeAccountID string) (*Account, error)
}

// Service keeps the mirror in sync and answers payout-readiness questions.
type Service struct {
	store   Store
	users   user.Store
	gateway payments.Gateway
}

// NewService creates a connect service.
func NewService(store Store, users user.Store, gateway payments.Gateway) *Service {
	return &Service{store: store, users: users, gateway: gateway}
}

// ActiveAccountID returns the payout account for userID, or
// escrow.ErrAccountNotReady when the account is absent or not active.
func (s *Service) ActiveAccountID(ctx context.Context, userID string) (string, error) {
	a, err := s.store.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return "", escrow.ErrAccountNotReady
		}
		return "", err
	}
	if a.Status != StatusActive {
		return "", escrow.ErrAccountNotReady
	}
	return a.StripeAccountID, nil
}

// SyncFromGateway applies an account.updated payload to the mirror. Accounts
// never seen before are matched to a user by onboarding email.
func (s *Service) SyncFromGateway(ctx context.Context, acct *stripe.Account) error {
	existing, err := s.store.GetByStripeID(ctx, acct.ID)
	if err != nil && !errors.Is(err, ErrAccountNotFound) {
		return err
	}

	a := fromGateway(acct)
	if existing != nil {
		a.ID = existing.ID
		a.UserID = existing.UserID
		a.CreatedAt = existing.CreatedAt
	} else {
		u, lookupErr := s.matchUser(ctx, acct.Email)
		if lookupErr != nil {
			logging.L(ctx).Warn("account update for unknown user, mirror skipped",
				"stripe_account_id", acct.ID, "email", acct.Email)
			return nil
		}
		a.ID = idgen.WithPrefix("ca_")
		a.UserID = u.ID
		a.CreatedAt = time.Now()
	}

	if err := s.store.Upsert(ctx, a); err != nil {
		return err
	}
	logging.L(ctx).Info("connected account synced",
		"stripe_account_id", a.StripeAccountID, "user_id", a.UserID, "status", string(a.Status))
	return nil
}

func (s *Service) matchUser(ctx context.Context, email string) (*user.User, error) {
	if strings.TrimSpace(email) == "" {
		return nil, user.ErrUserNotFound
	}
	return s.users.GetByEmail(ctx, user.NormalizeEmail(email))
}

// Refresh pulls the account fresh from the gateway and applies it — the
// manual escape hatch when a webhook was missed.
func (s *Service) Refresh(ctx context.Context, stripeAccountID string) (*Account, error) {
	acct, err := s.gateway.GetAccount(ctx, stripeAccountID)
	if err != nil {
		return nil, err
	}
	if err := s.SyncFromGateway(ctx, acct); err != nil {
		return nil, err
	}
	return s.store.GetByStripeID(ctx, stripeAccountID)
}

// fromGateway normalizes the gateway account shape into the mirror row.
func fromGateway(acct *stripe.Account) *Account {
	a := &Account{
		StripeAccountID:  acct.ID,
		Email:            acct.Email,
		ChargesEnabled:   acct.ChargesEnabled,
		PayoutsEnabled:   acct.PayoutsEnabled,
		DetailsSubmitted: acct.DetailsSubmitted,
		UpdatedAt:        time.Now(),
	}
	if acct.Requirements != nil {
		a.RequirementsDue = append(a.RequirementsDue, acct.Requirements.CurrentlyDue...)
	}
	a.Status = normalizeStatus(a)
	return a
}

// normalizeStatus collapses the gateway's capability flags into the three
// states the marketplace cares about.
func normalizeStatus(a *Account) Status {
	switch {
	case a.ChargesEnabled && a.PayoutsEnabled:
		return StatusActive
	case a.DetailsSubmitted:
		return StatusRestricted
	default:
		return StatusConnectRequired
	}
}

// Compile-time assertion that Service satisfies the release engine's view.
var _ escrow.PayoutAccounts = (*Service)(nil)
