package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gearshareapp/gearshare/internal/idgen"
	"github.com/gearshareapp/gearshare/internal/logging"
	"github.com/gearshareapp/gearshare/internal/payments"
)

// EscrowSeeder creates the pending escrow row alongside a new booking, so the
// booking package does not import the escrow package.
type EscrowSeeder interface {
	SeedPending(ctx context.Context, bookingID string, rental, deposit, fee int64, heldUntil time.Time) error
}

// CheckoutRequest contains the parameters for starting a checkout.
type CheckoutRequest struct {
	OwnerID       string    `json:"ownerId" binding:"required"`
	RenterID      string    `json:"renterId" binding:"required"`
	ListingTitle  string    `json:"listingTitle" binding:"required"`
	RentalAmount  int64     `json:"rentalAmount"`
	DepositAmount int64     `json:"depositAmount"`
	StartDate     time.Time `json:"startDate" binding:"required"`
	EndDate       time.Time `json:"endDate" binding:"required"`
}

// CheckoutService creates bookings and their hosted checkout sessions.
type CheckoutService struct {
	store      Store
	escrow     EscrowSeeder
	gateway    payments.Gateway
	feeBPS     int
	currency   string
	successURL string
	cancelURL  string
}

// NewCheckoutService creates a checkout service.
func NewCheckoutService(store Store, escrow EscrowSeeder, gateway payments.Gateway, feeBPS int, currency, successURL, cancelURL string) *CheckoutService {
	return &CheckoutService{
		store:      store,
		escrow:     escrow,
		gateway:    gateway,
		feeBPS:     feeBPS,
		currency:   currency,
		successURL: successURL,
		cancelURL:  cancelURL,
	}
}

// PlatformFee computes the fee on the rental amount in minor units.
func (s *CheckoutService) PlatformFee(rentalAmount int64) int64 {
	return rentalAmount * int64(s.feeBPS) / 10000
}

// Start creates a pending booking, its pending escrow row, and a hosted
// checkout session. It returns the booking and the URL the renter must visit
// to pay. The booking stays pending until the completed-session webhook lands.
func (s *CheckoutService) Start(ctx context.Context, req CheckoutRequest) (*Booking, string, error) {
	if req.OwnerID == req.RenterID {
		return nil, "", errors.New("owner and renter cannot be the same user")
	}
	if req.RentalAmount <= 0 || req.DepositAmount < 0 {
		return nil, "", errors.New("invalid amounts")
	}
	if !req.EndDate.After(req.StartDate) {
		return nil, "", errors.New("end date must be after start date")
	}

	fee := s.PlatformFee(req.RentalAmount)
	now := time.Now()
	b := &Booking{
		ID:            idgen.WithPrefix("bk_"),
		OwnerID:       req.OwnerID,
		RenterID:      req.RenterID,
		ListingTitle:  req.ListingTitle,
		RentalAmount:  req.RentalAmount,
		DepositAmount: req.DepositAmount,
		PlatformFee:   fee,
		TotalAmount:   req.RentalAmount + req.DepositAmount + fee,
		StartDate:     req.StartDate,
		EndDate:       req.EndDate,
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	sess, err := s.gateway.CreateCheckoutSession(ctx, payments.CheckoutParams{
		BookingID:     b.ID,
		ListingTitle:  b.ListingTitle,
		Currency:      s.currency,
		RentalAmount:  b.RentalAmount,
		DepositAmount: b.DepositAmount,
		PlatformFee:   b.PlatformFee,
		TransferGroup: b.ID,
		SuccessURL:    s.successURL,
		CancelURL:     s.cancelURL,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to create checkout session: %w", err)
	}
	b.StripeSessionID = sess.ID

	if err := s.store.Create(ctx, b); err != nil {
		return nil, "", fmt.Errorf("failed to create booking: %w", err)
	}

	if err := s.escrow.SeedPending(ctx, b.ID, b.RentalAmount, b.DepositAmount, b.PlatformFee, b.EndDate); err != nil {
		// The booking exists but the ledger row is missing; the completed
		// webhook upserts it, so log rather than fail the checkout.
		logging.L(ctx).Warn("failed to seed escrow transaction", "booking_id", b.ID, "error", err)
	}

	return b, sess.URL, nil
}
