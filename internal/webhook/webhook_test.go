package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"

	"github.com/gearshareapp/gearshare/internal/booking"
	"github.com/gearshareapp/gearshare/internal/escrow"
	"github.com/gearshareapp/gearshare/internal/events"
	"github.com/gearshareapp/gearshare/internal/payments"
)

type stubGateway struct {
	chargeID string
}

func (s *stubGateway) CreateCheckoutSession(ctx context.Context, p payments.CheckoutParams) (*stripe.CheckoutSession, error) {
	return &stripe.CheckoutSession{ID: "cs_stub"}, nil
}

func (s *stubGateway) GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	pi := &stripe.PaymentIntent{ID: id}
	if s.chargeID != "" {
		pi.LatestCharge = &stripe.Charge{ID: s.chargeID}
	}
	return pi, nil
}

func (s *stubGateway) CreateTransfer(ctx context.Context, p payments.TransferParams) (*stripe.Transfer, error) {
	return &stripe.Transfer{ID: "tr_stub"}, nil
}

func (s *stubGateway) CreateRefund(ctx context.Context, p payments.RefundParams) (*stripe.Refund, error) {
	return &stripe.Refund{ID: "re_stub"}, nil
}

func (s *stubGateway) GetAccount(ctx context.Context, id string) (*stripe.Account, error) {
	return &stripe.Account{ID: id}, nil
}

type stubAccounts struct {
	synced    []*stripe.Account
	payoutErr error
}

func (s *stubAccounts) SyncFromGateway(ctx context.Context, acct *stripe.Account) error {
	s.synced = append(s.synced, acct)
	return nil
}

func (s *stubAccounts) ActiveAccountID(ctx context.Context, userID string) (string, error) {
	if s.payoutErr != nil {
		return "", s.payoutErr
	}
	return "acct_stub", nil
}

type fixture struct {
	reconciler *Reconciler
	bookings   *booking.MemoryStore
	escrows    *escrow.MemoryStore
	gateway    *stubGateway
	accounts   *stubAccounts
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		bookings: booking.NewMemoryStore(),
		escrows:  escrow.NewMemoryStore(),
		gateway:  &stubGateway{chargeID: "ch_1"},
		accounts: &stubAccounts{},
	}
	f.reconciler = NewReconciler("whsec_test", f.bookings, f.escrows, f.gateway, f.accounts, events.NewBus())
	return f
}

func (f *fixture) seedPendingBooking(t *testing.T) *booking.Booking {
	t.Helper()
	now := time.Now()
	b := &booking.Booking{
		ID:            "bk_1",
		OwnerID:       "user_owner",
		RenterID:      "user_renter",
		ListingTitle:  "DJI Mavic 3",
		RentalAmount:  10000,
		DepositAmount: 5000,
		PlatformFee:   1000,
		TotalAmount:   16000,
		StartDate:     now.AddDate(0, 0, 1),
		EndDate:       now.AddDate(0, 0, 5),
		Status:        booking.StatusPending,
		PaymentStatus: booking.PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, f.bookings.Create(context.Background(), b))
	return b
}

func rawEvent(t *testing.T, eventType string, obj any) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(obj)
	require.NoError(t, err)
	return stripe.Event{
		ID:   fmt.Sprintf("evt_%s", eventType),
		Type: stripe.EventType(eventType),
		Data: &stripe.EventData{Raw: raw},
	}
}

func sessionCompletedEvent(t *testing.T, bookingID string) stripe.Event {
	return rawEvent(t, "checkout.session.completed", map[string]any{
		"id":             "cs_1",
		"payment_intent": "pi_1",
		"metadata": map[string]string{
			"booking_id":     bookingID,
			"rental_amount":  "10000",
			"deposit_amount": "5000",
			"platform_fee":   "1000",
		},
	})
}

func TestSessionCompletedHoldsEscrow(t *testing.T) {
	f := newFixture(t)
	f.seedPendingBooking(t)
	ctx := context.Background()

	require.NoError(t, f.reconciler.Dispatch(ctx, sessionCompletedEvent(t, "bk_1")))

	b, err := f.bookings.Get(ctx, "bk_1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, b.Status)
	assert.Equal(t, booking.PaymentCompleted, b.PaymentStatus)
	assert.Equal(t, "pi_1", b.StripePaymentIntentID)

	tx, err := f.escrows.GetByBookingID(ctx, "bk_1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusHeld, tx.Status)
	assert.Equal(t, "pi_1", tx.StripePaymentIntentID)
	assert.Equal(t, "ch_1", tx.StripeChargeID)
	assert.Equal(t, int64(10000), tx.RentalAmount)
	assert.Equal(t, int64(5000), tx.DepositAmount)
	assert.Equal(t, int64(1000), tx.PlatformFee)
	require.NotNil(t, tx.HeldUntil)
}

func TestSessionCompletedReplayConverges(t *testing.T) {
	f := newFixture(t)
	f.seedPendingBooking(t)
	ctx := context.Background()
	ev := sessionCompletedEvent(t, "bk_1")

	require.NoError(t, f.reconciler.Dispatch(ctx, ev))
	first, err := f.escrows.GetByBookingID(ctx, "bk_1")
	require.NoError(t, err)

	require.NoError(t, f.reconciler.Dispatch(ctx, ev))
	second, err := f.escrows.GetByBookingID(ctx, "bk_1")
	require.NoError(t, err)

	// Same row, same state. The upsert must not create a second transaction.
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, escrow.StatusHeld, second.Status)
	assert.Equal(t, first.RentalAmount, second.RentalAmount)
}

func TestSessionCompletedUpdatesSeededRow(t *testing.T) {
	f := newFixture(t)
	f.seedPendingBooking(t)
	ctx := context.Background()

	// Checkout initiation seeds a pending row; the webhook flips it to held
	// in place.
	seeded := &escrow.Transaction{
		ID: "esc_seed", BookingID: "bk_1",
		RentalAmount: 10000, DepositAmount: 5000, PlatformFee: 1000,
		Status:    escrow.StatusPending,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, f.escrows.Create(ctx, seeded))

	require.NoError(t, f.reconciler.Dispatch(ctx, sessionCompletedEvent(t, "bk_1")))

	tx, err := f.escrows.GetByBookingID(ctx, "bk_1")
	require.NoError(t, err)
	assert.Equal(t, "esc_seed", tx.ID)
	assert.Equal(t, escrow.StatusHeld, tx.Status)
}

func TestSessionCompletedWithoutBookingMetadata(t *testing.T) {
	f := newFixture(t)

	ev := rawEvent(t, "checkout.session.completed", map[string]any{"id": "cs_stray"})
	// Acknowledged without error so the gateway stops retrying.
	assert.NoError(t, f.reconciler.Dispatch(context.Background(), ev))
}

func TestSessionCompletedRequiresOwnerPayoutAccount(t *testing.T) {
	f := newFixture(t)
	f.seedPendingBooking(t)
	f.accounts.payoutErr = escrow.ErrAccountNotReady
	ctx := context.Background()

	// An owner with no connected account cannot receive the payout later;
	// the delivery must fail so the gateway redelivers after onboarding.
	err := f.reconciler.Dispatch(ctx, sessionCompletedEvent(t, "bk_1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, escrow.ErrAccountNotReady)

	// Nothing was held and the booking did not move.
	b, err := f.bookings.Get(ctx, "bk_1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusPending, b.Status)
	_, err = f.escrows.GetByBookingID(ctx, "bk_1")
	assert.ErrorIs(t, err, escrow.ErrEscrowNotFound)

	// Onboarding completes, redelivery succeeds.
	f.accounts.payoutErr = nil
	require.NoError(t, f.reconciler.Dispatch(ctx, sessionCompletedEvent(t, "bk_1")))
	tx, err := f.escrows.GetByBookingID(ctx, "bk_1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusHeld, tx.Status)
}

func TestSessionExpiredCancelsPendingBooking(t *testing.T) {
	f := newFixture(t)
	f.seedPendingBooking(t)
	ctx := context.Background()

	require.NoError(t, f.escrows.Create(ctx, &escrow.Transaction{
		ID: "esc_1", BookingID: "bk_1",
		RentalAmount: 10000, DepositAmount: 5000,
		Status:    escrow.StatusPending,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	ev := rawEvent(t, "checkout.session.expired", map[string]any{
		"id":       "cs_1",
		"metadata": map[string]string{"booking_id": "bk_1"},
	})
	require.NoError(t, f.reconciler.Dispatch(ctx, ev))

	b, err := f.bookings.Get(ctx, "bk_1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusCancelled, b.Status)
	assert.Equal(t, booking.PaymentFailed, b.PaymentStatus)

	tx, err := f.escrows.GetByBookingID(ctx, "bk_1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFailed, tx.Status)
	assert.Zero(t, tx.RentalAmount)
	assert.Zero(t, tx.DepositAmount)
}

func TestSessionExpiredAfterCompletionIsNoop(t *testing.T) {
	f := newFixture(t)
	f.seedPendingBooking(t)
	ctx := context.Background()

	// Completed landed first; a late expired delivery must not unwind it.
	require.NoError(t, f.reconciler.Dispatch(ctx, sessionCompletedEvent(t, "bk_1")))

	ev := rawEvent(t, "checkout.session.expired", map[string]any{
		"id":       "cs_1",
		"metadata": map[string]string{"booking_id": "bk_1"},
	})
	require.NoError(t, f.reconciler.Dispatch(ctx, ev))

	b, err := f.bookings.Get(ctx, "bk_1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, b.Status)
	assert.Equal(t, booking.PaymentCompleted, b.PaymentStatus)

	tx, err := f.escrows.GetByBookingID(ctx, "bk_1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusHeld, tx.Status)
}

func TestPaymentSucceededBackfillsCharge(t *testing.T) {
	f := newFixture(t)
	f.seedPendingBooking(t)
	ctx := context.Background()

	// Held without a charge id (intent was fetched before the charge settled).
	f.gateway.chargeID = ""
	require.NoError(t, f.reconciler.Dispatch(ctx, sessionCompletedEvent(t, "bk_1")))
	tx, err := f.escrows.GetByBookingID(ctx, "bk_1")
	require.NoError(t, err)
	require.Empty(t, tx.StripeChargeID)

	ev := rawEvent(t, "payment_intent.succeeded", map[string]any{
		"id":            "pi_1",
		"latest_charge": "ch_late",
	})
	require.NoError(t, f.reconciler.Dispatch(ctx, ev))

	tx, err = f.escrows.GetByBookingID(ctx, "bk_1")
	require.NoError(t, err)
	assert.Equal(t, "ch_late", tx.StripeChargeID)
}

func TestPaymentSucceededReassertsBookingState(t *testing.T) {
	f := newFixture(t)
	f.seedPendingBooking(t)
	ctx := context.Background()

	// The session-completed delivery never made it; the seeded row carries
	// only the intent reference.
	require.NoError(t, f.escrows.Create(ctx, &escrow.Transaction{
		ID: "esc_1", BookingID: "bk_1",
		StripePaymentIntentID: "pi_1",
		RentalAmount:          10000,
		DepositAmount:         5000,
		Status:                escrow.StatusPending,
		CreatedAt:             time.Now(),
		UpdatedAt:             time.Now(),
	}))

	// No charge attached yet; the settled intent alone moves the booking.
	ev := rawEvent(t, "payment_intent.succeeded", map[string]any{"id": "pi_1"})
	require.NoError(t, f.reconciler.Dispatch(ctx, ev))

	b, err := f.bookings.Get(ctx, "bk_1")
	require.NoError(t, err)
	assert.Equal(t, booking.PaymentCompleted, b.PaymentStatus)
	assert.Equal(t, booking.StatusConfirmed, b.Status)
}

func TestPaymentSucceededKeepsRunningRental(t *testing.T) {
	f := newFixture(t)
	f.seedPendingBooking(t)
	ctx := context.Background()

	require.NoError(t, f.reconciler.Dispatch(ctx, sessionCompletedEvent(t, "bk_1")))
	_, err := f.bookings.Transition(ctx, "bk_1", booking.StatusConfirmed, booking.StatusActive)
	require.NoError(t, err)

	// A late replay re-asserts the payment but does not rewrite the rental's
	// history.
	ev := rawEvent(t, "payment_intent.succeeded", map[string]any{
		"id":            "pi_1",
		"latest_charge": "ch_1",
	})
	require.NoError(t, f.reconciler.Dispatch(ctx, ev))

	b, err := f.bookings.Get(ctx, "bk_1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusActive, b.Status)
	assert.Equal(t, booking.PaymentCompleted, b.PaymentStatus)
}

func TestPaymentFailedSetsPaymentStatusOnly(t *testing.T) {
	f := newFixture(t)
	f.seedPendingBooking(t)
	ctx := context.Background()

	ev := rawEvent(t, "payment_intent.payment_failed", map[string]any{
		"id":       "pi_1",
		"metadata": map[string]string{"booking_id": "bk_1"},
	})
	require.NoError(t, f.reconciler.Dispatch(ctx, ev))

	b, err := f.bookings.Get(ctx, "bk_1")
	require.NoError(t, err)
	assert.Equal(t, booking.PaymentFailed, b.PaymentStatus)
	// The renter can retry; the booking itself stays pending.
	assert.Equal(t, booking.StatusPending, b.Status)
}

func TestChargeRefundedCancelsActiveBooking(t *testing.T) {
	f := newFixture(t)
	f.seedPendingBooking(t)
	ctx := context.Background()

	require.NoError(t, f.reconciler.Dispatch(ctx, sessionCompletedEvent(t, "bk_1")))

	ev := rawEvent(t, "charge.refunded", map[string]any{
		"id":              "ch_1",
		"amount":          16000,
		"amount_refunded": 16000,
	})
	require.NoError(t, f.reconciler.Dispatch(ctx, ev))

	b, err := f.bookings.Get(ctx, "bk_1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusCancelled, b.Status)
	assert.Equal(t, booking.PaymentRefunded, b.PaymentStatus)

	tx, err := f.escrows.GetByBookingID(ctx, "bk_1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusRefunded, tx.Status)
	assert.Equal(t, int64(16000), tx.RefundAmount)
}

func TestChargeRefundedKeepsFinishedBooking(t *testing.T) {
	f := newFixture(t)
	f.seedPendingBooking(t)
	ctx := context.Background()

	require.NoError(t, f.reconciler.Dispatch(ctx, sessionCompletedEvent(t, "bk_1")))

	// The rental already ran its course.
	_, err := f.bookings.Transition(ctx, "bk_1", booking.StatusConfirmed, booking.StatusActive)
	require.NoError(t, err)
	_, err = f.bookings.Transition(ctx, "bk_1", booking.StatusActive, booking.StatusReturned)
	require.NoError(t, err)

	ev := rawEvent(t, "charge.refunded", map[string]any{
		"id":              "ch_1",
		"amount":          16000,
		"amount_refunded": 16000,
	})
	require.NoError(t, f.reconciler.Dispatch(ctx, ev))

	// Payment state reflects the refund; the rental history does not rewrite.
	b, err := f.bookings.Get(ctx, "bk_1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusReturned, b.Status)
	assert.Equal(t, booking.PaymentRefunded, b.PaymentStatus)
}

func TestChargeRefundedPartialIsObservedOnly(t *testing.T) {
	f := newFixture(t)
	f.seedPendingBooking(t)
	ctx := context.Background()

	require.NoError(t, f.reconciler.Dispatch(ctx, sessionCompletedEvent(t, "bk_1")))

	// Deposit-leg refund from the release engine shows up as a partial.
	ev := rawEvent(t, "charge.refunded", map[string]any{
		"id":              "ch_1",
		"amount":          16000,
		"amount_refunded": 5000,
	})
	require.NoError(t, f.reconciler.Dispatch(ctx, ev))

	tx, err := f.escrows.GetByBookingID(ctx, "bk_1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusHeld, tx.Status)
}

func TestTransferCreatedConfirmsAfterFinalize(t *testing.T) {
	f := newFixture(t)
	f.seedPendingBooking(t)
	ctx := context.Background()

	require.NoError(t, f.reconciler.Dispatch(ctx, sessionCompletedEvent(t, "bk_1")))

	ev := rawEvent(t, "transfer.created", map[string]any{
		"id":                 "tr_1",
		"amount":             10000,
		"source_transaction": "ch_1",
	})

	// Legs not settled yet: the confirmation waits.
	require.NoError(t, f.reconciler.Dispatch(ctx, ev))
	tx, err := f.escrows.GetByBookingID(ctx, "bk_1")
	require.NoError(t, err)
	assert.Empty(t, tx.TransferID)

	_, err = f.bookings.MarkRentalReleased(ctx, "bk_1")
	require.NoError(t, err)
	_, err = f.bookings.MarkDepositReturned(ctx, "bk_1")
	require.NoError(t, err)

	// Drifted mirror state converges on the gateway's view when the payout
	// is confirmed.
	require.NoError(t, f.bookings.SetPaymentStatus(ctx, "bk_1", booking.PaymentPending))

	require.NoError(t, f.reconciler.Dispatch(ctx, ev))
	tx, err = f.escrows.GetByBookingID(ctx, "bk_1")
	require.NoError(t, err)
	assert.Equal(t, "tr_1", tx.TransferID)
	assert.Equal(t, escrow.StatusReleased, tx.Status)

	b, err := f.bookings.Get(ctx, "bk_1")
	require.NoError(t, err)
	assert.Equal(t, booking.PaymentCompleted, b.PaymentStatus)

	// Replay with the same transfer id is a no-op.
	require.NoError(t, f.reconciler.Dispatch(ctx, ev))
}

func TestAccountUpdatedRoutedToSink(t *testing.T) {
	f := newFixture(t)

	ev := rawEvent(t, "account.updated", map[string]any{
		"id":              "acct_1",
		"charges_enabled": true,
		"payouts_enabled": true,
	})
	require.NoError(t, f.reconciler.Dispatch(context.Background(), ev))

	require.Len(t, f.accounts.synced, 1)
	assert.Equal(t, "acct_1", f.accounts.synced[0].ID)
	assert.True(t, f.accounts.synced[0].PayoutsEnabled)
}

func TestDispatchIgnoresUnknownEventType(t *testing.T) {
	f := newFixture(t)
	ev := rawEvent(t, "price.created", map[string]any{"id": "price_1"})
	assert.NoError(t, f.reconciler.Dispatch(context.Background(), ev))
}
