package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"

	"github.com/gearshareapp/gearshare/internal/booking"
	"github.com/gearshareapp/gearshare/internal/events"
	"github.com/gearshareapp/gearshare/internal/payments"
)

// mockGateway records transfer and refund calls and can be told to fail.
type mockGateway struct {
	mu        sync.Mutex
	transfers []payments.TransferParams
	refunds   []payments.RefundParams

	failTransfer error
	failRefund   error
}

func (m *mockGateway) CreateCheckoutSession(ctx context.Context, p payments.CheckoutParams) (*stripe.CheckoutSession, error) {
	return &stripe.CheckoutSession{ID: "cs_test", URL: "https://checkout.test/cs_test"}, nil
}

func (m *mockGateway) GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	return &stripe.PaymentIntent{ID: id}, nil
}

func (m *mockGateway) CreateTransfer(ctx context.Context, p payments.TransferParams) (*stripe.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTransfer != nil {
		return nil, m.failTransfer
	}
	m.transfers = append(m.transfers, p)
	return &stripe.Transfer{ID: "tr_test_1", Amount: p.Amount}, nil
}

func (m *mockGateway) CreateRefund(ctx context.Context, p payments.RefundParams) (*stripe.Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRefund != nil {
		return nil, m.failRefund
	}
	m.refunds = append(m.refunds, p)
	return &stripe.Refund{ID: "re_test_1", Amount: p.Amount}, nil
}

func (m *mockGateway) GetAccount(ctx context.Context, id string) (*stripe.Account, error) {
	return &stripe.Account{ID: id}, nil
}

func (m *mockGateway) movedTotal() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, t := range m.transfers {
		total += t.Amount
	}
	for _, r := range m.refunds {
		total += r.Amount
	}
	return total
}

// mockAccounts resolves every owner to a fixed account unless err is set.
type mockAccounts struct {
	err error
}

func (m *mockAccounts) ActiveAccountID(ctx context.Context, userID string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return "acct_owner_1", nil
}

type engineFixture struct {
	engine   *Engine
	bookings *booking.MemoryStore
	store    *MemoryStore
	gateway  *mockGateway
	accounts *mockAccounts
	bus      *events.Bus
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		bookings: booking.NewMemoryStore(),
		store:    NewMemoryStore(),
		gateway:  &mockGateway{},
		accounts: &mockAccounts{},
		bus:      events.NewBus(),
	}
	f.engine = NewEngine(f.bookings, f.store, f.gateway, f.accounts, f.bus, "usd")
	return f
}

// seedHeld creates a returned booking with a held escrow transaction,
// the state a release call normally finds.
func (f *engineFixture) seedHeld(t *testing.T, rental, deposit int64) *booking.Booking {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	b := &booking.Booking{
		ID:            "bk_test_1",
		OwnerID:       "user_owner",
		RenterID:      "user_renter",
		ListingTitle:  "Canon R5 kit",
		RentalAmount:  rental,
		DepositAmount: deposit,
		PlatformFee:   rental / 10,
		TotalAmount:   rental + deposit + rental/10,
		StartDate:     now.AddDate(0, 0, -7),
		EndDate:       now.AddDate(0, 0, -1),
		Status:        booking.StatusReturned,
		PaymentStatus: booking.PaymentCompleted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, f.bookings.Create(ctx, b))

	_, err := f.store.Hold(ctx, HoldParams{
		BookingID:       b.ID,
		PaymentIntentID: "pi_test_1",
		ChargeID:        "ch_test_1",
		RentalAmount:    rental,
		DepositAmount:   deposit,
		PlatformFee:     b.PlatformFee,
		HeldUntil:       b.EndDate,
	})
	require.NoError(t, err)
	return b
}

func TestReleaseReturnConfirmed(t *testing.T) {
	f := newFixture(t)
	b := f.seedHeld(t, 10000, 5000)
	ctx := context.Background()

	res, err := f.engine.Release(ctx, b.ID, ReleaseReturnConfirmed, ReleaseOptions{})
	require.NoError(t, err)
	assert.Equal(t, "tr_test_1", res.TransferID)
	assert.Equal(t, "re_test_1", res.RefundID)

	require.Len(t, f.gateway.transfers, 1)
	assert.Equal(t, int64(10000), f.gateway.transfers[0].Amount)
	assert.Equal(t, "acct_owner_1", f.gateway.transfers[0].Destination)
	assert.Equal(t, "ch_test_1", f.gateway.transfers[0].SourceCharge)

	require.Len(t, f.gateway.refunds, 1)
	assert.Equal(t, int64(5000), f.gateway.refunds[0].Amount)
	assert.Equal(t, "pi_test_1", f.gateway.refunds[0].PaymentIntentID)

	got, err := f.bookings.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.RentalAmountReleased)
	assert.True(t, got.DepositReturned)
	assert.Equal(t, booking.StatusCompleted, got.Status)
	assert.NotNil(t, got.EscrowReleaseDate)

	tx, err := f.store.GetByBookingID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, tx.Status)
	assert.NotNil(t, tx.RentalReleasedAt)
	assert.NotNil(t, tx.DepositReturnedAt)
	assert.NotNil(t, tx.ReleaseDate)
}

func TestReleaseClaimOwnerCombinesLegs(t *testing.T) {
	f := newFixture(t)
	b := f.seedHeld(t, 10000, 5000)

	res, err := f.engine.Release(context.Background(), b.ID, ReleaseClaimOwner, ReleaseOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, res.TransferID)
	assert.Empty(t, res.RefundID)

	// One transfer covering both legs, never two.
	require.Len(t, f.gateway.transfers, 1)
	assert.Equal(t, int64(15000), f.gateway.transfers[0].Amount)
	assert.Empty(t, f.gateway.refunds)
}

func TestReleaseClaimOwnerSkipsReleasedRental(t *testing.T) {
	f := newFixture(t)
	b := f.seedHeld(t, 10000, 5000)
	ctx := context.Background()

	// Rental leg already paid out before the claim was resolved.
	_, err := f.bookings.MarkRentalReleased(ctx, b.ID)
	require.NoError(t, err)

	_, err = f.engine.Release(ctx, b.ID, ReleaseClaimOwner, ReleaseOptions{})
	require.NoError(t, err)

	require.Len(t, f.gateway.transfers, 1)
	assert.Equal(t, int64(5000), f.gateway.transfers[0].Amount)
}

func TestReleaseClaimRenterApproved(t *testing.T) {
	f := newFixture(t)
	b := f.seedHeld(t, 10000, 5000)
	ctx := context.Background()

	res, err := f.engine.Release(ctx, b.ID, ReleaseClaimRenterApproved, ReleaseOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.TransferID)
	assert.NotEmpty(t, res.RefundID)

	assert.Empty(t, f.gateway.transfers)
	require.Len(t, f.gateway.refunds, 1)
	assert.Equal(t, int64(15000), f.gateway.refunds[0].Amount)

	// Both legs settled even though neither went to the owner.
	got, err := f.bookings.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.RentalAmountReleased)
	assert.True(t, got.DepositReturned)
}

func TestReleaseClaimDeniedSplitsLikeReturn(t *testing.T) {
	f := newFixture(t)
	b := f.seedHeld(t, 8000, 3000)

	_, err := f.engine.Release(context.Background(), b.ID, ReleaseClaimDenied, ReleaseOptions{})
	require.NoError(t, err)

	require.Len(t, f.gateway.transfers, 1)
	assert.Equal(t, int64(8000), f.gateway.transfers[0].Amount)
	require.Len(t, f.gateway.refunds, 1)
	assert.Equal(t, int64(3000), f.gateway.refunds[0].Amount)
}

func TestReleaseCompletedOnlyMovesDeposit(t *testing.T) {
	f := newFixture(t)
	b := f.seedHeld(t, 10000, 5000)
	ctx := context.Background()

	_, err := f.bookings.MarkRentalReleased(ctx, b.ID)
	require.NoError(t, err)

	_, err = f.engine.Release(ctx, b.ID, ReleaseCompleted, ReleaseOptions{})
	require.NoError(t, err)

	assert.Empty(t, f.gateway.transfers)
	require.Len(t, f.gateway.refunds, 1)
	assert.Equal(t, int64(5000), f.gateway.refunds[0].Amount)
}

func TestReleaseDepositToOwner(t *testing.T) {
	f := newFixture(t)
	b := f.seedHeld(t, 10000, 5000)

	_, err := f.engine.Release(context.Background(), b.ID, ReleaseReturnConfirmed,
		ReleaseOptions{DepositToOwner: true})
	require.NoError(t, err)

	// Agreed deduction: both legs go out as transfers, nothing refunded.
	require.Len(t, f.gateway.transfers, 2)
	assert.Empty(t, f.gateway.refunds)
	assert.Equal(t, int64(15000), f.gateway.movedTotal())
}

func TestReleaseZeroDeposit(t *testing.T) {
	f := newFixture(t)
	b := f.seedHeld(t, 10000, 0)
	ctx := context.Background()

	_, err := f.engine.Release(ctx, b.ID, ReleaseReturnConfirmed, ReleaseOptions{})
	require.NoError(t, err)

	require.Len(t, f.gateway.transfers, 1)
	assert.Empty(t, f.gateway.refunds)

	got, err := f.bookings.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.DepositReturned)
	assert.Equal(t, booking.StatusCompleted, got.Status)
}

func TestReleaseAmountConservation(t *testing.T) {
	cases := []struct {
		name string
		rt   ReleaseType
	}{
		{"return_confirmed", ReleaseReturnConfirmed},
		{"claim_owner", ReleaseClaimOwner},
		{"claim_denied", ReleaseClaimDenied},
		{"claim_renter_approved", ReleaseClaimRenterApproved},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			b := f.seedHeld(t, 12345, 6789)

			_, err := f.engine.Release(context.Background(), b.ID, tc.rt, ReleaseOptions{})
			require.NoError(t, err)
			assert.Equal(t, int64(12345+6789), f.gateway.movedTotal())
		})
	}
}

func TestReleaseRejectsSecondCall(t *testing.T) {
	f := newFixture(t)
	b := f.seedHeld(t, 10000, 5000)
	ctx := context.Background()

	_, err := f.engine.Release(ctx, b.ID, ReleaseReturnConfirmed, ReleaseOptions{})
	require.NoError(t, err)

	_, err = f.engine.Release(ctx, b.ID, ReleaseClaimOwner, ReleaseOptions{})
	assert.ErrorIs(t, err, ErrNotHeld)

	// Nothing moved twice.
	assert.Equal(t, int64(15000), f.gateway.movedTotal())
}

func TestReleaseConcurrentCallsMoveFundsOnce(t *testing.T) {
	f := newFixture(t)
	b := f.seedHeld(t, 10000, 5000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.engine.Release(context.Background(), b.ID, ReleaseReturnConfirmed, ReleaseOptions{})
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(15000), f.gateway.movedTotal())
	require.Len(t, f.gateway.transfers, 1)
	require.Len(t, f.gateway.refunds, 1)
}

// staleBookings hands out a snapshot from before another process claimed the
// legs, while the conditional updates still run against the current row.
type staleBookings struct {
	booking.Store
	once  sync.Once
	claim func()
}

func (s *staleBookings) Get(ctx context.Context, id string) (*booking.Booking, error) {
	b, err := s.Store.Get(ctx, id)
	if err == nil {
		s.once.Do(s.claim)
	}
	return b, err
}

func TestReleaseLegsClaimedElsewhereMoveNothing(t *testing.T) {
	// A second process can claim the legs between this call's booking read
	// and its gateway submission. The flag updates decide ownership, not the
	// snapshot: a lost claim means no transfer and no refund from here.
	for _, rt := range []ReleaseType{ReleaseReturnConfirmed, ReleaseClaimOwner} {
		t.Run(string(rt), func(t *testing.T) {
			f := newFixture(t)
			b := f.seedHeld(t, 10000, 5000)
			ctx := context.Background()

			stale := &staleBookings{Store: f.bookings}
			stale.claim = func() {
				_, _ = f.bookings.MarkRentalReleased(ctx, b.ID)
				_, _ = f.bookings.MarkDepositReturned(ctx, b.ID)
			}
			engine := NewEngine(stale, f.store, f.gateway, f.accounts, f.bus, "usd")

			_, err := engine.Release(ctx, b.ID, rt, ReleaseOptions{})
			require.NoError(t, err)
			assert.Zero(t, f.gateway.movedTotal())
		})
	}
}

func TestReleaseTransferFailureKeepsLegsRetryable(t *testing.T) {
	f := newFixture(t)
	b := f.seedHeld(t, 10000, 5000)
	ctx := context.Background()

	f.gateway.failTransfer = errors.New("stripe: account frozen")
	_, err := f.engine.Release(ctx, b.ID, ReleaseReturnConfirmed, ReleaseOptions{})
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)

	// The failed leg's claim was handed back; nothing reads as settled.
	got, err := f.bookings.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, got.RentalAmountReleased)
	assert.False(t, got.DepositReturned)

	ok, err := f.engine.Rearm(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, ok)

	f.gateway.failTransfer = nil
	_, err = f.engine.Release(ctx, b.ID, ReleaseReturnConfirmed, ReleaseOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(15000), f.gateway.movedTotal())
}

func TestReleaseClaimOwnerFailureReleasesBothClaims(t *testing.T) {
	f := newFixture(t)
	b := f.seedHeld(t, 10000, 5000)
	ctx := context.Background()

	f.gateway.failTransfer = errors.New("stripe: destination unavailable")
	_, err := f.engine.Release(ctx, b.ID, ReleaseClaimOwner, ReleaseOptions{})
	require.Error(t, err)

	got, err := f.bookings.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, got.RentalAmountReleased)
	assert.False(t, got.DepositReturned)

	ok, err := f.engine.Rearm(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, ok)

	f.gateway.failTransfer = nil
	_, err = f.engine.Release(ctx, b.ID, ReleaseClaimOwner, ReleaseOptions{})
	require.NoError(t, err)
	require.Len(t, f.gateway.transfers, 1)
	assert.Equal(t, int64(15000), f.gateway.movedTotal())
}

func TestReleaseInvalidType(t *testing.T) {
	f := newFixture(t)
	b := f.seedHeld(t, 10000, 5000)

	_, err := f.engine.Release(context.Background(), b.ID, ReleaseType("banana"), ReleaseOptions{})
	assert.ErrorIs(t, err, ErrInvalidReleaseType)
	assert.Zero(t, f.gateway.movedTotal())
}

func TestReleaseUnknownBooking(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Release(context.Background(), "bk_missing", ReleaseReturnConfirmed, ReleaseOptions{})
	assert.ErrorIs(t, err, booking.ErrBookingNotFound)
}

func TestReleaseRequiresCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	b := &booking.Booking{
		ID: "bk_nocharge", OwnerID: "o", RenterID: "r",
		RentalAmount: 1000, Status: booking.StatusReturned,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.bookings.Create(ctx, b))
	_, err := f.store.Hold(ctx, HoldParams{
		BookingID:       b.ID,
		PaymentIntentID: "pi_x",
		RentalAmount:    1000,
	})
	require.NoError(t, err)

	_, err = f.engine.Release(ctx, b.ID, ReleaseReturnConfirmed, ReleaseOptions{})
	assert.ErrorIs(t, err, ErrMissingCharge)
}

func TestReleaseAccountNotReady(t *testing.T) {
	f := newFixture(t)
	b := f.seedHeld(t, 10000, 5000)
	f.accounts.err = ErrAccountNotReady

	_, err := f.engine.Release(context.Background(), b.ID, ReleaseReturnConfirmed, ReleaseOptions{})
	assert.ErrorIs(t, err, ErrAccountNotReady)
	assert.Zero(t, f.gateway.movedTotal())
}

func TestReleaseGatewayFailureMarksTransferFailed(t *testing.T) {
	f := newFixture(t)
	b := f.seedHeld(t, 10000, 5000)
	ctx := context.Background()
	f.gateway.failTransfer = errors.New("stripe: insufficient funds in source")

	_, err := f.engine.Release(ctx, b.ID, ReleaseReturnConfirmed, ReleaseOptions{})
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "transfer", gwErr.Op)

	tx, err := f.store.GetByBookingID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTransferFailed, tx.Status)
	assert.Contains(t, tx.TransferFailureReason, "insufficient funds")

	// No leg flag may flip on failure.
	got, err := f.bookings.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, got.RentalAmountReleased)
	assert.False(t, got.DepositReturned)
}

func TestReleaseRetryAfterRearmSkipsCompletedLeg(t *testing.T) {
	f := newFixture(t)
	b := f.seedHeld(t, 10000, 5000)
	ctx := context.Background()

	// Rental transfer lands, deposit refund fails.
	f.gateway.failRefund = errors.New("stripe: refund declined")
	_, err := f.engine.Release(ctx, b.ID, ReleaseReturnConfirmed, ReleaseOptions{})
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "refund", gwErr.Op)

	// The rental leg stays completed through the failure.
	got, err := f.bookings.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.RentalAmountReleased)
	assert.False(t, got.DepositReturned)

	// Operator re-arms, gateway recovers, retry moves only the deposit.
	ok, err := f.engine.Rearm(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	f.gateway.failRefund = nil
	_, err = f.engine.Release(ctx, b.ID, ReleaseReturnConfirmed, ReleaseOptions{})
	require.NoError(t, err)

	require.Len(t, f.gateway.transfers, 1)
	require.Len(t, f.gateway.refunds, 1)
	assert.Equal(t, int64(15000), f.gateway.movedTotal())

	tx, err := f.store.GetByBookingID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, tx.Status)
}

func TestRearmRequiresTransferFailed(t *testing.T) {
	f := newFixture(t)
	b := f.seedHeld(t, 10000, 5000)

	ok, err := f.engine.Rearm(context.Background(), b.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleasePublishesEvents(t *testing.T) {
	f := newFixture(t)
	b := f.seedHeld(t, 10000, 5000)

	var mu sync.Mutex
	var seen []events.Type
	f.bus.Subscribe(func(ctx context.Context, ev events.Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	})

	_, err := f.engine.Release(context.Background(), b.ID, ReleaseReturnConfirmed, ReleaseOptions{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, events.TypeRentalReleased)
	assert.Contains(t, seen, events.TypeDepositReturned)
}

func TestSeedPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	end := time.Now().AddDate(0, 0, 3)

	require.NoError(t, f.engine.SeedPending(ctx, "bk_seed", 4000, 2000, 400, end))

	tx, err := f.store.GetByBookingID(ctx, "bk_seed")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tx.Status)
	assert.Equal(t, int64(4000), tx.RentalAmount)
	assert.Equal(t, int64(2000), tx.DepositAmount)
	assert.Equal(t, int64(400), tx.PlatformFee)
	require.NotNil(t, tx.HeldUntil)
}
