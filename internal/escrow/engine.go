package escrow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gearshareapp/gearshare/internal/booking"
	"github.com/gearshareapp/gearshare/internal/events"
	"github.com/gearshareapp/gearshare/internal/idgen"
	"github.com/gearshareapp/gearshare/internal/logging"
	"github.com/gearshareapp/gearshare/internal/metrics"
	"github.com/gearshareapp/gearshare/internal/payments"
	"github.com/gearshareapp/gearshare/internal/traces"
)

// PayoutAccounts resolves a user's active connected payout account, so the
// escrow package does not import the connect package.
type PayoutAccounts interface {
	// ActiveAccountID returns the Stripe account id for userID, or
	// ErrAccountNotReady when onboarding is incomplete or payouts are
	// disabled.
	ActiveAccountID(ctx context.Context, userID string) (string, error)
}

// ReleaseResult describes what a release call actually did.
type ReleaseResult struct {
	BookingID   string      `json:"booking_id"`
	ReleaseType ReleaseType `json:"release_type"`
	TransferID  string      `json:"transfer_id,omitempty"`
	RefundID    string      `json:"refund_id,omitempty"`
	Message     string      `json:"message"`
}

// ReleaseOptions tweak leg routing for a release call.
type ReleaseOptions struct {
	// DepositToOwner routes the deposit leg to the owner instead of back to
	// the renter (agreed damage deduction). Only meaningful for
	// return_confirmed and completed.
	DepositToOwner bool
}

// Engine moves escrowed funds. Given a booking and a release type it computes
// which legs remain, calls the gateway, and updates booking and ledger — each
// leg exactly once.
type Engine struct {
	bookings booking.Store
	store    Store
	gateway  payments.Gateway
	accounts PayoutAccounts
	bus      events.Publisher
	currency string
	locks    sync.Map // per-booking locks serialising release calls in-process
}

// NewEngine creates a release engine.
func NewEngine(bookings booking.Store, store Store, gateway payments.Gateway, accounts PayoutAccounts, bus events.Publisher, currency string) *Engine {
	if bus == nil {
		bus = events.Nop{}
	}
	return &Engine{
		bookings: bookings,
		store:    store,
		gateway:  gateway,
		accounts: accounts,
		bus:      bus,
		currency: currency,
	}
}

// bookingLock returns a mutex for the given booking ID.
// First line of defense against concurrent release calls; the store's
// conditional updates are the cross-process backstop.
func (e *Engine) bookingLock(id string) *sync.Mutex {
	v, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// SeedPending creates the pending ledger row when a checkout is initiated.
// The completed-session webhook later flips it to held via Hold.
func (e *Engine) SeedPending(ctx context.Context, bookingID string, rental, deposit, fee int64, heldUntil time.Time) error {
	now := time.Now()
	t := &Transaction{
		ID:            idgen.WithPrefix("esc_"),
		BookingID:     bookingID,
		RentalAmount:  rental,
		DepositAmount: deposit,
		PlatformFee:   fee,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if !heldUntil.IsZero() {
		t.HeldUntil = &heldUntil
	}
	return e.store.Create(ctx, t)
}

// Release moves the remaining escrow legs for a booking according to
// releaseType. Replayed calls are no-ops for legs already completed; once the
// transaction leaves held, further calls are rejected with ErrNotHeld.
func (e *Engine) Release(ctx context.Context, bookingID string, releaseType ReleaseType, opts ReleaseOptions) (*ReleaseResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.release",
		traces.BookingID(bookingID), traces.ReleaseType(string(releaseType)))
	defer span.End()

	if !ValidReleaseType(releaseType) {
		return nil, ErrInvalidReleaseType
	}

	mu := e.bookingLock(bookingID)
	mu.Lock()
	defer mu.Unlock()

	res, err := e.release(ctx, bookingID, releaseType, opts)
	if err != nil {
		metrics.EscrowReleasesTotal.WithLabelValues(string(releaseType), "error").Inc()
		return nil, err
	}
	metrics.EscrowReleasesTotal.WithLabelValues(string(releaseType), "ok").Inc()
	return res, nil
}

func (e *Engine) release(ctx context.Context, bookingID string, releaseType ReleaseType, opts ReleaseOptions) (*ReleaseResult, error) {
	b, err := e.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	tx, err := e.store.GetByBookingID(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	if tx.Status != StatusHeld {
		return nil, fmt.Errorf("%w: current status is %s", ErrNotHeld, tx.Status)
	}
	if tx.StripeChargeID == "" {
		return nil, ErrMissingCharge
	}

	acctID, err := e.accounts.ActiveAccountID(ctx, b.OwnerID)
	if err != nil {
		return nil, err
	}

	result := &ReleaseResult{BookingID: bookingID, ReleaseType: releaseType}

	switch releaseType {
	case ReleaseClaimOwner:
		err = e.releaseAllToOwner(ctx, b, tx, acctID, result)
	case ReleaseClaimRenterApproved:
		err = e.refundAllToRenter(ctx, b, tx, result)
	case ReleaseReturnConfirmed, ReleaseClaimDenied:
		err = e.releaseSplit(ctx, b, tx, acctID, true, opts.DepositToOwner, result)
	case ReleaseCompleted:
		err = e.releaseSplit(ctx, b, tx, acctID, false, opts.DepositToOwner, result)
	}
	if err != nil {
		return nil, err
	}

	if err := e.finalize(ctx, bookingID, tx.ID); err != nil {
		// Funds moved; the finalize bookkeeping failed. Log for follow-up
		// rather than reporting the release itself as failed.
		logging.L(ctx).Error("escrow finalize failed after fund movement",
			"booking_id", bookingID, "escrow_id", tx.ID, "error", err)
	}

	if result.Message == "" {
		result.Message = "escrow release processed"
	}
	return result, nil
}

// releaseSplit handles the two-sided types: rental (optionally) to the owner,
// deposit back to the renter — or to the owner when DepositToOwner is set.
func (e *Engine) releaseSplit(ctx context.Context, b *booking.Booking, tx *Transaction, acctID string, includeRental, depositToOwner bool, result *ReleaseResult) error {
	if includeRental && !b.RentalAmountReleased {
		claimed, err := e.claimRentalLeg(ctx, b)
		if err != nil {
			return err
		}
		if claimed {
			transferID, err := e.transferToOwner(ctx, b, tx, acctID, tx.RentalAmount)
			if err != nil {
				e.unclaimLegs(ctx, b, true, false)
				return err
			}
			if err := e.stampRentalLeg(ctx, b, tx, transferID, tx.RentalAmount); err != nil {
				return err
			}
			result.TransferID = transferID
		}
	}

	if !b.DepositReturned {
		claimed, err := e.claimDepositLeg(ctx, b)
		if err != nil {
			return err
		}
		if claimed && tx.DepositAmount > 0 {
			if depositToOwner {
				transferID, err := e.transferToOwner(ctx, b, tx, acctID, tx.DepositAmount)
				if err != nil {
					e.unclaimLegs(ctx, b, false, true)
					return err
				}
				if err := e.stampDepositLeg(ctx, b, tx, transferID, b.OwnerID, tx.DepositAmount); err != nil {
					return err
				}
				if result.TransferID == "" {
					result.TransferID = transferID
				}
			} else {
				refundID, err := e.refundToRenter(ctx, b, tx, tx.DepositAmount, "deposit_return")
				if err != nil {
					e.unclaimLegs(ctx, b, false, true)
					return err
				}
				if err := e.stampDepositLeg(ctx, b, tx, refundID, b.RenterID, tx.DepositAmount); err != nil {
					return err
				}
				result.RefundID = refundID
			}
		}
		// Zero-deposit bookings have nothing to move on this leg; the claim
		// alone closes it so the transaction can finalize.
	}

	return nil
}

// releaseAllToOwner handles claim_owner: one transfer covering every leg not
// yet moved. The amount is the arithmetic sum of the remaining legs, never
// derived from the booking total.
func (e *Engine) releaseAllToOwner(ctx context.Context, b *booking.Booking, tx *Transaction, acctID string, result *ReleaseResult) error {
	rentalClaimed, depositClaimed, amount, err := e.claimRemainingLegs(ctx, b, tx)
	if err != nil {
		return err
	}
	if amount == 0 {
		result.Message = "both legs already settled"
		return nil
	}

	transferID, err := e.transferToOwner(ctx, b, tx, acctID, amount)
	if err != nil {
		e.unclaimLegs(ctx, b, rentalClaimed, depositClaimed)
		return err
	}

	if rentalClaimed {
		if err := e.stampRentalLeg(ctx, b, tx, transferID, tx.RentalAmount); err != nil {
			return err
		}
	}
	if depositClaimed {
		if err := e.stampDepositLeg(ctx, b, tx, transferID, b.OwnerID, tx.DepositAmount); err != nil {
			return err
		}
	}
	result.TransferID = transferID
	result.Message = "claim approved: escrow released to owner"
	return nil
}

// refundAllToRenter handles claim_renter_approved: one refund covering every
// leg not yet moved — the renter-favored mirror of releaseAllToOwner.
func (e *Engine) refundAllToRenter(ctx context.Context, b *booking.Booking, tx *Transaction, result *ReleaseResult) error {
	rentalClaimed, depositClaimed, amount, err := e.claimRemainingLegs(ctx, b, tx)
	if err != nil {
		return err
	}
	if amount == 0 {
		result.Message = "both legs already settled"
		return nil
	}

	refundID, err := e.refundToRenter(ctx, b, tx, amount, "renter_claim_approved")
	if err != nil {
		e.unclaimLegs(ctx, b, rentalClaimed, depositClaimed)
		return err
	}

	if rentalClaimed {
		// The rental leg went back to the renter, not to the owner; the flag
		// still flips because the leg is settled.
		if err := e.store.StampRentalRelease(ctx, tx.ID, "", time.Now()); err != nil {
			return err
		}
	}
	if depositClaimed {
		if err := e.stampDepositLeg(ctx, b, tx, refundID, b.RenterID, tx.DepositAmount); err != nil {
			return err
		}
	}

	e.bus.Publish(ctx, events.Event{
		Type:      events.TypeEscrowRefunded,
		BookingID: b.ID,
		UserID:    b.RenterID,
		Amount:    amount,
		Message:   "Your claim was approved and your payment has been refunded",
	})

	result.RefundID = refundID
	result.Message = "claim approved: escrow refunded to renter"
	return nil
}

// transferToOwner submits a payout funded from the original charge. A failed
// call moves the ledger row to transfer_failed for operator follow-up; legs
// already completed keep their flags.
func (e *Engine) transferToOwner(ctx context.Context, b *booking.Booking, tx *Transaction, acctID string, amount int64) (string, error) {
	tr, err := e.gateway.CreateTransfer(ctx, payments.TransferParams{
		Amount:        amount,
		Currency:      e.currency,
		Destination:   acctID,
		SourceCharge:  tx.StripeChargeID,
		TransferGroup: b.ID,
		BookingID:     b.ID,
	})
	if err != nil {
		e.recordGatewayFailure(ctx, b, tx, "transfer", err)
		return "", &GatewayError{Op: "transfer", Err: err}
	}
	metrics.TransfersTotal.Inc()
	return tr.ID, nil
}

// refundToRenter submits a refund against the original payment intent.
func (e *Engine) refundToRenter(ctx context.Context, b *booking.Booking, tx *Transaction, amount int64, reason string) (string, error) {
	if tx.StripePaymentIntentID == "" {
		return "", ErrMissingCharge
	}
	ref, err := e.gateway.CreateRefund(ctx, payments.RefundParams{
		PaymentIntentID: tx.StripePaymentIntentID,
		Amount:          amount,
		Reason:          reason,
		BookingID:       b.ID,
	})
	if err != nil {
		e.recordGatewayFailure(ctx, b, tx, "refund", err)
		return "", &GatewayError{Op: "refund", Err: err}
	}
	metrics.RefundsTotal.Inc()
	return ref.ID, nil
}

func (e *Engine) recordGatewayFailure(ctx context.Context, b *booking.Booking, tx *Transaction, op string, err error) {
	reason := fmt.Sprintf("%s: %v", op, err)
	if storeErr := e.store.RecordTransferFailure(ctx, tx.ID, reason); storeErr != nil {
		logging.L(ctx).Error("failed to record transfer failure",
			"booking_id", b.ID, "escrow_id", tx.ID, "error", storeErr)
	}
	e.bus.Publish(ctx, events.Event{
		Type:      events.TypeTransferFailed,
		BookingID: b.ID,
		UserID:    b.OwnerID,
		Message:   "A payout for your booking failed and is being looked into",
	})
	logging.L(ctx).Error("gateway call failed during escrow release",
		"booking_id", b.ID, "escrow_id", tx.ID, "op", op, "error", err)
}

// claimRentalLeg reserves the rental leg with the store's conditional flag
// flip before any money moves, so exactly one caller — across replicas, not
// just within this process — submits the transfer. false means another call
// already owns the leg.
func (e *Engine) claimRentalLeg(ctx context.Context, b *booking.Booking) (bool, error) {
	claimed, err := e.bookings.MarkRentalReleased(ctx, b.ID)
	if err != nil {
		return false, err
	}
	if claimed {
		b.RentalAmountReleased = true
	}
	return claimed, nil
}

// claimDepositLeg is the deposit-leg counterpart of claimRentalLeg.
func (e *Engine) claimDepositLeg(ctx context.Context, b *booking.Booking) (bool, error) {
	claimed, err := e.bookings.MarkDepositReturned(ctx, b.ID)
	if err != nil {
		return false, err
	}
	if claimed {
		b.DepositReturned = true
	}
	return claimed, nil
}

// claimRemainingLegs reserves whichever legs are still open for a combined
// release and returns their summed amount. Legs another call already owns
// contribute nothing.
func (e *Engine) claimRemainingLegs(ctx context.Context, b *booking.Booking, tx *Transaction) (rentalClaimed, depositClaimed bool, amount int64, err error) {
	if !b.RentalAmountReleased {
		rentalClaimed, err = e.claimRentalLeg(ctx, b)
		if err != nil {
			return false, false, 0, err
		}
		if rentalClaimed {
			amount += tx.RentalAmount
		}
	}
	if !b.DepositReturned {
		depositClaimed, err = e.claimDepositLeg(ctx, b)
		if err != nil {
			e.unclaimLegs(ctx, b, rentalClaimed, false)
			return false, false, 0, err
		}
		if depositClaimed {
			amount += tx.DepositAmount
		}
	}
	return rentalClaimed, depositClaimed, amount, nil
}

// unclaimLegs hands claimed legs back after a gateway failure so a re-armed
// retry can run them again.
func (e *Engine) unclaimLegs(ctx context.Context, b *booking.Booking, rental, deposit bool) {
	if rental {
		if err := e.bookings.ClearRentalReleased(ctx, b.ID); err != nil {
			logging.L(ctx).Error("failed to unclaim rental leg",
				"booking_id", b.ID, "error", err)
		} else {
			b.RentalAmountReleased = false
		}
	}
	if deposit {
		if err := e.bookings.ClearDepositReturned(ctx, b.ID); err != nil {
			logging.L(ctx).Error("failed to unclaim deposit leg",
				"booking_id", b.ID, "error", err)
		} else {
			b.DepositReturned = false
		}
	}
}

// stampRentalLeg records a successful rental-leg transfer on the ledger and
// notifies the owner. The booking flag was already claimed before the call.
func (e *Engine) stampRentalLeg(ctx context.Context, b *booking.Booking, tx *Transaction, transferID string, amount int64) error {
	if err := e.store.StampRentalRelease(ctx, tx.ID, transferID, time.Now()); err != nil {
		return err
	}
	e.bus.Publish(ctx, events.Event{
		Type:      events.TypeRentalReleased,
		BookingID: b.ID,
		UserID:    b.OwnerID,
		Amount:    amount,
		Message:   "Your rental payout is on its way",
	})
	return nil
}

// stampDepositLeg records a settled deposit leg. recipientID is the renter
// for a refund or the owner for an agreed deduction / approved claim.
func (e *Engine) stampDepositLeg(ctx context.Context, b *booking.Booking, tx *Transaction, externalID, recipientID string, amount int64) error {
	if err := e.store.StampDepositReturn(ctx, tx.ID, externalID, time.Now()); err != nil {
		return err
	}
	e.bus.Publish(ctx, events.Event{
		Type:      events.TypeDepositReturned,
		BookingID: b.ID,
		UserID:    recipientID,
		Amount:    amount,
		Message:   "The security deposit for your booking has been settled",
	})
	return nil
}

// Rearm moves a transfer_failed transaction back to held so the release can
// be retried once the underlying gateway problem is fixed. Returns false when
// the transaction is not in transfer_failed.
func (e *Engine) Rearm(ctx context.Context, bookingID string) (bool, error) {
	mu := e.bookingLock(bookingID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := e.store.GetByBookingID(ctx, bookingID)
	if err != nil {
		return false, err
	}
	moved, err := e.store.TransitionStatus(ctx, tx.ID, StatusTransferFailed, StatusHeld)
	if err != nil {
		return false, err
	}
	if moved {
		logging.L(ctx).Info("escrow re-armed for retry",
			"booking_id", bookingID, "escrow_id", tx.ID,
			"previous_failure", tx.TransferFailureReason)
	}
	return moved, nil
}

// finalize closes the transaction once both legs are done: CAS held→released
// plus booking completion. Zero rows affected means a concurrent call already
// finalized, which is fine.
func (e *Engine) finalize(ctx context.Context, bookingID, escrowID string) error {
	b, err := e.bookings.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	if !b.RentalAmountReleased || !b.DepositReturned {
		return nil // a leg is still open; stay held
	}

	moved, err := e.store.TransitionStatus(ctx, escrowID, StatusHeld, StatusReleased)
	if err != nil {
		return err
	}
	if moved {
		if err := e.bookings.Complete(ctx, bookingID, time.Now()); err != nil {
			return err
		}
	}
	return nil
}
