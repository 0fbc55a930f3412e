// Package webhook reconciles the gateway's event stream into local state.
//
// Stripe is the source of truth for money; the booking and escrow rows are a
// mirror. Every handler is idempotent: deliveries can arrive duplicated, out
// of order, or long after the fact, and replaying an event converges on the
// same state instead of double-applying.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/gearshareapp/gearshare/internal/booking"
	"github.com/gearshareapp/gearshare/internal/escrow"
	"github.com/gearshareapp/gearshare/internal/events"
	"github.com/gearshareapp/gearshare/internal/logging"
	"github.com/gearshareapp/gearshare/internal/payments"
)

// Accounts is the connected-account mirror: it ingests account.updated
// events and answers whether a user can receive payouts.
type Accounts interface {
	SyncFromGateway(ctx context.Context, acct *stripe.Account) error
	ActiveAccountID(ctx context.Context, userID string) (string, error)
}

// HandlerFunc processes one verified gateway event. Returning an error makes
// the endpoint answer non-2xx so the gateway redelivers.
type HandlerFunc func(ctx context.Context, event stripe.Event) error

// Reconciler routes verified gateway events to their handlers.
type Reconciler struct {
	secret   string
	bookings booking.Store
	escrows  escrow.Store
	gateway  payments.Gateway
	accounts Accounts
	bus      events.Publisher
	handlers map[stripe.EventType]HandlerFunc
}

// NewReconciler creates a reconciler with the default handler registry.
func NewReconciler(secret string, bookings booking.Store, escrows escrow.Store, gateway payments.Gateway, accounts Accounts, bus events.Publisher) *Reconciler {
	if bus == nil {
		bus = events.Nop{}
	}
	r := &Reconciler{
		secret:   secret,
		bookings: bookings,
		escrows:  escrows,
		gateway:  gateway,
		accounts: accounts,
		bus:      bus,
	}
	r.handlers = map[stripe.EventType]HandlerFunc{
		"checkout.session.completed":    r.handleSessionCompleted,
		"checkout.session.expired":      r.handleSessionExpired,
		"payment_intent.succeeded":      r.handlePaymentSucceeded,
		"payment_intent.payment_failed": r.handlePaymentFailed,
		"charge.refunded":               r.handleChargeRefunded,
		"transfer.created":              r.handleTransferCreated,
		"account.updated":               r.handleAccountUpdated,
	}
	return r
}

// Dispatch runs the handler registered for the event type. Unhandled types
// are acknowledged without action.
func (r *Reconciler) Dispatch(ctx context.Context, event stripe.Event) error {
	h, ok := r.handlers[event.Type]
	if !ok {
		logging.L(ctx).Debug("ignoring unhandled webhook event",
			"event_id", event.ID, "type", string(event.Type))
		return nil
	}
	return h(ctx, event)
}

// handleSessionCompleted is the moment funds become held: the renter finished
// hosted checkout and the charge was captured. Amounts come from session
// metadata — the values actually presented at capture — with the booking row
// as fallback for older sessions.
func (r *Reconciler) handleSessionCompleted(ctx context.Context, event stripe.Event) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("unmarshal checkout session: %w", err)
	}

	bookingID := sess.Metadata["booking_id"]
	if bookingID == "" {
		// Not one of ours (or metadata was stripped). Ack so the gateway
		// stops retrying; there is nothing to reconcile.
		logging.L(ctx).Warn("checkout session without booking_id metadata",
			"event_id", event.ID, "session_id", sess.ID)
		return nil
	}

	b, err := r.bookings.Get(ctx, bookingID)
	if err != nil {
		return fmt.Errorf("load booking %s: %w", bookingID, err)
	}

	// The rental payout later funds from this charge. An owner without a
	// connected account means the money is uncollectable, so the delivery
	// fails and the gateway redelivers until onboarding lands.
	if _, err := r.accounts.ActiveAccountID(ctx, b.OwnerID); err != nil {
		return fmt.Errorf("owner %s payout account for booking %s: %w", b.OwnerID, bookingID, err)
	}

	var piID string
	if sess.PaymentIntent != nil {
		piID = sess.PaymentIntent.ID
	}
	if err := r.bookings.ConfirmPayment(ctx, bookingID, piID); err != nil {
		return fmt.Errorf("confirm payment for %s: %w", bookingID, err)
	}

	// The session object carries only the payment intent reference; the
	// charge id needed later for transfers comes from the intent.
	var chargeID string
	if piID != "" {
		pi, err := r.gateway.GetPaymentIntent(ctx, piID)
		if err != nil {
			return fmt.Errorf("fetch payment intent %s: %w", piID, err)
		}
		if pi.LatestCharge != nil {
			chargeID = pi.LatestCharge.ID
		}
	}

	rental := metadataAmount(sess.Metadata, "rental_amount", b.RentalAmount)
	deposit := metadataAmount(sess.Metadata, "deposit_amount", b.DepositAmount)
	fee := metadataAmount(sess.Metadata, "platform_fee", b.PlatformFee)

	if _, err := r.escrows.Hold(ctx, escrow.HoldParams{
		BookingID:       bookingID,
		PaymentIntentID: piID,
		ChargeID:        chargeID,
		RentalAmount:    rental,
		DepositAmount:   deposit,
		PlatformFee:     fee,
		HeldUntil:       b.EndDate,
	}); err != nil {
		return fmt.Errorf("hold escrow for %s: %w", bookingID, err)
	}

	logging.L(ctx).Info("escrow held",
		"booking_id", bookingID, "payment_intent", piID,
		"rental_amount", rental, "deposit_amount", deposit)

	r.bus.Publish(ctx, events.Event{
		Type:      events.TypeBookingConfirmed,
		BookingID: bookingID,
		UserID:    b.RenterID,
		Amount:    rental + deposit,
		Message:   "Payment received; your booking is confirmed",
	})
	return nil
}

// handleSessionExpired closes the window on an abandoned checkout: the
// pending booking is cancelled and the seeded ledger row zeroed out.
func (r *Reconciler) handleSessionExpired(ctx context.Context, event stripe.Event) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("unmarshal checkout session: %w", err)
	}

	bookingID := sess.Metadata["booking_id"]
	if bookingID == "" {
		return nil
	}

	// Only a pending booking can be expired away. If the completed event
	// raced ahead of this one, the transition is a no-op.
	moved, err := r.bookings.Transition(ctx, bookingID, booking.StatusPending, booking.StatusCancelled)
	if err != nil {
		return fmt.Errorf("cancel expired booking %s: %w", bookingID, err)
	}
	if !moved {
		logging.L(ctx).Info("session expired for non-pending booking, leaving as-is",
			"booking_id", bookingID)
		return nil
	}

	if err := r.bookings.SetPaymentStatus(ctx, bookingID, booking.PaymentFailed); err != nil {
		return fmt.Errorf("mark payment failed for %s: %w", bookingID, err)
	}
	if err := r.escrows.MarkSessionExpired(ctx, bookingID); err != nil && err != escrow.ErrEscrowNotFound {
		return fmt.Errorf("expire escrow for %s: %w", bookingID, err)
	}
	logging.L(ctx).Info("checkout session expired, booking cancelled", "booking_id", bookingID)
	return nil
}

// handlePaymentSucceeded backfills the charge id and re-asserts the booking's
// payment state. Depending on delivery order this event may carry the charge
// before the session-completed handler got to ask for it, or arrive when that
// handler crashed partway through.
func (r *Reconciler) handlePaymentSucceeded(ctx context.Context, event stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return fmt.Errorf("unmarshal payment intent: %w", err)
	}

	tx, err := r.escrows.GetByPaymentIntent(ctx, pi.ID)
	if err != nil {
		if err == escrow.ErrEscrowNotFound {
			// Session-completed has not landed yet; it will fetch the
			// charge itself.
			return nil
		}
		return err
	}

	if pi.LatestCharge != nil && tx.StripeChargeID == "" {
		if err := r.escrows.SetChargeID(ctx, tx.ID, pi.LatestCharge.ID); err != nil {
			return fmt.Errorf("backfill charge for %s: %w", tx.ID, err)
		}
		logging.L(ctx).Info("charge id backfilled",
			"escrow_id", tx.ID, "charge_id", pi.LatestCharge.ID)
	}

	// The intent settled, so the booking reads paid and confirmed no matter
	// which handler got there first.
	if err := r.bookings.ConfirmPayment(ctx, tx.BookingID, pi.ID); err != nil {
		return fmt.Errorf("confirm payment for %s: %w", tx.BookingID, err)
	}
	return nil
}

// handlePaymentFailed records the failure on the booking. The booking status
// itself is untouched: the renter can retry checkout.
func (r *Reconciler) handlePaymentFailed(ctx context.Context, event stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return fmt.Errorf("unmarshal payment intent: %w", err)
	}

	bookingID := pi.Metadata["booking_id"]
	if bookingID == "" {
		return nil
	}

	if err := r.bookings.SetPaymentStatus(ctx, bookingID, booking.PaymentFailed); err != nil {
		if err == booking.ErrBookingNotFound {
			return nil
		}
		return fmt.Errorf("mark payment failed for %s: %w", bookingID, err)
	}

	b, err := r.bookings.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	r.bus.Publish(ctx, events.Event{
		Type:      events.TypePaymentFailed,
		BookingID: bookingID,
		UserID:    b.RenterID,
		Message:   "Your payment could not be processed",
	})
	return nil
}

// handleChargeRefunded mirrors a gateway-side refund (issued from the Stripe
// dashboard or by the release engine). A finished rental keeps its status; a
// refund landing mid-rental cancels the booking.
func (r *Reconciler) handleChargeRefunded(ctx context.Context, event stripe.Event) error {
	var ch stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
		return fmt.Errorf("unmarshal charge: %w", err)
	}

	tx, err := r.escrows.GetByChargeID(ctx, ch.ID)
	if err != nil {
		if err == escrow.ErrEscrowNotFound {
			logging.L(ctx).Warn("refund for unknown charge", "charge_id", ch.ID)
			return nil
		}
		return err
	}

	// Partial refunds issued by the release engine (deposit leg) are already
	// stamped on the row; a full refund is what flips the transaction.
	if ch.AmountRefunded < ch.Amount {
		logging.L(ctx).Info("partial refund observed",
			"booking_id", tx.BookingID, "amount_refunded", ch.AmountRefunded)
		return nil
	}

	if tx.Status != escrow.StatusRefunded {
		if err := r.escrows.MarkRefunded(ctx, tx.ID, ch.AmountRefunded, "gateway_refund"); err != nil {
			return fmt.Errorf("mark refunded %s: %w", tx.ID, err)
		}
	}
	if err := r.bookings.SetPaymentStatus(ctx, tx.BookingID, booking.PaymentRefunded); err != nil {
		return err
	}

	cancelled, err := r.bookings.CancelUnlessFinished(ctx, tx.BookingID)
	if err != nil {
		return err
	}
	logging.L(ctx).Info("charge fully refunded",
		"booking_id", tx.BookingID, "amount", ch.AmountRefunded, "booking_cancelled", cancelled)
	return nil
}

// handleTransferCreated confirms the payout landed on the gateway side. The
// confirmation is only applied once both legs are settled locally; a leg
// transfer observed mid-release is recorded in the log and picked up when the
// release finalizes.
func (r *Reconciler) handleTransferCreated(ctx context.Context, event stripe.Event) error {
	var tr stripe.Transfer
	if err := json.Unmarshal(event.Data.Raw, &tr); err != nil {
		return fmt.Errorf("unmarshal transfer: %w", err)
	}
	if tr.SourceTransaction == nil {
		return nil
	}

	tx, err := r.escrows.GetByChargeID(ctx, tr.SourceTransaction.ID)
	if err != nil {
		if err == escrow.ErrEscrowNotFound {
			logging.L(ctx).Warn("transfer for unknown charge",
				"transfer_id", tr.ID, "charge_id", tr.SourceTransaction.ID)
			return nil
		}
		return err
	}
	if tx.TransferID == tr.ID {
		return nil // replay
	}

	b, err := r.bookings.Get(ctx, tx.BookingID)
	if err != nil {
		return err
	}
	if !b.RentalAmountReleased || !b.DepositReturned {
		logging.L(ctx).Info("transfer confirmed before release finalized",
			"booking_id", tx.BookingID, "transfer_id", tr.ID)
		return nil
	}

	if err := r.escrows.ConfirmTransfer(ctx, tx.ID, tr.ID, time.Now()); err != nil {
		return fmt.Errorf("confirm transfer %s: %w", tr.ID, err)
	}
	// The payout only exists because the charge settled; keep the booking's
	// payment state aligned even if an earlier delivery was lost.
	if err := r.bookings.SetPaymentStatus(ctx, tx.BookingID, booking.PaymentCompleted); err != nil {
		return fmt.Errorf("mirror payment status for %s: %w", tx.BookingID, err)
	}
	logging.L(ctx).Info("transfer confirmed",
		"booking_id", tx.BookingID, "transfer_id", tr.ID, "amount", tr.Amount)
	return nil
}

// handleAccountUpdated mirrors connected-account onboarding state so release
// calls can check payout readiness without a live API call.
func (r *Reconciler) handleAccountUpdated(ctx context.Context, event stripe.Event) error {
	if r.accounts == nil {
		return nil
	}
	var acct stripe.Account
	if err := json.Unmarshal(event.Data.Raw, &acct); err != nil {
		return fmt.Errorf("unmarshal account: %w", err)
	}
	return r.accounts.SyncFromGateway(ctx, &acct)
}

// metadataAmount parses an integer amount from session metadata, falling back
// to the booking-row value when absent or malformed.
func metadataAmount(meta map[string]string, key string, fallback int64) int64 {
	if v, ok := meta[key]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}
