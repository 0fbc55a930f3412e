// Package payments wraps the Stripe API behind a narrow gateway interface.
//
// The adapter is pure request/response: it holds no state beyond the API
// client, and every mutation it performs is reconciled later through the
// webhook stream. Transfers are always funded from the original charge
// (source_transaction) so payouts stay traceable to the capture; refunds
// always reference the original payment intent.
package payments

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// CheckoutParams describes a hosted checkout session for a booking.
type CheckoutParams struct {
	BookingID     string
	ListingTitle  string
	Currency      string
	RentalAmount  int64 // minor units
	DepositAmount int64
	PlatformFee   int64
	TransferGroup string
	SuccessURL    string
	CancelURL     string
	ExpiresAt     int64 // unix, zero for Stripe default
}

// TransferParams describes a payout transfer to a connected account.
type TransferParams struct {
	Amount        int64
	Currency      string
	Destination   string // connected account id (acct_...)
	SourceCharge  string // original charge id, used as source_transaction
	TransferGroup string
	BookingID     string
}

// RefundParams describes a refund against the original payment intent.
type RefundParams struct {
	PaymentIntentID string
	Amount          int64
	Reason          string // free-form, recorded in metadata
	BookingID       string
}

// Gateway is the payment processor surface the escrow core depends on.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*stripe.CheckoutSession, error)
	GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error)
	CreateTransfer(ctx context.Context, p TransferParams) (*stripe.Transfer, error)
	CreateRefund(ctx context.Context, p RefundParams) (*stripe.Refund, error)
	GetAccount(ctx context.Context, id string) (*stripe.Account, error)
}

// StripeGateway implements Gateway against the live Stripe API.
type StripeGateway struct {
	sc *client.API
}

// New creates a gateway bound to the given secret key.
func New(secretKey string) *StripeGateway {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return &StripeGateway{sc: sc}
}

// CreateCheckoutSession creates a hosted checkout session carrying the booking
// id and escrow amounts in metadata. The metadata is the source of truth when
// the completed-session webhook arrives.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*stripe.CheckoutSession, error) {
	total := p.RentalAmount + p.DepositAmount + p.PlatformFee
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(p.Currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(p.ListingTitle),
					},
					UnitAmount: stripe.Int64(total),
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			TransferGroup: stripe.String(p.TransferGroup),
		},
	}
	if p.ExpiresAt > 0 {
		params.ExpiresAt = stripe.Int64(p.ExpiresAt)
	}
	params.Context = ctx
	params.AddMetadata("booking_id", p.BookingID)
	params.AddMetadata("rental_amount", fmt.Sprintf("%d", p.RentalAmount))
	params.AddMetadata("deposit_amount", fmt.Sprintf("%d", p.DepositAmount))
	params.AddMetadata("platform_fee", fmt.Sprintf("%d", p.PlatformFee))
	if params.PaymentIntentData.Metadata == nil {
		params.PaymentIntentData.Metadata = map[string]string{}
	}
	params.PaymentIntentData.Metadata["booking_id"] = p.BookingID

	sess, err := g.sc.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create checkout session: %w", err)
	}
	return sess, nil
}

// GetPaymentIntent retrieves a payment intent with its latest charge expanded.
func (g *StripeGateway) GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")

	pi, err := g.sc.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: get payment intent %s: %w", id, err)
	}
	return pi, nil
}

// CreateTransfer moves escrowed funds to a connected account, funded from the
// original charge.
func (g *StripeGateway) CreateTransfer(ctx context.Context, p TransferParams) (*stripe.Transfer, error) {
	params := &stripe.TransferParams{
		Amount:            stripe.Int64(p.Amount),
		Currency:          stripe.String(p.Currency),
		Destination:       stripe.String(p.Destination),
		SourceTransaction: stripe.String(p.SourceCharge),
	}
	if p.TransferGroup != "" {
		params.TransferGroup = stripe.String(p.TransferGroup)
	}
	params.Context = ctx
	params.AddMetadata("booking_id", p.BookingID)

	tr, err := g.sc.Transfers.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create transfer: %w", err)
	}
	return tr, nil
}

// CreateRefund refunds part or all of the original payment to the renter.
func (g *StripeGateway) CreateRefund(ctx context.Context, p RefundParams) (*stripe.Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(p.PaymentIntentID),
		Amount:        stripe.Int64(p.Amount),
	}
	params.Context = ctx
	params.AddMetadata("booking_id", p.BookingID)
	if p.Reason != "" {
		params.AddMetadata("reason", p.Reason)
	}

	ref, err := g.sc.Refunds.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create refund: %w", err)
	}
	return ref, nil
}

// GetAccount retrieves a connected account.
func (g *StripeGateway) GetAccount(ctx context.Context, id string) (*stripe.Account, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx

	acct, err := g.sc.Accounts.GetByID(id, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: get account %s: %w", id, err)
	}
	return acct, nil
}

// Compile-time assertion that StripeGateway implements Gateway.
var _ Gateway = (*StripeGateway)(nil)
