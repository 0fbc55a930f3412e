package claims

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gearshareapp/gearshare/internal/booking"
	"github.com/gearshareapp/gearshare/internal/escrow"
	"github.com/gearshareapp/gearshare/internal/events"
	"github.com/gearshareapp/gearshare/internal/idgen"
	"github.com/gearshareapp/gearshare/internal/logging"
	"github.com/gearshareapp/gearshare/internal/metrics"
)

// Releaser is the slice of the escrow engine the claim workflow needs.
type Releaser interface {
	Release(ctx context.Context, bookingID string, rt escrow.ReleaseType, opts escrow.ReleaseOptions) (*escrow.ReleaseResult, error)
}

// FileRequest is the input for filing a claim.
type FileRequest struct {
	BookingID       string   `json:"booking_id" binding:"required"`
	ClaimantID      string   `json:"claimant_id" binding:"required"`
	ClaimType       Type     `json:"claim_type" binding:"required"`
	Description     string   `json:"description"`
	AmountRequested int64    `json:"amount_requested"`
	EvidenceURLs    []string `json:"evidence_urls"`
}

// Resolution is the outcome of resolving a claim.
type Resolution struct {
	Claim         *Claim                `json:"claim"`
	ReleaseType   escrow.ReleaseType    `json:"releaseType"`
	ReleaseResult *escrow.ReleaseResult `json:"releaseResult,omitempty"`
	ReleaseError  string                `json:"releaseError,omitempty"`
}

// Service runs the claim workflow.
type Service struct {
	store    Store
	bookings booking.Store
	releaser Releaser
	bus      events.Publisher
}

// NewService creates a claims service.
func NewService(store Store, bookings booking.Store, releaser Releaser, bus events.Publisher) *Service {
	if bus == nil {
		bus = events.Nop{}
	}
	return &Service{store: store, bookings: bookings, releaser: releaser, bus: bus}
}

// File opens a claim and moves the booking to disputed, freezing the normal
// release path until resolution.
func (s *Service) File(ctx context.Context, req FileRequest) (*Claim, error) {
	b, err := s.bookings.Get(ctx, req.BookingID)
	if err != nil {
		return nil, err
	}

	owner, renter := b.Party(req.ClaimantID)
	if !owner && !renter {
		return nil, ErrNotParty
	}

	if existing, err := s.store.GetOpenByBookingID(ctx, req.BookingID); err == nil && existing != nil {
		return nil, ErrDuplicatePending
	} else if err != nil && !errors.Is(err, ErrClaimNotFound) {
		return nil, err
	}

	// Claims make sense once the rental is underway or the gear came back.
	// A booking already disputed stays disputed.
	disputed := b.Status == booking.StatusDisputed
	if !disputed {
		moved := false
		for _, from := range []booking.Status{booking.StatusActive, booking.StatusReturned} {
			ok, err := s.bookings.Transition(ctx, b.ID, from, booking.StatusDisputed)
			if err != nil {
				return nil, err
			}
			if ok {
				moved = true
				break
			}
		}
		if !moved {
			return nil, fmt.Errorf("%w: status is %s", ErrBookingNotOpen, b.Status)
		}
	}

	now := time.Now()
	c := &Claim{
		ID:              idgen.WithPrefix("clm_"),
		BookingID:       req.BookingID,
		ClaimantID:      req.ClaimantID,
		ClaimType:       req.ClaimType,
		Description:     req.Description,
		AmountRequested: req.AmountRequested,
		EvidenceURLs:    req.EvidenceURLs,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, c); err != nil {
		return nil, err
	}

	role := "renter"
	counterparty := b.OwnerID
	if owner {
		role = "owner"
		counterparty = b.RenterID
	}
	logging.L(ctx).Info("claim filed",
		"claim_id", c.ID, "booking_id", c.BookingID, "claimant_role", role,
		"claim_type", string(c.ClaimType), "amount_requested", c.AmountRequested)

	s.bus.Publish(ctx, events.Event{
		Type:      events.TypeClaimFiled,
		BookingID: c.BookingID,
		UserID:    counterparty,
		Amount:    c.AmountRequested,
		Message:   "A claim was filed against your booking",
		Meta:      map[string]string{"claim_id": c.ID, "claim_type": string(c.ClaimType)},
	})
	return c, nil
}

// StartReview moves a pending claim to under_review.
func (s *Service) StartReview(ctx context.Context, claimID string) (bool, error) {
	return s.store.Transition(ctx, claimID, StatusPending, StatusUnderReview)
}

// Resolve records the reviewer's decision and triggers the matching escrow
// release. The decision always sticks; a failed release is recorded on the
// claim and surfaced in the resolution for operator retry.
func (s *Service) Resolve(ctx context.Context, claimID string, decision Decision, resolvedBy, notes string) (*Resolution, error) {
	if decision != DecisionApproved && decision != DecisionRejected {
		return nil, ErrInvalidDecision
	}

	c, err := s.store.Get(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if c.IsResolved() {
		return nil, ErrAlreadyResolved
	}

	b, err := s.bookings.Get(ctx, c.BookingID)
	if err != nil {
		return nil, err
	}
	releaseType := routeDecision(ctx, b, c, decision)

	// Decision first. Fund movement is retryable; a verdict is not.
	target := StatusApproved
	if decision == DecisionRejected {
		target = StatusRejected
	}
	moved := false
	for _, from := range []Status{StatusPending, StatusUnderReview} {
		ok, err := s.store.Transition(ctx, claimID, from, target)
		if err != nil {
			return nil, err
		}
		if ok {
			moved = true
			break
		}
	}
	if !moved {
		return nil, ErrAlreadyResolved
	}

	now := time.Now()
	if err := s.store.RecordResolution(ctx, claimID, resolvedBy, notes, now); err != nil {
		return nil, err
	}
	metrics.ClaimsResolvedTotal.WithLabelValues(string(decision)).Inc()

	res := &Resolution{ReleaseType: releaseType}

	releaseRes, releaseErr := s.releaser.Release(ctx, c.BookingID, releaseType, escrow.ReleaseOptions{})
	if releaseErr != nil {
		res.ReleaseError = releaseErr.Error()
		if err := s.store.RecordReleaseError(ctx, claimID, releaseErr.Error()); err != nil {
			logging.L(ctx).Error("failed to record release error on claim",
				"claim_id", claimID, "error", err)
		}
		logging.L(ctx).Error("claim resolved but escrow release failed",
			"claim_id", claimID, "booking_id", c.BookingID,
			"release_type", string(releaseType), "error", releaseErr)
	} else {
		res.ReleaseResult = releaseRes
	}

	resolved, err := s.store.Get(ctx, claimID)
	if err != nil {
		return nil, err
	}
	res.Claim = resolved

	s.bus.Publish(ctx, events.Event{
		Type:      events.TypeClaimResolved,
		BookingID: c.BookingID,
		UserID:    c.ClaimantID,
		Message:   fmt.Sprintf("Your claim was %s", decision),
		Meta: map[string]string{
			"claim_id":     claimID,
			"decision":     string(decision),
			"release_type": string(releaseType),
		},
	})
	return res, nil
}

// routeDecision maps who filed and how it was judged onto a release type.
//
//	owner approved  → everything to the owner
//	owner rejected  → normal split, deposit back to the renter
//	renter approved → everything back to the renter
//	renter rejected → everything to the owner
//
// A claimant who is somehow no longer a party defaults to the owner-favored
// route, loudly.
func routeDecision(ctx context.Context, b *booking.Booking, c *Claim, decision Decision) escrow.ReleaseType {
	owner, renter := b.Party(c.ClaimantID)
	switch {
	case owner && decision == DecisionApproved:
		return escrow.ReleaseClaimOwner
	case owner && decision == DecisionRejected:
		return escrow.ReleaseClaimDenied
	case renter && decision == DecisionApproved:
		return escrow.ReleaseClaimRenterApproved
	case renter && decision == DecisionRejected:
		return escrow.ReleaseClaimOwner
	default:
		logging.L(ctx).Warn("claimant is neither party to the booking, defaulting to owner release",
			"claim_id", c.ID, "booking_id", b.ID, "claimant_id", c.ClaimantID)
		return escrow.ReleaseClaimOwner
	}
}
