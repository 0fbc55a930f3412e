package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(store Store, checkout *CheckoutService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(store, checkout).RegisterRoutes(&r.RouterGroup)
	return r
}

func seedBooking(t *testing.T, store Store, status Status) *Booking {
	t.Helper()
	now := time.Now()
	b := &Booking{
		ID:            "bk_h_1",
		OwnerID:       "usr_owner",
		RenterID:      "usr_renter",
		ListingTitle:  "Makita drill set",
		RentalAmount:  4000,
		DepositAmount: 2000,
		PlatformFee:   400,
		TotalAmount:   6400,
		StartDate:     now,
		EndDate:       now.Add(48 * time.Hour),
		Status:        status,
		PaymentStatus: PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, store.Create(context.Background(), b))
	return b
}

func TestGetBookingHandler(t *testing.T) {
	store := NewMemoryStore()
	seedBooking(t, store, StatusPending)
	r := newTestRouter(store, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/bookings/bk_h_1", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Booking Booking `json:"booking"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "bk_h_1", resp.Booking.ID)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/bookings/bk_missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListBookingsHandler(t *testing.T) {
	store := NewMemoryStore()
	seedBooking(t, store, StatusPending)
	r := newTestRouter(store, nil)

	for _, userID := range []string{"usr_owner", "usr_renter"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/users/"+userID+"/bookings", nil))
		assert.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Count int `json:"count"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Count, "both parties see the booking")
	}
}

func TestCancelBookingHandler(t *testing.T) {
	store := NewMemoryStore()
	seedBooking(t, store, StatusPending)
	r := newTestRouter(store, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/bookings/bk_h_1/cancel", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	b, err := store.Get(context.Background(), "bk_h_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, b.Status)

	// Replay: no longer pending
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/bookings/bk_h_1/cancel", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCancelPaidBookingRejected(t *testing.T) {
	store := NewMemoryStore()
	seedBooking(t, store, StatusConfirmed)
	r := newTestRouter(store, nil)

	// Paid bookings move money; cancellation must go through escrow release.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/bookings/bk_h_1/cancel", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestBookingLifecycleTransitions(t *testing.T) {
	store := NewMemoryStore()
	seedBooking(t, store, StatusConfirmed)
	r := newTestRouter(store, nil)

	// Return before pickup is rejected.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/bookings/bk_h_1/return", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/bookings/bk_h_1/activate", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/bookings/bk_h_1/return", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	b, err := store.Get(context.Background(), "bk_h_1")
	require.NoError(t, err)
	assert.Equal(t, StatusReturned, b.Status)
}

func TestStartCheckoutHandler(t *testing.T) {
	store := NewMemoryStore()
	checkout := NewCheckoutService(store, &fakeSeeder{}, &fakeGateway{}, 1000, "usd",
		"https://gearshare.test/success", "https://gearshare.test/cancel")
	r := newTestRouter(store, checkout)

	body, _ := json.Marshal(validRequest())
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/checkout", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Booking     Booking `json:"booking"`
		CheckoutURL string  `json:"checkoutUrl"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Booking.ID)
	assert.Contains(t, resp.CheckoutURL, "checkout.stripe.com")
}

func TestStartCheckoutValidation(t *testing.T) {
	store := NewMemoryStore()
	checkout := NewCheckoutService(store, &fakeSeeder{}, &fakeGateway{}, 1000, "usd", "", "")
	r := newTestRouter(store, checkout)

	invalid := validRequest()
	invalid.RentalAmount = 0
	body, _ := json.Marshal(invalid)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/checkout", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
}
