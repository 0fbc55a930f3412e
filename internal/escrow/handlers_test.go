package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHandlerRouter(f *engineFixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler(f.engine, f.store)
	h.RegisterRoutes(&r.RouterGroup)
	admin := r.Group("/admin")
	h.RegisterAdminRoutes(admin)
	return r
}

func postRelease(t *testing.T, r *gin.Engine, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/escrow/release", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestReleaseHandlerSuccess(t *testing.T) {
	f := newFixture(t)
	b := f.seedHeld(t, 10000, 5000)
	r := newHandlerRouter(f)

	w := postRelease(t, r, ReleaseRequest{BookingID: b.ID, ReleaseType: "return_confirmed"})
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success     bool   `json:"success"`
		BookingID   string `json:"booking_id"`
		ReleaseType string `json:"release_type"`
		TransferID  string `json:"transfer_id"`
		RefundID    string `json:"refund_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, b.ID, resp.BookingID)
	assert.Equal(t, "return_confirmed", resp.ReleaseType)
	assert.NotEmpty(t, resp.TransferID)
	assert.NotEmpty(t, resp.RefundID)
}

func TestReleaseHandlerValidation(t *testing.T) {
	f := newFixture(t)
	r := newHandlerRouter(f)

	// Missing fields fail binding
	w := postRelease(t, r, map[string]string{"booking_id": "bk_test_1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")

	// Unknown release type
	f.seedHeld(t, 10000, 5000)
	w = postRelease(t, r, ReleaseRequest{BookingID: "bk_test_1", ReleaseType: "give_everyone_money"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_release_type")
}

func TestReleaseHandlerNotFound(t *testing.T) {
	f := newFixture(t)
	r := newHandlerRouter(f)

	w := postRelease(t, r, ReleaseRequest{BookingID: "bk_missing", ReleaseType: "return_confirmed"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReleaseHandlerNotHeld(t *testing.T) {
	f := newFixture(t)
	b := f.seedHeld(t, 10000, 5000)
	r := newHandlerRouter(f)

	w := postRelease(t, r, ReleaseRequest{BookingID: b.ID, ReleaseType: "return_confirmed"})
	require.Equal(t, http.StatusOK, w.Code)

	// Double release is rejected, not repeated.
	w = postRelease(t, r, ReleaseRequest{BookingID: b.ID, ReleaseType: "return_confirmed"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "escrow_not_held")
	assert.Equal(t, int64(15000), f.gateway.movedTotal())
}

func TestReleaseHandlerGatewayError(t *testing.T) {
	f := newFixture(t)
	b := f.seedHeld(t, 10000, 5000)
	f.gateway.failTransfer = errors.New("stripe: account cannot receive transfers")
	r := newHandlerRouter(f)

	w := postRelease(t, r, ReleaseRequest{BookingID: b.ID, ReleaseType: "return_confirmed"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "gateway_error")

	tx, err := f.store.GetByBookingID(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTransferFailed, tx.Status)
}

func TestGetEscrowHandler(t *testing.T) {
	f := newFixture(t)
	b := f.seedHeld(t, 10000, 5000)
	r := newHandlerRouter(f)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/escrow/"+b.ID, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Escrow Transaction `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusHeld, resp.Escrow.Status)
	assert.Equal(t, int64(10000), resp.Escrow.RentalAmount)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/escrow/bk_missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminListAndRearm(t *testing.T) {
	f := newFixture(t)
	b := f.seedHeld(t, 10000, 5000)
	f.gateway.failTransfer = errors.New("stripe: try again later")
	r := newHandlerRouter(f)

	w := postRelease(t, r, ReleaseRequest{BookingID: b.ID, ReleaseType: "return_confirmed"})
	require.Equal(t, http.StatusInternalServerError, w.Code)

	// Failed transactions show up on the default admin listing.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/admin/escrow", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	// Re-arm, then retry succeeds.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/admin/escrow/"+b.ID+"/rearm", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// Re-arm replay conflicts.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/admin/escrow/"+b.ID+"/rearm", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	f.gateway.failTransfer = nil
	w = postRelease(t, r, ReleaseRequest{BookingID: b.ID, ReleaseType: "return_confirmed"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(15000), f.gateway.movedTotal())
}
