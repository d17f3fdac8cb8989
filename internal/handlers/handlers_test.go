package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ticket-queue/internal/services"
	"ticket-queue/internal/status"
	"ticket-queue/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type MockQueueManager struct {
	mock.Mock
}

func (m *MockQueueManager) CheckIn(ctx context.Context, eventID, userID string) (*models.CheckInResult, error) {
	args := m.Called(ctx, eventID, userID)
	res, _ := args.Get(0).(*models.CheckInResult)
	return res, args.Error(1)
}

func (m *MockQueueManager) Leave(ctx context.Context, eventID, userID string) error {
	return m.Called(ctx, eventID, userID).Error(0)
}

func (m *MockQueueManager) Status(ctx context.Context, eventID, userID string) (*models.QueueStatus, error) {
	args := m.Called(ctx, eventID, userID)
	res, _ := args.Get(0).(*models.QueueStatus)
	return res, args.Error(1)
}

func (m *MockQueueManager) AdminClear(ctx context.Context, eventID string) error {
	return m.Called(ctx, eventID).Error(0)
}

func (m *MockQueueManager) Info(ctx context.Context, eventID string) (*models.QueueInfo, error) {
	args := m.Called(ctx, eventID)
	res, _ := args.Get(0).(*models.QueueInfo)
	return res, args.Error(1)
}

type MockLockManager struct {
	mock.Mock
}

func (m *MockLockManager) Acquire(ctx context.Context, key, holder string, ttl time.Duration) error {
	return m.Called(ctx, key, holder, ttl).Error(0)
}

func (m *MockLockManager) Release(ctx context.Context, key, holder string) error {
	return m.Called(ctx, key, holder).Error(0)
}

type MockReservationManager struct {
	mock.Mock
}

func (m *MockReservationManager) Create(ctx context.Context, in services.CreateReservationInput) (*models.Reservation, error) {
	args := m.Called(ctx, in)
	r, _ := args.Get(0).(*models.Reservation)
	return r, args.Error(1)
}

func (m *MockReservationManager) Get(ctx context.Context, id string) (*models.Reservation, error) {
	args := m.Called(ctx, id)
	r, _ := args.Get(0).(*models.Reservation)
	return r, args.Error(1)
}

func (m *MockReservationManager) Confirm(ctx context.Context, id, paymentRef string, paidAmount decimal.Decimal) (*models.Reservation, error) {
	args := m.Called(ctx, id, paymentRef, paidAmount.String())
	r, _ := args.Get(0).(*models.Reservation)
	return r, args.Error(1)
}

func (m *MockReservationManager) Cancel(ctx context.Context, id, reason string) (*models.Reservation, error) {
	args := m.Called(ctx, id, reason)
	r, _ := args.Get(0).(*models.Reservation)
	return r, args.Error(1)
}

type fakeConnector struct {
	eventID string
	userID  string
}

func (f *fakeConnector) Serve(w http.ResponseWriter, _ *http.Request, eventID, userID string) error {
	f.eventID = eventID
	f.userID = userID
	w.WriteHeader(http.StatusSwitchingProtocols)
	return nil
}

type requestOpts struct {
	method     string
	body       string
	pathValues map[string]string
	userID     string
	superuser  bool
}

func newRequestEvent(opts requestOpts) (*core.RequestEvent, *httptest.ResponseRecorder) {
	var body io.Reader
	if opts.body != "" {
		body = strings.NewReader(opts.body)
	}
	req := httptest.NewRequest(opts.method, "/", body)
	if opts.body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range opts.pathValues {
		req.SetPathValue(k, v)
	}

	rec := httptest.NewRecorder()
	e := &core.RequestEvent{}
	e.Request = req
	e.Response = rec

	switch {
	case opts.superuser:
		e.Auth = core.NewRecord(core.NewAuthCollection(core.CollectionNameSuperusers))
		e.Auth.Id = "admin1"
	case opts.userID != "":
		e.Auth = core.NewRecord(core.NewAuthCollection("users"))
		e.Auth.Id = opts.userID
	}
	return e, rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func apiStatus(t *testing.T, err error) int {
	t.Helper()
	var apiErr *router.ApiError
	require.True(t, errors.As(err, &apiErr), "want ApiError, got %v", err)
	return apiErr.Status
}

func TestQueueHandler_CheckIn(t *testing.T) {
	tests := []struct {
		name       string
		result     *models.CheckInResult
		err        error
		wantStatus int
		wantBody   map[string]any
	}{
		{
			name:       "admitted",
			result:     &models.CheckInResult{Admitted: true, ActiveCount: 3, Capacity: 10},
			wantStatus: http.StatusOK,
			wantBody:   map[string]any{"admitted": true, "activeCount": float64(3), "capacity": float64(10)},
		},
		{
			name:       "queued",
			result:     &models.CheckInResult{Position: 2, QueueSize: 5, ActiveCount: 10, Capacity: 10, EstimatedWaitSeconds: 60},
			wantStatus: http.StatusOK,
			wantBody: map[string]any{
				"admitted": false, "position": float64(2), "queueSize": float64(5),
				"activeCount": float64(10), "capacity": float64(10), "estimatedWaitSeconds": float64(60),
			},
		},
		{
			name:       "store down",
			err:        fmt.Errorf("check in: %w", status.ErrStoreUnavailable),
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   map[string]any{"error": "Service temporarily unavailable", "code": "STORE_UNAVAILABLE"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := &MockQueueManager{}
			queue.On("CheckIn", mock.Anything, "E", "u1").Return(tt.result, tt.err)
			h := NewQueueHandler(queue, nil, testLogger())

			e, rec := newRequestEvent(requestOpts{method: http.MethodPost, pathValues: map[string]string{"eventId": "E"}, userID: "u1"})
			require.NoError(t, h.CheckIn(e))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantBody, decodeBody(t, rec))
			queue.AssertExpectations(t)
		})
	}
}

func TestQueueHandler_RequiresAuth(t *testing.T) {
	queue := &MockQueueManager{}
	h := NewQueueHandler(queue, &fakeConnector{}, testLogger())

	for name, handle := range map[string]func(*core.RequestEvent) error{
		"check":  h.CheckIn,
		"leave":  h.Leave,
		"status": h.Status,
		"ws":     h.Connect,
	} {
		t.Run(name, func(t *testing.T) {
			e, _ := newRequestEvent(requestOpts{method: http.MethodPost, pathValues: map[string]string{"eventId": "E"}})
			assert.Equal(t, http.StatusUnauthorized, apiStatus(t, handle(e)))
		})
	}
	queue.AssertNotCalled(t, "CheckIn", mock.Anything, mock.Anything, mock.Anything)
}

func TestQueueHandler_RequiresEventID(t *testing.T) {
	h := NewQueueHandler(&MockQueueManager{}, nil, testLogger())

	e, _ := newRequestEvent(requestOpts{method: http.MethodPost, userID: "u1"})
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, h.CheckIn(e)))
}

func TestQueueHandler_Leave(t *testing.T) {
	queue := &MockQueueManager{}
	queue.On("Leave", mock.Anything, "E", "u1").Return(nil)
	h := NewQueueHandler(queue, nil, testLogger())

	e, rec := newRequestEvent(requestOpts{method: http.MethodPost, pathValues: map[string]string{"eventId": "E"}, userID: "u1"})
	require.NoError(t, h.Leave(e))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	queue.AssertExpectations(t)
}

func TestQueueHandler_Status(t *testing.T) {
	queue := &MockQueueManager{}
	queue.On("Status", mock.Anything, "E", "u1").Return(&models.QueueStatus{Status: models.QueueStateQueued, Position: 4, QueueSize: 9}, nil)
	h := NewQueueHandler(queue, nil, testLogger())

	e, rec := newRequestEvent(requestOpts{method: http.MethodGet, pathValues: map[string]string{"eventId": "E"}, userID: "u1"})
	require.NoError(t, h.Status(e))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"status": "queued", "position": float64(4), "queueSize": float64(9)}, decodeBody(t, rec))
}

func TestQueueHandler_Connect(t *testing.T) {
	hub := &fakeConnector{}
	h := NewQueueHandler(&MockQueueManager{}, hub, testLogger())

	e, rec := newRequestEvent(requestOpts{method: http.MethodGet, pathValues: map[string]string{"eventId": "E"}, userID: "u1"})
	require.NoError(t, h.Connect(e))

	assert.Equal(t, http.StatusSwitchingProtocols, rec.Code)
	assert.Equal(t, "E", hub.eventID)
	assert.Equal(t, "u1", hub.userID)
}

func TestAdminHandler(t *testing.T) {
	t.Run("clear requires superuser", func(t *testing.T) {
		queue := &MockQueueManager{}
		h := NewAdminHandler(queue, testLogger())

		e, _ := newRequestEvent(requestOpts{method: http.MethodPost, pathValues: map[string]string{"eventId": "E"}, userID: "u1"})
		assert.Equal(t, http.StatusForbidden, apiStatus(t, h.ClearQueue(e)))
		queue.AssertNotCalled(t, "AdminClear", mock.Anything, mock.Anything)
	})

	t.Run("clear", func(t *testing.T) {
		queue := &MockQueueManager{}
		queue.On("AdminClear", mock.Anything, "E").Return(nil)
		h := NewAdminHandler(queue, testLogger())

		e, rec := newRequestEvent(requestOpts{method: http.MethodPost, pathValues: map[string]string{"eventId": "E"}, superuser: true})
		require.NoError(t, h.ClearQueue(e))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		queue.AssertExpectations(t)
	})

	t.Run("info", func(t *testing.T) {
		queue := &MockQueueManager{}
		queue.On("Info", mock.Anything, "E").Return(&models.QueueInfo{EventID: "E", QueueSize: 2, ActiveCount: 10, Capacity: 10}, nil)
		h := NewAdminHandler(queue, testLogger())

		e, rec := newRequestEvent(requestOpts{method: http.MethodGet, pathValues: map[string]string{"eventId": "E"}, superuser: true})
		require.NoError(t, h.QueueInfo(e))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(2), decodeBody(t, rec)["queueSize"])
	})
}

func TestInternalHandler_AcquireLock(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		setup      func(m *MockLockManager)
		wantStatus int
		wantCode   string
	}{
		{
			name: "seat acquired",
			body: `{"eventId":"E","seatId":"S1","holderId":"u1","ttlSeconds":600}`,
			setup: func(m *MockLockManager) {
				m.On("Acquire", mock.Anything, "seat:E:S1", "u1", 10*time.Minute).Return(nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "ticket type with default ttl",
			body: `{"ticketTypeId":"ga","holderId":"u1"}`,
			setup: func(m *MockLockManager) {
				m.On("Acquire", mock.Anything, "ticket:ga", "u1", time.Duration(0)).Return(nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "contended",
			body: `{"eventId":"E","seatId":"S1","holderId":"u2","ttlSeconds":600}`,
			setup: func(m *MockLockManager) {
				m.On("Acquire", mock.Anything, "seat:E:S1", "u2", 10*time.Minute).Return(fmt.Errorf("acquire: %w", status.ErrAlreadyLocked))
			},
			wantStatus: http.StatusConflict,
			wantCode:   "ALREADY_LOCKED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			locks := &MockLockManager{}
			tt.setup(locks)
			h := NewInternalHandler(locks, &MockReservationManager{}, testLogger())

			e, rec := newRequestEvent(requestOpts{method: http.MethodPost, body: tt.body})
			require.NoError(t, h.AcquireLock(e))

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, decodeBody(t, rec)["code"])
			}
			locks.AssertExpectations(t)
		})
	}
}

func TestInternalHandler_AcquireLockRejectsIncompleteRequest(t *testing.T) {
	h := NewInternalHandler(&MockLockManager{}, &MockReservationManager{}, testLogger())

	e, _ := newRequestEvent(requestOpts{method: http.MethodPost, body: `{"seatId":"S1","holderId":"u1"}`})
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, h.AcquireLock(e)))
}

func TestInternalHandler_ReleaseLock(t *testing.T) {
	locks := &MockLockManager{}
	locks.On("Release", mock.Anything, "seat:E:S1", "u1").Return(nil)
	h := NewInternalHandler(locks, &MockReservationManager{}, testLogger())

	e, rec := newRequestEvent(requestOpts{method: http.MethodPost, body: `{"eventId":"E","seatId":"S1","holderId":"u1"}`})
	require.NoError(t, h.ReleaseLock(e))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	locks.AssertExpectations(t)
}

func TestInternalHandler_CreateReservation(t *testing.T) {
	reservations := &MockReservationManager{}
	in := services.CreateReservationInput{
		UserID:  "u1",
		EventID: "E",
		SeatIDs: []string{"S1"},
		Tickets: []models.TicketQuantity{{TicketTypeID: "ga", Quantity: 2}},
	}
	reservations.On("Create", mock.Anything, in).Return(&models.Reservation{ID: "r1", Status: models.ReservationPending}, nil)
	h := NewInternalHandler(&MockLockManager{}, reservations, testLogger())

	e, rec := newRequestEvent(requestOpts{
		method: http.MethodPost,
		body:   `{"userId":"u1","eventId":"E","seatIds":["S1"],"tickets":[{"ticketTypeId":"ga","quantity":2}]}`,
	})
	require.NoError(t, h.CreateReservation(e))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "r1", decodeBody(t, rec)["id"])
	reservations.AssertExpectations(t)
}

func TestInternalHandler_ConfirmReservation(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"confirmed", nil, http.StatusOK, ""},
		{"already confirmed", status.ErrAlreadyConfirmed, http.StatusBadRequest, "ALREADY_CONFIRMED"},
		{"expired", status.ErrReservationExpired, http.StatusGone, "RESERVATION_EXPIRED"},
		{"amount mismatch", status.ErrAmountMismatch, http.StatusUnprocessableEntity, "AMOUNT_MISMATCH"},
		{"not found", status.ErrReservationNotFound, http.StatusNotFound, "RESERVATION_NOT_FOUND"},
		{"unexpected", errors.New("disk full"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reservations := &MockReservationManager{}
			var r *models.Reservation
			if tt.err == nil {
				r = &models.Reservation{ID: "r1", Status: models.ReservationConfirmed}
			}
			reservations.On("Confirm", mock.Anything, "r1", "PAY-1", "300.5").Return(r, tt.err)
			h := NewInternalHandler(&MockLockManager{}, reservations, testLogger())

			e, rec := newRequestEvent(requestOpts{
				method:     http.MethodPost,
				body:       `{"paymentRef":"PAY-1","amount":"300.50"}`,
				pathValues: map[string]string{"id": "r1"},
			})
			require.NoError(t, h.ConfirmReservation(e))

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, decodeBody(t, rec)["code"])
			}
			reservations.AssertExpectations(t)
		})
	}
}

func TestInternalHandler_ConfirmRequiresPaymentRef(t *testing.T) {
	h := NewInternalHandler(&MockLockManager{}, &MockReservationManager{}, testLogger())

	e, _ := newRequestEvent(requestOpts{method: http.MethodPost, body: `{"amount":"1"}`, pathValues: map[string]string{"id": "r1"}})
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, h.ConfirmReservation(e)))
}

func TestInternalHandler_CancelAndGet(t *testing.T) {
	reservations := &MockReservationManager{}
	reservations.On("Cancel", mock.Anything, "r1", "customer request").Return(&models.Reservation{ID: "r1", Status: models.ReservationCancelled}, nil)
	reservations.On("Get", mock.Anything, "r2").Return(nil, fmt.Errorf("r2: %w", status.ErrReservationNotFound))
	h := NewInternalHandler(&MockLockManager{}, reservations, testLogger())

	e, rec := newRequestEvent(requestOpts{method: http.MethodPost, body: `{"reason":"customer request"}`, pathValues: map[string]string{"id": "r1"}})
	require.NoError(t, h.CancelReservation(e))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decodeBody(t, rec)["status"])

	e, rec = newRequestEvent(requestOpts{method: http.MethodGet, pathValues: map[string]string{"id": "r2"}})
	require.NoError(t, h.GetReservation(e))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	reservations.AssertExpectations(t)
}
