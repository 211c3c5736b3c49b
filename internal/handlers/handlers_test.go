package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"consult-system/internal/protocol"
	"consult-system/internal/services"
	"consult-system/internal/session"
	"consult-system/internal/status"
	"consult-system/internal/store"
	"consult-system/models"
	"consult-system/monitoring"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type discard struct{}

func (discard) Room(string, protocol.Event)   {}
func (discard) User(string, protocol.Event)   {}
func (discard) Mirror(string, protocol.Event) {}

var (
	users      = core.NewAuthCollection("users")
	superusers = core.NewAuthCollection(core.CollectionNameSuperusers)
)

func authAs(collection *core.Collection, id string) *core.Record {
	r := core.NewRecord(collection)
	r.Id = id
	return r
}

type env struct {
	engine   *services.SessionService
	ledger   *services.MemoryLedger
	store    *store.MemoryStore
	payments *services.PaymentService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewMemoryStore()
	st.PutProvider(models.Provider{ID: "p-1", RatePerMinute: decimal.NewFromInt(10), Currency: "INR", Available: true})
	st.PutProvider(models.Provider{ID: "p-2", RatePerMinute: decimal.NewFromInt(20), Currency: "INR", Available: true})

	ledger := services.NewMemoryLedger()
	billing := services.NewBillingService(ledger, st, nil, 3)
	engine := services.NewSessionService(services.SessionConfig{Thresholds: session.DefaultThresholds()}, st, billing, discard{})
	payments := services.NewPaymentService(nil, nil, ledger, engine, discard{}, "topups", "INR")
	return &env{engine: engine, ledger: ledger, store: st, payments: payments}
}

func (v *env) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := v.ledger.Credit(context.Background(), userID, decimal.NewFromInt(amount), "seed")
	require.NoError(t, err)
}

func request(method, path, body string, auth *core.Record, pathValues ...string) (*core.RequestEvent, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(pathValues); i += 2 {
		req.SetPathValue(pathValues[i], pathValues[i+1])
	}
	rec := httptest.NewRecorder()

	e := &core.RequestEvent{}
	e.Request = req
	e.Response = rec
	e.Auth = auth
	return e, rec
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var apiErr *router.ApiError
	require.ErrorAs(t, err, &apiErr)
	return apiErr.Status
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func join(t *testing.T, h *ConsultationHandler, userID, providerID string, minutes int) models.Consultation {
	t.Helper()
	e, rec := request(http.MethodPost, "/api/v1/consultations",
		fmt.Sprintf(`{"provider_id":%q,"duration_minutes":%d}`, providerID, minutes), authAs(users, userID))
	require.NoError(t, h.Join(e))
	require.Equal(t, http.StatusCreated, rec.Code)

	var c models.Consultation
	decode(t, rec, &c)
	return c
}

func TestConsultationHandler_JoinAndEnd(t *testing.T) {
	v := newEnv(t)
	v.fund(t, "u-1", 500)
	h := NewConsultationHandler(v.engine)

	c := join(t, h, "u-1", "p-1", 10)
	assert.Equal(t, models.StatusActive, c.Status)

	e, rec := request(http.MethodGet, "/", "", authAs(users, "p-1"), "id", c.ID)
	require.NoError(t, h.Get(e))
	assert.Equal(t, http.StatusOK, rec.Code)

	e, _ = request(http.MethodGet, "/", "", authAs(users, "u-9"), "id", c.ID)
	assert.Equal(t, http.StatusForbidden, statusOf(t, h.Get(e)))

	e, rec = request(http.MethodPost, "/", "", authAs(users, "u-1"), "id", c.ID)
	require.NoError(t, h.End(e))
	var ended models.Consultation
	decode(t, rec, &ended)
	assert.Equal(t, models.StatusEnded, ended.Status)
	assert.Equal(t, models.EndReasonUser, ended.EndReason)
}

func TestConsultationHandler_JoinRejections(t *testing.T) {
	v := newEnv(t)
	h := NewConsultationHandler(v.engine)

	e, _ := request(http.MethodPost, "/", `{"provider_id":"p-1","duration_minutes":5}`, nil)
	assert.Equal(t, http.StatusUnauthorized, statusOf(t, h.Join(e)))

	e, _ = request(http.MethodPost, "/", `{"provider_id":"p-1","duration_minutes":0}`, authAs(users, "u-1"))
	assert.Equal(t, http.StatusBadRequest, statusOf(t, h.Join(e)))

	e, _ = request(http.MethodPost, "/", `{"provider_id":"p-404","duration_minutes":5}`, authAs(users, "u-1"))
	assert.Equal(t, http.StatusBadRequest, statusOf(t, h.Join(e)))

	join(t, h, "u-1", "p-1", 5)
	e, _ = request(http.MethodPost, "/", `{"provider_id":"p-1","duration_minutes":5}`, authAs(users, "u-1"))
	assert.Equal(t, http.StatusConflict, statusOf(t, h.Join(e)))
}

func TestConsultationHandler_CancelQueued(t *testing.T) {
	v := newEnv(t)
	v.fund(t, "u-1", 500)
	v.fund(t, "u-2", 500)
	h := NewConsultationHandler(v.engine)

	join(t, h, "u-1", "p-1", 10)
	queued := join(t, h, "u-2", "p-1", 10)
	assert.Equal(t, models.StatusQueued, queued.Status)

	e, _ := request(http.MethodPost, "/", "", authAs(users, "u-1"), "id", queued.ID)
	assert.Equal(t, http.StatusForbidden, statusOf(t, h.Cancel(e)))

	e, rec := request(http.MethodPost, "/", "", authAs(users, "u-2"), "id", queued.ID)
	require.NoError(t, h.Cancel(e))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConsultationHandler_Extend(t *testing.T) {
	v := newEnv(t)
	v.fund(t, "u-1", 200)
	h := NewConsultationHandler(v.engine)
	c := join(t, h, "u-1", "p-1", 10)

	e, rec := request(http.MethodPost, "/", `{"minutes":5}`, authAs(users, "u-1"), "id", c.ID)
	require.NoError(t, h.Extend(e))
	var extended models.Consultation
	decode(t, rec, &extended)
	assert.Equal(t, 15, extended.DurationMinutesAllotted)

	e, _ = request(http.MethodPost, "/", `{"minutes":25}`, authAs(users, "u-1"), "id", c.ID)
	assert.Equal(t, http.StatusPaymentRequired, statusOf(t, h.Extend(e)))

	e, _ = request(http.MethodPost, "/", `{"minutes":-1}`, authAs(users, "u-1"), "id", c.ID)
	assert.Equal(t, http.StatusBadRequest, statusOf(t, h.Extend(e)))
}

func TestQueueHandler_ReadModelsAndAvailability(t *testing.T) {
	v := newEnv(t)
	v.fund(t, "u-1", 500)
	v.fund(t, "u-2", 500)
	ch := NewConsultationHandler(v.engine)
	h := NewQueueHandler(v.engine)

	active := join(t, ch, "u-1", "p-1", 10)
	join(t, ch, "u-2", "p-1", 5)

	e, rec := request(http.MethodGet, "/", "", authAs(users, "u-2"), "providerId", "p-1")
	require.NoError(t, h.GetQueue(e))
	var view models.QueueView
	decode(t, rec, &view)
	require.Len(t, view.Entries, 1)
	assert.Equal(t, "u-2", view.Entries[0].UserID)
	assert.Equal(t, 1, view.Entries[0].Position)

	e, rec = request(http.MethodGet, "/", "", authAs(users, "u-2"), "providerId", "p-1")
	require.NoError(t, h.GetActive(e))
	var av models.ActiveView
	decode(t, rec, &av)
	assert.Equal(t, active.ID, av.ConsultationID)

	e, _ = request(http.MethodGet, "/", "", authAs(users, "u-2"), "providerId", "p-2")
	assert.Equal(t, http.StatusNotFound, statusOf(t, h.GetActive(e)))

	e, _ = request(http.MethodPost, "/", `{"available":false}`, authAs(users, "u-1"), "providerId", "p-2")
	assert.Equal(t, http.StatusForbidden, statusOf(t, h.SetAvailability(e)))

	e, _ = request(http.MethodPost, "/", `{}`, authAs(users, "p-2"), "providerId", "p-2")
	assert.Equal(t, http.StatusBadRequest, statusOf(t, h.SetAvailability(e)))

	e, rec = request(http.MethodPost, "/", `{"available":false}`, authAs(users, "p-2"), "providerId", "p-2")
	require.NoError(t, h.SetAvailability(e))
	assert.Equal(t, http.StatusOK, rec.Code)

	e, _ = request(http.MethodPost, "/", `{"provider_id":"p-2","duration_minutes":5}`, authAs(users, "u-1"))
	assert.Equal(t, http.StatusBadRequest, statusOf(t, ch.Join(e)))
}

func TestAdminHandler_RequiresSuperuser(t *testing.T) {
	v := newEnv(t)
	h := NewAdminHandler(v.engine, nil)

	for name, fn := range map[string]func(*core.RequestEvent) error{
		"dashboard": h.GetDashboard,
		"force-end": h.ForceEnd,
		"reroute":   h.Reroute,
		"override":  h.Override,
		"popup":     h.SendPopup,
	} {
		e, _ := request(http.MethodPost, "/", `{}`, authAs(users, "u-1"), "id", "c-1", "userId", "u-1")
		assert.Equal(t, http.StatusForbidden, statusOf(t, fn(e)), name)
	}
}

func TestAdminHandler_Actions(t *testing.T) {
	v := newEnv(t)
	v.fund(t, "u-1", 500)
	v.fund(t, "u-2", 500)
	ch := NewConsultationHandler(v.engine)
	h := NewAdminHandler(v.engine, monitoring.NewMonitor(nil, monitoring.Limits{}))
	admin := authAs(superusers, "admin-1")

	active := join(t, ch, "u-1", "p-1", 10)
	queued := join(t, ch, "u-2", "p-1", 10)

	e, rec := request(http.MethodGet, "/", "", admin)
	require.NoError(t, h.GetDashboard(e))
	var dash map[string]json.RawMessage
	decode(t, rec, &dash)
	assert.Contains(t, dash, "queues")
	assert.Contains(t, dash, "active")
	assert.Contains(t, dash, "monitor")
	var metrics []models.QueueMetrics
	require.NoError(t, json.Unmarshal(dash["metrics"], &metrics))
	require.Len(t, metrics, 1)
	assert.Equal(t, "p-1", metrics[0].ProviderID)
	assert.Equal(t, 1, metrics[0].TotalInQueue)
	assert.True(t, metrics[0].HasActiveSession)
	assert.False(t, metrics[0].LastUpdated.IsZero())

	e, _ = request(http.MethodPost, "/", `{"note":"watching"}`, admin, "id", active.ID)
	require.NoError(t, h.Override(e))

	e, _ = request(http.MethodPost, "/", `{"title":"Heads up","body":"maintenance soon"}`, admin, "userId", "u-1")
	require.NoError(t, h.SendPopup(e))

	e, _ = request(http.MethodPost, "/", `{}`, admin, "id", queued.ID)
	assert.Equal(t, http.StatusBadRequest, statusOf(t, h.Reroute(e)))

	e, rec = request(http.MethodPost, "/", `{"provider_id":"p-2"}`, admin, "id", queued.ID)
	require.NoError(t, h.Reroute(e))
	var moved models.Consultation
	decode(t, rec, &moved)
	assert.Equal(t, "p-2", moved.ProviderID)

	e, rec = request(http.MethodPost, "/", "", admin, "id", active.ID)
	require.NoError(t, h.ForceEnd(e))
	var ended models.Consultation
	decode(t, rec, &ended)
	assert.Equal(t, models.EndReasonAdmin, ended.EndReason)

	e, _ = request(http.MethodPost, "/", `{"note":"late"}`, admin, "id", active.ID)
	assert.Equal(t, http.StatusConflict, statusOf(t, h.Override(e)))
}

func TestPaymentHandler_BalanceAndTopUp(t *testing.T) {
	v := newEnv(t)
	h := NewPaymentHandler(v.ledger, v.payments, "INR")

	e, rec := request(http.MethodPost, "/", `{"amount":"150"}`, authAs(users, "u-1"))
	require.NoError(t, h.SimulateTopUp(e))
	assert.Equal(t, http.StatusOK, rec.Code)

	e, rec = request(http.MethodGet, "/", "", authAs(users, "u-1"))
	require.NoError(t, h.GetBalance(e))
	var body struct {
		Balance  decimal.Decimal `json:"balance"`
		Currency string          `json:"currency"`
	}
	decode(t, rec, &body)
	assert.True(t, decimal.NewFromInt(150).Equal(body.Balance))
	assert.Equal(t, "INR", body.Currency)

	e, _ = request(http.MethodPost, "/", `{"user_id":"u-2","amount":"10"}`, authAs(users, "u-1"))
	assert.Equal(t, http.StatusForbidden, statusOf(t, h.SimulateTopUp(e)))

	e, _ = request(http.MethodPost, "/", `{"amount":"0"}`, authAs(users, "u-1"))
	assert.Equal(t, http.StatusBadRequest, statusOf(t, h.SimulateTopUp(e)))

	e, _ = request(http.MethodPost, "/", `{"user_id":"u-2","amount":"10"}`, authAs(superusers, "admin-1"))
	require.NoError(t, h.SimulateTopUp(e))
}

func TestHealthHandler_WithoutRedis(t *testing.T) {
	e, rec := request(http.MethodGet, "/health", "", nil)
	require.NoError(t, NewHealthHandler(nil).Check(e))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestApiError(t *testing.T) {
	cases := map[error]int{
		status.ErrConsultationNotFound: http.StatusNotFound,
		status.ErrUnauthorizedCommand:  http.StatusForbidden,
		status.ErrInsufficientFunds:    http.StatusPaymentRequired,
		status.ErrAlreadyQueued:        http.StatusConflict,
		status.ErrWalletUnavailable:    http.StatusServiceUnavailable,
		status.ErrInvalidDuration:      http.StatusBadRequest,
		errors.New("boom"):             http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusOf(t, apiError(fmt.Errorf("wrapped: %w", err))), err.Error())
	}
}
