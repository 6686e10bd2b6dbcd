package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gitlab.ozon.dev/qwestard/shiptrack/internal/access"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/broker"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/events"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/models"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/pricing"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/service"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/storage"
)

const (
	adminEmail = "admin@shiptrack.local"
	adminPass  = "secret"
	staffEmail = "staff@shiptrack.local"
	staffPass  = "staffpass"
)

type probe struct{ err error }

func (p probe) Check(context.Context) error { return p.err }

func callerOf(u *models.User) access.Caller {
	return access.Caller{ID: u.ID, Role: u.Role}
}

type testEnv struct {
	srv    *httptest.Server
	server *Server
	broker *broker.Broker
	client *models.User
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	ctx := context.Background()

	st, err := storage.New("")
	require.NoError(t, err)

	b := broker.New(logger)
	bus := events.NewBus(logger)
	bus.Subscribe(b)

	engine := pricing.NewEngine(pricing.StaticTable{"standard": decimal.NewFromInt(5)})
	users := service.NewUserService(st, logger)
	admin, err := users.EnsureAdmin(ctx, adminEmail, adminPass)
	require.NoError(t, err)

	adminCaller := callerOf(admin)
	_, err = users.Register(ctx, adminCaller, service.RegisterRequest{
		FullName: "Sam Staff", Email: staffEmail, Password: staffPass, Role: models.RoleStaff,
	})
	require.NoError(t, err)
	client, err := users.Register(ctx, adminCaller, service.RegisterRequest{
		FullName: "Cora Client", Email: "cora@example.com", Password: "corapass",
	})
	require.NoError(t, err)

	s := NewServer(Deps{
		Shipments: service.NewShipmentService(st, engine, service.ShipmentOptions{Emitter: bus}, logger),
		Tracking:  service.NewTrackingService(st),
		Users:     users,
		Rates:     service.NewRateService(st, nil, logger),
		Broker:    b,
		Health:    probe{},
	}, "", logger)

	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, server: s, broker: b, client: client}
}

func (e *testEnv) do(t *testing.T, method, path, email, pass string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if email != "" {
		req.SetBasicAuth(email, pass)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	m, _ := out.(map[string]any)
	return resp, m
}

func (e *testEnv) createShipment(t *testing.T) map[string]any {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/shipments", staffEmail, staffPass, map[string]any{
		"client_id":           e.client.ID,
		"origin_address":      "Warehouse 1",
		"destination_address": "12 Elm St",
		"sender_name":         "Acme",
		"sender_phone":        "555-0100",
		"receiver_name":       "Bob",
		"receiver_phone":      "555-0199",
		"weight_kg":           10,
		"service_type":        "standard",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return body
}

func TestCreateShipment(t *testing.T) {
	env := setup(t)
	body := env.createShipment(t)

	assert.Equal(t, "20.00", body["price"])
	assert.Equal(t, "pending", body["status"])
	assert.Regexp(t, `^LS\d{10}$`, body["tracking_number"])
}

func TestCreateShipment_Errors(t *testing.T) {
	env := setup(t)

	t.Run("anonymous", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/api/shipments", "", "", map[string]any{})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "unauthorized", body["kind"])
	})
	t.Run("client role", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/api/shipments", "cora@example.com", "corapass", map[string]any{})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
	t.Run("wrong password", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, "/api/shipments", staffEmail, "nope", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Invalid credentials", body["msg"])
		assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
	})
	t.Run("missing client", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/api/shipments", staffEmail, staffPass, map[string]any{"origin_address": "x"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "A client must be selected for the shipment.", body["msg"])
	})
	t.Run("bad json", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/shipments", strings.NewReader("{"))
		req.SetBasicAuth(staffEmail, staffPass)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestUpdateAndTrack(t *testing.T) {
	env := setup(t)
	created := env.createShipment(t)
	id := created["id"].(string)
	tn := created["tracking_number"].(string)

	resp, body := env.do(t, http.MethodPut, "/api/shipments/"+id, staffEmail, staffPass, map[string]any{
		"status":                "in_transit",
		"location":              "Hub A",
		"status_update_message": "Departed hub",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "in_transit", body["status"])

	// lookup is public and case-insensitive
	resp, body = env.do(t, http.MethodGet, "/api/track/"+strings.ToLower(tn), "", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := body["history"].([]any)
	require.Len(t, history, 2)
	assert.Equal(t, "Hub A", history[0].(map[string]any)["location"])

	resp, _ = env.do(t, http.MethodGet, "/api/shipments/track/"+tn, "", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/api/track/LS0000000000", "", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["kind"])
}

func TestTrack_IgnoresCredentials(t *testing.T) {
	env := setup(t)
	tn := env.createShipment(t)["tracking_number"].(string)

	for _, path := range []string{"/api/track/" + tn, "/api/shipments/track/" + tn} {
		resp, body := env.do(t, http.MethodGet, path, "cora@example.com", "wrong-password", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Empty(t, resp.Header.Get("WWW-Authenticate"), path)
		assert.NotNil(t, body["history"], path)
	}

	// other routes still reject bad credentials
	resp, _ := env.do(t, http.MethodGet, "/api/shipments/my-shipments", "cora@example.com", "wrong-password", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDashboardRoutes(t *testing.T) {
	env := setup(t)
	env.createShipment(t)

	resp, body := env.do(t, http.MethodGet, "/api/shipments/stats", staffEmail, staffPass, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total"])

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/shipments/recent-activity?limit=1", nil)
	req.SetBasicAuth(staffEmail, staffPass)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	var activity []models.Activity
	require.NoError(t, json.NewDecoder(raw.Body).Decode(&activity))
	require.Len(t, activity, 1)
	assert.Equal(t, "Shipment created and pending pickup.", activity[0].StatusUpdate)

	req, _ = http.NewRequest(http.MethodGet, env.srv.URL+"/api/shipments/my-shipments", nil)
	req.SetBasicAuth("cora@example.com", "corapass")
	mine, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer mine.Body.Close()
	var shipments []models.Shipment
	require.NoError(t, json.NewDecoder(mine.Body).Decode(&shipments))
	assert.Len(t, shipments, 1)
}

func TestDeleteShipment_AdminOnly(t *testing.T) {
	env := setup(t)
	id := env.createShipment(t)["id"].(string)

	resp, _ := env.do(t, http.MethodDelete, "/api/shipments/"+id, staffEmail, staffPass, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := env.do(t, http.MethodDelete, "/api/shipments/"+id, adminEmail, adminPass, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Shipment removed", body["msg"])

	resp, _ = env.do(t, http.MethodGet, "/api/shipments/"+id, adminEmail, adminPass, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRatesRoutes(t *testing.T) {
	env := setup(t)

	resp, body := env.do(t, http.MethodPost, "/api/rates", adminEmail, adminPass, map[string]any{
		"service_name": "express", "base_rate": "12.5",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "12.50", body["base_rate"])
	id := int64(body["id"].(float64))

	resp, _ = env.do(t, http.MethodPost, "/api/rates", staffEmail, staffPass, map[string]any{
		"service_name": "overnight", "base_rate": "25",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	path := "/api/rates/" + strconv.FormatInt(id, 10)
	resp, body = env.do(t, http.MethodPut, path, adminEmail, adminPass, map[string]any{
		"service_name": "express", "base_rate": "15",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "15.00", body["base_rate"])

	resp, _ = env.do(t, http.MethodDelete, path, adminEmail, adminPass, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodDelete, "/api/rates/abc", adminEmail, adminPass, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthRoutes(t *testing.T) {
	env := setup(t)

	resp, body := env.do(t, http.MethodPost, "/api/auth/register", "", "", map[string]any{
		"fullName": "New Person", "email": "new@example.com", "password": "pw123456",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "User registered successfully!", body["msg"])
	user := body["user"].(map[string]any)
	assert.Equal(t, "client", user["role"])
	assert.NotContains(t, user, "password_hash")

	resp, _ = env.do(t, http.MethodPost, "/api/auth/register", "", "", map[string]any{
		"fullName": "Dup", "email": "NEW@example.com", "password": "pw",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/api/auth/me", "new@example.com", "pw123456", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "New Person", body["full_name"])

	resp, _ = env.do(t, http.MethodGet, "/api/auth/me", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUserRoutes(t *testing.T) {
	env := setup(t)

	resp, body := env.do(t, http.MethodPut, "/api/users/"+env.client.ID+"/role", adminEmail, adminPass, map[string]any{"role": "staff"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "staff", body["role"])

	resp, _ = env.do(t, http.MethodGet, "/api/users", staffEmail, staffPass, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/users/clients", staffEmail, staffPass, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.do(t, http.MethodDelete, "/api/users/"+env.client.ID, adminEmail, adminPass, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "User removed successfully", body["msg"])
}

func TestHealth(t *testing.T) {
	env := setup(t)
	resp, body := env.do(t, http.MethodGet, "/healthz", "", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	s := &Server{health: probe{err: errors.New("db down")}, logger: zap.NewNop()}
	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSocket_ReceivesShipmentUpdates(t *testing.T) {
	env := setup(t)
	created := env.createShipment(t)
	id := created["id"].(string)
	tn := created["tracking_number"].(string)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/socket"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]any{"event": EventJoinRoom, "data": strings.ToLower(tn)}))
	assert.Eventually(t, func() bool { return env.broker.RoomSize(tn) == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, _ := env.do(t, http.MethodPut, "/api/shipments/"+id, staffEmail, staffPass, map[string]any{
		"location": "Hub A", "status_update_message": "Arrived at hub",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Event string                  `json:"event"`
		Data  models.TrackingSnapshot `json:"data"`
	}
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, broker.EventShipmentUpdated, msg.Event)
	assert.Equal(t, tn, msg.Data.Shipment.TrackingNumber)
	require.Len(t, msg.Data.History, 2)
	assert.Equal(t, "Arrived at hub", msg.Data.History[0].StatusUpdate)

	require.NoError(t, ws.WriteJSON(map[string]any{"event": EventLeaveRoom, "data": tn}))
	assert.Eventually(t, func() bool { return env.broker.RoomSize(tn) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSocket_UnknownEvent(t *testing.T) {
	env := setup(t)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/socket"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]any{"event": "dance"}))
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg broker.Message
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, EventError, msg.Event)
}

func TestCloseSockets(t *testing.T) {
	env := setup(t)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/socket"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]any{"event": EventJoinRoom, "data": "LS1234567890"}))
	assert.Eventually(t, func() bool { return env.broker.RoomSize("LS1234567890") == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, env.server.sockets.len())

	env.server.CloseSockets()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Eventually(t, func() bool { return env.broker.RoomSize("LS1234567890") == 0 }, 2*time.Second, 10*time.Millisecond)

	// sockets opened after shutdown are closed straight away
	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer late.Close()
	_ = late.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = late.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Zero(t, env.server.sockets.len())
}
