package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantrelay/chatgateway/internal/credstore"
	"github.com/tenantrelay/chatgateway/internal/events"
	"github.com/tenantrelay/chatgateway/internal/middleware"
	"github.com/tenantrelay/chatgateway/internal/service"
	"github.com/tenantrelay/chatgateway/internal/upstream"
	"github.com/tenantrelay/chatgateway/internal/upstream/fake"
)

func newTestHandler(t *testing.T) (*SessionHandler, *service.Registry, *fake.Transport) {
	t.Helper()
	creds, err := credstore.New(t.TempDir(), "")
	require.NoError(t, err)
	transport := fake.NewTransport()
	bus := events.NewBus()
	registry := service.NewRegistry(transport, creds, bus, 3)
	t.Cleanup(registry.Close)
	pairing := service.NewPairingService(registry)
	t.Cleanup(pairing.Close)
	return NewSessionHandler(registry, pairing), registry, transport
}

func withAdmin(r *http.Request) *http.Request {
	ctx := context.WithValue(r.Context(), middleware.TenantContextKey, &middleware.TenantClaims{
		TenantID: "t1", Permissions: []string{"admin"}, Type: "tenant_access",
	})
	return r.WithContext(ctx)
}

func TestSessionHandler_StartReturnsQRWhenTransportPushesPairing(t *testing.T) {
	h, _, transport := newTestHandler(t)
	router := chi.NewRouter()
	router.Mount("/sessions", h.Routes())

	go func() {
		time.Sleep(10 * time.Millisecond)
		transport.Push("t1", upstream.Update{Kind: upstream.UpdatePairing, PairingArtifact: []byte("qr-bytes")})
	}()

	req := httptest.NewRequest(http.MethodPost, "/sessions/t1/start", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data struct {
			SessionID string `json:"sessionId"`
			QRCode    string `json:"qrCode"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Data.SessionID)
	assert.NotEmpty(t, body.Data.QRCode)
}

func TestSessionHandler_StatusReturnsNotFoundForUnknownTenant(t *testing.T) {
	h, _, _ := newTestHandler(t)
	router := chi.NewRouter()
	router.Mount("/sessions", h.Routes())

	req := httptest.NewRequest(http.MethodGet, "/sessions/ghost/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionHandler_StatusReportsConnectedFields(t *testing.T) {
	h, registry, transport := newTestHandler(t)
	registry.Start("t1")
	pushUntilConnected(t, registry, transport, "t1", upstream.Update{
		Kind: upstream.UpdateState, State: upstream.StateOpen,
		PhoneNumber: "15551234567", DisplayName: "Acme",
	})

	router := chi.NewRouter()
	router.Mount("/sessions", h.Routes())
	req := httptest.NewRequest(http.MethodGet, "/sessions/t1/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data struct {
			Connected    bool   `json:"connected"`
			Status       string `json:"status"`
			PhoneNumber  string `json:"phoneNumber"`
			BusinessName string `json:"businessName"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Data.Connected)
	assert.Equal(t, "connected", body.Data.Status)
	assert.Equal(t, "15551234567", body.Data.PhoneNumber)
	assert.Equal(t, "Acme", body.Data.BusinessName)
}

func TestSessionHandler_DeleteUnknownTenantReturnsNotFound(t *testing.T) {
	h, _, _ := newTestHandler(t)
	router := chi.NewRouter()
	router.Mount("/sessions", h.Routes())

	req := httptest.NewRequest(http.MethodDelete, "/sessions/ghost/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionHandler_DeletePurgesKnownTenant(t *testing.T) {
	h, registry, _ := newTestHandler(t)
	registry.Start("t-1")

	router := chi.NewRouter()
	router.Mount("/sessions", h.Routes())
	req := httptest.NewRequest(http.MethodDelete, "/sessions/t-1/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionHandler_ListActiveRequiresAdminPermission(t *testing.T) {
	h, registry, _ := newTestHandler(t)
	registry.Start("t1")

	req := httptest.NewRequest(http.MethodGet, "/active", nil)
	rec := httptest.NewRecorder()
	h.ListActive(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSessionHandler_ListActiveSucceedsWithAdminPermission(t *testing.T) {
	h, registry, _ := newTestHandler(t)
	registry.Start("t1")

	req := withAdmin(httptest.NewRequest(http.MethodGet, "/active", nil))
	rec := httptest.NewRecorder()
	h.ListActive(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionHandler_PollReturnsImmediatelyOnConnected(t *testing.T) {
	h, registry, transport := newTestHandler(t)
	registry.Start("t1")
	pushUntilConnected(t, registry, transport, "t1", upstream.Update{Kind: upstream.UpdateState, State: upstream.StateOpen})

	router := chi.NewRouter()
	router.Mount("/sessions", h.Routes())
	req := httptest.NewRequest(http.MethodGet, "/sessions/t1/poll?timeout=500", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data struct {
			Connected bool   `json:"connected"`
			Status    string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Data.Connected)
}

func TestSessionHandler_PollTimesOutWhenStillConnecting(t *testing.T) {
	h, registry, _ := newTestHandler(t)
	registry.Start("t1")

	router := chi.NewRouter()
	router.Mount("/sessions", h.Routes())
	req := httptest.NewRequest(http.MethodGet, "/sessions/t1/poll?timeout=100", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "timed out")
}
