package handler

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantrelay/chatgateway/internal/credstore"
	"github.com/tenantrelay/chatgateway/internal/events"
	"github.com/tenantrelay/chatgateway/internal/service"
	"github.com/tenantrelay/chatgateway/internal/upstream"
	"github.com/tenantrelay/chatgateway/internal/upstream/fake"
)

func newTestMessageHandler(t *testing.T) (*MessageHandler, *service.Registry, *fake.Transport) {
	t.Helper()
	creds, err := credstore.New(t.TempDir(), "")
	require.NoError(t, err)
	transport := fake.NewTransport()
	bus := events.NewBus()
	registry := service.NewRegistry(transport, creds, bus, 3)
	t.Cleanup(registry.Close)
	return NewMessageHandler(registry, 1<<20), registry, transport
}

func connectTenant(t *testing.T, registry *service.Registry, transport *fake.Transport, tenantID string) {
	t.Helper()
	registry.Start(tenantID)
	pushUntilConnected(t, registry, transport, tenantID, upstream.Update{Kind: upstream.UpdateState, State: upstream.StateOpen})
}

// pushUntilConnected resends update until tenantID reports connected. The
// fake transport drops a Push that arrives before the Manager's goroutine
// has called Connect, which is usually still pending when Start returns.
func pushUntilConnected(t *testing.T, registry *service.Registry, transport *fake.Transport, tenantID string, update upstream.Update) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		transport.Push(tenantID, update)
		time.Sleep(5 * time.Millisecond)
		if snap, ok := registry.Status(tenantID); ok && snap.Connected {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("tenant %s never reached connected", tenantID)
		}
	}
}

func TestMessageHandler_SendRejectsUnconnectedTenant(t *testing.T) {
	h, _, _ := newTestMessageHandler(t)
	router := chi.NewRouter()
	router.Mount("/messages", h.Routes())

	body := strings.NewReader(`{"to":"15551234567","message":"hi","type":"text"}`)
	req := httptest.NewRequest(http.MethodPost, "/messages/t1/send", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessageHandler_SendRejectsInvalidPhone(t *testing.T) {
	h, registry, transport := newTestMessageHandler(t)
	connectTenant(t, registry, transport, "t1")

	router := chi.NewRouter()
	router.Mount("/messages", h.Routes())
	body := strings.NewReader(`{"to":"not-a-phone","message":"hi","type":"text"}`)
	req := httptest.NewRequest(http.MethodPost, "/messages/t1/send", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessageHandler_SendSucceedsForConnectedTenant(t *testing.T) {
	h, registry, transport := newTestMessageHandler(t)
	connectTenant(t, registry, transport, "t1")

	router := chi.NewRouter()
	router.Mount("/messages", h.Routes())
	body := strings.NewReader(`{"to":"15551234567","message":"hello","type":"text"}`)
	req := httptest.NewRequest(http.MethodPost, "/messages/t1/send", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data struct {
			MessageID string `json:"messageId"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Data.MessageID)

	sent := transport.SentCalls()
	require.Len(t, sent, 1)
	assert.Equal(t, "hello", sent[0].Content.Text)
}

func TestMessageHandler_SendMediaRequiresFile(t *testing.T) {
	h, registry, transport := newTestMessageHandler(t)
	connectTenant(t, registry, transport, "t1")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("to", "15551234567")
	_ = mw.WriteField("message", "caption")
	require.NoError(t, mw.Close())

	router := chi.NewRouter()
	router.Mount("/messages", h.Routes())
	req := httptest.NewRequest(http.MethodPost, "/messages/t1/send-media", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessageHandler_SendMediaSucceedsWithFile(t *testing.T) {
	h, registry, transport := newTestMessageHandler(t)
	connectTenant(t, registry, transport, "t1")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("to", "15551234567")
	_ = mw.WriteField("message", "caption")
	part, err := mw.CreateFormFile("media", "photo.jpg")
	require.NoError(t, err)
	_, err = part.Write([]byte("fake-jpeg-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	router := chi.NewRouter()
	router.Mount("/messages", h.Routes())
	req := httptest.NewRequest(http.MethodPost, "/messages/t1/send-media", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	sent := transport.SentCalls()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Content.Media)
	assert.Equal(t, []byte("fake-jpeg-bytes"), sent[0].Content.Media.Bytes)
}

func TestMessageHandler_SendBulkRejectsEmptyArray(t *testing.T) {
	h, registry, transport := newTestMessageHandler(t)
	connectTenant(t, registry, transport, "t1")

	router := chi.NewRouter()
	router.Mount("/messages", h.Routes())
	body := strings.NewReader(`{"messages":[]}`)
	req := httptest.NewRequest(http.MethodPost, "/messages/t1/send-bulk", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessageHandler_SendBulkRejectsOversizedArray(t *testing.T) {
	h, registry, transport := newTestMessageHandler(t)
	connectTenant(t, registry, transport, "t1")

	items := make([]string, 0, 51)
	for i := 0; i < 51; i++ {
		items = append(items, `{"to":"15551234567","message":"hi","type":"text","delayMs":0}`)
	}
	payload := `{"messages":[` + strings.Join(items, ",") + `]}`

	router := chi.NewRouter()
	router.Mount("/messages", h.Routes())
	req := httptest.NewRequest(http.MethodPost, "/messages/t1/send-bulk", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessageHandler_SendBulkSendsEachMessageWithOneMillisecondDelay(t *testing.T) {
	h, registry, transport := newTestMessageHandler(t)
	connectTenant(t, registry, transport, "t1")

	payload := `{"messages":[
		{"to":"15551234567","message":"one","type":"text","delayMs":1},
		{"to":"15557654321","message":"two","type":"text","delayMs":1}
	]}`

	router := chi.NewRouter()
	router.Mount("/messages", h.Routes())
	req := httptest.NewRequest(http.MethodPost, "/messages/t1/send-bulk", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data struct {
			Summary struct {
				Total int `json:"total"`
				Sent  int `json:"sent"`
			} `json:"summary"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Data.Summary.Total)
	assert.Equal(t, 2, resp.Data.Summary.Sent)
	assert.Len(t, transport.SentCalls(), 2)
}

func TestMessageHandler_SendBulkCollectsPerItemFailures(t *testing.T) {
	h, registry, transport := newTestMessageHandler(t)
	connectTenant(t, registry, transport, "t1")

	payload := `{"messages":[
		{"to":"not-a-phone","message":"one","type":"text","delayMs":1},
		{"to":"15557654321","message":"two","type":"text","delayMs":1}
	]}`

	router := chi.NewRouter()
	router.Mount("/messages", h.Routes())
	req := httptest.NewRequest(http.MethodPost, "/messages/t1/send-bulk", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data struct {
			Results []bulkResult `json:"results"`
			Summary struct {
				Sent   int `json:"sent"`
				Failed int `json:"failed"`
			} `json:"summary"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Data.Summary.Sent)
	assert.Equal(t, 1, resp.Data.Summary.Failed)
	assert.False(t, resp.Data.Results[0].Success)
	assert.True(t, resp.Data.Results[1].Success)
}
