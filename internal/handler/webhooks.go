package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tenantrelay/chatgateway/internal/apperror"
	"github.com/tenantrelay/chatgateway/internal/httputil"
	"github.com/tenantrelay/chatgateway/internal/model"
	"github.com/tenantrelay/chatgateway/internal/util"
	"github.com/tenantrelay/chatgateway/internal/webhook"
)

// WebhookHandler implements spec §6.1's Webhooks routes.
type WebhookHandler struct {
	dispatcher *webhook.Dispatcher
}

func NewWebhookHandler(dispatcher *webhook.Dispatcher) *WebhookHandler {
	return &WebhookHandler{dispatcher: dispatcher}
}

func (h *WebhookHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/register/{tenantId}", h.Register)
	r.Get("/list/{tenantId}", h.List)
	r.Delete("/{tenantId}/{webhookId}", h.Delete)
	r.Post("/test/{tenantId}/{webhookId}", h.Test)
	r.Get("/stats/{tenantId}", h.Stats)
	return r
}

type registerBody struct {
	URL    string                    `json:"url"`
	Secret string                    `json:"secret"`
	Events []model.WebhookEventType `json:"events"`
}

// POST /webhooks/register/{tenantId}
func (h *WebhookHandler) Register(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var body registerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteError(w, apperror.Validation("invalid JSON body"))
		return
	}

	sink, err := h.dispatcher.Register(tenantID, body.URL, body.Secret, body.Events)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteOK(w, redactedSink(sink), "Webhook registered")
}

// GET /webhooks/list/{tenantId}
func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	sink, ok := h.dispatcher.Get(tenantID)
	if !ok {
		httputil.WriteOK(w, []any{}, "")
		return
	}
	httputil.WriteOK(w, []any{redactedSink(sink)}, "")
}

// DELETE /webhooks/{tenantId}/{webhookId}
func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	webhookID := chi.URLParam(r, "webhookId")

	if !util.IsValidUUID(webhookID) {
		httputil.WriteError(w, apperror.Validation("invalid webhook id"))
		return
	}

	if !h.dispatcher.Delete(tenantID, webhookID) {
		httputil.WriteError(w, apperror.NotFound("webhook"))
		return
	}
	httputil.WriteOK(w, map[string]any{"success": true}, "Webhook removed")
}

// POST /webhooks/test/{tenantId}/{webhookId}
func (h *WebhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	webhookID := chi.URLParam(r, "webhookId")

	if !util.IsValidUUID(webhookID) {
		httputil.WriteError(w, apperror.Validation("invalid webhook id"))
		return
	}

	success, elapsed, status, err := h.dispatcher.Test(r.Context(), tenantID, webhookID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	resp := map[string]any{
		"success":      success,
		"responseTime": elapsed.Milliseconds(),
	}
	if status > 0 {
		resp["status"] = status
	}
	if !success {
		resp["error"] = "webhook test delivery failed"
	}
	httputil.WriteOK(w, resp, "")
}

// GET /webhooks/stats/{tenantId}
func (h *WebhookHandler) Stats(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	stats, ok := h.dispatcher.Stats(tenantID)
	if !ok {
		httputil.WriteOK(w, model.WebhookStats{TenantID: tenantID}, "")
		return
	}
	httputil.WriteOK(w, map[string]any{
		"tenantId":          stats.TenantID,
		"totalAttempts":     stats.TotalAttempts,
		"successCount":      stats.SuccessCount,
		"failureCount":      stats.FailureCount,
		"avgResponseTimeMs": stats.AvgResponseTimeMs,
		"uptimePercent":     stats.UptimePercent(),
		"lastActivity":      stats.LastActivity,
	}, "")
}

func redactedSink(sink *model.WebhookSink) map[string]any {
	events := make([]model.WebhookEventType, 0, len(sink.Events))
	for e := range sink.Events {
		events = append(events, e)
	}
	return map[string]any{
		"id":     sink.ID,
		"url":    sink.URL,
		"events": events,
		"active": sink.Active,
	}
}
