package handler

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tenantrelay/chatgateway/internal/apperror"
	"github.com/tenantrelay/chatgateway/internal/config"
	"github.com/tenantrelay/chatgateway/internal/httputil"
	"github.com/tenantrelay/chatgateway/internal/middleware"
	"github.com/tenantrelay/chatgateway/internal/model"
	"github.com/tenantrelay/chatgateway/internal/service"
)

// SessionHandler implements spec §6.1's Sessions routes.
type SessionHandler struct {
	registry *service.Registry
	pairing  *service.PairingService
}

func NewSessionHandler(registry *service.Registry, pairing *service.PairingService) *SessionHandler {
	return &SessionHandler{registry: registry, pairing: pairing}
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/active", h.ListActive)
	r.Route("/{tenantId}", func(r chi.Router) {
		r.Post("/start", h.Start)
		r.Get("/status", h.Status)
		r.Get("/qr", h.QR)
		r.Delete("/", h.Delete)
		r.Post("/restart", h.Restart)
		r.Get("/poll", h.Poll)
	})

	return r
}

func qrCodeOf(artifact []byte) any {
	if len(artifact) == 0 {
		return nil
	}
	return base64.StdEncoding.EncodeToString(artifact)
}

// POST /sessions/{tenantId}/start
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	sessionID := h.registry.Start(tenantID)
	artifact := h.pairing.Start(tenantID)

	message := "Session starting, scan the QR code to pair"
	if artifact == nil {
		if snap, ok := h.registry.Status(tenantID); ok && snap.Status == model.SessionStatusConnected {
			message = "Session already connected"
		} else {
			message = "Session starting, pairing artifact not yet available"
		}
	}

	httputil.WriteOK(w, map[string]any{
		"sessionId": sessionID,
		"qrCode":    qrCodeOf(artifact),
	}, message)
}

// GET /sessions/{tenantId}/status
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	snap, ok := h.registry.Status(tenantID)
	if !ok {
		httputil.WriteError(w, apperror.NotFound("session"))
		return
	}

	data := map[string]any{
		"connected": snap.Connected,
		"status":    snap.Status,
	}
	if snap.PhoneNumber != "" {
		data["phoneNumber"] = snap.PhoneNumber
	}
	if snap.DisplayName != "" {
		data["businessName"] = snap.DisplayName
	}
	if snap.Status == model.SessionStatusQR {
		data["qrCode"] = qrCodeOf(snap.PairingArtifact)
	}
	if snap.SessionID != "" {
		data["sessionId"] = snap.SessionID
	}
	if !snap.LastActivity.IsZero() {
		data["lastActivity"] = snap.LastActivity.UnixMilli()
	}

	httputil.WriteOK(w, data, "")
}

// GET /sessions/{tenantId}/qr
func (h *SessionHandler) QR(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	snap, ok := h.registry.Status(tenantID)
	if !ok {
		httputil.WriteError(w, apperror.NotFound("session"))
		return
	}

	artifact := h.pairing.Current(tenantID)
	if artifact == nil && snap.HasPairingArtifact {
		artifact = snap.PairingArtifact
	}

	httputil.WriteOK(w, map[string]any{
		"qrCode": qrCodeOf(artifact),
		"status": snap.Status,
		"hasQR":  len(artifact) > 0,
	}, "")
}

// DELETE /sessions/{tenantId}
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	ok, err := h.registry.Logout(tenantID)
	if err != nil {
		httputil.WriteError(w, apperror.Wrap(apperror.CodeInternal, "failed to purge session credentials", err))
		return
	}
	if !ok {
		httputil.WriteError(w, apperror.NotFound("session"))
		return
	}
	h.pairing.Stop(tenantID)

	httputil.WriteOK(w, map[string]any{"success": true}, "Session removed")
}

// POST /sessions/{tenantId}/restart
func (h *SessionHandler) Restart(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	h.registry.Stop(tenantID)

	select {
	case <-r.Context().Done():
		return
	case <-time.After(2 * time.Second):
	}

	sessionID := h.registry.Start(tenantID)
	artifact := h.pairing.Start(tenantID)

	httputil.WriteOK(w, map[string]any{
		"sessionId": sessionID,
		"qrCode":    qrCodeOf(artifact),
	}, "Session restarted")
}

// GET /sessions/active
func (h *SessionHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	if !middleware.HasPermission(r.Context(), "admin") {
		httputil.WriteError(w, apperror.Forbidden("admin permission required"))
		return
	}
	httputil.WriteOK(w, h.registry.List(), "")
}

// GET /sessions/{tenantId}/poll?timeout=<ms>
func (h *SessionHandler) Poll(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	timeoutMs, err := strconv.Atoi(r.URL.Query().Get("timeout"))
	if err != nil || timeoutMs <= 0 {
		timeoutMs = int(config.MaxPollTimeout.Milliseconds())
	}
	timeout := time.Duration(timeoutMs) * time.Millisecond
	if timeout > config.MaxPollTimeout {
		timeout = config.MaxPollTimeout
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		snap, ok := h.registry.Status(tenantID)
		if !ok {
			httputil.WriteError(w, apperror.NotFound("session"))
			return
		}
		if snap.Status == model.SessionStatusQR || snap.Status == model.SessionStatusConnected {
			data := map[string]any{"connected": snap.Connected, "status": snap.Status}
			if snap.Status == model.SessionStatusQR {
				data["qrCode"] = qrCodeOf(snap.PairingArtifact)
			}
			httputil.WriteOK(w, data, "")
			return
		}

		if time.Now().After(deadline) {
			httputil.WriteOK(w, map[string]any{"connected": snap.Connected, "status": snap.Status}, "poll timed out")
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
