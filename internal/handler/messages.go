package handler

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tenantrelay/chatgateway/internal/apperror"
	"github.com/tenantrelay/chatgateway/internal/config"
	"github.com/tenantrelay/chatgateway/internal/httputil"
	"github.com/tenantrelay/chatgateway/internal/middleware"
	"github.com/tenantrelay/chatgateway/internal/model"
	"github.com/tenantrelay/chatgateway/internal/service"
	"github.com/tenantrelay/chatgateway/internal/util"
)

const maxBulkMessages = 50

// MessageHandler implements spec §6.1's Messages routes, sequencing the
// bulk-send per-item delay as pure orchestration over Session Manager
// Send calls rather than a new service (SPEC_FULL.md's "Supplemented
// features").
type MessageHandler struct {
	registry    *service.Registry
	maxFileSize int64
}

func NewMessageHandler(registry *service.Registry, maxFileSize int64) *MessageHandler {
	return &MessageHandler{registry: registry, maxFileSize: maxFileSize}
}

func (h *MessageHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/{tenantId}", func(r chi.Router) {
		r.Post("/send", h.Send)
		r.With(middleware.WithLimit(h.maxFileSize)).Post("/send-media", h.SendMedia)
		r.Post("/send-bulk", h.SendBulk)
	})
	return r
}

type sendBody struct {
	To       string `json:"to"`
	Message  string `json:"message"`
	Type     string `json:"type"`
	MediaURL string `json:"mediaUrl"`
	Caption  string `json:"caption"`
	FileName string `json:"fileName"`
}

func (b sendBody) validate() error {
	if !util.IsValidPhone(b.To) {
		return apperror.Validation("to must be a valid phone number")
	}
	if len(b.Message) > util.MaxMessageLength {
		return apperror.Validation("message exceeds maximum length")
	}
	if !util.IsValidEnum(b.Type, []string{"text", "image", "video", "audio", "document"}) {
		return apperror.Validation("type is not a recognized message type")
	}
	return nil
}

func (b sendBody) toSendRequest() model.SendRequest {
	req := model.SendRequest{To: b.To, Text: b.Message}
	if b.MediaURL == "" {
		return req
	}
	if b.Type == "document" {
		req.Document = &model.DocumentContent{URL: b.MediaURL, Filename: b.FileName, Caption: b.Caption}
	} else {
		req.Media = &model.MediaContent{URL: b.MediaURL, Caption: b.Caption}
	}
	return req
}

func (h *MessageHandler) manager(tenantID string) (*service.Manager, error) {
	mgr, ok := h.registry.Get(tenantID)
	if !ok {
		return nil, apperror.NotConnected()
	}
	return mgr, nil
}

// POST /messages/{tenantId}/send
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var body sendBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteError(w, apperror.Validation("invalid JSON body"))
		return
	}
	if err := body.validate(); err != nil {
		httputil.WriteError(w, err)
		return
	}

	mgr, err := h.manager(tenantID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	messageID, err := mgr.Send(r.Context(), body.toSendRequest())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteOK(w, map[string]any{"messageId": messageID}, "Message sent")
}

// POST /messages/{tenantId}/send-media
func (h *MessageHandler) SendMedia(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	if err := r.ParseMultipartForm(h.maxFileSize); err != nil {
		httputil.WriteError(w, apperror.Validation("failed to parse multipart form"))
		return
	}

	to := r.FormValue("to")
	message := r.FormValue("message")
	caption := r.FormValue("caption")
	msgType := r.FormValue("type")
	if msgType == "" {
		msgType = "image"
	}

	body := sendBody{To: to, Message: message, Type: msgType, Caption: caption}
	if err := body.validate(); err != nil {
		httputil.WriteError(w, err)
		return
	}

	file, header, err := r.FormFile("media")
	if err != nil {
		httputil.WriteError(w, apperror.Validation("media file is required"))
		return
	}
	defer file.Close()

	data, err := readLimited(file, h.maxFileSize)
	if err != nil {
		httputil.WriteError(w, apperror.Validation("media file exceeds maximum size"))
		return
	}

	mgr, err := h.manager(tenantID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	req := model.SendRequest{To: to, Text: message}
	if msgType == "document" {
		req.Document = &model.DocumentContent{Bytes: data, Filename: header.Filename, Caption: caption}
	} else {
		req.Media = &model.MediaContent{Bytes: data, Mime: header.Header.Get("Content-Type"), Caption: caption}
	}

	messageID, err := mgr.Send(r.Context(), req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteOK(w, map[string]any{"messageId": messageID}, "Media message sent")
}

func readLimited(f multipart.File, limit int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(f, limit+1))
}

type bulkItem struct {
	To       string `json:"to"`
	Message  string `json:"message"`
	Type     string `json:"type"`
	MediaURL string `json:"mediaUrl"`
	Caption  string `json:"caption"`
	DelayMs  int    `json:"delayMs"`
}

type bulkResult struct {
	To        string `json:"to"`
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// POST /messages/{tenantId}/send-bulk
func (h *MessageHandler) SendBulk(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var body struct {
		Messages []bulkItem `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteError(w, apperror.Validation("invalid JSON body"))
		return
	}
	if len(body.Messages) == 0 {
		httputil.WriteError(w, apperror.Validation("messages must be a non-empty array"))
		return
	}
	if len(body.Messages) > maxBulkMessages {
		httputil.WriteError(w, apperror.Validation("messages exceeds the maximum bulk size of 50"))
		return
	}

	mgr, err := h.manager(tenantID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	results := make([]bulkResult, 0, len(body.Messages))
	successCount := 0

	for i, item := range body.Messages {
		sb := sendBody{To: item.To, Message: item.Message, Type: item.Type, MediaURL: item.MediaURL, Caption: item.Caption}
		if err := sb.validate(); err != nil {
			results = append(results, bulkResult{To: item.To, Success: false, Error: err.Error()})
			continue
		}

		messageID, sendErr := mgr.Send(r.Context(), sb.toSendRequest())
		if sendErr != nil {
			results = append(results, bulkResult{To: item.To, Success: false, Error: sendErr.Error()})
		} else {
			results = append(results, bulkResult{To: item.To, Success: true, MessageID: messageID})
			successCount++
		}

		if i == len(body.Messages)-1 {
			continue
		}
		delay := config.BulkSendDefaultDelay
		if item.DelayMs > 0 {
			delay = time.Duration(item.DelayMs) * time.Millisecond
		}
		select {
		case <-r.Context().Done():
			httputil.WriteOK(w, map[string]any{
				"results": results,
				"summary": map[string]any{"total": len(body.Messages), "sent": successCount, "failed": len(results) - successCount},
			}, "Bulk send interrupted")
			return
		case <-time.After(delay):
		}
	}

	httputil.WriteOK(w, map[string]any{
		"results": results,
		"summary": map[string]any{"total": len(body.Messages), "sent": successCount, "failed": len(results) - successCount},
	}, "Bulk send complete")
}
