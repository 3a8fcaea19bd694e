package handler

import (
	"net/http"
	"runtime"
	"time"

	"github.com/tenantrelay/chatgateway/internal/httputil"
	"github.com/tenantrelay/chatgateway/internal/service"
	"github.com/tenantrelay/chatgateway/internal/webhook"
)

const version = "1.0.0"

// HealthHandler implements spec §6.1's Health route, expanded from the
// teacher's plain `/health` handler in cmd/server/main.go into the richer
// shape spec §6.1 requires (SPEC_FULL.md "Supplemented features").
type HealthHandler struct {
	registry    *service.Registry
	dispatcher  *webhook.Dispatcher
	environment string
	startedAt   time.Time
}

func NewHealthHandler(registry *service.Registry, dispatcher *webhook.Dispatcher, environment string, startedAt time.Time) *HealthHandler {
	return &HealthHandler{registry: registry, dispatcher: dispatcher, environment: environment, startedAt: startedAt}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	active := h.registry.List()

	services := map[string]string{
		"sessionRegistry":   registryHealth(h.registry),
		"webhookDispatcher": dispatcherHealth(h.dispatcher),
	}

	status := "healthy"
	for _, svc := range services {
		if svc == "unhealthy" {
			status = "unhealthy"
			break
		}
		if svc == "degraded" && status == "healthy" {
			status = "degraded"
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	statusCode := http.StatusOK
	if status != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}

	httputil.WriteJSON(w, statusCode, map[string]any{
		"status":   status,
		"services": services,
		"system": map[string]any{
			"memory": map[string]any{
				"allocBytes":    mem.Alloc,
				"totalAllocMB":  mem.TotalAlloc / (1 << 20),
				"sysMB":         mem.Sys / (1 << 20),
				"numGoroutines": runtime.NumGoroutine(),
			},
			"cpu":  map[string]any{"numCPU": runtime.NumCPU()},
			"disk": map[string]any{},
		},
		"activeSessions": len(active),
		"uptime":          time.Since(h.startedAt).Seconds(),
		"version":         version,
		"environment":     h.environment,
		"timestamp":       time.Now().UnixMilli(),
	})
}

// registryHealth degrades when any tracked tenant has exhausted its
// reconnect budget and is sitting disconnected until an operator restarts
// it (I4/P3) — never "unhealthy", since a stuck tenant doesn't stop the
// registry from serving every other tenant.
func registryHealth(registry *service.Registry) string {
	_, exhausted := registry.Health()
	if exhausted > 0 {
		return "degraded"
	}
	return "healthy"
}

// dispatcherHealth degrades when every registered sink has been
// auto-deactivated after exhausting its error budget, meaning no tenant is
// actually receiving webhook deliveries right now.
func dispatcherHealth(dispatcher *webhook.Dispatcher) string {
	total, inactive := dispatcher.Health()
	if total > 0 && inactive == total {
		return "degraded"
	}
	return "healthy"
}
