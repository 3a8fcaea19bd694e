package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tenantrelay/chatgateway/internal/config"
	"github.com/tenantrelay/chatgateway/internal/credstore"
	"github.com/tenantrelay/chatgateway/internal/events"
	"github.com/tenantrelay/chatgateway/internal/model"
	"github.com/tenantrelay/chatgateway/internal/upstream"
)

// Registry is the process-wide tenantId → Session Manager map (spec §4.6).
// There is no global lock across tenants; each Start/Stop/Get only touches
// the map mutex briefly, and all per-tenant work runs on that tenant's
// Manager goroutine.
type Registry struct {
	adapter     upstream.Adapter
	creds       *credstore.Store
	bus         *events.Bus
	maxAttempts int

	// onNewSession fires synchronously whenever Start creates a Manager for
	// a tenant with no registry entry — never on a later idempotent Start.
	// A tenant dropped by the idle sweep gets a new Manager, and a new call,
	// on its next Start. It is how
	// LOCAI_WEBHOOK_URL/LOCAI_WEBHOOK_SECRET gets auto-registered as the
	// tenant's sink (spec §6.4). Nil when no default webhook is configured.
	onNewSession func(tenantID string)

	mu       sync.RWMutex
	managers map[string]*Manager

	stopSweep chan struct{}
}

func NewRegistry(adapter upstream.Adapter, creds *credstore.Store, bus *events.Bus, maxAttempts int) *Registry {
	r := &Registry{
		adapter:     adapter,
		creds:       creds,
		bus:         bus,
		maxAttempts: maxAttempts,
		managers:    make(map[string]*Manager),
		stopSweep:   make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// OnNewSession registers fn to be called each time a tenant's Manager is
// created (see onNewSession). Must be called before the first Start for a tenant
// to take effect for that tenant.
func (r *Registry) OnNewSession(fn func(tenantID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onNewSession = fn
}

// Start is idempotent when the tenant's current status is not disconnected
// (spec §4.6, P5): the same sessionId is returned without altering state.
func (r *Registry) Start(tenantID string) string {
	r.mu.Lock()
	mgr, ok := r.managers[tenantID]
	isNew := !ok
	if !ok {
		mgr = NewManager(tenantID, r.adapter, r.creds, r.bus, r.maxAttempts)
		r.managers[tenantID] = mgr
	}
	onNewSession := r.onNewSession
	r.mu.Unlock()

	if isNew && onNewSession != nil {
		onNewSession(tenantID)
	}

	return mgr.Start()
}

// Stop halts tenantID's session without purging credentials.
func (r *Registry) Stop(tenantID string) bool {
	r.mu.RLock()
	mgr, ok := r.managers[tenantID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	mgr.Stop()
	return true
}

// Logout stops tenantID's session and purges its credential bundle.
func (r *Registry) Logout(tenantID string) (bool, error) {
	r.mu.RLock()
	mgr, ok := r.managers[tenantID]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, mgr.Logout()
}

// Get returns the Manager for tenantID, if a session has ever been started.
func (r *Registry) Get(tenantID string) (*Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mgr, ok := r.managers[tenantID]
	return mgr, ok
}

// Status implements service.StatusSource for the Pairing-Code Service.
func (r *Registry) Status(tenantID string) (model.StatusSnapshot, bool) {
	mgr, ok := r.Get(tenantID)
	if !ok {
		return model.StatusSnapshot{}, false
	}
	return mgr.Status(), true
}

// List enumerates every tenant with a registry entry, in no particular
// order (spec §6.1 GET /sessions/active).
func (r *Registry) List() []model.StatusSnapshot {
	r.mu.RLock()
	mgrs := make([]*Manager, 0, len(r.managers))
	for _, mgr := range r.managers {
		mgrs = append(mgrs, mgr)
	}
	r.mu.RUnlock()

	out := make([]model.StatusSnapshot, 0, len(mgrs))
	for _, mgr := range mgrs {
		out = append(out, mgr.Status())
	}
	return out
}

// Health reports how many tenants the registry is tracking and how many of
// those are disconnected with their reconnect budget fully exhausted — a
// signal an operator would want surfaced on /health rather than silently
// sitting there until the next manual Start (spec §6.1 health route
// degradation).
func (r *Registry) Health() (total, exhausted int) {
	r.mu.RLock()
	mgrs := make([]*Manager, 0, len(r.managers))
	for _, mgr := range r.managers {
		mgrs = append(mgrs, mgr)
	}
	r.mu.RUnlock()

	for _, mgr := range mgrs {
		total++
		snap := mgr.Status()
		if snap.Status == model.SessionStatusDisconnected && snap.ReconnectAttempts >= r.maxAttempts {
			exhausted++
		}
	}
	return total, exhausted
}

// ShutdownAll initiates Logout-free Stop for every tenant concurrently and
// waits up to config.ServerShutdownTimeout or ctx's deadline, whichever is
// tighter (spec §4.6, §5 graceful shutdown).
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.RLock()
	mgrs := make([]*Manager, 0, len(r.managers))
	for _, mgr := range r.managers {
		mgrs = append(mgrs, mgr)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, mgr := range mgrs {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			m.Stop()
		}(mgr)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("session registry shutdown deadline exceeded, some sessions may not have closed cleanly")
	}
}

// Close stops the idle sweep goroutine.
func (r *Registry) Close() {
	close(r.stopSweep)
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(config.RegistryIdleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopSweep:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for tenantID, mgr := range r.managers {
		snap := mgr.Status()
		if snap.Status == model.SessionStatusDisconnected && now.Sub(snap.LastActivity) > config.RegistryIdleExpiry {
			delete(r.managers, tenantID)
			log.Debug().Str("tenantId", tenantID).Msg("session registry entry dropped by idle sweep")
		}
	}
}
