// Package service holds the Session Manager (spec §4.4) and the
// Pairing-Code Service (spec §4.3) built on top of it.
package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tenantrelay/chatgateway/internal/apperror"
	"github.com/tenantrelay/chatgateway/internal/config"
	"github.com/tenantrelay/chatgateway/internal/credstore"
	"github.com/tenantrelay/chatgateway/internal/events"
	"github.com/tenantrelay/chatgateway/internal/model"
	"github.com/tenantrelay/chatgateway/internal/upstream"
)

// Manager is the per-tenant state machine wrapping the upstream connection
// (spec §4.4). Exactly one exists per tenant (invariant I1), and all
// mutations of its Session run on the single goroutine started by Start.
type Manager struct {
	tenantID    string
	adapter     upstream.Adapter
	creds       *credstore.Store
	bus         *events.Bus
	maxAttempts int
	httpClient  *http.Client
	backoff     func(attempt int) time.Duration

	mu      sync.RWMutex
	session model.Session
	handle  upstream.Handle

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager constructs a Manager for tenantID. It does not connect until
// Start is called.
func NewManager(tenantID string, adapter upstream.Adapter, creds *credstore.Store, bus *events.Bus, maxAttempts int) *Manager {
	return &Manager{
		tenantID:    tenantID,
		adapter:     adapter,
		creds:       creds,
		bus:         bus,
		maxAttempts: maxAttempts,
		httpClient:  &http.Client{Timeout: config.MediaFetchTimeout},
		backoff:     reconnectDelay,
		session: model.Session{
			TenantID: tenantID,
			Status:   model.SessionStatusDisconnected,
		},
		done: make(chan struct{}),
	}
}

func newSessionID(tenantID string) string {
	return fmt.Sprintf("%s_%d", tenantID, time.Now().UnixMilli())
}

// Start transitions disconnected → connecting and spawns the single
// consumer goroutine for this tenant. While the status is anything but
// disconnected, Start returns the current sessionId and changes nothing
// (spec §4.6, P5); Registry.Start relies on this for its own idempotence.
func (m *Manager) Start() string {
	m.mu.Lock()
	if m.session.Status != model.SessionStatusDisconnected {
		sessionID := m.session.SessionID
		m.mu.Unlock()
		return sessionID
	}
	sessionID := newSessionID(m.tenantID)
	m.session.SessionID = sessionID
	m.session.Status = model.SessionStatusConnecting
	m.session.ReconnectAttempts = 0
	m.session.LastActivity = time.Now()
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(m.ctx)
	return sessionID
}

// Stop halts the tenant's run loop without purging credentials. A
// subsequent Start resumes from the persisted credential bundle. It waits
// up to config.ServerShutdownTimeout for the run loop to exit so callers
// like the Session Registry's ShutdownAll can bound their own wait.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	handle := m.handle
	runDone := m.done
	m.mu.Unlock()

	cancel()

	if handle != nil {
		ctx, done := context.WithTimeout(context.Background(), config.AdapterDefaultQueryTimeout)
		_ = m.adapter.Logout(ctx, handle)
		done()
	}

	select {
	case <-runDone:
	case <-time.After(config.ServerShutdownTimeout):
		log.Warn().Str("tenantId", m.tenantID).Msg("timed out waiting for session run loop to exit")
	}

	m.mu.Lock()
	m.session.Status = model.SessionStatusDisconnected
	m.session.PairingArtifact = nil
	m.session.LastActivity = time.Now()
	m.handle = nil
	m.mu.Unlock()
}

// Done reports when the run loop for the current Start has exited.
func (m *Manager) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.done
}

// Logout stops the session and purges its credential bundle, so a
// subsequent Start performs fresh pairing (spec §4.1, S4/P7).
func (m *Manager) Logout() error {
	m.Stop()
	return m.creds.Purge(m.tenantID)
}

// Status returns a read-only snapshot safe to hand across goroutines.
func (m *Manager) Status() model.StatusSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() model.StatusSnapshot {
	s := m.session
	return model.StatusSnapshot{
		TenantID:           s.TenantID,
		SessionID:          s.SessionID,
		Status:             s.Status,
		Connected:          s.Status == model.SessionStatusConnected,
		PhoneNumber:        s.PhoneNumber,
		DisplayName:        s.DisplayName,
		HasPairingArtifact: len(s.PairingArtifact) > 0,
		PairingArtifact:    s.PairingArtifact,
		PairingUpdatedAt:   s.PairingUpdatedAt,
		LastActivity:       s.LastActivity,
		ReconnectAttempts:  s.ReconnectAttempts,
	}
}

// Send delivers req to a connected session (spec §4.4). Media/document
// variants carrying a URL are fetched here before delegating to the
// adapter, since the adapter's Send only accepts bytes.
func (m *Manager) Send(ctx context.Context, req model.SendRequest) (string, error) {
	m.mu.RLock()
	status := m.session.Status
	handle := m.handle
	m.mu.RUnlock()

	if status != model.SessionStatusConnected || handle == nil {
		return "", apperror.NotConnected()
	}

	content := upstream.SendContent{Text: req.Text}

	switch {
	case req.Media != nil:
		payload := *req.Media
		if payload.URL != "" && len(payload.Bytes) == 0 {
			data, err := m.fetchMedia(ctx, payload.URL)
			if err != nil {
				return "", err
			}
			payload.Bytes = data
		}
		content.Media = &upstream.MediaPayload{Bytes: payload.Bytes, Mime: payload.Mime, Caption: payload.Caption}
	case req.Document != nil:
		payload := *req.Document
		if payload.URL != "" && len(payload.Bytes) == 0 {
			data, err := m.fetchMedia(ctx, payload.URL)
			if err != nil {
				return "", err
			}
			payload.Bytes = data
		}
		content.Document = &upstream.DocumentPayload{Bytes: payload.Bytes, Filename: payload.Filename, Caption: payload.Caption}
	}

	id, err := m.adapter.Send(ctx, handle, req.To, content)
	if err != nil {
		return "", apperror.Wrap(apperror.CodeInternal, "send failed", err)
	}

	m.mu.Lock()
	m.session.LastActivity = time.Now()
	m.mu.Unlock()

	return id, nil
}

func (m *Manager) fetchMedia(ctx context.Context, url string) ([]byte, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, config.MediaFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeValidation, "MediaFetchFailed: could not build fetch request", err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeValidation, "MediaFetchFailed: fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperror.Validation(fmt.Sprintf("MediaFetchFailed: fetch returned status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeValidation, "MediaFetchFailed: fetch body read failed", err)
	}
	return data, nil
}

// run is the single consumer goroutine for this tenant. It reconnects with
// backoff until the tenant is logged out, the reconnect budget is
// exhausted, or ctx is cancelled (explicit Stop).
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("tenantId", m.tenantID).Interface("panic", r).Msg("session manager panic, isolating tenant")
			m.mu.Lock()
			m.session.Status = model.SessionStatusDisconnected
			m.mu.Unlock()
			m.emit(events.TypeDisconnected, &events.Event{Reason: "panic"})
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		m.session.Status = model.SessionStatusConnecting
		m.mu.Unlock()
		m.emit(events.TypeConnecting, nil)

		bundle, err := m.creds.Load(m.tenantID)
		if err != nil {
			log.Error().Err(err).Str("tenantId", m.tenantID).Msg("failed to load credential bundle")
		}

		connectCtx, cancel := context.WithTimeout(ctx, config.AdapterDefaultQueryTimeout)
		handle, err := m.adapter.Connect(connectCtx, m.tenantID, bundle)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("tenantId", m.tenantID).Msg("connect failed, treating as transient")
			if !m.scheduleReconnect(ctx) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.handle = handle
		m.mu.Unlock()

		shouldReconnect := m.consumeEvents(ctx, handle)
		if !shouldReconnect {
			return
		}
		if !m.scheduleReconnect(ctx) {
			return
		}
	}
}

// consumeEvents drains handle's update stream until it closes or a
// terminal/close update arrives. It returns true when the caller should
// attempt a reconnect.
func (m *Manager) consumeEvents(ctx context.Context, handle upstream.Handle) bool {
	ch := m.adapter.Events(handle)

	for {
		select {
		case <-ctx.Done():
			return false

		case update, ok := <-ch:
			if !ok {
				log.Warn().Str("tenantId", m.tenantID).Msg("adapter event stream closed unexpectedly")
				return true
			}

			if terminal, reconnect := m.applyUpdate(update); terminal {
				return reconnect
			}
		}
	}
}

// applyUpdate mutates session state for one adapter update and returns
// (terminal, shouldReconnect) — terminal is true only for a `state: close`
// update, which ends this connect cycle.
func (m *Manager) applyUpdate(update upstream.Update) (terminal bool, shouldReconnect bool) {
	switch update.Kind {
	case upstream.UpdatePairing:
		m.mu.Lock()
		m.session.Status = model.SessionStatusQR
		m.session.PairingArtifact = update.PairingArtifact
		m.session.PairingUpdatedAt = time.Now()
		m.mu.Unlock()
		m.emit(events.TypeQR, nil)

	case upstream.UpdateCredsUpdated:
		if err := m.creds.Save(m.tenantID, update.Credentials); err != nil {
			log.Error().Err(err).Str("tenantId", m.tenantID).Msg("credential save failed, session continues")
		}

	case upstream.UpdateMessageInbound:
		m.handleInbound(update.Messages)

	case upstream.UpdateState:
		switch update.State {
		case upstream.StateConnecting:
			m.mu.Lock()
			m.session.Status = model.SessionStatusConnecting
			m.mu.Unlock()
			m.emit(events.TypeConnecting, nil)

		case upstream.StateOpen:
			m.mu.Lock()
			m.session.Status = model.SessionStatusConnected
			m.session.PhoneNumber = update.PhoneNumber
			m.session.DisplayName = update.DisplayName
			m.session.PairingArtifact = nil
			m.session.ReconnectAttempts = 0
			m.session.ConnectedAt = time.Now()
			m.session.LastActivity = m.session.ConnectedAt
			m.mu.Unlock()
			m.emit(events.TypeConnected, &events.Event{PhoneNumber: update.PhoneNumber, DisplayName: update.DisplayName})

		case upstream.StateClose:
			return m.applyClose(update)
		}
	}
	return false, false
}

func (m *Manager) applyClose(update upstream.Update) (terminal bool, shouldReconnect bool) {
	m.mu.Lock()
	attempts := m.session.ReconnectAttempts
	m.mu.Unlock()

	if update.LoggedOut {
		if err := m.creds.Purge(m.tenantID); err != nil {
			log.Error().Err(err).Str("tenantId", m.tenantID).Msg("failed to purge credentials on logout")
		}
		m.mu.Lock()
		m.session.Status = model.SessionStatusDisconnected
		m.session.PairingArtifact = nil
		m.session.LastActivity = time.Now()
		m.handle = nil
		m.mu.Unlock()
		m.emit(events.TypeDisconnected, &events.Event{Reason: update.CloseReason, LoggedOut: true})
		return true, false
	}

	if attempts >= m.maxAttempts {
		m.mu.Lock()
		m.session.Status = model.SessionStatusDisconnected
		m.session.LastActivity = time.Now()
		m.handle = nil
		m.mu.Unlock()
		m.emit(events.TypeDisconnected, &events.Event{Reason: "reconnect attempts exhausted"})
		return true, false
	}

	m.mu.Lock()
	m.handle = nil
	m.mu.Unlock()
	return true, true
}

// scheduleReconnect increments ReconnectAttempts, emits disconnected if the
// budget is exhausted, and sleeps the backoff window (spec §4.4, P3).
// It returns false when the tenant should stop entirely.
func (m *Manager) scheduleReconnect(ctx context.Context) bool {
	m.mu.Lock()
	attempts := m.session.ReconnectAttempts
	m.mu.Unlock()

	if attempts >= m.maxAttempts {
		m.mu.Lock()
		m.session.Status = model.SessionStatusDisconnected
		m.session.LastActivity = time.Now()
		m.mu.Unlock()
		m.emit(events.TypeDisconnected, &events.Event{Reason: "reconnect attempts exhausted"})
		return false
	}

	m.mu.Lock()
	m.session.ReconnectAttempts++
	attempts = m.session.ReconnectAttempts
	m.mu.Unlock()

	delay := m.backoff(attempts)
	log.Info().Str("tenantId", m.tenantID).Int("attempt", attempts).Dur("delay", delay).Msg("scheduling reconnect")

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// reconnectDelay implements spec §4.4/P3: min(5s·2^(n-1), 30s).
func reconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := config.ReconnectBaseDelay * time.Duration(1<<uint(attempt-1))
	if delay > config.ReconnectMaxDelay {
		return config.ReconnectMaxDelay
	}
	return delay
}

// handleInbound applies spec §4.4's drop rule and emits one message event
// per retained entry.
func (m *Manager) handleInbound(batch []upstream.InboundBatch) {
	now := time.Now()
	for _, b := range batch {
		if b.FromMe {
			continue
		}
		if b.Text == "" && b.MediaURL == "" {
			continue
		}

		msg := model.InboundMessage{
			TenantID:  m.tenantID,
			From:      b.From,
			To:        b.To,
			Text:      b.Text,
			MessageID: b.MessageID,
			Timestamp: b.Timestamp,
			Type:      b.Type,
			MediaURL:  b.MediaURL,
			Caption:   b.Caption,
		}

		m.mu.Lock()
		m.session.LastActivity = now
		m.mu.Unlock()

		m.emit(events.TypeMessage, &events.Event{Message: &msg})
	}
}

func (m *Manager) emit(t events.Type, partial *events.Event) {
	ev := events.Event{Type: t, TenantID: m.tenantID, At: time.Now()}
	if partial != nil {
		ev.PhoneNumber = partial.PhoneNumber
		ev.DisplayName = partial.DisplayName
		ev.Reason = partial.Reason
		ev.LoggedOut = partial.LoggedOut
		ev.Message = partial.Message
	}
	m.bus.Publish(ev)
}
