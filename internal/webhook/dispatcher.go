// Package webhook forwards Session Manager events to tenant-registered
// HTTP sinks (spec §4.5). It generalizes the teacher's single allow-listed
// Kakao callback (service/kakao.go's SendCallback) to an arbitrary
// tenant-registered sink, and reuses util.HmacSHA256/ConstantTimeEqual —
// built in the teacher for middleware/kakao.go's inbound signature check —
// for outbound signing and the symmetric verification helper.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tenantrelay/chatgateway/internal/apperror"
	"github.com/tenantrelay/chatgateway/internal/config"
	"github.com/tenantrelay/chatgateway/internal/events"
	"github.com/tenantrelay/chatgateway/internal/model"
	"github.com/tenantrelay/chatgateway/internal/util"
)

const userAgent = "WhatsApp-Microservice/1.0.0"

type dedupKey struct {
	tenantID  string
	messageID string
}

// Dispatcher owns the per-tenant sink registry, the dedup set, and the
// stats store (spec §4.5). It subscribes to the bus's global event stream
// so it can fan status transitions out without the Session Manager
// knowing webhooks exist.
type Dispatcher struct {
	bus    *events.Bus
	client *http.Client

	retryDelay func(attempt int) time.Duration

	mu    sync.Mutex
	sinks map[string]*model.WebhookSink
	dedup map[dedupKey]time.Time
	stats map[string]*model.WebhookStats

	cancelFanout context.CancelFunc
	stopSweep    chan struct{}
}

func NewDispatcher(bus *events.Bus) *Dispatcher {
	client := &http.Client{
		Timeout: config.WebhookTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= config.WebhookMaxRedirects {
				return fmt.Errorf("stopped after %d redirects", config.WebhookMaxRedirects)
			}
			return nil
		},
	}

	d := &Dispatcher{
		bus:        bus,
		client:     client,
		retryDelay: retryDelay,
		sinks:      make(map[string]*model.WebhookSink),
		dedup:      make(map[dedupKey]time.Time),
		stats:      make(map[string]*model.WebhookStats),
		stopSweep:  make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelFanout = cancel
	// Subscribe before returning so that events published right after
	// NewDispatcher are not dropped by the bus.
	ch, unsubscribe := bus.SubscribeAll()
	go d.fanoutLoop(ctx, ch, unsubscribe)
	go d.sweepLoop()
	return d
}

// Register creates tenantID's sink, or updates the existing one in place,
// preserving its counters and id (spec §4.5's "single-sink variant").
func (d *Dispatcher) Register(tenantID, url, secret string, eventTypes []model.WebhookEventType) (*model.WebhookSink, error) {
	if url == "" {
		return nil, apperror.Validation("url is required")
	}

	subs := make(map[model.WebhookEventType]bool, len(eventTypes))
	for _, et := range eventTypes {
		subs[et] = true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if sink, ok := d.sinks[tenantID]; ok {
		sink.URL = url
		sink.Secret = secret
		sink.Events = subs
		sink.Active = true
		return sink, nil
	}

	sink := &model.WebhookSink{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		URL:       url,
		Secret:    secret,
		Events:    subs,
		Active:    true,
		CreatedAt: time.Now(),
	}
	d.sinks[tenantID] = sink
	return sink, nil
}

// Get returns tenantID's sink, if one is registered.
func (d *Dispatcher) Get(tenantID string) (*model.WebhookSink, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sink, ok := d.sinks[tenantID]
	return sink, ok
}

// Delete removes tenantID's sink if sinkID matches it.
func (d *Dispatcher) Delete(tenantID, sinkID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	sink, ok := d.sinks[tenantID]
	if !ok || sink.ID != sinkID {
		return false
	}
	delete(d.sinks, tenantID)
	return true
}

// Health reports how many registered sinks exist and how many of those have
// been auto-deactivated after exhausting their error budget (spec §6.1
// health route degradation).
func (d *Dispatcher) Health() (total, inactive int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sink := range d.sinks {
		total++
		if !sink.Active {
			inactive++
		}
	}
	return total, inactive
}

// Stats returns tenantID's delivery telemetry.
func (d *Dispatcher) Stats(tenantID string) (model.WebhookStats, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	stats, ok := d.stats[tenantID]
	if !ok {
		return model.WebhookStats{}, false
	}
	return *stats, true
}

// Test sends a one-off "test" event to tenantID's sink and reports the
// round-trip time (spec §6.1 POST /webhooks/test/{tenantId}/{webhookId}).
func (d *Dispatcher) Test(ctx context.Context, tenantID, sinkID string) (bool, time.Duration, int, error) {
	sink, ok := d.Get(tenantID)
	if !ok || sink.ID != sinkID {
		return false, 0, 0, apperror.NotFound("webhook")
	}

	payload := model.WebhookPayload{
		Event:     "test",
		Timestamp: time.Now().UnixMilli(),
		TenantID:  tenantID,
		Data:      map[string]any{"message": "this is a test webhook delivery"},
	}

	ok2, elapsed, status := d.deliver(ctx, sink, payload)
	return ok2, elapsed, status, nil
}

// DeliverMessage runs the inbound message pipeline: dedup precommit,
// payload build, sign, send, and on final failure the dedup rollback
// (spec §4.5 steps 1-7).
func (d *Dispatcher) DeliverMessage(ctx context.Context, msg model.InboundMessage) {
	sink, ok := d.Get(msg.TenantID)
	if !ok || !sink.Active || !sink.Subscribes(model.WebhookEventMessage) {
		return
	}

	key := dedupKey{tenantID: msg.TenantID, messageID: msg.MessageID}

	d.mu.Lock()
	if _, seen := d.dedup[key]; seen {
		d.mu.Unlock()
		return
	}
	d.dedup[key] = time.Now()
	d.mu.Unlock()

	data := map[string]any{
		"from":      msg.From,
		"to":        msg.To,
		"message":   msg.Text,
		"messageId": msg.MessageID,
		"type":      msg.Type,
	}
	if msg.MediaURL != "" {
		data["mediaUrl"] = msg.MediaURL
	}
	if msg.Caption != "" {
		data["caption"] = msg.Caption
	}

	payload := model.WebhookPayload{
		Event:     "message",
		Timestamp: msg.Timestamp.UnixMilli(),
		TenantID:  msg.TenantID,
		Data:      data,
	}

	success, elapsed, _ := d.deliver(ctx, sink, payload)
	d.recordOutcome(msg.TenantID, success, elapsed)

	d.mu.Lock()
	if success {
		d.touchSinkLocked(sink, true)
	} else {
		delete(d.dedup, key)
		d.touchSinkLocked(sink, false)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) touchSinkLocked(sink *model.WebhookSink, success bool) {
	sink.LastUsed = time.Now()
	if success {
		sink.SuccessCount++
		return
	}
	sink.ErrorCount++
	if sink.ErrorCount > config.WebhookMaxErrorCount {
		sink.Active = false
		log.Warn().Str("tenantId", sink.TenantID).Int("errorCount", sink.ErrorCount).Msg("webhook sink deactivated after exceeding error budget")
	}
}

func (d *Dispatcher) recordOutcome(tenantID string, success bool, elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	stats, ok := d.stats[tenantID]
	if !ok {
		stats = &model.WebhookStats{TenantID: tenantID}
		d.stats[tenantID] = stats
	}
	ms := float64(elapsed.Microseconds()) / 1000
	now := time.Now()
	if success {
		stats.RecordSuccess(ms, now)
	} else {
		stats.RecordFailure(ms, now)
	}
}

// deliver POSTs payload to sink, signing it when sink.Secret is set, and
// retries per spec §4.5 step 7's classification.
func (d *Dispatcher) deliver(ctx context.Context, sink *model.WebhookSink, payload model.WebhookPayload) (bool, time.Duration, int) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("tenantId", sink.TenantID).Msg("webhook payload marshal failed")
		return false, 0, 0
	}

	var lastStatus int
	for attempt := 0; attempt <= config.WebhookMaxRetries; attempt++ {
		start := time.Now()
		success, status, retryable, err := d.attempt(ctx, sink, payload.Event, body)
		elapsed := time.Since(start)
		lastStatus = status

		if success {
			return true, elapsed, status
		}
		if err != nil {
			log.Warn().Err(err).Str("tenantId", sink.TenantID).Str("url", sink.URL).Int("attempt", attempt).Msg("webhook delivery attempt failed")
		} else {
			log.Warn().Str("tenantId", sink.TenantID).Str("url", sink.URL).Int("status", status).Int("attempt", attempt).Msg("webhook delivery attempt rejected")
		}
		if !retryable || attempt == config.WebhookMaxRetries {
			return false, elapsed, lastStatus
		}

		delay := d.retryDelay(attempt + 1)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, elapsed, lastStatus
		case <-timer.C:
		}
	}
	return false, 0, lastStatus
}

// attempt performs a single HTTP POST. It returns (success, status,
// retryable, err); retryable is meaningful only when success is false.
func (d *Dispatcher) attempt(ctx context.Context, sink *model.WebhookSink, event string, body []byte) (bool, int, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sink.URL, bytes.NewReader(body))
	if err != nil {
		return false, 0, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Tenant-ID", sink.TenantID)
	if sink.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(sink.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return false, 0, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, resp.StatusCode, false, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return false, resp.StatusCode, false, nil
	default:
		return false, resp.StatusCode, true, nil
	}
}

// retryDelay implements spec §4.5 step 7: min(1s·2^attempt, 5s).
func retryDelay(attempt int) time.Duration {
	d := config.WebhookRetryBaseDelay * time.Duration(1<<uint(attempt))
	if d > config.WebhookRetryMaxDelay {
		return config.WebhookRetryMaxDelay
	}
	return d
}

// Sign computes the bare-hex HMAC-SHA256 signature new deployments emit
// (spec §9, resolved).
func Sign(secret string, body []byte) string {
	return util.HmacSHA256(secret, string(body))
}

// VerifySignature accepts either historically observed header format —
// bare hex or `sha256=<hex>` — per spec §6.2, using a constant-time
// comparison so external validators can verify inbound payloads
// symmetrically (spec §4.5's last paragraph).
func VerifySignature(secret string, body []byte, header string) bool {
	header = strings.TrimPrefix(header, "sha256=")
	expected := Sign(secret, body)
	return util.ConstantTimeEqual(expected, header)
}

// fanoutLoop forwards session state transitions and inbound messages from
// the bus subscription ch to every tenant's sink (spec §4.5 "Status
// events"), and calls unsubscribe when it exits.
func (d *Dispatcher) fanoutLoop(ctx context.Context, ch <-chan events.Event, unsubscribe func()) {
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			d.handleEvent(ctx, ev)
		}
	}
}

func (d *Dispatcher) handleEvent(ctx context.Context, ev events.Event) {
	if ev.Type == events.TypeMessage {
		if ev.Message != nil {
			d.DeliverMessage(ctx, *ev.Message)
		}
		return
	}

	var eventName string
	data := map[string]any{"event": string(ev.Type)}

	switch ev.Type {
	case events.TypeConnecting:
		eventName = "status_change"
		data["status"] = "connecting"
	case events.TypeQR:
		eventName = "status_change"
		data["status"] = "qr"
	case events.TypeConnected:
		eventName = "status_change"
		data["status"] = "connected"
		if ev.PhoneNumber != "" {
			data["phoneNumber"] = ev.PhoneNumber
		}
	case events.TypeDisconnected:
		eventName = "status_change"
		data["status"] = "disconnected"
	default:
		return
	}

	sink, ok := d.Get(ev.TenantID)
	if !ok || !sink.Active || !sink.Subscribes(model.WebhookEventStatus) {
		return
	}

	payload := model.WebhookPayload{
		Event:     eventName,
		Timestamp: time.Now().UnixMilli(),
		TenantID:  ev.TenantID,
		Data:      data,
	}

	success, elapsed, _ := d.deliver(ctx, sink, payload)
	d.recordOutcome(ev.TenantID, success, elapsed)

	d.mu.Lock()
	d.touchSinkLocked(sink, success)
	d.mu.Unlock()
}

// Close tears down the fanout subscription and sweep goroutines.
func (d *Dispatcher) Close() {
	d.cancelFanout()
	close(d.stopSweep)
}

func (d *Dispatcher) sweepLoop() {
	dedupTicker := time.NewTicker(config.WebhookDedupSweep)
	statsTicker := time.NewTicker(config.WebhookStatsSweep)
	defer dedupTicker.Stop()
	defer statsTicker.Stop()

	for {
		select {
		case <-d.stopSweep:
			return
		case <-dedupTicker.C:
			d.sweepDedup()
		case <-statsTicker.C:
			d.sweepStats()
		}
	}
}

func (d *Dispatcher) sweepDedup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := time.Now().Add(-config.WebhookDedupWindow)
	for key, at := range d.dedup {
		if at.Before(cutoff) {
			delete(d.dedup, key)
		}
	}
}

func (d *Dispatcher) sweepStats() {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := time.Now().Add(-config.WebhookStatsIdleTTL)
	for tenantID, stats := range d.stats {
		if stats.LastActivity.Before(cutoff) {
			delete(d.stats, tenantID)
		}
	}
}
