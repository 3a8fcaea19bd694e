package model

import "time"

// WebhookEventType enumerates what a WebhookSink can subscribe to (spec §3).
type WebhookEventType string

const (
	WebhookEventMessage WebhookEventType = "message"
	WebhookEventStatus  WebhookEventType = "status"
)

// WebhookSink is a tenant-owned HTTP endpoint registered to receive
// forwarded events. The design fixes one active sink per tenant;
// re-registration updates it in place (spec §4.5).
type WebhookSink struct {
	ID           string
	TenantID     string
	URL          string
	Secret       string
	Events       map[WebhookEventType]bool
	Active       bool
	SuccessCount int
	ErrorCount   int
	LastUsed     time.Time
	CreatedAt    time.Time
}

func (s *WebhookSink) Subscribes(event WebhookEventType) bool {
	if len(s.Events) == 0 {
		return true // default subscription is "everything" per spec §6.1 register (events optional)
	}
	return s.Events[event]
}

// WebhookStats is the moving-average delivery telemetry kept per tenant
// (spec §3 WebhookStats, §4.5 step 8).
type WebhookStats struct {
	TenantID          string
	TotalAttempts     int
	SuccessCount      int
	FailureCount      int
	AvgResponseTimeMs float64
	LastActivity      time.Time
}

func (s *WebhookStats) UptimePercent() float64 {
	if s.TotalAttempts == 0 {
		return 100
	}
	return 100 * float64(s.SuccessCount) / float64(s.TotalAttempts)
}

// RecordSuccess/RecordFailure keep a simple exponential moving average of
// response time, the same shape the teacher keeps for delivery latency.
const statsEmaAlpha = 0.2

func (s *WebhookStats) recordLatency(elapsedMs float64) {
	if s.TotalAttempts == 0 {
		s.AvgResponseTimeMs = elapsedMs
		return
	}
	s.AvgResponseTimeMs = statsEmaAlpha*elapsedMs + (1-statsEmaAlpha)*s.AvgResponseTimeMs
}

func (s *WebhookStats) RecordSuccess(elapsedMs float64, at time.Time) {
	s.TotalAttempts++
	s.SuccessCount++
	s.recordLatency(elapsedMs)
	s.LastActivity = at
}

func (s *WebhookStats) RecordFailure(elapsedMs float64, at time.Time) {
	s.TotalAttempts++
	s.FailureCount++
	s.recordLatency(elapsedMs)
	s.LastActivity = at
}

// WebhookPayload is the envelope forwarded to a tenant sink (spec §6.2).
// Timestamp is always unix milliseconds (spec §9 open question, resolved).
type WebhookPayload struct {
	Event     string         `json:"event"`
	Timestamp int64          `json:"timestamp"`
	TenantID  string         `json:"tenantId"`
	Data      map[string]any `json:"data"`
}
