package config

import "time"

// Pairing-Code Service policy constants (spec §4.3, authoritative values).
const (
	PairingArtifactLifetime  = 45 * time.Second
	PairingRegenerationProbe = 30 * time.Second
	PairingMaxRegenerations  = 10
	PairingStartWait         = 30 * time.Second
	PairingIdleSweepInterval = 5 * time.Minute
	PairingIdleExpiry        = 3 * PairingArtifactLifetime
)

// Session Manager reconnect policy (spec §4.4).
const (
	ReconnectBaseDelay = 5 * time.Second
	ReconnectMaxDelay  = 30 * time.Second
)

// Webhook Dispatcher policy (spec §4.5).
const (
	WebhookTimeout        = 8 * time.Second
	WebhookMaxRedirects   = 2
	WebhookMaxRetries     = 2
	WebhookRetryBaseDelay = 1 * time.Second
	WebhookRetryMaxDelay  = 5 * time.Second
	WebhookMaxErrorCount  = 10
	WebhookDedupWindow    = 10 * time.Minute
	WebhookDedupSweep     = 2 * time.Minute
	WebhookStatsIdleTTL   = 24 * time.Hour
	WebhookStatsSweep     = 1 * time.Hour
)

// Session Registry idle cleanup (spec §4.6).
const (
	RegistryIdleSweepInterval = 30 * time.Minute
	RegistryIdleExpiry        = 60 * time.Minute
)

// Media fetch timeout, left unbound in the source per spec §5 and bounded
// here as directed.
const MediaFetchTimeout = 30 * time.Second

// Adapter connect/query timeouts (spec §5).
const AdapterDefaultQueryTimeout = 60 * time.Second

// HTTP server timeouts, in the teacher's ambient style.
const (
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
	ServerRequestTimeout  = 60 * time.Second
)

// MaxPollTimeout bounds the long-poll status endpoint (spec §6.1).
const MaxPollTimeout = 60 * time.Second

const DefaultRateLimitPerMin = 60

// BulkSendDefaultDelay separates consecutive sends in a bulk request
// unless the item overrides it (spec §6.1, S6).
const BulkSendDefaultDelay = 2 * time.Second
