package model

import "time"

// SessionStatus is the state-machine position of a tenant's upstream
// connection, as defined by spec §4.4.
type SessionStatus string

const (
	SessionStatusDisconnected SessionStatus = "disconnected"
	SessionStatusConnecting   SessionStatus = "connecting"
	SessionStatusQR           SessionStatus = "qr"
	SessionStatusConnected    SessionStatus = "connected"
)

// Session is the process-local view of a tenant's single upstream
// connection. Exactly one exists per tenant at a time (invariant I1).
type Session struct {
	TenantID          string
	SessionID         string
	Status            SessionStatus
	PairingArtifact   []byte
	PairingUpdatedAt  time.Time
	PhoneNumber       string
	DisplayName       string
	LastActivity      time.Time
	ReconnectAttempts int
	ConnectedAt       time.Time
}

// StatusSnapshot is the read-only copy of a Session handed out across the
// mutex boundary to callers (HTTP handlers, pairing service timers).
type StatusSnapshot struct {
	TenantID           string
	SessionID          string
	Status             SessionStatus
	Connected          bool
	PhoneNumber        string
	DisplayName        string
	HasPairingArtifact bool
	PairingArtifact    []byte
	PairingUpdatedAt   time.Time
	LastActivity       time.Time
	ReconnectAttempts  int
}
