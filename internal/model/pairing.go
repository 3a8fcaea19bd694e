package model

import "time"

// PairingTrackerStatus is the per-tenant pairing-artifact lifecycle state
// (spec §4.3). It is distinct from SessionStatus: a tracker exists only
// while the session is mid-pairing.
type PairingTrackerStatus string

const (
	PairingTrackerGenerating PairingTrackerStatus = "generating"
	PairingTrackerAvailable  PairingTrackerStatus = "available"
	PairingTrackerExpired    PairingTrackerStatus = "expired"
	PairingTrackerConnected  PairingTrackerStatus = "connected"
)

// PairingTracker is held by the Pairing-Code Service for one tenant while
// the QR/pairing window is open.
type PairingTracker struct {
	TenantID          string
	Artifact          []byte
	LastGenerated     time.Time
	RegenerationCount int
	Status            PairingTrackerStatus
}
