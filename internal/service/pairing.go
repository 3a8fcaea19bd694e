package service

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tenantrelay/chatgateway/internal/config"
	"github.com/tenantrelay/chatgateway/internal/model"
)

// StatusSource is how the Pairing-Code Service observes a tenant's Session
// Manager without owning it (spec §2: "Pairing-Code Service polls Session
// Manager status"). The Session Registry implements this.
type StatusSource interface {
	Status(tenantID string) (model.StatusSnapshot, bool)
}

// PairingService keeps a pairing artifact available to callers for the
// full pairing window, regenerating as needed (spec §4.3).
type PairingService struct {
	source StatusSource

	mu       sync.Mutex
	trackers map[string]*model.PairingTracker

	stopSweep chan struct{}
}

// NewPairingService starts the idle cleanup sweep immediately.
func NewPairingService(source StatusSource) *PairingService {
	p := &PairingService{
		source:    source,
		trackers:  make(map[string]*model.PairingTracker),
		stopSweep: make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Start creates a tracker for tenantID (or returns the existing one) and
// waits up to config.PairingStartWait for the Session Manager to reach
// `qr` with a first artifact.
func (p *PairingService) Start(tenantID string) []byte {
	p.mu.Lock()
	tracker, ok := p.trackers[tenantID]
	if !ok {
		tracker = &model.PairingTracker{TenantID: tenantID, Status: model.PairingTrackerGenerating}
		p.trackers[tenantID] = tracker
	}
	p.mu.Unlock()

	deadline := time.Now().Add(config.PairingStartWait)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		snap, found := p.source.Status(tenantID)
		if found {
			if snap.Status == model.SessionStatusConnected {
				p.MarkConnected(tenantID)
				return nil
			}
			if snap.Status == model.SessionStatusQR && snap.HasPairingArtifact {
				p.mu.Lock()
				tracker.Artifact = snap.PairingArtifact
				tracker.LastGenerated = snap.PairingUpdatedAt
				if tracker.LastGenerated.IsZero() {
					tracker.LastGenerated = time.Now()
				}
				tracker.Status = model.PairingTrackerAvailable
				p.mu.Unlock()
				return snap.PairingArtifact
			}
		}

		if time.Now().After(deadline) {
			return nil
		}
		<-ticker.C
	}
}

// Current returns the cached artifact for tenantID. If the artifact has
// aged past its lifetime and the tenant is not connected, a regeneration
// check runs asynchronously while the (possibly stale) cached value is
// returned immediately (spec §4.3).
func (p *PairingService) Current(tenantID string) []byte {
	p.mu.Lock()
	tracker, ok := p.trackers[tenantID]
	if !ok || tracker.Status == model.PairingTrackerConnected {
		p.mu.Unlock()
		return nil
	}
	artifact := tracker.Artifact
	stale := time.Since(tracker.LastGenerated) > config.PairingArtifactLifetime
	p.mu.Unlock()

	if stale {
		go p.regenerate(tenantID)
	}
	return artifact
}

// MarkConnected clears the tracker's artifact and removes it from the
// sweep set, since a connected tenant has no pairing artifact (invariant
// I2) and needs no further regeneration timers.
func (p *PairingService) MarkConnected(tenantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.trackers, tenantID)
}

// Stop fully tears down tenantID's tracker.
func (p *PairingService) Stop(tenantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.trackers, tenantID)
}

// Close stops the idle sweep goroutine.
func (p *PairingService) Close() {
	close(p.stopSweep)
}

func (p *PairingService) regenerate(tenantID string) {
	p.mu.Lock()
	tracker, ok := p.trackers[tenantID]
	if !ok {
		p.mu.Unlock()
		return
	}
	if tracker.RegenerationCount >= config.PairingMaxRegenerations {
		tracker.Status = model.PairingTrackerExpired
		p.mu.Unlock()
		log.Warn().Str("tenantId", tenantID).Msg("pairing max regenerations reached; explicit restart required")
		return
	}
	tracker.RegenerationCount++
	p.mu.Unlock()

	snap, found := p.source.Status(tenantID)
	if !found {
		return
	}
	if snap.Status == model.SessionStatusConnected {
		p.MarkConnected(tenantID)
		return
	}
	if snap.Status != model.SessionStatusQR || !snap.HasPairingArtifact {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	tracker, ok = p.trackers[tenantID]
	if !ok {
		return
	}
	if snap.PairingUpdatedAt.After(tracker.LastGenerated) {
		tracker.Artifact = snap.PairingArtifact
		tracker.LastGenerated = snap.PairingUpdatedAt
		tracker.Status = model.PairingTrackerAvailable
	} else if time.Since(tracker.LastGenerated) > config.PairingArtifactLifetime {
		tracker.Status = model.PairingTrackerExpired
	}
}

func (p *PairingService) sweepLoop() {
	ticker := time.NewTicker(config.PairingIdleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *PairingService) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for tenantID, tracker := range p.trackers {
		if tracker.Status == model.PairingTrackerConnected {
			continue
		}
		if now.Sub(tracker.LastGenerated) > config.PairingIdleExpiry {
			delete(p.trackers, tenantID)
			log.Debug().Str("tenantId", tenantID).Msg("pairing tracker dropped by idle sweep")
		}
	}
}
