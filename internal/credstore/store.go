// Package credstore persists per-tenant upstream credential bundles to the
// filesystem, as described by spec §4.1 (Credential Store).
package credstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/tenantrelay/chatgateway/internal/model"
)

const bundleFileName = "credentials.bin"

// Store persists opaque credential bundles under <baseDir>/<tenantId>/.
// When an encryption key is configured, bundles are wrapped with AES-256-GCM
// before hitting disk and unwrapped transparently on Load.
type Store struct {
	baseDir       string
	encryptionKey string
}

// New creates the base session directory if it does not already exist.
// Per spec §4.1, failure here is fatal at process start: it blocks every
// tenant, so the caller should treat a non-nil error as unrecoverable.
func New(baseDir, encryptionKeyHex string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("credstore: create base dir %q: %w", baseDir, err)
	}
	return &Store{baseDir: baseDir, encryptionKey: encryptionKeyHex}, nil
}

func (s *Store) tenantDir(tenantID string) (string, error) {
	if !model.ValidTenantID(tenantID) {
		return "", fmt.Errorf("credstore: invalid tenant id %q", tenantID)
	}
	return filepath.Join(s.baseDir, tenantID), nil
}

// Load returns the persisted bundle for tenantID, or (nil, nil) when none
// has ever been saved.
func (s *Store) Load(tenantID string) ([]byte, error) {
	dir, err := s.tenantDir(tenantID)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(filepath.Join(dir, bundleFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("credstore: read bundle for %s: %w", tenantID, err)
	}

	if s.encryptionKey == "" {
		return raw, nil
	}

	plain, err := decryptBundle(s.encryptionKey, tenantID, string(raw))
	if err != nil {
		return nil, fmt.Errorf("credstore: decrypt bundle for %s: %w", tenantID, err)
	}
	return plain, nil
}

// Save persists bundle via write-temp-then-rename so a crash mid-write never
// leaves a corrupt bundle on disk (spec §4.1).
func (s *Store) Save(tenantID string, bundle []byte) error {
	dir, err := s.tenantDir(tenantID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("credstore: create tenant dir for %s: %w", tenantID, err)
	}

	payload := bundle
	if s.encryptionKey != "" {
		cipherText, err := encryptBundle(s.encryptionKey, tenantID, bundle)
		if err != nil {
			return fmt.Errorf("credstore: encrypt bundle for %s: %w", tenantID, err)
		}
		payload = []byte(cipherText)
	}

	dest := filepath.Join(dir, bundleFileName)
	tmp := dest + ".tmp"

	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("credstore: write temp bundle for %s: %w", tenantID, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("credstore: rename bundle for %s: %w", tenantID, err)
	}

	log.Debug().Str("tenantId", tenantID).Int("bytes", len(bundle)).Msg("credential bundle saved")
	return nil
}

// Purge removes the tenant's entire credential directory, recursively and
// idempotently (spec §4.1).
func (s *Store) Purge(tenantID string) error {
	dir, err := s.tenantDir(tenantID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("credstore: purge %s: %w", tenantID, err)
	}
	log.Info().Str("tenantId", tenantID).Msg("credential bundle purged")
	return nil
}
