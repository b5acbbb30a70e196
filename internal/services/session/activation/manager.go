// Package activation manages the device credential and the grace window
// that keeps a lane operating through transient auth outages.
//
// A single rejected manifest check must not kill a live drive-thru lane:
// hub deploys and clock skew have both produced false 401s. The credential
// is therefore cleared only when validation has failed repeatedly AND the
// last confirmed success is older than the grace window.
package activation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ordertech/lanesync/internal/services/session/storage"
)

const (
	// GraceWindow is how long past the last confirmed validation the
	// credential is kept despite auth failures.
	GraceWindow = 72 * time.Hour

	// AuthFailureThreshold is the minimum run of consecutive auth
	// failures required before the credential may be cleared.
	AuthFailureThreshold = 3
)

// Manager owns the durable activation record for one device.
type Manager struct {
	store    storage.ActivationStore
	deviceID string

	mu     sync.Mutex
	now    func() time.Time
	record storage.ActivationRecord
	held   bool
}

// NewManager creates a manager for the device. Call Load before use.
func NewManager(store storage.ActivationStore, deviceID string) *Manager {
	return &Manager{store: store, deviceID: deviceID, now: time.Now}
}

// Load reads the persisted record. A missing record leaves the manager
// without a credential.
func (m *Manager) Load(ctx context.Context) error {
	record, err := m.store.GetActivation(ctx, m.deviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load activation: %w", err)
	}
	m.mu.Lock()
	m.record = record
	m.held = record.Token != ""
	m.mu.Unlock()
	return nil
}

// HasCredential reports whether a token is currently held.
func (m *Manager) HasCredential() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

// Token returns the held token, empty when none.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held {
		return ""
	}
	return m.record.Token
}

// TenantID returns the tenant the credential belongs to.
func (m *Manager) TenantID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record.TenantID
}

// SetCredential stores a fresh credential and resets all failure state.
func (m *Manager) SetCredential(ctx context.Context, token, tenantID string) error {
	m.mu.Lock()
	m.record = storage.ActivationRecord{
		DeviceID:      m.deviceID,
		Token:         token,
		TenantID:      tenantID,
		LastSuccessAt: m.now(),
	}
	m.held = token != ""
	record := m.record
	m.mu.Unlock()

	if err := m.store.SaveActivation(ctx, record); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	return nil
}

// RecordSuccess marks a confirmed validation: failure counters reset and
// the grace window restarts from now.
func (m *Manager) RecordSuccess(ctx context.Context) error {
	m.mu.Lock()
	m.record.LastSuccessAt = m.now()
	m.record.AuthFailures = 0
	m.record.NetworkFailures = 0
	record := m.record
	m.mu.Unlock()

	if err := m.store.SaveActivation(ctx, record); err != nil {
		return fmt.Errorf("persist validation success: %w", err)
	}
	return nil
}

// RecordAuthFailure counts one rejected validation and reports whether the
// credential was cleared as a result.
func (m *Manager) RecordAuthFailure(ctx context.Context) (bool, error) {
	m.mu.Lock()
	m.record.AuthFailures++
	m.record.NetworkFailures = 0
	withinGrace := m.now().Before(m.record.LastSuccessAt.Add(GraceWindow))
	clear := !withinGrace && m.record.AuthFailures >= AuthFailureThreshold
	record := m.record
	failures := m.record.AuthFailures
	m.mu.Unlock()

	if clear {
		log.Printf("activation: %d consecutive auth failures past grace, clearing credential", failures)
		return true, m.ForceClear(ctx)
	}
	if err := m.store.SaveActivation(ctx, record); err != nil {
		return false, fmt.Errorf("persist auth failure: %w", err)
	}
	return false, nil
}

// RecordNetworkFailure counts one unreachable validation. Network failures
// never clear the credential; they only break the auth-failure run.
func (m *Manager) RecordNetworkFailure(ctx context.Context) error {
	m.mu.Lock()
	m.record.NetworkFailures++
	m.record.AuthFailures = 0
	record := m.record
	m.mu.Unlock()

	if err := m.store.SaveActivation(ctx, record); err != nil {
		return fmt.Errorf("persist network failure: %w", err)
	}
	return nil
}

// ForceClear drops the credential unconditionally. Used for
// device:deactivate and device:revoke, which carry no grace.
func (m *Manager) ForceClear(ctx context.Context) error {
	m.mu.Lock()
	m.record = storage.ActivationRecord{DeviceID: m.deviceID}
	m.held = false
	m.mu.Unlock()

	if err := m.store.DeleteActivation(ctx, m.deviceID); err != nil {
		return fmt.Errorf("clear activation: %w", err)
	}
	return nil
}
