package activation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	platformerrors "github.com/ordertech/lanesync/internal/platform/errors"
	"github.com/ordertech/lanesync/internal/services/session/storage"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]storage.ActivationRecord
}

func newMemStore() *memStore {
	return &memStore{records: map[string]storage.ActivationRecord{}}
}

func (s *memStore) SaveActivation(_ context.Context, record storage.ActivationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.DeviceID] = record
	return nil
}

func (s *memStore) GetActivation(_ context.Context, deviceID string) (storage.ActivationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[deviceID]
	if !ok {
		return storage.ActivationRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (s *memStore) DeleteActivation(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, deviceID)
	return nil
}

func newTestManager(t *testing.T, now *time.Time) (*Manager, *memStore) {
	t.Helper()
	store := newMemStore()
	m := NewManager(store, "dev-1")
	m.now = func() time.Time { return *now }
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return m, store
}

func TestAuthFailuresWithinGraceKeepCredential(t *testing.T) {
	now := time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, &now)
	if err := m.SetCredential(context.Background(), "tok", "tenant-1"); err != nil {
		t.Fatalf("set credential: %v", err)
	}

	now = now.Add(24 * time.Hour)
	for i := 0; i < 5; i++ {
		cleared, err := m.RecordAuthFailure(context.Background())
		if err != nil {
			t.Fatalf("record auth failure: %v", err)
		}
		if cleared {
			t.Fatal("expected credential kept inside grace window")
		}
	}
	if !m.HasCredential() {
		t.Fatal("expected credential still held")
	}
}

func TestCredentialClearedPastGraceAfterThreshold(t *testing.T) {
	now := time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC)
	m, store := newTestManager(t, &now)
	if err := m.SetCredential(context.Background(), "tok", "tenant-1"); err != nil {
		t.Fatalf("set credential: %v", err)
	}

	now = now.Add(GraceWindow + time.Hour)
	for i := 0; i < AuthFailureThreshold-1; i++ {
		cleared, err := m.RecordAuthFailure(context.Background())
		if err != nil {
			t.Fatalf("record auth failure: %v", err)
		}
		if cleared {
			t.Fatalf("cleared after %d failures, threshold is %d", i+1, AuthFailureThreshold)
		}
	}
	cleared, err := m.RecordAuthFailure(context.Background())
	if err != nil {
		t.Fatalf("record auth failure at threshold: %v", err)
	}
	if !cleared {
		t.Fatal("expected credential cleared at threshold past grace")
	}
	if m.HasCredential() {
		t.Fatal("expected no credential held")
	}
	if _, err := store.GetActivation(context.Background(), "dev-1"); err != storage.ErrNotFound {
		t.Fatalf("expected record deleted, got %v", err)
	}
}

func TestNetworkFailureBreaksAuthFailureRun(t *testing.T) {
	now := time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, &now)
	if err := m.SetCredential(context.Background(), "tok", "tenant-1"); err != nil {
		t.Fatalf("set credential: %v", err)
	}

	now = now.Add(GraceWindow + time.Hour)
	for i := 0; i < AuthFailureThreshold-1; i++ {
		if _, err := m.RecordAuthFailure(context.Background()); err != nil {
			t.Fatalf("record auth failure: %v", err)
		}
	}
	if err := m.RecordNetworkFailure(context.Background()); err != nil {
		t.Fatalf("record network failure: %v", err)
	}
	cleared, err := m.RecordAuthFailure(context.Background())
	if err != nil {
		t.Fatalf("record auth failure after network failure: %v", err)
	}
	if cleared {
		t.Fatal("expected network failure to reset the auth-failure run")
	}
}

func TestSuccessExtendsGrace(t *testing.T) {
	now := time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, &now)
	if err := m.SetCredential(context.Background(), "tok", "tenant-1"); err != nil {
		t.Fatalf("set credential: %v", err)
	}

	now = now.Add(GraceWindow - time.Hour)
	if err := m.RecordSuccess(context.Background()); err != nil {
		t.Fatalf("record success: %v", err)
	}

	now = now.Add(GraceWindow - time.Hour)
	cleared, err := m.RecordAuthFailure(context.Background())
	if err != nil {
		t.Fatalf("record auth failure: %v", err)
	}
	if cleared {
		t.Fatal("expected extended grace window to keep credential")
	}
}

func TestForceClearIgnoresGrace(t *testing.T) {
	now := time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, &now)
	if err := m.SetCredential(context.Background(), "tok", "tenant-1"); err != nil {
		t.Fatalf("set credential: %v", err)
	}
	if err := m.ForceClear(context.Background()); err != nil {
		t.Fatalf("force clear: %v", err)
	}
	if m.HasCredential() {
		t.Fatal("expected credential dropped")
	}
}

func TestLoadRestoresPersistedCredential(t *testing.T) {
	now := time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	first := NewManager(store, "dev-1")
	first.now = func() time.Time { return now }
	if err := first.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := first.SetCredential(context.Background(), "tok", "tenant-1"); err != nil {
		t.Fatalf("set credential: %v", err)
	}

	second := NewManager(store, "dev-1")
	if err := second.Load(context.Background()); err != nil {
		t.Fatalf("load second: %v", err)
	}
	if second.Token() != "tok" || second.TenantID() != "tenant-1" {
		t.Fatalf("unexpected restored credential %q %q", second.Token(), second.TenantID())
	}
}

func TestManifestClientHeaderVariants(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-device-token") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"tenant_id":"tenant-1","name":"Main St"}`))
	}))
	defer srv.Close()

	c := NewManifestClient(srv.URL)
	manifest, err := c.Validate(context.Background(), "tok")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if manifest.TenantID != "tenant-1" {
		t.Fatalf("unexpected manifest %+v", manifest)
	}
}

func TestManifestClientAuthKindWhenRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewManifestClient(srv.URL)
	_, err := c.Validate(context.Background(), "tok")
	if platformerrors.KindOf(err) != platformerrors.KindAuth {
		t.Fatalf("expected auth kind, got %v", platformerrors.KindOf(err))
	}
}
