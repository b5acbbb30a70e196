package presence

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	platformerrors "github.com/ordertech/lanesync/internal/platform/errors"
)

func TestBackoffOnTransportFailure(t *testing.T) {
	h := New(Config{
		Announce: func(context.Context) error {
			return platformerrors.Classify(platformerrors.KindTransport, fmt.Errorf("boom"))
		},
		Floor:   10 * time.Second,
		Ceiling: 120 * time.Second,
	})

	want := []time.Duration{20 * time.Second, 40 * time.Second, 80 * time.Second, 120 * time.Second, 120 * time.Second}
	for i, expected := range want {
		h.Tick(context.Background())
		if got := h.Interval(); got != expected {
			t.Fatalf("tick %d: expected interval %s, got %s", i, expected, got)
		}
	}
}

func TestDecayTowardFloorOnSuccess(t *testing.T) {
	fail := true
	h := New(Config{
		Announce: func(context.Context) error {
			if fail {
				return fmt.Errorf("boom")
			}
			return nil
		},
		Floor:   10 * time.Second,
		Ceiling: 120 * time.Second,
	})

	for i := 0; i < 4; i++ {
		h.Tick(context.Background())
	}
	if h.Interval() != 120*time.Second {
		t.Fatalf("expected ceiling, got %s", h.Interval())
	}

	fail = false
	h.Tick(context.Background())
	if h.Interval() != 60*time.Second {
		t.Fatalf("expected decay to 60s, got %s", h.Interval())
	}
	for i := 0; i < 5; i++ {
		h.Tick(context.Background())
	}
	if h.Interval() != 10*time.Second {
		t.Fatalf("expected floor, got %s", h.Interval())
	}
}

func TestAuthFailureClearsCredentialImmediately(t *testing.T) {
	cleared := false
	h := New(Config{
		Announce: func(context.Context) error {
			return platformerrors.Classify(platformerrors.KindAuth, fmt.Errorf("401"))
		},
		OnAuthFailure: func() { cleared = true },
	})

	h.Tick(context.Background())
	if !cleared {
		t.Fatal("expected credential clear on auth failure")
	}
	if h.Interval() != FloorInterval {
		t.Fatalf("expected floor after auth failure, got %s", h.Interval())
	}
}

func TestRunPausesWithoutCredential(t *testing.T) {
	announced := 0
	h := New(Config{
		Announce:      func(context.Context) error { announced++; return nil },
		HasCredential: func() bool { return false },
		Floor:         time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	h.Run(ctx)

	if announced != 0 {
		t.Fatalf("expected no announcements without credential, got %d", announced)
	}
}

func TestRunResumesPromptlyAfterCredentialAppears(t *testing.T) {
	var mu sync.Mutex
	has := false
	announced := make(chan struct{}, 1)
	h := New(Config{
		Announce: func(context.Context) error {
			select {
			case announced <- struct{}{}:
			default:
			}
			return nil
		},
		HasCredential: func() bool {
			mu.Lock()
			defer mu.Unlock()
			return has
		},
		Floor: 200 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	has = true
	mu.Unlock()

	// The idle recheck runs at a fraction of the floor, so the first
	// announce must land well before a full floor interval elapses.
	select {
	case <-announced:
	case <-time.After(150 * time.Millisecond):
		t.Fatal("announce did not resume before a full floor interval")
	}
}

func TestClientFallsBackToDeviceTokenHeader(t *testing.T) {
	var sawDeviceHeader bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-device-token") == "tok" {
			sawDeviceHeader = true
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, func() string { return "tok" })
	err := c.Announce(context.Background(), Record{DeviceID: "dev-1", Role: "display"})
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if !sawDeviceHeader {
		t.Fatal("expected fallback to x-device-token header")
	}
}

func TestClientReportsAuthKindWhenAllVariantsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, func() string { return "tok" })
	err := c.Announce(context.Background(), Record{DeviceID: "dev-1", Role: "display"})
	if err == nil {
		t.Fatal("expected error")
	}
	if platformerrors.KindOf(err) != platformerrors.KindAuth {
		t.Fatalf("expected auth kind, got %v", platformerrors.KindOf(err))
	}
}

func TestClientReportsTransportKindOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, func() string { return "tok" })
	err := c.Announce(context.Background(), Record{DeviceID: "dev-1", Role: "display"})
	if platformerrors.KindOf(err) != platformerrors.KindTransport {
		t.Fatalf("expected transport kind, got %v", platformerrors.KindOf(err))
	}
}
