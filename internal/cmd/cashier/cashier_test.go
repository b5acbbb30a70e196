package cashier

import (
	"flag"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("cashier", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HubWSURL != "ws://localhost:8080/ws" {
		t.Fatalf("expected default ws url, got %q", cfg.HubWSURL)
	}
	if cfg.LaneID != "lane-1" {
		t.Fatalf("expected default lane, got %q", cfg.LaneID)
	}
	if cfg.DBPath != "cashier.db" {
		t.Fatalf("expected default db path, got %q", cfg.DBPath)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("LANESYNC_DEVICE_ID", "env-device")
	t.Setenv("LANESYNC_LANE_ID", "env-lane")

	fs := flag.NewFlagSet("cashier", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-lane-id", "flag-lane", "-token", "flag-token"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.DeviceID != "env-device" {
		t.Fatalf("expected env device id, got %q", cfg.DeviceID)
	}
	if cfg.LaneID != "flag-lane" {
		t.Fatalf("expected flag lane, got %q", cfg.LaneID)
	}
	if cfg.Token != "flag-token" {
		t.Fatalf("expected flag token, got %q", cfg.Token)
	}
}
