// Package display parses display command flags and composes the display
// lane agent: the customer-facing device that mirrors the session and
// keeps selling on its own when the cashier is unreachable.
package display

import (
	"context"
	"flag"
	"fmt"
	"log"

	entrypoint "github.com/ordertech/lanesync/internal/platform/cmd"
	platformerrors "github.com/ordertech/lanesync/internal/platform/errors"
	"github.com/ordertech/lanesync/internal/protocol"
	"github.com/ordertech/lanesync/internal/services/session/activation"
	agent "github.com/ordertech/lanesync/internal/services/session/app"
	"github.com/ordertech/lanesync/internal/services/session/catalog"
	"github.com/ordertech/lanesync/internal/services/session/localmode"
	"github.com/ordertech/lanesync/internal/services/session/presence"
	"github.com/ordertech/lanesync/internal/services/session/rtc"
	"github.com/ordertech/lanesync/internal/services/session/storage/sqlite"
)

// Config holds display command configuration.
type Config struct {
	HubWSURL   string `env:"LANESYNC_HUB_WS_URL"    envDefault:"ws://localhost:8080/ws"`
	HubBaseURL string `env:"LANESYNC_HUB_BASE_URL"  envDefault:"http://localhost:8080"`
	DeviceID   string `env:"LANESYNC_DEVICE_ID"     envDefault:"display-1"`
	DeviceName string `env:"LANESYNC_DEVICE_NAME"   envDefault:"Lane 1"`
	LaneID     string `env:"LANESYNC_LANE_ID"       envDefault:"lane-1"`
	Token      string `env:"LANESYNC_DEVICE_TOKEN"`
	DBPath     string `env:"LANESYNC_DB_PATH"       envDefault:"display.db"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HubWSURL, "hub-ws-url", cfg.HubWSURL, "hub WebSocket endpoint")
	fs.StringVar(&cfg.HubBaseURL, "hub-base-url", cfg.HubBaseURL, "hub REST base URL")
	fs.StringVar(&cfg.DeviceID, "device-id", cfg.DeviceID, "stable device identifier")
	fs.StringVar(&cfg.DeviceName, "device-name", cfg.DeviceName, "customer-facing lane name")
	fs.StringVar(&cfg.LaneID, "lane-id", cfg.LaneID, "lane basket identifier")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "activation token, overrides the stored credential")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "sqlite database path")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the display agent and drives it until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceDisplay, func(context.Context) error {
		store, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		manager := activation.NewManager(store, cfg.DeviceID)
		if err := manager.Load(ctx); err != nil {
			return fmt.Errorf("load activation: %w", err)
		}
		if cfg.Token != "" {
			if err := manager.SetCredential(ctx, cfg.Token, ""); err != nil {
				return fmt.Errorf("store credential: %w", err)
			}
		}
		validateManifest(ctx, cfg.HubBaseURL, manager)

		presenceClient := presence.NewClient(cfg.HubBaseURL, manager.Token)
		record := presence.Record{
			DeviceID:    cfg.DeviceID,
			Role:        protocol.RoleDisplay,
			DisplayName: cfg.DeviceName,
		}
		announce := func(ctx context.Context) error {
			return presenceClient.Announce(ctx, record)
		}

		heartbeat := presence.New(presence.Config{
			Announce:      announce,
			HasCredential: manager.HasCredential,
			OnAuthFailure: func() {
				if err := manager.ForceClear(context.Background()); err != nil {
					log.Printf("clear rejected credential: %v", err)
				}
			},
		})
		go func() {
			if err := heartbeat.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("presence heartbeat stopped: %v", err)
			}
		}()

		signals := rtc.NewHTTPSignalClient(cfg.HubBaseURL, manager.Token)
		lane, err := agent.New(agent.Config{
			Role:             protocol.RoleDisplay,
			DeviceID:         cfg.DeviceID,
			Name:             cfg.DeviceName,
			BasketID:         cfg.LaneID,
			HubURL:           cfg.HubWSURL,
			Token:            manager.Token,
			Providers:        []rtc.Provider{rtc.NewP2PProvider(signals, protocol.RoleDisplay)},
			AnnouncePresence: announce,
			Activation:       manager,
			Catalog:          catalog.NewClient(cfg.HubBaseURL, manager.Token, 0),
			Baskets:          store,
			Orders:           store,
			Sequences:        store,
			Submit:           localmode.NewOrderClient(cfg.HubBaseURL, manager.Token),
		})
		if err != nil {
			return fmt.Errorf("compose agent: %w", err)
		}

		if err := lane.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("run display agent: %w", err)
		}
		return nil
	})
}

// validateManifest checks the stored credential against the hub once at
// startup, feeding failures into the activation grace window.
func validateManifest(ctx context.Context, baseURL string, manager *activation.Manager) {
	if !manager.HasCredential() {
		return
	}
	manifest, err := activation.NewManifestClient(baseURL).Validate(ctx, manager.Token())
	if err != nil {
		if platformerrors.KindOf(err) != platformerrors.KindAuth {
			if recordErr := manager.RecordNetworkFailure(ctx); recordErr != nil {
				log.Printf("record manifest network failure: %v", recordErr)
			}
			log.Printf("manifest validation unreachable, keeping credential: %v", err)
			return
		}
		if cleared, recordErr := manager.RecordAuthFailure(ctx); recordErr != nil {
			log.Printf("record manifest failure: %v", recordErr)
		} else if cleared {
			log.Printf("credential cleared after repeated rejections: %v", err)
		} else {
			log.Printf("manifest rejected, keeping credential within grace: %v", err)
		}
		return
	}
	if err := manager.SetCredential(ctx, manager.Token(), manifest.TenantID); err != nil {
		log.Printf("record manifest success: %v", err)
	}
}
