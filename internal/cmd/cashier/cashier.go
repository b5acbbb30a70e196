// Package cashier parses cashier command flags and composes the cashier
// lane agent: the register-side device that owns the basket.
package cashier

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
	"github.com/ordertech/lanesync/internal/services/session/rtc"
	"github.com/ordertech/lanesync/internal/services/session/storage/sqlite"
)

// Config holds cashier command configuration.
type Config struct {
	HubWSURL   string `env:"LANESYNC_HUB_WS_URL"    envDefault:"ws://localhost:8080/ws"`
	HubBaseURL string `env:"LANESYNC_HUB_BASE_URL"  envDefault:"http://localhost:8080"`
	DeviceID   string `env:"LANESYNC_DEVICE_ID"     envDefault:"cashier-1"`
	DeviceName string `env:"LANESYNC_DEVICE_NAME"   envDefault:"Till 1"`
	LaneID     string `env:"LANESYNC_LANE_ID"       envDefault:"lane-1"`
	Token      string `env:"LANESYNC_DEVICE_TOKEN"`
	DBPath     string `env:"LANESYNC_DB_PATH"       envDefault:"cashier.db"`
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
	fs.StringVar(&cfg.DeviceName, "device-name", cfg.DeviceName, "operator-facing device name")
	fs.StringVar(&cfg.LaneID, "lane-id", cfg.LaneID, "lane basket identifier")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "activation token, overrides the stored credential")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "sqlite database path")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the cashier agent and drives it until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceCashier, func(context.Context) error {
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

		signals := rtc.NewHTTPSignalClient(cfg.HubBaseURL, manager.Token)
		lane, err := agent.New(agent.Config{
			Role:       protocol.RoleCashier,
			DeviceID:   cfg.DeviceID,
			Name:       cfg.DeviceName,
			BasketID:   cfg.LaneID,
			HubURL:     cfg.HubWSURL,
			Token:      manager.Token,
			Providers:  []rtc.Provider{rtc.NewP2PProvider(signals, protocol.RoleCashier)},
			Activation: manager,
		})
		if err != nil {
			return fmt.Errorf("compose agent: %w", err)
		}

		if err := lane.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("run cashier agent: %w", err)
		}
		return nil
	})
}

// validateManifest checks the stored credential against the hub once at
// startup. Failures feed the grace window instead of aborting: a register
// must boot into offline mode when the backend is down.
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
