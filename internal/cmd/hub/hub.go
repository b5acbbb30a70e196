// Package hub parses hub command flags and composes the hub entrypoint.
package hub

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/ordertech/lanesync/internal/platform/cmd"
	server "github.com/ordertech/lanesync/internal/services/hub/app"
)

// Config holds hub command configuration.
type Config struct {
	HTTPAddr        string        `env:"LANESYNC_HUB_HTTP_ADDR"        envDefault:":8080"`
	JWTSecret       string        `env:"LANESYNC_HUB_JWT_SECRET"`
	RequireAuth     bool          `env:"LANESYNC_HUB_REQUIRE_AUTH"     envDefault:"false"`
	ShutdownTimeout time.Duration `env:"LANESYNC_HUB_SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "hub HTTP listen address")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "device token signing secret")
	fs.BoolVar(&cfg.RequireAuth, "require-auth", cfg.RequireAuth, "reject requests without a valid device token")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown timeout")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the hub app and serves until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceHub, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:        cfg.HTTPAddr,
			JWTSecret:       cfg.JWTSecret,
			RequireAuth:     cfg.RequireAuth,
			ShutdownTimeout: cfg.ShutdownTimeout,
		}); err != nil {
			return fmt.Errorf("serve hub: %w", err)
		}
		return nil
	})
}
