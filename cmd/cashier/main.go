// Package main starts the cashier lane agent and handles termination.
//
// The cashier process owns the shared basket: it applies operator intents
// locally, relays them through the hub, and arbitrates menu focus with
// the lane display.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	cashiercmd "github.com/ordertech/lanesync/internal/cmd/cashier"
)

func main() {
	cfg, err := cashiercmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[CASHIER] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cashiercmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to run: %v", err)
	}
}
