// Package main starts the display lane agent and handles termination.
//
// The display mirrors the cashier's session and, when the cashier becomes
// unreachable, flips to local-authoritative mode: it keeps taking orders,
// queues them durably, and replays them once the lane reconnects.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	displaycmd "github.com/ordertech/lanesync/internal/cmd/display"
)

func main() {
	cfg, err := displaycmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[DISPLAY] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := displaycmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to run: %v", err)
	}
}
