// Package main starts the live session engine process lifecycle.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	livecmd "github.com/uzh-bf/klicker-live/internal/cmd/live"
)

func main() {
	cfg, err := livecmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[LIVE] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := livecmd.Run(ctx, cfg); err != nil {
		log.Fatalf("run live engine: %v", err)
	}
}
