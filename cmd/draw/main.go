// Package main starts the draw real-time service and handles termination.
//
// The process is a transport adapter around draw coordination: stakeholder
// membership, commit/reveal event relay, and winner consensus. The
// cryptographic commit/reveal computation itself stays client-side.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	drawcmd "github.com/fairdraw/fairdraw/internal/cmd/draw"
)

func main() {
	cfg, err := drawcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[DRAW] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := drawcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
