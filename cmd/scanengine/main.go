// Package main hosts the scan engine service entrypoint.
//
// The process loads configuration (flag -config, SCANENGINE_* env overrides),
// builds the engine via internal/server and runs it until SIGINT or SIGTERM.
// Shutdown stops intake, lets workers requeue or finish in-flight tasks, then
// closes the browser pool, stores and clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/JakeFAU/scan-engine/internal/config"
	"github.com/JakeFAU/scan-engine/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build failed: %v\n", err)
		os.Exit(1)
	}
	if err := app.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		os.Exit(1)
	}
}
