package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"biotap/cmd"
	applog "biotap/internal/log"
	"biotap/pkg/build"
)

// main wires the process to the command tree:
//
//  1. Startup: read build information embedded at link time
//  2. Run: execute the selected command until it finishes or a signal arrives
//  3. Shutdown: commands close their sources and transports before returning
func main() {
	if err := build.Initialize(); err != nil {
		applog.Debugf("Build: %v (development build)", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx, os.Args[1:], os.Stdout); err != nil {
		stop()
		applog.Fatalf("%v", err)
	}
}
