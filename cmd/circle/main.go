// Command circle runs the Circle core headless: background location
// reporting, update checks and friend operations from a terminal.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}
