package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"assetweaver/internal/cli"
)

// main wires process signals into the command context; SIGINT and SIGTERM
// stop watch mode at the next stage boundary.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
