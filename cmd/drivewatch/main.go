package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mashiike/drivewatch"
)

var (
	Version = "current"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer cancel()
	drivewatch.Version = Version
	var cli drivewatch.CLI
	code := cli.Run(ctx)
	cancel()
	os.Exit(code)
}
