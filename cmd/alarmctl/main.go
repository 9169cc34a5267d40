package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/g960059/alarmsync/internal/cli"
	"github.com/g960059/alarmsync/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	cfg := config.DefaultConfig()
	if v := os.Getenv("ALARMSYNC_SOCKET_PATH"); v != "" {
		cfg.SocketPath = v
	}
	code := cli.NewRunner(cfg.SocketPath, os.Stdout, os.Stderr).Run(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}
