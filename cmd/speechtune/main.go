package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"speechtune/internal/render"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		render.Error(os.Stdout, err)
		os.Exit(1)
	}
}
