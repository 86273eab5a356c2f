package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/aviov/ct-toru/internal/app"
	"github.com/aviov/ct-toru/internal/config"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	application, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	if err := application.Run(ctx); err != nil {
		log.Fatalf("run: %v", err)
	}
}
