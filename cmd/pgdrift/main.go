package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fangqiank/pgdrift/internal/app"
	"github.com/fangqiank/pgdrift/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := app.Run(ctx, cfg); err != nil {
		log.Fatalf("pgdrift stopped: %v", err)
	}
}
