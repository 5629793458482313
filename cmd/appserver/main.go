package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/internal/app/runtime"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("appserver: %v", err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := runtime.NewApplication()
	if err != nil {
		return err
	}

	if err := app.Run(ctx); err != nil {
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return app.Shutdown(shutdownCtx)
}
