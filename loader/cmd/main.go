package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"docqa/app/server"
	"docqa/config"
	"docqa/loader/service"
)

func main() {
	// A missing .env is fine when the environment is set by the deployment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	logger := cfg.Log.NewLogger(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	comps, err := server.NewComponents(ctx, cfg)
	if err != nil {
		logger.Error("error to build components", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := comps.Close(); err != nil {
			logger.Error("error closing store", "err", err)
		}
	}()

	svc, err := service.New(cfg.Loader, comps.Pipeline)
	if err != nil {
		logger.Error("error to start loader", "err", err)
		return
	}
	svc.Run(ctx)
	logger.Info("Loader service stopped")
}
