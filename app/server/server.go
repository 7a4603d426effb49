package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"docqa/app/api"
	"docqa/app/middleware"
	"docqa/config"
	"docqa/loader/service"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	app    *fiber.App
	comps  *Components
}

func NewServer(cfg config.Config) *Server {
	return &Server{
		cfg:    cfg,
		logger: slog.Default(),
	}
}

// NewApp registers the HTTP routes over already built components.
func NewApp(cfg config.Config, comps *Components) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          api.ErrorHandler,
		BodyLimit:             cfg.Server.MaxUploadBytes,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(middleware.RequestLogger(slog.Default()))

	var (
		checkHandler    = api.NewCheckHandler(comps.Pinger)
		requestHandler  = api.NewRequestHandler(comps.Pipeline)
		documentHandler = api.NewDocumentHandler(comps.Pipeline)
		fileHandler     = api.NewFileHandler(comps.Pipeline, cfg.Loader.SourceDir)
		configHandler   = api.NewConfigHandler(cfg, comps.Pipeline)
		check           = app.Group("/check")
		apiv1           = app.Group("/api/v1")
	)

	check.Get("/healthy", checkHandler.HandleHealthy)
	check.Get("/ready", checkHandler.HandleReady)

	apiv1.Post("/request", requestHandler.HandleRequest)
	apiv1.Post("/request/stream", requestHandler.HandleStream)

	apiv1.Post("/documents", documentHandler.HandleIngest)
	apiv1.Post("/documents/upload", fileHandler.HandleUpload)
	apiv1.Get("/documents/:id", documentHandler.HandleGet)
	apiv1.Delete("/documents/:id", documentHandler.HandleDelete)

	apiv1.Get("/config", configHandler.HandleGetConfig)
	apiv1.Patch("/config", configHandler.HandleSetConfig)

	return app
}

// Run builds the components and serves until ctx is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	comps, err := NewComponents(ctx, s.cfg)
	if err != nil {
		return err
	}
	s.comps = comps
	s.app = NewApp(s.cfg, comps)

	if s.cfg.Loader.Enabled {
		loader, err := service.New(s.cfg.Loader, comps.Pipeline)
		if err != nil {
			return err
		}
		go loader.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server started", "addr", s.cfg.Server.Addr, "store", s.cfg.Store)
		errCh <- s.app.Listen(s.cfg.Server.Addr)
	}()

	select {
	case err := <-errCh:
		s.logger.Error("error to start server", "error", err)
		return err
	case <-ctx.Done():
		return s.Stop()
	}
}

func (s *Server) Stop() error {
	var errs []error
	if s.app != nil {
		if err := s.app.ShutdownWithTimeout(10 * time.Second); err != nil {
			errs = append(errs, err)
		}
	}
	if s.comps != nil {
		if err := s.comps.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("server stopped")
	return errors.Join(errs...)
}
