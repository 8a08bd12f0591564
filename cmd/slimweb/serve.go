package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"slimweb/internal/config"
	"slimweb/internal/handler"
	"slimweb/internal/metrics"
	"slimweb/internal/middleware"
	"slimweb/internal/service"
	"slimweb/internal/upstream"
	"slimweb/server"
)

type serveCmd struct {
	config.CLI `kong:"embed"`
}

func (s *serveCmd) Run() error {
	app := fx.New(
		fx.Provide(
			func() *config.CLI { return &s.CLI },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			server.NewMux,
			newEngine,
			func(e *server.Server) handler.Engine { return e },
			newAdmin,
			newForwardHandler,
			handler.NewEngineHandlers,
			handler.NewHealthHandler,
		),
		fx.Invoke(
			handler.RegisterEngineRoutes,
			registerAdminRoutes,
			warnConfigPermissions,
			startEngine,
			startAdmin,
		),
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return buildLogger(cfg, os.Stdout)
}

func buildLogger(cfg *config.Config, w *os.File) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		h = slog.NewJSONHandler(w, opts)
	}

	return slog.New(h)
}

// newEngine builds the engine server. Routes are added to mux by
// handler.RegisterEngineRoutes.
func newEngine(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, mux *server.Mux) (*server.Server, error) {
	tlsp, err := cfg.ServerTLS()
	if err != nil {
		return nil, err
	}
	ec := cfg.Engine()
	ec.Logger = logger
	ec.Observer = m.Observer(metrics.RoleServer)
	return &server.Server{
		Handler:     mux,
		Config:      ec,
		TLS:         tlsp,
		MaxWorkers:  cfg.Server.MaxWorkers,
		AcceptRate:  cfg.Server.AcceptRate,
		AcceptBurst: cfg.Server.AcceptBurst,
		Logger:      logger,
	}, nil
}

// newForwardHandler returns nil when forwarding is disabled.
func newForwardHandler(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*handler.ForwardHandler, error) {
	if !cfg.Forward.Enabled {
		return nil, nil
	}
	up, err := upstream.NewClient(cfg, logger, m)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(up.Close))

	svc, err := service.NewForwardService(up, cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("forwarding enabled", "prefix", cfg.Forward.Prefix, "upstream", cfg.Forward.BaseURL)
	return handler.NewForwardHandler(svc, logger), nil
}

func newAdmin(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 30 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 5 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.AdminMetrics(m, cfg.Metrics.Path))
	e.Use(middleware.SecurityHeaders())

	if cfg.Metrics.RateLimit > 0 {
		e.Use(middleware.RateLimit(cfg.Metrics.RateLimit))
		logger.Info("admin rate limiter enabled", "rps", cfg.Metrics.RateLimit)
	}

	return e
}

func registerAdminRoutes(e *echo.Echo, cfg *config.Config, health *handler.HealthHandler, m *metrics.Metrics) {
	if cfg.Metrics.Enabled {
		handler.RegisterAdminRoutes(e, cfg, health, m)
	}
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startEngine(lc fx.Lifecycle, s *server.Server, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting engine", "addr", addr, "max_workers", cfg.Server.MaxWorkers)
			go func() {
				if err := s.Serve(ln); err != nil && !errors.Is(err, server.ErrServerClosed) {
					logger.Error("engine error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down engine", "active_connections", s.ActiveConnections())
			return s.Shutdown(ctx)
		},
	})
}

func startAdmin(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Metrics.Addr
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind admin %s: %w", addr, err)
			}
			logger.Info("starting admin server", "addr", addr, "metrics_path", cfg.Metrics.Path)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("admin server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down admin server")
			return e.Shutdown(ctx)
		},
	})
}
