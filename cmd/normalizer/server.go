package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/normalizer/internal/domain/vocabulary"
	"github.com/ehr/normalizer/internal/platform/db"
	"github.com/ehr/normalizer/internal/platform/middleware"
)

// newServer builds the ops HTTP surface.
func newServer(a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger, "/healthz", "/readyz", "/metrics"))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.RequestTimeout(10*time.Second, "/metrics"))

	checks := map[string]db.Check{
		"vocabulary": func(context.Context) error {
			if !a.holder.Loaded() {
				return vocabulary.ErrNotLoaded
			}
			return nil
		},
	}
	if a.pool != nil {
		checks["database"] = db.PingCheck(a.pool)
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/readyz", db.ReadyHandler(checks))
	e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))
	e.GET("/vocabulary/stats", a.vocabularyStats)
	if a.pool != nil {
		e.GET("/db/stats", func(c echo.Context) error {
			return c.JSON(http.StatusOK, db.GetPoolStats(a.pool))
		})
	}
	return e
}

func (a *app) vocabularyStats(c echo.Context) error {
	idx, err := a.holder.Index()
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	a.metrics.SetVocabularySize(idx.Len())
	return c.JSON(http.StatusOK, idx.Stats())
}

func runServer() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.VocabularyWatch && cfg.VocabularySource == "file" {
		w, err := vocabulary.NewWatcher(a.holder, logger, cfg.VocabularyPath, cfg.AbbreviationsPath)
		if err != nil {
			return err
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("vocabulary watcher stopped")
			}
		}()
	}

	e := newServer(a)
	addr := fmt.Sprintf(":%s", cfg.Port)
	go func() {
		logger.Info().Str("addr", addr).Msg("starting ops server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
