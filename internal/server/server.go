// Package server wires the HTTP surface: the streaming research endpoint,
// health and metrics.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mkamali/deepscout/internal/config"
	"github.com/mkamali/deepscout/internal/enrich"
	"github.com/mkamali/deepscout/internal/provider"
	"github.com/mkamali/deepscout/internal/research"
	"github.com/mkamali/deepscout/internal/telemetry"
)

// Run builds the dependency graph and serves until the listener fails.
func Run(cfg *config.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	tele := telemetry.NewTelemetry(cfg.Telemetry)
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(tele.Registry(), promhttp.HandlerOpts{})))

	registry, err := provider.NewRegistry(cfg.LLM, tele, log.New(log.Writer(), "[LLM] ", log.LstdFlags))
	if err != nil {
		return fmt.Errorf("building provider registry: %w", err)
	}

	cache := research.NewCache(context.Background(), cfg.Cache)
	searcher := research.NewSearchClient(cfg.Search, cfg.Research.FaviconEndpoint, cache, cfg.Cache.TTL, tele, nil)
	fetcher := enrich.NewFetcher(cfg.Research.EnrichTimeout)
	orch := research.NewOrchestrator(cfg.Research, cfg.LLM.Routing, registry, searcher, fetcher, tele,
		log.New(log.Writer(), "[ORCH] ", log.LstdFlags))

	api := e.Group("/api")
	rh := &ResearchHandler{orch: orch, logger: baseLogger}
	rh.Register(api)

	return e.Start(cfg.Server.Address)
}
