package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghodss/yaml"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"
	"golang.org/x/sync/errgroup"

	nodelab "github.com/onkernel/nodelab"
	"github.com/onkernel/nodelab/lib/logger"
	mw "github.com/onkernel/nodelab/lib/middleware"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	app, cleanup, err := initializeApp()
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer cleanup()

	log := app.Logger
	cfg := app.Config

	ctx, stop := signal.NotifyContext(app.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	swagger, err := mw.LoadSpec(nodelab.OpenAPIYAML)
	if err != nil {
		return err
	}

	// Adopt or clean up nodes left behind by a previous run before serving requests.
	if err := app.NodeManager.Recover(ctx); err != nil {
		log.ErrorContext(ctx, "node recovery finished with errors", "error", err)
	}

	httpMetrics := mw.NoopHTTPMetrics()
	if cfg.OtelEnabled {
		m, err := mw.NewHTTPMetrics(app.Otel.Meter())
		if err != nil {
			return fmt.Errorf("create http metrics: %w", err)
		}
		httpMetrics = m.Middleware
	}

	accessLog := mw.NewAccessLogger(app.Otel.LogHandler)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(otelchi.Middleware(cfg.OtelServiceName, otelchi.WithChiRoutes(r)))
	r.Use(mw.AccessLogger(accessLog))
	r.Use(mw.InjectLogger(accessLog))
	r.Use(httpMetrics)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/spec.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.oai.openapi")
		w.Write(nodelab.OpenAPIYAML)
	})

	r.Get("/spec.json", func(w http.ResponseWriter, r *http.Request) {
		jsonData, err := yaml.YAMLToJSON(nodelab.OpenAPIYAML)
		if err != nil {
			http.Error(w, "Failed to convert YAML to JSON", http.StatusInternalServerError)
			logger.FromContext(r.Context()).ErrorContext(r.Context(), "failed to convert YAML to JSON", "error", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(jsonData)
	})

	app.ApiService.Mount(r, swagger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		log.InfoContext(gctx, "starting nodelab API server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.ErrorContext(gctx, "http server error", "error", err)
			return err
		}
		return nil
	})

	grp.Go(func() error {
		return app.NodeManager.RunReconciler(gctx, cfg.ReconcileInterval)
	})

	grp.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shutdown http server", "error", err)
			return err
		}

		log.Info("http server shutdown complete")
		return nil
	})

	return grp.Wait()
}
