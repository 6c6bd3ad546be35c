package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vyvo/compute/buildcache/pkg/auth"
	"github.com/vyvo/compute/buildcache/pkg/config"
	"github.com/vyvo/compute/buildcache/pkg/metrics"
	"github.com/vyvo/compute/buildcache/pkg/queue"
	"github.com/vyvo/compute/buildcache/pkg/remote"
	"github.com/vyvo/compute/buildcache/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "serve build records and artifacts over HTTP",
		Args:  cobra.NoArgs,
	}
	c.Flags().String("listen_addr", "", "`addr`ess to listen on")
	c.Flags().String("redis_url", "", "redis `url` for worker wake-ups")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	}
	return c
}

func runServe(ctx context.Context, cfg config.OrchestratorConfig) error {
	shutdownTracer := telemetry.InitTracer(ctx, "buildcache")
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("tracer shutdown error: %v", err)
		}
	}()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewRecorder(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	srv := &server{cfg: cfg, store: store, metrics: recorder, logger: slog.Default()}
	if cfg.ArtifactServer != "" {
		runner := remote.NewSSHRunner(sshConfig(cfg), slog.Default())
		defer runner.Close()
		files := remote.NewSFTPFiles(runner, cfg.ArtifactServerDir)
		defer files.Close()
		srv.files = files
	}

	var consumer queue.Consumer
	if cfg.RedisURL != "" {
		q, err := queue.NewRedisQueue(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer q.Close()
		consumer = q
	}

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.routes(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("buildcache listening on %s", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	if consumer != nil {
		g.Go(func() error {
			return consumeWakeups(ctx, consumer, recorder, srv.logger)
		})
	}

	err = g.Wait()
	log.Println("buildcache stopped")
	return err
}

// consumeWakeups drains worker wake-ups until ctx ends and publishes the
// remaining backlog after each one.
func consumeWakeups(ctx context.Context, consumer queue.Consumer, recorder *metrics.Recorder, logger *slog.Logger) error {
	for {
		w, err := consumer.Next(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			logger.Error("wake-up poll failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if w == nil {
			continue
		}
		backlog, err := consumer.Len(ctx)
		if err != nil {
			logger.Error("wake-up backlog", "error", err)
		} else {
			recorder.WakeupBacklog(backlog)
		}
		logger.Info("worker available", "worker", w.Worker, "at", time.Unix(w.At, 0).UTC(), "backlog", backlog)
	}
}

func sshConfig(cfg config.OrchestratorConfig) remote.SSHConfig {
	user, host := splitServer(cfg.ArtifactServer, cfg.SSHUser)
	return remote.SSHConfig{
		Host:     host,
		Port:     cfg.SSHPort,
		User:     user,
		Password: cfg.SSHPassword,
		KeyPath:  cfg.SSHKeyPath,
	}
}

// splitServer splits an rsync style "user@host" destination.
func splitServer(server, defaultUser string) (string, string) {
	if i := strings.LastIndex(server, "@"); i >= 0 {
		return server[:i], server[i+1:]
	}
	return defaultUser, server
}

func (s *server) routes(metricsHandler http.Handler) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", healthzHandler)
	router.Handle("/metrics", metricsHandler)

	router.Group(func(r chi.Router) {
		r.Use(auth.RequireKey(s.cfg.APIKey))
		r.Get("/v1/requests/{id}", s.handleGetRequest)
		r.Get("/v1/requests/{id}/artifact-path", s.handleArtifactPath)
		r.Get("/v1/requests/{id}/artifacts", s.handleListArtifacts)
		r.Get("/artifacts/*", s.handleArtifact)
	})
	return router
}
