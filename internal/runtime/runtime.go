// Package runtime assembles the service: telemetry, the optional embedded
// bus, the job log, the artifact store, the model registry, the executor,
// and the two transports (bus subjects and HTTP routes). Start blocks until
// the context is canceled, then tears everything down in reverse order.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ambiware-labs/timbre/internal/artifact"
	"github.com/ambiware-labs/timbre/internal/bus"
	"github.com/ambiware-labs/timbre/internal/config"
	"github.com/ambiware-labs/timbre/internal/executor"
	"github.com/ambiware-labs/timbre/internal/httpapi"
	"github.com/ambiware-labs/timbre/internal/joblog"
	"github.com/ambiware-labs/timbre/internal/model"
	"github.com/ambiware-labs/timbre/internal/natsserver"
	"github.com/ambiware-labs/timbre/internal/voice"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	healthy     func() bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		healthy: func() bool { return true },
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	var busClient *bus.Client
	if r.cfg.Bus.Enabled {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		if embedded != nil {
			defer embedded.Shutdown()
		}
		busClient, err = bus.Connect(ctx, r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect bus: %w", err)
		}
		defer busClient.Close()
	}

	jobs, err := joblog.Open(ctx, r.cfg.JobLog, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open job log: %w", err)
	}
	defer jobs.Close()

	store, err := artifact.New(r.cfg.Storage, r.logger)
	if err != nil {
		return fmt.Errorf("failed to init artifact store: %w", err)
	}

	var provider model.Provider
	switch r.cfg.Models.Mode {
	case "exec":
		provider = model.NewExecProvider(r.cfg.Models)
	default:
		provider = model.NewMockProvider(r.cfg.Models)
	}
	registry := model.NewRegistry(ctx, r.cfg.Models, provider, r.logger)

	pool := executor.New(ctx, r.cfg.Executor, r.logger)
	defer pool.Close()

	orch := voice.NewOrchestrator(r.cfg.Storage, registry, store, pool, jobs, busClient, r.logger)

	busService := voice.NewService(ctx, busClient, orch, r.logger)
	if err := busService.Start(); err != nil {
		return fmt.Errorf("failed to start voice service: %w", err)
	}
	defer busService.Close()

	r.healthy = func() bool {
		return registry.Ready() && busService.Healthy() && (busClient == nil || busClient.Healthy())
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}
	httpapi.New(orch, r.cfg.Storage.MaxUploadBytes, r.logger).Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("models_mode", r.cfg.Models.Mode),
		slog.Bool("models_ready", registry.Ready()),
		slog.Bool("bus_enabled", r.cfg.Bus.Enabled))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
