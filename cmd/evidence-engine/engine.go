// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pdiddy/evidence-engine/internal/evaluate"
	"github.com/pdiddy/evidence-engine/internal/pipeline"
	"github.com/pdiddy/evidence-engine/internal/prompt"
	"github.com/pdiddy/evidence-engine/internal/search"
	"github.com/pdiddy/evidence-engine/internal/source"
	"github.com/pdiddy/evidence-engine/internal/store"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// engine bundles an orchestrator with the resources it holds open.
type engine struct {
	orch  *pipeline.Orchestrator
	store store.Store
}

func (e *engine) Close() error { return e.store.Close() }

// openEngine wires the orchestrator from configuration. docsDir is the
// directory source; an empty value yields a source that lists nothing.
func openEngine(cfg types.PipelineConfig, docsDir string) (*engine, error) {
	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		return nil, err
	}

	var src source.Source = source.NewStatic()
	if docsDir != "" {
		if _, err := os.Stat(docsDir); err != nil {
			st.Close()
			return nil, fmt.Errorf("documents directory: %w", err)
		}
		src = source.NewDirectory(docsDir, logger)
	}

	ev, err := evaluate.New(cfg.Evaluator, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	deps := pipeline.Deps{
		Store:     st,
		Source:    src,
		Evaluator: ev,
		Metrics:   pipeline.NewMetrics(prometheus.DefaultRegisterer),
		Logger:    logger,
	}
	if cfg.EnableDeepPass && cfg.Search.Enabled {
		timeout := cfg.Search.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		s, err := search.New(cfg.Search, &http.Client{Timeout: timeout}, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
		deps.Searcher = s
	}
	if cfg.Prompt.Interactive {
		deps.Prompter = &prompt.Terminal{In: os.Stdin, Out: os.Stderr}
	}

	orch, err := pipeline.New(cfg, deps)
	if err != nil {
		st.Close()
		return nil, err
	}
	return &engine{orch: orch, store: st}, nil
}

// signalContext is cancelled on SIGINT or SIGTERM so an interrupted job
// leaves a cancelled checkpoint behind.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// serveMetrics exposes /metrics and /healthz on addr until ctx ends. It
// returns once the listener is bound.
func serveMetrics(ctx context.Context, addr string) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.Handler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return nil
}
