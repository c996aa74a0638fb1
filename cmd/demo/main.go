// Command demo runs a minimal HTTP service wired for wide-event telemetry:
// every request to /chat produces one canonical log line on stdout
// aggregating HTTP metadata, trace identifiers, caller enrichments and the
// statistics of a simulated agent run.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/canonlog/canonlog/emit"
	"github.com/canonlog/canonlog/middleware"
	"github.com/canonlog/canonlog/runner"
	"github.com/canonlog/canonlog/scope"
	"github.com/canonlog/canonlog/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts, err := telemetry.LoadOptions(ctx)
	if err != nil {
		log.Fatalf("failed to load options: %v", err)
	}
	t, err := telemetry.Configure(ctx, opts)
	if err != nil {
		log.Fatalf("failed to configure telemetry: %v", err)
	}
	defer t.Shutdown(context.Background())
	slog.SetDefault(t.Logger)

	emitter, err := emit.New(os.Stdout, emit.WithLogger(t.Logger))
	if err != nil {
		log.Fatalf("failed to create emitter: %v", err)
	}
	mgr := scope.NewManager(emitter, t.Logger)

	health := telemetry.NewHealthServer(opts.HealthPort, opts.ServiceVersion)
	health.AddChecker("telemetry", telemetry.TelemetryChecker())
	go func() {
		if err := health.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logger.Error("health server failed", "error", err)
		}
	}()
	defer health.Shutdown(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		question := r.URL.Query().Get("q")
		scope.Enrich(ctx, slog.String("question", question))

		err := runner.Run(ctx, mgr, "demo-agent", func(ctx context.Context, rec *runner.Recorder) error {
			// Stand-in for a real agent framework reporting running totals.
			rec.Observe(runner.Event{Agent: "demo-agent", Usage: &runner.Usage{TotalTokens: 150}})
			rec.Observe(runner.Event{
				Usage:     &runner.Usage{TotalTokens: 300},
				ToolCalls: []runner.ToolCall{{Name: "search", Args: map[string]any{"query": question}}},
			})
			return nil
		})
		if err != nil {
			http.Error(w, "agent run failed", http.StatusInternalServerError)
			return
		}

		scope.Enrich(ctx, slog.String("response", "42"))
		w.Write([]byte("42\n"))
	})

	handler := middleware.HTTP(middleware.Config{
		Manager:     mgr,
		Tracing:     t.Tracing,
		Metrics:     t.Metrics,
		Project:     t.Project,
		Environment: opts.Environment,
	}, mux)

	srv := &http.Server{
		Addr:              ":8090",
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		srv.Shutdown(shutdownCtx)
	}()

	t.Logger.Info("demo service listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}
