// Command tlbd runs the temporal liquidity book matchmaker as a standalone
// daemon.
//
// Architecture:
//
//	main.go                  — entry point: loads config, wires the driver, waits for SIGINT/SIGTERM
//	internal/driver          — C10 poll loop: partitioned ownership, focus queue, backlog fallback
//	internal/registry        — per-pair TLB + backlog + state cache, lazily created
//	internal/tlb             — the core matching engine (Attempt, linking, settlement)
//	internal/upstream        — WebSocket feed + REST backfill poll + REST submitter
//	internal/txbuild         — reference transaction builder/prover (replace for a real chain)
//	internal/audit           — optional durable record of every submitted recipe
//	internal/observability   — Prometheus counters/gauges
//	internal/httpapi         — snapshot + server-sent-events surface for operators
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tlbengine/internal/audit"
	"tlbengine/internal/book"
	"tlbengine/internal/config"
	"tlbengine/internal/driver"
	"tlbengine/internal/httpapi"
	"tlbengine/internal/observability"
	"tlbengine/internal/registry"
	"tlbengine/internal/tlb"
	"tlbengine/internal/txbuild"
	"tlbengine/internal/upstream"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TLB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}

	if overlay := os.Getenv("TLB_CONFIG_OVERLAY"); overlay != "" {
		if err := config.ApplyOverlay(cfg, overlay); err != nil {
			slog.Error("failed to apply config overlay", "error", err, "path", overlay)
			os.Exit(1)
		}
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	reg := registry.NewWithClock(cfg.Engine.SkipFilterSize, cfg.Engine.StartingClock)
	resolver := resolverOver(reg)

	feed := upstream.NewFeed(cfg.Upstream.WSURL, cfg.Upstream.PollBaseURL, float64(cfg.Upstream.PollRatePerS), logger)
	submitter := upstream.NewSubmitter(cfg.Upstream.SubmitBaseURL, float64(cfg.Upstream.SubmitRatePerS), cfg.DryRun, logger)

	auditSink, err := audit.New(cfg.Audit.DSN)
	if err != nil {
		logger.Error("failed to build audit sink", "error", err)
		os.Exit(1)
	}

	var metrics *observability.Metrics
	promReg := prometheus.NewRegistry()
	if cfg.Observability.Enabled {
		metrics = observability.New(promReg)
	}

	drv := driver.New(
		driver.Config{
			StartingClock:      cfg.Engine.StartingClock,
			ExecutionCap:       tlb.ExecutionCap{Soft: cfg.Engine.ExecutionCapSoft, Hard: cfg.Engine.ExecutionCapHard},
			FeedbackBuffer:     cfg.Engine.FeedbackBuffer,
			SkipFilterSize:     cfg.Engine.SkipFilterSize,
			NumPartitions:      cfg.Engine.NumPartitions,
			AssignedPartitions: cfg.Engine.AssignedPartitions,
			PerPairBuffer:      cfg.Engine.PerPairBuffer,
		},
		reg,
		feed,
		submitter,
		txbuild.NewBuilder(resolver),
		txbuild.NewSpecializedBuilder(resolver),
		txbuild.NewProver(),
		nil, // no index price oracle wired yet
		metrics,
		auditSink,
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())

	var obsServer *http.Server
	if cfg.Observability.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Observability.Path, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		obsServer = &http.Server{Addr: cfg.Observability.Addr, Handler: mux}
		go func() {
			if err := obsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("observability server failed", "error", err)
			}
		}()
		logger.Info("observability listening", "addr", cfg.Observability.Addr, "path", cfg.Observability.Path)
	}

	var apiServer *httpapi.Server
	if cfg.HTTP.Enabled {
		apiServer = httpapi.NewServer(cfg.HTTP.Addr, drv, drv.Events(), logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("http api server failed", "error", err)
			}
		}()
		logger.Info("http api listening", "addr", cfg.HTTP.Addr)
	}

	if err := feed.Backfill(ctx); err != nil {
		logger.Warn("backfill failed, relying on the websocket feed alone", "error", err)
	}

	go func() {
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("upstream feed stopped", "error", err)
		}
	}()

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no transactions will be submitted on-chain")
	}

	logger.Info("tlb matchmaker started",
		"execution_cap_soft", cfg.Engine.ExecutionCapSoft,
		"execution_cap_hard", cfg.Engine.ExecutionCapHard,
		"num_partitions", cfg.Engine.NumPartitions,
		"assigned_partitions", cfg.Engine.AssignedPartitions,
		"dry_run", cfg.DryRun,
	)

	go drv.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop http api", "error", err)
		}
	}
	if obsServer != nil {
		if err := obsServer.Shutdown(context.Background()); err != nil {
			logger.Error("failed to stop observability server", "error", err)
		}
	}

	cancel()
	feed.Close()
	if err := auditSink.Close(); err != nil {
		logger.Error("failed to close audit sink", "error", err)
	}
}

// resolverOver returns a txbuild.VersionResolver that searches every
// registered pair's cache for id, since a StableID alone doesn't name its
// pair. A real chain-specific interpreter would instead close over the one
// cache its own pair-scoped goroutine already holds.
func resolverOver(reg *registry.Registry) txbuild.VersionResolver {
	return func(id book.StableID) (book.Version, bool) {
		for _, pair := range reg.Pairs() {
			row, ok := reg.Get(pair)
			if !ok {
				continue
			}
			if r, ok := row.Cache.Resolve(id); ok {
				return r.Version, true
			}
		}
		return "", false
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
