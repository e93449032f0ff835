package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/rueidis"
	"golang.org/x/sync/errgroup"

	"github.com/gyaneshwarpardhi/fluxwatch/internal/api"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/config"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/engine"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/ingest"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/logger"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/oracle"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/sink"
)

// redisSinkQueue is how many alerts may wait for XADD before new ones are
// dropped from the Redis stream.
const redisSinkQueue = 4096

func main() {
	cfgPath := flag.String("config", "configs/fluxwatch.yaml", "Path to YAML config")
	addr := flag.String("addr", "", "HTTP listen address (overrides server.addr)")
	flag.Parse()

	if err := run(*cfgPath, *addr); err != nil {
		slog.Error("fluxwatch exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfgPath, addrOverride string) error {
	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(cfgPath)
	if err != nil {
		return err
	}
	cfg := loader.Config()
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if addrOverride != "" {
		cfg.Server.Addr = addrOverride
	}

	log := logger.New(cfg.Server.LogLevel, cfg.Server.LogFormat)
	slog.SetDefault(log)

	engConf, err := engine.ConfigFrom(cfg)
	if err != nil {
		return err
	}

	// ── Oracle ───────────────────────────────────────────────────────────────
	var ro oracle.RiskOracle
	if cfg.Oracle.Enabled {
		ro = oracle.NewGuard(
			oracle.NewOllama(
				oracle.WithBaseURL(cfg.Oracle.URL),
				oracle.WithModel(cfg.Oracle.Model),
				oracle.WithMaxRetries(cfg.Oracle.MaxRetries),
			),
			oracle.GuardConfig{
				Timeout:          cfg.Oracle.Timeout,
				BreakerThreshold: cfg.Oracle.BreakerThreshold,
				BreakerCooldown:  cfg.Oracle.BreakerCooldown,
			},
		)
		log.Info("risk oracle enabled", "url", cfg.Oracle.URL, "model", cfg.Oracle.Model)
	} else {
		log.Info("risk oracle disabled, alerts carry no rationale")
	}

	// ── Sinks ────────────────────────────────────────────────────────────────
	recorder := sink.NewRecorder(cfg.Sinks.RecentAlerts)
	hub := sink.NewHub(log)
	sinks := []engine.AlertSink{recorder, hub}
	if cfg.Sinks.Log {
		sinks = append(sinks, sink.NewLog(log))
	}
	if cfg.Sinks.Redis.Enabled {
		client, err := rueidis.NewClient(rueidis.ClientOption{InitAddress: []string{cfg.Sinks.Redis.Addr}})
		if err != nil {
			return err
		}
		defer client.Close()
		redisSink := sink.NewAsync("redis", sink.NewRedisStream(client, cfg.Sinks.Redis.Stream, cfg.Sinks.Redis.MaxLen),
			1, redisSinkQueue, log)
		defer redisSink.Close()
		sinks = append(sinks, redisSink)
		log.Info("redis alert sink enabled", "addr", cfg.Sinks.Redis.Addr, "stream", cfg.Sinks.Redis.Stream)
	}

	// ── Engine ───────────────────────────────────────────────────────────────
	// Outlives the signal context so Shutdown can drain queued payments.
	engCtx, engCancel := context.WithCancel(context.Background())
	defer engCancel()

	eng := engine.New(engCtx, engConf, ro, log, sinks...)
	defer eng.Shutdown()

	n, err := eng.ApplyRules(cfg)
	if err != nil {
		return err
	}
	log.Info("rules loaded", "builtin", config.BuiltinRuleID, "supplementary", n)

	// ── Hot-reload watcher ───────────────────────────────────────────────────
	eng.BindRules(loader)
	stopWatch, err := loader.Watch()
	if err != nil {
		log.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── Supervised components ───────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return hub.Run(gctx) })

	if cfg.Ingest.Redis.Enabled {
		client, err := rueidis.NewClient(rueidis.ClientOption{InitAddress: []string{cfg.Ingest.Redis.Addr}})
		if err != nil {
			return err
		}
		defer client.Close()
		consumer := ingest.NewStreamConsumer(client, ingest.StreamConfig{
			Stream:   cfg.Ingest.Redis.Stream,
			Group:    cfg.Ingest.Redis.Group,
			Consumer: cfg.Ingest.Redis.Consumer,
			Count:    cfg.Ingest.Redis.Count,
		}, eng, log)
		g.Go(func() error { return consumer.Run(gctx) })
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.New(eng, api.Deps{
			Loader:   loader,
			Recorder: recorder,
			Stream:   hub,
			Logger:   log,
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	g.Go(func() error {
		log.Info("server starting", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down…")
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	err = g.Wait()
	eng.Shutdown() // drain lanes and pending rationales before closing sinks
	log.Info("goodbye", "accounts", eng.Accounts(), "alerts", recorder.Total())
	return err
}
