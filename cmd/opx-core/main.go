// Command opx-core runs the incident control plane server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opx-platform/opx-core/pkg/api"
	"github.com/opx-platform/opx-core/pkg/bus"
	"github.com/opx-platform/opx-core/pkg/config"
	"github.com/opx-platform/opx-core/pkg/contracts"
	"github.com/opx-platform/opx-core/pkg/correlate"
	"github.com/opx-platform/opx-core/pkg/detect"
	"github.com/opx-platform/opx-core/pkg/evidence"
	"github.com/opx-platform/opx-core/pkg/idempotency"
	"github.com/opx-platform/opx-core/pkg/incident"
	"github.com/opx-platform/opx-core/pkg/observability"
	"github.com/opx-platform/opx-core/pkg/orchestrate"
	"github.com/opx-platform/opx-core/pkg/outcome"
	"github.com/opx-platform/opx-core/pkg/promote"
	"github.com/opx-platform/opx-core/pkg/ratelimit"
	"github.com/opx-platform/opx-core/pkg/rules"
	"github.com/opx-platform/opx-core/pkg/storage"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}
	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "rules":
		return runRulesCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: opx-core <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server   Run the control plane server (default)")
	fmt.Fprintln(w, "  rules    Validate the rule catalog (rules validate --dir <dir>)")
	fmt.Fprintln(w, "  health   Check a running server over HTTP")
	fmt.Fprintln(w, "  help     Show this help")
}

func runServer(stderr io.Writer) int {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	logger := observability.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	metrics, err := observability.NewMetrics()
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		return 1
	}

	catalog, err := rules.Load(cfg.RulesDir)
	if err != nil {
		logger.Error("rule catalog load failed", "dir", cfg.RulesDir, "error", err)
		return 1
	}

	kv, closeKV, err := openStore(cfg)
	if err != nil {
		logger.Error("storage init failed", "driver", cfg.StorageDriver, "error", err)
		return 1
	}
	defer closeKV()
	logger.Info("storage ready", "driver", cfg.StorageDriver)

	memBus := bus.NewMemoryBus()

	detectStore := detect.NewKVStore(kv)
	detections := detect.NewService(catalog, detectStore, detectStore, memBus, metrics, logger)

	evidenceStore := evidence.NewStore(kv)
	candidates := correlate.NewStore(kv)
	generator := correlate.NewGenerator(catalog, detectStore, detectStore,
		evidenceStore, candidates, memBus, metrics, logger)

	incidentStore := incident.NewStore(kv)
	incidents := incident.NewManager(incidentStore, memBus, metrics, logger)

	decisions := promote.NewStore(kv)
	engine := promote.NewEngine(catalog, candidates, decisions, incidents, memBus, metrics, logger)

	automation := config.NewAutomationStore(kv)
	idem := idempotency.NewService(kv)
	orchestrator := orchestrate.NewOrchestrator(engine, decisions, candidates,
		incidents, idem, automation, kv, logger)

	learning := outcome.NewStore(kv)
	recorder := outcome.NewRecorder(learning, incidentStore, candidates, evidenceStore, memBus, logger)

	// New detections feed correlation through the in-process bus. Events are
	// best-effort observability; a missed trigger is recovered by the next
	// detection in the window.
	memBus.Subscribe(func(ev bus.Event) {
		if ev.Type != bus.EventDetectionCreated {
			return
		}
		det, ok := ev.Payload.(contracts.Detection)
		if !ok {
			return
		}
		if _, err := generator.OnDetection(context.Background(), det); err != nil {
			logger.Warn("correlation trigger failed", "detectionId", det.DetectionID, "error", err)
		}
	})

	limiter := buildLimiter(cfg)
	server := api.NewServer(detections, orchestrator, incidents, evidenceStore, recorder,
		learning, automation, idem, api.NewJWTVerifier(cfg.JWTSecret), limiter, metrics, logger)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.HTTPAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
			return 1
		}
	}
	return 0
}

func openStore(cfg config.Config) (storage.KV, func(), error) {
	switch cfg.StorageDriver {
	case config.DriverSQLite:
		s, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.DriverPostgres:
		s, err := storage.OpenPostgres(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return storage.NewMemoryStore(), func() {}, nil
	}
}

// buildLimiter picks the rate limiter backend. A redis address selects the
// shared fixed-window limiter for multi-process deployments.
func buildLimiter(cfg config.Config) ratelimit.Limiter {
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return ratelimit.NewRedis(client, cfg.RateLimitBurst, time.Second)
	}
	return ratelimit.NewLocal(cfg.RateLimitRPS, cfg.RateLimitBurst)
}

func runRulesCmd(args []string, stdout, stderr io.Writer) int {
	dir := "./rules"
	if len(args) >= 1 && args[0] == "validate" {
		args = args[1:]
	}
	for i := 0; i < len(args)-1; i++ {
		if args[i] == "--dir" {
			dir = args[i+1]
		}
	}

	catalog, err := rules.Load(dir)
	if err != nil {
		fmt.Fprintf(stderr, "catalog invalid: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "catalog ok: %d detection, %d correlation, %d policy documents\n",
		len(catalog.DetectionRules()), len(catalog.CorrelationRules()), len(catalog.Policies()))
	return 0
}

func runHealthCmd(stdout, stderr io.Writer) int {
	addr := os.Getenv("OPX_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	resp, err := http.Get("http://localhost" + addr + "/healthz")
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}
