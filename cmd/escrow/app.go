package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/Mindburn-Labs/escrow/pkg/artifacts"
	"github.com/Mindburn-Labs/escrow/pkg/config"
	"github.com/Mindburn-Labs/escrow/pkg/finance"
	"github.com/Mindburn-Labs/escrow/pkg/idempotency"
	"github.com/Mindburn-Labs/escrow/pkg/llm"
	"github.com/Mindburn-Labs/escrow/pkg/metering"
	"github.com/Mindburn-Labs/escrow/pkg/observability"
	"github.com/Mindburn-Labs/escrow/pkg/payment"
	"github.com/Mindburn-Labs/escrow/pkg/store"
	"github.com/Mindburn-Labs/escrow/pkg/task"

	_ "github.com/lib/pq" // Postgres Driver
)

// app holds the collaborators shared by the run, reports and verify commands.
type app struct {
	cfg       *config.Config
	db        *sql.DB
	reports   store.ReportStore
	meter     metering.Meter
	caps      finance.Tracker
	setCap    func(ctx context.Context, budgetID string, limit finance.Money) error
	guard     idempotency.Guard
	archive   *artifacts.Archive
	telemetry *observability.Provider
	closers   []func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, telemetry: observability.Disabled()}

	if cfg.OTelEnabled {
		oc := observability.DefaultConfig()
		oc.OTLPEndpoint = cfg.OTLPEndpoint
		oc.ServiceVersion = version
		oc.Insecure = true
		p, err := observability.New(ctx, oc)
		if err != nil {
			return nil, fmt.Errorf("observability: %w", err)
		}
		a.telemetry = p
		a.closers = append(a.closers, p.Shutdown)
	}

	if cfg.LiteMode() {
		db, reports, meter, err := setupLiteMode(ctx, cfg.DataDir)
		if err != nil {
			return nil, err
		}
		tracker := finance.NewInMemoryTracker()
		a.db, a.reports, a.meter, a.caps = db, reports, meter, tracker
		a.setCap = func(_ context.Context, id string, limit finance.Money) error {
			tracker.SetBudget(finance.Budget{ID: id, Limit: limit})
			return nil
		}
	} else {
		db, reports, meter, tracker, err := setupPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.db, a.reports, a.meter, a.caps = db, reports, meter, tracker
		a.setCap = tracker.SetBudget
	}
	a.closers = append(a.closers, func(context.Context) error { return a.db.Close() })

	if cfg.RedisAddr != "" {
		g := idempotency.NewRedisGuard(cfg.RedisAddr, "", 0, idempotency.DefaultTTL)
		if err := g.Ping(ctx); err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		a.guard = g
		a.closers = append(a.closers, func(context.Context) error { return g.Close() })
	} else {
		a.guard = idempotency.NewMemoryGuard(idempotency.DefaultTTL)
	}

	blobs, err := artifacts.NewStoreFromEnv(ctx)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	a.archive = artifacts.NewArchive(blobs)
	return a, nil
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			log.Printf("[escrow] shutdown: %v", err)
		}
	}
	a.closers = nil
}

func newBackend(cfg *config.Config) (payment.Backend, error) {
	switch cfg.PaymentBackend {
	case "", "fake":
		log.Printf("[escrow] payment: using in-memory fake backend")
		return payment.NewFakeBackend(), nil
	case "http":
		return payment.NewHTTPBackend(payment.HTTPConfig{
			BaseURL:   cfg.PaymentBackendURL,
			Secret:    []byte(cfg.PaymentBackendSecret),
			RateLimit: cfg.PaymentRateLimit,
		})
	default:
		return nil, fmt.Errorf("unknown PAYMENT_BACKEND %q (want fake or http)", cfg.PaymentBackend)
	}
}

// newExecutor routes tasks by their executor field: "llm", "wasm" (when
// modulesDir is set), and "echo", which is also the default.
func newExecutor(ctx context.Context, cfg *config.Config, modulesDir string) (task.Executor, func(context.Context) error, error) {
	router := task.NewRouter(task.Echo).Handle("echo", task.Echo)

	client := llm.NewOpenAIClient(cfg.LLMAPIKey, cfg.LLMModel).WithBaseURL(cfg.LLMServiceURL)
	router.Handle("llm", task.NewLLMExecutor(client, nil))

	closeFn := func(context.Context) error { return nil }
	if modulesDir != "" {
		w, err := task.NewWASMExecutor(ctx, task.ModuleDir(modulesDir), task.WASMConfig{})
		if err != nil {
			return nil, nil, err
		}
		router.Handle("wasm", w)
		closeFn = w.Close
	}
	return router, closeFn, nil
}
