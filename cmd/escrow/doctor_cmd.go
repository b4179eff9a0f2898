package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/Mindburn-Labs/escrow/pkg/artifacts"
	"github.com/Mindburn-Labs/escrow/pkg/config"
	"github.com/Mindburn-Labs/escrow/pkg/idempotency"
	"github.com/Mindburn-Labs/escrow/pkg/orchestrator"
)

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "warn", "fail"
	Detail string `json:"detail,omitempty"`
}

// runDoctorCmd implements `escrow doctor`. It exits 1 when any check fails.
func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output results as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results := doctorChecks(ctx, cfg)
	allOK := true
	for _, r := range results {
		if r.Status == "fail" {
			allOK = false
		}
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{"ok": allOK, "checks": results})
	} else {
		for _, r := range results {
			color := ColorGreen
			switch r.Status {
			case "warn":
				color = ColorYellow
			case "fail":
				color = ColorRed
			}
			_, _ = fmt.Fprintf(stdout, "  %s%-5s%s %-16s %s\n", color, r.Status, ColorReset, r.Name, r.Detail)
		}
	}
	if !allOK {
		return 1
	}
	return 0
}

func doctorChecks(ctx context.Context, cfg *config.Config) []checkResult {
	results := []checkResult{{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}}

	if _, ok := orchestrator.ParsePolicy(cfg.FailurePolicy); ok {
		results = append(results, checkResult{Name: "failure_policy", Status: "ok", Detail: cfg.FailurePolicy})
	} else {
		results = append(results, checkResult{Name: "failure_policy", Status: "fail", Detail: fmt.Sprintf("unknown policy %q", cfg.FailurePolicy)})
	}

	results = append(results, checkPayment(cfg))
	results = append(results, checkDatabase(ctx, cfg))
	results = append(results, checkRedis(ctx, cfg))

	if _, err := artifacts.NewStoreFromEnv(ctx); err != nil {
		results = append(results, checkResult{Name: "artifact_store", Status: "fail", Detail: err.Error()})
	} else {
		results = append(results, checkResult{Name: "artifact_store", Status: "ok", Detail: cfg.ArtifactStorageType})
	}

	if cfg.LLMAPIKey == "" {
		results = append(results, checkResult{Name: "llm", Status: "warn", Detail: "LLM_API_KEY not set; llm tasks only work against a local server at " + cfg.LLMServiceURL})
	} else {
		results = append(results, checkResult{Name: "llm", Status: "ok", Detail: cfg.LLMModel + " at " + cfg.LLMServiceURL})
	}

	if cfg.OTelEnabled {
		results = append(results, checkResult{Name: "otel", Status: "ok", Detail: cfg.OTLPEndpoint})
	} else {
		results = append(results, checkResult{Name: "otel", Status: "warn", Detail: "OTEL_ENABLED not set; tracing disabled"})
	}
	return results
}

func checkPayment(cfg *config.Config) checkResult {
	switch cfg.PaymentBackend {
	case "", "fake":
		return checkResult{Name: "payment_backend", Status: "warn", Detail: "fake backend; no real money moves"}
	case "http":
		if cfg.PaymentBackendURL == "" || cfg.PaymentBackendSecret == "" {
			return checkResult{Name: "payment_backend", Status: "fail", Detail: "PAYMENT_BACKEND_URL and PAYMENT_BACKEND_SECRET are required"}
		}
		return checkResult{Name: "payment_backend", Status: "ok", Detail: cfg.PaymentBackendURL}
	default:
		return checkResult{Name: "payment_backend", Status: "fail", Detail: fmt.Sprintf("unknown backend %q", cfg.PaymentBackend)}
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) checkResult {
	if cfg.LiteMode() {
		if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
			return checkResult{Name: "database", Status: "fail", Detail: err.Error()}
		}
		probe := filepath.Join(cfg.DataDir, ".doctor")
		if err := os.WriteFile(probe, nil, 0600); err != nil {
			return checkResult{Name: "database", Status: "fail", Detail: "data dir not writable: " + err.Error()}
		}
		_ = os.Remove(probe)
		return checkResult{Name: "database", Status: "ok", Detail: "lite mode, sqlite under " + cfg.DataDir}
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return checkResult{Name: "database", Status: "fail", Detail: err.Error()}
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return checkResult{Name: "database", Status: "fail", Detail: "postgres unreachable: " + err.Error()}
	}
	return checkResult{Name: "database", Status: "ok", Detail: "postgres reachable"}
}

func checkRedis(ctx context.Context, cfg *config.Config) checkResult {
	if cfg.RedisAddr == "" {
		return checkResult{Name: "idempotency", Status: "warn", Detail: "REDIS_ADDR not set; submission keys are process-local"}
	}
	g := idempotency.NewRedisGuard(cfg.RedisAddr, "", 0, idempotency.DefaultTTL)
	defer func() { _ = g.Close() }()
	if err := g.Ping(ctx); err != nil {
		return checkResult{Name: "idempotency", Status: "fail", Detail: "redis unreachable: " + err.Error()}
	}
	return checkResult{Name: "idempotency", Status: "ok", Detail: "redis at " + cfg.RedisAddr}
}
