package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/escrow/pkg/report"
	"github.com/Mindburn-Labs/escrow/pkg/store"
)

// liteEnv points every command at a throwaway lite-mode data dir.
func liteEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("OTEL_ENABLED", "")
	t.Setenv("PAYMENT_BACKEND", "fake")
	t.Setenv("ARTIFACT_STORAGE_TYPE", "fs")
	t.Setenv("FAILURE_POLICY", "")
	t.Setenv("LOG_LEVEL", "ERROR")
	return dir
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"escrow"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func decodeOutput(t *testing.T, out string) reportOutput {
	t.Helper()
	var got reportOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got), out)
	require.NotNil(t, got.Report)
	return got
}

func TestRun_Dispatch(t *testing.T) {
	code, _, stderr := runCLI()
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "USAGE")

	code, stdout, _ := runCLI("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "demo")

	code, stdout, _ = runCLI("version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "escrow "+version+"\n", stdout)

	code, _, stderr = runCLI("refund-everything")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Unknown command: refund-everything")
}

func TestDemo_Scenarios(t *testing.T) {
	liteEnv(t)

	t.Run("a completes", func(t *testing.T) {
		code, stdout, _ := runCLI("demo", "--scenario", "a", "--json")
		require.Equal(t, 0, code)
		rep := decodeOutput(t, stdout).Report
		assert.Equal(t, report.StatusCompleted, rep.Status)
		assert.Equal(t, "2.80", rep.TotalSettled.Decimal())
		assert.True(t, rep.Refunded.IsZero())
		assert.Len(t, rep.Settlements, 3)
		assert.NoError(t, rep.Verify())
	})

	t.Run("b aborts and refunds", func(t *testing.T) {
		code, stdout, _ := runCLI("demo", "--scenario", "b", "--json")
		require.Equal(t, 3, code)
		rep := decodeOutput(t, stdout).Report
		assert.Equal(t, report.StatusAborted, rep.Status)
		assert.Equal(t, report.AbortTaskFailed, rep.AbortReason)
		assert.Equal(t, "0.50", rep.TotalSettled.Decimal())
		assert.Equal(t, "2.30", rep.Refunded.Decimal())
		require.Len(t, rep.TaskResults, 2)
		assert.Equal(t, report.OutcomeFailed, rep.TaskResults[1].Outcome)
	})

	t.Run("c lock rejected", func(t *testing.T) {
		code, stdout, stderr := runCLI("demo", "--scenario", "c", "--json")
		assert.Equal(t, 1, code)
		assert.Empty(t, stdout)
		assert.Contains(t, stderr, "payer account frozen")
	})

	t.Run("d short lock", func(t *testing.T) {
		code, stdout, _ := runCLI("demo", "--scenario", "d", "--json")
		assert.Equal(t, 1, code)
		rep := decodeOutput(t, stdout).Report
		assert.Equal(t, report.AbortLedgerInvariantViolation, rep.AbortReason)
		assert.Equal(t, "0.50", rep.TotalSettled.Decimal())
		assert.Equal(t, "1.50", rep.Refunded.Decimal())
	})

	t.Run("unknown scenario", func(t *testing.T) {
		code, _, stderr := runCLI("demo", "--scenario", "z")
		assert.Equal(t, 2, code)
		assert.Contains(t, stderr, "unknown scenario")
	})
}

func TestDemo_TextOutput(t *testing.T) {
	liteEnv(t)
	code, stdout, _ := runCLI("demo", "--scenario", "b")
	assert.Equal(t, 3, code)
	assert.Contains(t, stdout, "aborted")
	assert.Contains(t, stdout, "2.30 USD")
}

const testPlan = `version: "1.0"
currency: USD
payer: acct-1
input: churn by cohort
tasks:
  - id: research
    name: Research agent
    price: "0.50"
    recipient: agent-research
  - id: analysis
    price: "2.00"
    recipient: agent-analysis
`

func writePlan(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRunCmd_PersistsAndVerifies(t *testing.T) {
	dir := liteEnv(t)
	planPath := writePlan(t, dir, testPlan)

	code, stdout, stderr := runCLI("run", "--plan", planPath, "--json")
	require.Equal(t, 0, code, stderr)
	out := decodeOutput(t, stdout)
	rep := out.Report
	assert.Equal(t, report.StatusCompleted, rep.Status)
	assert.Equal(t, "2.50", rep.TotalSettled.Decimal())
	require.NotEmpty(t, out.ArchiveHash)
	assert.True(t, strings.HasPrefix(out.ArchiveHash, "sha256:"))
	assert.Equal(t, "churn by cohort", rep.TaskResults[0].Output.Content)

	code, stdout, _ = runCLI("reports", "--json")
	require.Equal(t, 0, code)
	var list []store.Summary
	require.NoError(t, json.Unmarshal([]byte(stdout), &list))
	require.Len(t, list, 1)
	assert.Equal(t, rep.RunID, list[0].RunID)

	code, stdout, _ = runCLI("verify", "--run", rep.RunID)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "OK")

	code, stdout, _ = runCLI("verify", "--hash", out.ArchiveHash)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "2 settlements")

	code, stdout, _ = runCLI("verify", "--run", "no-such-run")
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "FAIL")
}

func TestRunCmd_IdempotencyKeyBecomesRunID(t *testing.T) {
	dir := liteEnv(t)
	planPath := writePlan(t, dir, testPlan)

	code, stdout, stderr := runCLI("run", "--plan", planPath, "--idempotency-key", "order-42", "--json")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "order-42", decodeOutput(t, stdout).Report.RunID)
}

func TestRunCmd_SpendCapDenies(t *testing.T) {
	dir := liteEnv(t)
	planPath := writePlan(t, dir, testPlan+"budget_id: team-a\n")

	code, stdout, stderr := runCLI("run", "--plan", planPath, "--spend-cap", "1.00")
	assert.Equal(t, 1, code)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "budget exceeded")
}

func TestRunCmd_Usage(t *testing.T) {
	dir := liteEnv(t)

	code, _, stderr := runCLI("run")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "--plan is required")

	bad := writePlan(t, dir, "version: \"1.0\"\ncurrency: USD\ntasks: []\n")
	code, _, stderr = runCLI("run", "--plan", bad)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "invalid plan")
}

func TestVerifyCmd_RequiresOneSelector(t *testing.T) {
	liteEnv(t)
	code, _, _ := runCLI("verify")
	assert.Equal(t, 2, code)
	code, _, _ = runCLI("verify", "--run", "a", "--hash", "b")
	assert.Equal(t, 2, code)
}

func TestDoctor_LiteMode(t *testing.T) {
	liteEnv(t)
	code, stdout, _ := runCLI("doctor", "--json")
	require.Equal(t, 0, code)

	var got struct {
		OK     bool          `json:"ok"`
		Checks []checkResult `json:"checks"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.True(t, got.OK)

	byName := map[string]string{}
	for _, c := range got.Checks {
		byName[c.Name] = c.Status
	}
	assert.Equal(t, "ok", byName["database"])
	assert.Equal(t, "warn", byName["payment_backend"])
	assert.Equal(t, "warn", byName["idempotency"])
}

func TestDoctor_HTTPBackendNeedsSecret(t *testing.T) {
	liteEnv(t)
	t.Setenv("PAYMENT_BACKEND", "http")
	t.Setenv("PAYMENT_BACKEND_URL", "https://payments.example.com")
	t.Setenv("PAYMENT_BACKEND_SECRET", "")
	code, stdout, _ := runCLI("doctor")
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "PAYMENT_BACKEND_SECRET")
}
