package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Mindburn-Labs/escrow/pkg/config"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
//
// Exit codes:
//
//	0 = run completed / command succeeded
//	1 = run failed or command error
//	2 = usage error
//	3 = run aborted (funds reconciled)
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "run":
		return runRunCmd(args[2:], stdout, stderr)
	case "demo":
		return runDemoCmd(args[2:], stdout, stderr)
	case "reports":
		return runReportsCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "escrow %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sescrow %s%s\n", ColorBold+ColorBlue, version, ColorReset)
	fmt.Fprintf(w, "%sLock once, pay per finished task, refund the rest.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  escrow <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "RUNS")
	printCommand(w, "run", "Execute a task plan (--plan, --input, --idempotency-key, --json)")
	printCommand(w, "demo", "Run a built-in scenario against the fake backend (--scenario a|b|c|d)")

	printSection(w, "REPORTS")
	printCommand(w, "reports", "List stored run reports (--limit, --json)")
	printCommand(w, "verify", "Re-verify a stored or archived report (--run or --hash)")

	printSection(w, "UTILITIES")
	printCommand(w, "doctor", "Check configuration and dependencies (--json)")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-10s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// setupLogging routes structured logs to stderr at the configured level.
func setupLogging(cfg *config.Config, stderr io.Writer) {
	h := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	slog.SetDefault(slog.New(h))
}
