package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/okian/irtcat/internal/simulate"
)

const defaultRunTimeout = 30 * time.Minute

func main() {
	def := simulate.DefaultConfig()
	var (
		baseURL    = flag.String("url", def.BaseURL, "Base URL of the service")
		items      = flag.Int("items", def.Items, "Size of the item bank")
		examinees  = flag.Int("examinees", def.Examinees, "Calibration cohort size")
		shadowN    = flag.Int("shadow", def.ShadowSessions, "Fixed-form sessions for shadow replay")
		duplicates = flag.Int("duplicates", def.Duplicates, "Shadow sessions resent to check idempotency")
		live       = flag.Int("live", def.LiveSessions, "Live adaptive sessions")
		workers    = flag.Int("workers", def.Workers, "Concurrent HTTP workers")
		seed       = flag.Uint64("seed", def.Seed, "Population seed")
		timeout    = flag.Duration("timeout", def.Timeout, "HTTP request timeout")
		wait       = flag.Duration("wait", def.WaitTimeout, "Bound on waiting for calibration or replay")
		outputFile = flag.String("output", "", "Write the true population as JSON")
		logFile    = flag.String("log", "", "Log file (default: simulate_TIMESTAMP.log)")
		verbose    = flag.Bool("verbose", false, "Enable verbose logging")
		help       = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		simulate.ShowHelp()
		return
	}

	closer, err := simulate.SetupLogging(*logFile, *verbose)
	if err != nil {
		os.Stderr.WriteString("Failed to setup logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = closer.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, defaultRunTimeout)
	defer cancel()

	cfg := simulate.DefaultConfig()
	cfg.BaseURL = *baseURL
	cfg.Items = *items
	cfg.Examinees = *examinees
	cfg.ShadowSessions = *shadowN
	cfg.Duplicates = *duplicates
	cfg.LiveSessions = *live
	cfg.Workers = *workers
	cfg.Seed = *seed
	cfg.Timeout = *timeout
	cfg.WaitTimeout = *wait
	cfg.OutputFile = *outputFile
	cfg.Verbose = *verbose

	if _, err := simulate.Run(ctx, cfg); err != nil {
		os.Stderr.WriteString("Simulation failed: " + err.Error() + "\n")
		stop()
		os.Exit(1) //nolint:gocritic // deferred cleanup is best effort
	}
}
