package simulate

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/okian/irtcat/pkg/logger"
)

// File permission constants.
const (
	logFilePermission = 0o600
)

// SetupLogging logs to stdout and to logFile. If logFile is empty, a
// timestamped filename is generated.
func SetupLogging(logFile string, verbose bool) (io.Closer, error) {
	if logFile == "" {
		logFile = "simulate_" + time.Now().Format("20060102_150405") + ".log"
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermission)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	if err := logger.Init(logger.WithOutput(io.MultiWriter(os.Stdout, file))); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if verbose {
		_ = logger.SetLevelString("debug")
	}
	logger.Get().Info(context.Background(), "logging to file", logger.String("logFile", logFile))
	return file, nil
}

// ShowHelp prints usage information for the simulator.
func ShowHelp() {
	os.Stdout.WriteString(`irtcat simulator
================

Drives a running irtcat service with a synthetic 2PL population: uploads an
item bank and responses, forces a calibration and checks parameter recovery,
submits fixed-form sessions for shadow replay and runs live adaptive sessions.

Usage:
  go run ./cmd/simulate [options]

Options:
  -url string          Base URL of the service (default "http://localhost:9080")
  -items int           Size of the item bank (default 60)
  -examinees int       Calibration cohort size (default 1000)
  -shadow int          Fixed-form sessions for shadow replay (default 200)
  -duplicates int      Shadow sessions resent to check idempotency (default 20)
  -live int            Live adaptive sessions (default 50)
  -workers int         Concurrent HTTP workers (default 8)
  -seed uint           Population seed (default 42)
  -timeout duration    HTTP request timeout (default 30s)
  -wait duration       Bound on waiting for calibration or replay (default 10m)
  -output string       Write the true population as JSON
  -log string          Log file (default: simulate_TIMESTAMP.log)
  -verbose             Enable verbose logging
  -help                Show this help message

Examples:
  # Full run against a local service
  go run ./cmd/simulate

  # Small smoke run
  go run ./cmd/simulate -items 20 -examinees 300 -shadow 20 -live 5
`)
}
