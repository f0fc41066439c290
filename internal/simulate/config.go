// Package simulate drives a running irtcat service end to end with synthetic
// examinees whose abilities and item parameters are known.
package simulate

import "time"

// Config holds configuration for a simulation run.
type Config struct {
	BaseURL        string        // Base URL of the service
	Items          int           // Size of the synthetic item bank
	Domains        []string      // Content domains cycled over the bank
	Examinees      int           // Examinees answering the bank for calibration
	ShadowSessions int           // Fixed-form sessions submitted for shadow replay
	Duplicates     int           // Shadow sessions resent to check idempotency
	LiveSessions   int           // Adaptive sessions run through /sessions
	BatchSize      int           // Responses per POST /responses
	Workers        int           // Concurrent HTTP workers
	Seed           uint64        // Seed for the synthetic population
	Timeout        time.Duration // HTTP request timeout
	PollInterval   time.Duration // Delay between status polls
	WaitTimeout    time.Duration // Bound on waiting for calibration or replay
	OutputFile     string        // Optional JSON dump of the true population
	Verbose        bool          // Enable verbose logging
}

// DefaultConfig returns a configuration sized for a local service.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        "http://localhost:9080",
		Items:          60,
		Domains:        []string{"verbal", "numerical", "spatial"},
		Examinees:      1000,
		ShadowSessions: 200,
		Duplicates:     20,
		LiveSessions:   50,
		BatchSize:      2000,
		Workers:        8,
		Seed:           42,
		Timeout:        30 * time.Second,
		PollInterval:   500 * time.Millisecond,
		WaitTimeout:    10 * time.Minute,
	}
}

// Stats holds simulation results.
type Stats struct {
	ItemsUploaded     int
	ResponsesUploaded int

	CalibrationRunID          string
	CalibrationStatus         string
	ItemsCalibrated           int
	DifficultyCorrelation     float64
	DifficultyRMSE            float64
	DiscriminationCorrelation float64
	DiscriminationRMSE        float64

	ShadowSubmitted int
	ShadowAccepted  int
	ShadowDuplicate int
	ShadowFailed    int
	ShadowReplayed  int
	ShadowPearson   *float64

	LiveCompleted int
	LiveFailed    int
	LiveMeanItems float64
	LiveThetaRMSE float64

	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
}
