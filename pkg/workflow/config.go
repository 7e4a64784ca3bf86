package workflow

import (
	"fmt"
	"time"
)

// PauseMode decides what pausing a workflow does to enrollments in flight.
type PauseMode string

const (
	// PauseStopNewEnrollment blocks new enrollments; active ones keep running.
	PauseStopNewEnrollment PauseMode = "stop_new_enrollment"

	// PauseFreezeProgress also holds every active enrollment of the workflow
	// until it is activated again.
	PauseFreezeProgress PauseMode = "freeze_progress"
)

func ParsePauseMode(s string) (PauseMode, error) {
	switch PauseMode(s) {
	case "", PauseStopNewEnrollment:
		return PauseStopNewEnrollment, nil
	case PauseFreezeProgress:
		return PauseFreezeProgress, nil
	default:
		return "", fmt.Errorf("unknown pause mode %q", s)
	}
}

// Config tunes the executor and the poll pass.
type Config struct {
	PauseMode PauseMode

	// LeaseTTL is how long a claimed enrollment stays invisible to other passes.
	LeaseTTL time.Duration

	// BatchSize caps the due enrollments picked up by one pass.
	BatchSize int

	// Concurrency is the number of enrollments executed in parallel in a pass.
	Concurrency int

	Retry RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		PauseMode:   PauseStopNewEnrollment,
		LeaseTTL:    5 * time.Minute,
		BatchSize:   100,
		Concurrency: 4,
		Retry: RetryPolicy{
			MaxAttempts:         5,
			InitialInterval:     15 * time.Minute,
			MaxInterval:         6 * time.Hour,
			Multiplier:          2,
			RandomizationFactor: 0.2,
		},
	}
}

func (c Config) freezesProgress() bool {
	return c.PauseMode == PauseFreezeProgress
}
