package health

import (
	"context"
	"time"
)

// CheckType represents the type of probe
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
)

// Result represents the outcome of one probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes one platform endpoint
type Checker interface {
	// Check performs the probe and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of probe
	Type() CheckType
}

// Config controls how often endpoints are probed
type Config struct {
	// Interval is the time between probes
	Interval time.Duration

	// Timeout bounds a single probe
	Timeout time.Duration

	// Retries is the number of consecutive failures before a target is
	// reported unreachable
	Retries int
}

// DefaultConfig returns the probe defaults
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
		Retries:  3,
	}
}

// Status tracks the reachability of one target
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result

	// Healthy stays true until Retries consecutive failures
	Healthy bool
}

// NewStatus creates a status that starts healthy
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update folds a probe result into the status and reports whether the
// healthy flag changed
func (s *Status) Update(result Result, config Config) bool {
	was := s.Healthy
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
		if s.ConsecutiveFailures >= config.Retries {
			s.Healthy = false
		}
	}
	return was != s.Healthy
}
