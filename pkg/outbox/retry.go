package outbox

import (
	"math"
	"time"
)

// RetryConfig configures redelivery of failed events
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       8,
		InitialDelay:      time.Minute,
		MaxDelay:          time.Hour,
		BackoffMultiplier: 2.0,
	}
}

// RetryPolicy implements exponential backoff between delivery attempts
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy, filling unset fields with defaults
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	defaults := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.BackoffMultiplier <= 1.0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	return &RetryPolicy{config: config}
}

// ShouldRetry reports whether an event that has failed attempts times gets another try
func (p *RetryPolicy) ShouldRetry(attempts int) bool {
	return attempts < p.config.MaxAttempts
}

// NextRetryDelay returns the wait after the given number of failed attempts
func (p *RetryPolicy) NextRetryDelay(attempts int) time.Duration {
	if attempts <= 1 {
		return p.config.InitialDelay
	}

	// delay = initialDelay * multiplier^(attempts-1)
	delay := float64(p.config.InitialDelay) * math.Pow(p.config.BackoffMultiplier, float64(attempts-1))
	if delay > float64(p.config.MaxDelay) {
		return p.config.MaxDelay
	}
	return time.Duration(delay)
}
