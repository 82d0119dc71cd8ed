package outbox

import (
	"testing"
	"time"
)

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxAttempts != 8 {
		t.Errorf("Expected MaxAttempts to be 8, got %d", config.MaxAttempts)
	}
	if config.InitialDelay != time.Minute {
		t.Errorf("Expected InitialDelay to be 1m, got %v", config.InitialDelay)
	}
	if config.MaxDelay != time.Hour {
		t.Errorf("Expected MaxDelay to be 1h, got %v", config.MaxDelay)
	}
	if config.BackoffMultiplier != 2.0 {
		t.Errorf("Expected BackoffMultiplier to be 2.0, got %v", config.BackoffMultiplier)
	}
}

func TestNewRetryPolicy_Defaults(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{MaxAttempts: -1, InitialDelay: 0, MaxDelay: -time.Second, BackoffMultiplier: 0.5})

	if policy.config.MaxAttempts != 8 {
		t.Errorf("Expected MaxAttempts to default to 8, got %d", policy.config.MaxAttempts)
	}
	if policy.config.InitialDelay != time.Minute {
		t.Errorf("Expected InitialDelay to default to 1m, got %v", policy.config.InitialDelay)
	}
	if policy.config.MaxDelay != time.Hour {
		t.Errorf("Expected MaxDelay to default to 1h, got %v", policy.config.MaxDelay)
	}
	if policy.config.BackoffMultiplier != 2.0 {
		t.Errorf("Expected BackoffMultiplier to default to 2.0, got %v", policy.config.BackoffMultiplier)
	}
}

func TestRetryPolicy_NextRetryDelay(t *testing.T) {
	policy := NewRetryPolicy(DefaultRetryConfig())

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{6, 32 * time.Minute},
		{7, time.Hour},
		{20, time.Hour},
	}
	for _, tt := range tests {
		if got := policy.NextRetryDelay(tt.attempts); got != tt.want {
			t.Errorf("NextRetryDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{MaxAttempts: 3})

	if !policy.ShouldRetry(2) {
		t.Error("Expected retry after 2 attempts")
	}
	if policy.ShouldRetry(3) {
		t.Error("Expected no retry after 3 attempts")
	}
}
