package domain

import (
	"testing"
	"time"
)

func TestRetryBackoff_Doubles(t *testing.T) {
	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
	}

	for _, tt := range tests {
		if got := RetryBackoff(tt.retryCount); got != tt.want {
			t.Errorf("RetryBackoff(%d) = %v, want %v", tt.retryCount, got, tt.want)
		}
	}
}

func TestRetryBackoff_Monotonic(t *testing.T) {
	prev := RetryBackoff(1)
	for i := 2; i <= MaxRetries; i++ {
		next := RetryBackoff(i)
		if next <= prev {
			t.Errorf("RetryBackoff(%d) = %v should exceed RetryBackoff(%d) = %v", i, next, i-1, prev)
		}
		prev = next
	}
}
