package outboxsync_test

import (
	"testing"
	"time"

	"github.com/imarsiglia/outboxsync"
)

func TestExponentialBackoff(t *testing.T) {
	backoff := outboxsync.Exponential(100*time.Millisecond, 2, time.Second)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: -1, want: 100 * time.Millisecond},
		{attempt: 0, want: 100 * time.Millisecond},
		{attempt: 1, want: 200 * time.Millisecond},
		{attempt: 2, want: 400 * time.Millisecond},
		{attempt: 4, want: time.Second}, // capped by max
		{attempt: 10, want: time.Second},
	}

	for _, tt := range tests {
		if got := backoff(tt.attempt); got != tt.want {
			t.Fatalf("backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestDefaultBackoff(t *testing.T) {
	backoff := outboxsync.DefaultBackoff()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 2 * time.Second},
		{attempt: 2, want: 4 * time.Second},
		{attempt: 5, want: 32 * time.Second},
		{attempt: 6, want: time.Minute},
		{attempt: 10, want: time.Minute},
		{attempt: 1000, want: time.Minute},
	}

	for _, tt := range tests {
		if got := backoff(tt.attempt); got != tt.want {
			t.Fatalf("DefaultBackoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}
