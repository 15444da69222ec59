package buildtask

import (
	"testing"
	"time"
)

func TestBackoffDuration(t *testing.T) {
	base := 500 * time.Millisecond
	tests := []struct {
		retry    int
		min, max time.Duration
	}{
		{0, 250 * time.Millisecond, 750 * time.Millisecond},
		{1, 375 * time.Millisecond, 1125 * time.Millisecond},
		{12, 32 * time.Second, 98 * time.Second},
		{100, 32 * time.Second, 98 * time.Second},
		{-1, 250 * time.Millisecond, 750 * time.Millisecond},
	}

	for _, tt := range tests {
		for i := 0; i < 100; i++ {
			got := backoffDuration(base, tt.retry)
			if got < tt.min || got > tt.max {
				t.Fatalf("got %v for retry %d, want between %v and %v", got, tt.retry, tt.min, tt.max)
			}
		}
	}

	if got := backoffDuration(0, 3); got != 0 {
		t.Fatalf("got %v, want 0", got)
	}
}
