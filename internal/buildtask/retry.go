package buildtask

import (
	"math/rand/v2"
	"time"
)

// backoffDuration returns how long to wait before the given retry.
// It grows base by 1.5 per retry up to the thirteenth retry (retry 12)
// and adds or subtracts up to 50% of jitter.
// With a 0.5s base the last interval is (32.4s, 97.4s).
func backoffDuration(base time.Duration, retry int) time.Duration {
	n := min(max(retry, 0), 12)
	duration := int64(base)

	for i := 0; i < n; i++ {
		duration /= 2
		duration *= 3
	}

	if duration <= 0 {
		return 0
	}
	jitter := rand.Int64N(duration) - duration/2
	return time.Duration(duration + jitter)
}
