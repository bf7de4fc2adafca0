package resilience

import (
	"math"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Config bounds the outbound calls the worker makes per scan: the result
// write to Postgres and the completion publish to NATS.
type Config struct {
	Retry   RetryPolicy
	Breaker BreakerPolicy
}

type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

type BreakerPolicy struct {
	Enabled          bool
	MinRequests      uint32
	FailureRatio     float64
	OpenTimeout      time.Duration
	HalfOpenMaxCalls uint32
}

// DefaultConfig rides out a Postgres failover or a NATS reconnect within a few
// seconds of backoff. The breaker opens only after a handful of scans in a row
// fail, so one bad record never blocks the next.
func DefaultConfig() Config {
	return Config{
		Retry: RetryPolicy{
			MaxAttempts:    4,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     time.Second,
			Multiplier:     2.0,
		},
		Breaker: BreakerPolicy{
			Enabled:          true,
			MinRequests:      5,
			FailureRatio:     0.5,
			OpenTimeout:      15 * time.Second,
			HalfOpenMaxCalls: 1,
		},
	}
}

// Backoff returns the wait before the attempt following attempt n (1-based).
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	wait := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(n-1))
	if wait >= float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(wait)
}

// TotalBackoff is the longest a single call can spend waiting between attempts.
func (p RetryPolicy) TotalBackoff() time.Duration {
	var total time.Duration
	for n := 1; n < p.MaxAttempts; n++ {
		total += p.Backoff(n)
	}
	return total
}

func (p BreakerPolicy) shouldTrip(counts gobreaker.Counts) bool {
	if counts.Requests < p.MinRequests {
		return false
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= p.FailureRatio
}

func (c Config) normalize() Config {
	out := c
	def := DefaultConfig()

	r := &out.Retry
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = def.Retry.MaxAttempts
	}
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = def.Retry.InitialBackoff
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = def.Retry.MaxBackoff
	}
	r.MaxBackoff = max(r.MaxBackoff, r.InitialBackoff)
	if r.Multiplier < 1.0 {
		r.Multiplier = def.Retry.Multiplier
	}

	b := &out.Breaker
	if b.MinRequests == 0 {
		b.MinRequests = def.Breaker.MinRequests
	}
	if b.FailureRatio <= 0 || b.FailureRatio > 1 {
		b.FailureRatio = def.Breaker.FailureRatio
	}
	if b.OpenTimeout <= 0 {
		b.OpenTimeout = def.Breaker.OpenTimeout
	}
	if b.HalfOpenMaxCalls == 0 {
		b.HalfOpenMaxCalls = def.Breaker.HalfOpenMaxCalls
	}
	return out
}
