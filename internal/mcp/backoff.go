package mcp

import (
	"math"
	"math/rand"
	"time"
)

// backoffPolicy is the one reconnection policy the Connection Manager
// needs:
// delay(attempt) = min(base * 2^attempt, cap), ±10% jitter, unbounded retry.
type backoffPolicy struct {
	BaseMs   float64
	CapMs    float64
	JitterPc float64
}

func defaultBackoffPolicy() backoffPolicy {
	return backoffPolicy{BaseMs: 100, CapMs: 3000, JitterPc: 0.1}
}

// computeBackoff returns the delay for the given attempt (attempt 0 yields
// the base delay; the manager's reconnect attempts start at 1), with an
// injectable random source for deterministic tests.
func computeBackoff(p backoffPolicy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt), 0)
	base := p.BaseMs * math.Pow(2, exp)
	jitter := base * p.JitterPc * (2*randomValue - 1)
	total := math.Min(p.CapMs, math.Max(0, base+jitter))
	return time.Duration(math.Round(total)) * time.Millisecond
}

func (p backoffPolicy) delay(attempt int) time.Duration {
	return computeBackoff(p, attempt, rand.Float64()) // #nosec G404 -- jitter, not security sensitive
}
