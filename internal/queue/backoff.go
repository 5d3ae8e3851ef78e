package queue

import (
	"math"
	"math/rand"
	"time"
)

// BackoffKind selects the retry delay function.
type BackoffKind string

const (
	BackoffFixed             BackoffKind = "fixed"
	BackoffExponential       BackoffKind = "exponential"
	BackoffExponentialJitter BackoffKind = "exponential-jitter"
)

// Backoff is a retry policy. Delay is a deterministic pure function of
// (attemptsMade, policy) except when Kind is exponential-jitter, where the
// jitter source is an injected rand.Rand so callers can still get
// reproducible output in tests.
type Backoff struct {
	Kind        BackoffKind
	BaseMs      int64
	Factor      float64 // exponential/exponential-jitter only, default 2
	CapMs       int64
	JitterRatio float64 // exponential-jitter only, in [0,1]
}

// Delay computes the retry delay for a job that has failed attemptsMade
// times (1-indexed: the first failure passes attemptsMade=1).
func (b Backoff) Delay(attemptsMade int, rng *rand.Rand) time.Duration {
	switch b.Kind {
	case BackoffFixed:
		return capMs(b.BaseMs, b.CapMs)
	case BackoffExponential:
		return capMs(exponentialMs(b.BaseMs, b.Factor, attemptsMade), b.CapMs)
	case BackoffExponentialJitter:
		base := exponentialMs(b.BaseMs, b.Factor, attemptsMade)
		capped := capMs(base, b.CapMs)
		if rng == nil {
			return time.Duration(capped) * time.Millisecond
		}
		jitter := float64(capped) * b.JitterRatio
		delta := (rng.Float64()*2 - 1) * jitter // +/- jitter
		ms := float64(capped) + delta
		if ms < 0 {
			ms = 0
		}
		return time.Duration(ms) * time.Millisecond
	default:
		return capMs(b.BaseMs, b.CapMs)
	}
}

func exponentialMs(baseMs int64, factor float64, attemptsMade int) int64 {
	if factor <= 0 {
		factor = 2
	}
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	ms := float64(baseMs) * math.Pow(factor, float64(attemptsMade-1))
	return int64(ms)
}

func capMs(ms int64, capVal int64) time.Duration {
	if capVal > 0 && ms > capVal {
		ms = capVal
	}
	return time.Duration(ms) * time.Millisecond
}
