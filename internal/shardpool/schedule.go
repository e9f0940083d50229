package shardpool

import (
	"math/rand"
	"time"
)

// ReconnectionSchedule is a stateful generator of delays, in milliseconds,
// between successive reconnection attempts. A schedule is not restartable:
// once exhausted of meaning for one connector it is either discarded or
// carried over verbatim to the connector's replacement (see
// ConnectionPool.scheduleReconnect).
type ReconnectionSchedule interface {
	NextDelayMs() uint64
}

// ReconnectionPolicy produces fresh ReconnectionSchedule values and names
// itself for logging, mirroring the driver's reconnection_policy interface.
type ReconnectionPolicy interface {
	NewSchedule() ReconnectionSchedule
	Name() string
}

// ExponentialReconnectionPolicy doubles the delay on each attempt, up to
// MaxDelay, with up to JitterFraction of additional randomized delay so that
// many pools reconnecting at once don't all retry in lockstep. The jitter is
// additive and the MaxDelay cap applies after it, so once the cap is reached
// every attempt waits exactly MaxDelay, and delays from the same schedule are
// non-decreasing across attempts (exercised by
// TestExponentialReconnectionPolicyDelaysAreNonDecreasing).
type ExponentialReconnectionPolicy struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64 // e.g. 0.1 for +/-0%..+10% additive jitter

	// rng is overridable in tests for deterministic jitter; nil gives each
	// new schedule its own time-seeded source.
	rng *rand.Rand
}

// NewExponentialReconnectionPolicy returns a policy with the given base and
// cap, and a modest 10% additive jitter.
func NewExponentialReconnectionPolicy(base, max time.Duration) *ExponentialReconnectionPolicy {
	return &ExponentialReconnectionPolicy{
		BaseDelay:      base,
		MaxDelay:       max,
		JitterFraction: 0.1,
	}
}

func (p *ExponentialReconnectionPolicy) Name() string { return "exponential" }

func (p *ExponentialReconnectionPolicy) NewSchedule() ReconnectionSchedule {
	rng := p.rng
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &exponentialSchedule{policy: p, rng: rng}
}

type exponentialSchedule struct {
	policy  *ExponentialReconnectionPolicy
	attempt int
	rng     *rand.Rand
}

func (s *exponentialSchedule) NextDelayMs() uint64 {
	delay := s.policy.BaseDelay
	for i := 0; i < s.attempt && delay < s.policy.MaxDelay; i++ {
		delay *= 2
	}
	if delay > s.policy.MaxDelay {
		delay = s.policy.MaxDelay
	}
	s.attempt++

	ms := uint64(delay.Milliseconds())
	if s.policy.JitterFraction > 0 {
		jitter := uint64(float64(ms) * s.policy.JitterFraction * s.rng.Float64())
		ms += jitter
	}
	if maxMs := uint64(s.policy.MaxDelay.Milliseconds()); ms > maxMs {
		ms = maxMs
	}
	return ms
}

// ConstantReconnectionSchedule always yields the same delay. Useful for
// tests and for a FixedReconnectionPolicy that favors predictability over
// backoff.
type ConstantReconnectionSchedule struct {
	DelayMs uint64
}

func (s ConstantReconnectionSchedule) NextDelayMs() uint64 { return s.DelayMs }

// FixedReconnectionPolicy reconnects after the same delay every time.
type FixedReconnectionPolicy struct {
	DelayMs uint64
}

func (p FixedReconnectionPolicy) Name() string { return "fixed" }

func (p FixedReconnectionPolicy) NewSchedule() ReconnectionSchedule {
	return ConstantReconnectionSchedule{DelayMs: p.DelayMs}
}
