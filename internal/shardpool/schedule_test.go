package shardpool_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xnavratil/shard-pool/internal/shardpool"
)

func TestExponentialReconnectionPolicyDelaysAreNonDecreasing(t *testing.T) {
	policy := shardpool.NewExponentialReconnectionPolicy(10*msDuration, 1000*msDuration)
	schedule := policy.NewSchedule()

	var prev uint64
	for i := 0; i < 10; i++ {
		delay := schedule.NextDelayMs()
		assert.GreaterOrEqual(t, delay, prev)
		prev = delay
	}
}

func TestExponentialReconnectionPolicyCapsAtMaxDelay(t *testing.T) {
	policy := shardpool.NewExponentialReconnectionPolicy(10*msDuration, 100*msDuration)
	policy.JitterFraction = 0 // isolate the cap from jitter noise
	schedule := policy.NewSchedule()

	var last uint64
	for i := 0; i < 20; i++ {
		last = schedule.NextDelayMs()
	}
	assert.Equal(t, uint64(100), last)
}

func TestFixedReconnectionPolicyAlwaysReturnsSameDelay(t *testing.T) {
	policy := shardpool.FixedReconnectionPolicy{DelayMs: 250}
	schedule := policy.NewSchedule()

	for i := 0; i < 5; i++ {
		assert.Equal(t, uint64(250), schedule.NextDelayMs())
	}
}

const msDuration = 1000000 // nanoseconds per millisecond, as a time.Duration multiplier
