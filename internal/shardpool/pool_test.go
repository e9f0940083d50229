package shardpool_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xnavratil/shard-pool/internal/shardpool"
)

// fakeConnection is an in-memory shardpool.Connection for tests.
type fakeConnection struct {
	shardID  int32
	inflight atomic.Uint32

	closing   atomic.Bool
	closeOnce sync.Once
	listener  func(shardpool.Connection)
}

func newFakeConnection(shardID int32) *fakeConnection {
	return &fakeConnection{shardID: shardID}
}

func (c *fakeConnection) ShardID() int32               { return c.shardID }
func (c *fakeConnection) InflightRequestCount() uint32 { return c.inflight.Load() }
func (c *fakeConnection) IsClosing() bool              { return c.closing.Load() }
func (c *fakeConnection) Flush()                       {}

func (c *fakeConnection) SetCloseListener(fn func(shardpool.Connection)) { c.listener = fn }

func (c *fakeConnection) Close() {
	c.closing.Store(true)
	c.closeOnce.Do(func() {
		if c.listener != nil {
			c.listener(c)
		}
	})
}

// fakeConnector is a scriptable shardpool.Connector. Each call to Connect
// pulls the next outcome from outcomes (looping on the last one if
// exhausted), or calls outcomeFn if set.
type fakeConnector struct {
	mu       sync.Mutex
	outcomes []fakeOutcome
	calls    int

	outcomeFn func(opts shardpool.ConnectOptions) fakeOutcome
}

type fakeOutcome struct {
	shardID  int32
	err      *shardpool.ConnectError
	canceled bool
}

func (f *fakeConnector) Connect(ctx context.Context, host string, opts shardpool.ConnectOptions) (shardpool.Connection, error) {
	f.mu.Lock()
	f.calls++
	var outcome fakeOutcome
	if f.outcomeFn != nil {
		outcome = f.outcomeFn(opts)
	} else if len(f.outcomes) > 0 {
		idx := f.calls - 1
		if idx >= len(f.outcomes) {
			idx = len(f.outcomes) - 1
		}
		outcome = f.outcomes[idx]
	}
	f.mu.Unlock()

	if outcome.err != nil {
		return nil, outcome.err
	}
	return newFakeConnection(outcome.shardID), nil
}

func (f *fakeConnector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeListener records pool lifecycle notifications for assertions.
type fakeListener struct {
	mu          sync.Mutex
	ups, downs  int
	criticalErr *shardpool.ErrorCode
	closed      bool
}

func (l *fakeListener) OnPoolUp(string) {
	l.mu.Lock()
	l.ups++
	l.mu.Unlock()
}

func (l *fakeListener) OnPoolDown(string) {
	l.mu.Lock()
	l.downs++
	l.mu.Unlock()
}

func (l *fakeListener) OnPoolCriticalError(_ string, code shardpool.ErrorCode, _ string) {
	l.mu.Lock()
	l.criticalErr = &code
	l.mu.Unlock()
}

func (l *fakeListener) OnClose(*shardpool.ConnectionPool) {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

func (l *fakeListener) OnRequiresFlush(*shardpool.ConnectionPool) {}

func (l *fakeListener) snapshot() (ups, downs int, closed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ups, l.downs, l.closed
}

// immediateSchedule fires with zero delay, every time, so tests don't have
// to wait out real backoff.
type immediateSchedule struct{}

func (immediateSchedule) NextDelayMs() uint64 { return 0 }

type immediatePolicy struct{}

func (immediatePolicy) Name() string { return "immediate" }
func (immediatePolicy) NewSchedule() shardpool.ReconnectionSchedule {
	return immediateSchedule{}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func newTestPool(t *testing.T, connector *fakeConnector, seeds []shardpool.Connection, sharding *shardpool.ShardingInfo,
	numConnsPerHost uint32, listener shardpool.ConnectionPoolListener) (*shardpool.ConnectionPool, *shardpool.Loop) {
	t.Helper()
	loop := shardpool.NewLoop()
	t.Cleanup(loop.Stop)

	settings := shardpool.ConnectionPoolSettings{
		NumConnectionsPerHost: numConnsPerHost,
		ReconnectionPolicy:    immediatePolicy{},
	}
	pool := shardpool.NewConnectionPool(loop, "host:9042", connector, seeds, sharding, settings,
		listener, nil, shardpool.NewShardPortCalculator(40000, 40010), "", 4)
	return pool, loop
}

// S1: a freshly constructed pool with no seeds connects up to its target
// and reports itself up.
func TestNewConnectionPoolFillsDeficitAndReportsUp(t *testing.T) {
	connector := &fakeConnector{outcomes: []fakeOutcome{{shardID: 0}}}
	listener := &fakeListener{}

	pool, _ := newTestPool(t, connector, nil, nil, 3, listener)

	waitFor(t, time.Second, func() bool { return connector.callCount() >= 3 })
	ups, _, _ := listener.snapshot()
	assert.GreaterOrEqual(t, ups, 1)

	best := pool.FindLeastBusy(shardpool.SentinelToken)
	assert.NotNil(t, best)
}

// S2: seeds that fit under the per-shard target are adopted rather than
// re-dialed.
func TestNewConnectionPoolAdoptsSeedsUpToTarget(t *testing.T) {
	seed := newFakeConnection(0)
	connector := &fakeConnector{outcomes: []fakeOutcome{{shardID: 0}}}

	pool, _ := newTestPool(t, connector, []shardpool.Connection{seed}, nil, 1, &fakeListener{})

	// Target is already met by the seed; no reconnects should fire.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, connector.callCount())

	best := pool.FindLeastBusy(shardpool.SentinelToken)
	require.NotNil(t, best)
	assert.Equal(t, int32(0), best.ShardID())
}

// S3: losing a connection schedules a reconnect that refills the same
// shard, not an arbitrary one.
func TestClosingAConnectionRefillsItsOwnShard(t *testing.T) {
	sharding := &shardpool.ShardingInfo{ShardsCount: 2, IgnoreMSB: 0, ShardAwarePort: 19042}
	var lastDesired atomic.Int32
	connector := &fakeConnector{outcomeFn: func(opts shardpool.ConnectOptions) fakeOutcome {
		if opts.DesiredShardNum != nil {
			lastDesired.Store(*opts.DesiredShardNum)
			return fakeOutcome{shardID: *opts.DesiredShardNum}
		}
		lastDesired.Store(-1)
		return fakeOutcome{shardID: 0}
	}}

	pool, _ := newTestPool(t, connector, nil, sharding, 2, &fakeListener{})

	waitFor(t, time.Second, func() bool { return connector.callCount() >= 2 })

	shard0 := pool.FindLeastBusy(shardpool.SentinelToken)
	require.NotNil(t, shard0)

	closedShard := shard0.ShardID()
	before := connector.callCount()
	shard0.Close()

	waitFor(t, time.Second, func() bool { return connector.callCount() > before })
	assert.Equal(t, closedShard, lastDesired.Load(), "reconnect must target the closed connection's shard")
}

// S4: a critical connect error tears the whole pool down and never
// schedules another connector.
func TestCriticalErrorClosesPool(t *testing.T) {
	connector := &fakeConnector{outcomes: []fakeOutcome{
		{err: &shardpool.ConnectError{Code: shardpool.ErrorCodeAuthFailed, Critical: true, Message: "bad creds"}},
	}}
	listener := &fakeListener{}

	pool, _ := newTestPool(t, connector, nil, nil, 3, listener)

	waitFor(t, time.Second, func() bool {
		_, notify := pool.State()
		return notify == shardpool.NotifyStateCritical
	})

	waitFor(t, time.Second, func() bool {
		closeState, _ := pool.State()
		return closeState == shardpool.CloseStateClosed
	})

	callsAtClose := connector.callCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, callsAtClose, connector.callCount(), "no further connectors after critical error")
}

// S5: a transient connect error is retried rather than torn down.
func TestTransientErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	connector := &fakeConnector{outcomeFn: func(shardpool.ConnectOptions) fakeOutcome {
		n := calls.Add(1)
		if n == 1 {
			return fakeOutcome{err: &shardpool.ConnectError{Code: shardpool.ErrorCodeConnectionRefused}}
		}
		return fakeOutcome{shardID: 0}
	}}

	pool, _ := newTestPool(t, connector, nil, nil, 1, &fakeListener{})

	waitFor(t, time.Second, func() bool {
		return pool.FindLeastBusy(shardpool.SentinelToken) != nil
	})
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

// S6: Close drains every live connection and pending connector, then fires
// OnClose exactly once, leaving no goroutines behind.
func TestCloseDrainsEverythingAndLeaksNoGoroutines(t *testing.T) {
	defer leaktest.Check(t)()

	connector := &fakeConnector{outcomes: []fakeOutcome{{shardID: 0}}}
	listener := &fakeListener{}
	loop := shardpool.NewLoop()

	settings := shardpool.ConnectionPoolSettings{
		NumConnectionsPerHost: 3,
		ReconnectionPolicy:    immediatePolicy{},
	}
	pool := shardpool.NewConnectionPool(loop, "host:9042", connector, nil, nil, settings,
		listener, nil, shardpool.NewShardPortCalculator(40010, 40020), "", 4)

	waitFor(t, time.Second, func() bool { return connector.callCount() >= 3 })

	pool.Close()
	waitFor(t, time.Second, func() bool {
		closeState, _ := pool.State()
		return closeState == shardpool.CloseStateClosed
	})

	_, _, closed := listener.snapshot()
	assert.True(t, closed)

	loop.Stop()
}

// Invariant: FindLeastBusy falls back to the pool-wide least busy
// connection when the token's shard bucket is empty.
func TestFindLeastBusyFallsBackAcrossShards(t *testing.T) {
	sharding := &shardpool.ShardingInfo{ShardsCount: 4, IgnoreMSB: 0}
	seed := newFakeConnection(1)
	connector := &fakeConnector{outcomes: []fakeOutcome{{shardID: 1}}}

	pool, _ := newTestPool(t, connector, []shardpool.Connection{seed}, sharding, 1, &fakeListener{})

	// No connection exists on shard 0, 2, or 3; FindLeastBusy(SentinelToken)
	// must still return the one live connection on shard 1.
	best := pool.FindLeastBusy(shardpool.SentinelToken)
	require.NotNil(t, best)
	assert.Equal(t, int32(1), best.ShardID())

	// Token 0 maps to shard 2 of 4 (ignore_msb 0), whose bucket is empty, so
	// selection falls back to the one live connection on shard 1.
	require.Equal(t, int32(2), sharding.ShardID(0))
	viaToken := pool.FindLeastBusy(0)
	require.NotNil(t, viaToken)
	assert.Equal(t, int32(1), viaToken.ShardID())
}

// Invariant: a closing connection is never selected by FindLeastBusy.
func TestFindLeastBusySkipsClosingConnections(t *testing.T) {
	connector := &fakeConnector{outcomes: []fakeOutcome{{shardID: 0}}}
	pool, _ := newTestPool(t, connector, nil, nil, 1, &fakeListener{})

	waitFor(t, time.Second, func() bool { return pool.FindLeastBusy(shardpool.SentinelToken) != nil })

	conn := pool.FindLeastBusy(shardpool.SentinelToken)
	require.NotNil(t, conn)
	conn.Close()

	waitFor(t, time.Second, func() bool {
		c := pool.FindLeastBusy(shardpool.SentinelToken)
		return c != nil && c != conn
	})
}

// Invariant: once closing, the pool schedules no further connectors even
// if a pending one resolves successfully mid-close.
func TestNoReconnectScheduledAfterCloseBegins(t *testing.T) {
	connector := &fakeConnector{outcomes: []fakeOutcome{{shardID: 0}}}
	pool, _ := newTestPool(t, connector, nil, nil, 2, &fakeListener{})

	waitFor(t, time.Second, func() bool { return connector.callCount() >= 2 })

	pool.Close()
	waitFor(t, time.Second, func() bool {
		closeState, _ := pool.State()
		return closeState == shardpool.CloseStateClosed
	})

	callsAtClose := connector.callCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, callsAtClose, connector.callCount())
}
