package shardpool

import (
	"context"
	"sync/atomic"
	"time"
)

// ErrorCode classifies a failed connect attempt. Critical codes tear the
// pool down; everything else is retried under backoff.
type ErrorCode int

const (
	ErrorCodeUnknown ErrorCode = iota
	ErrorCodeConnectTimeout
	ErrorCodeConnectionRefused
	ErrorCodeProtocolMismatch // critical
	ErrorCodeAuthFailed       // critical
)

// ConnectError is returned by Connector.Connect on failure.
type ConnectError struct {
	Code     ErrorCode
	Critical bool
	Message  string
}

func (e *ConnectError) Error() string { return e.Message }

// ConnectionSettings carries the connector-level configuration the pool
// forwards verbatim to every connect attempt: auth, socket tuning, and
// similar concerns that are out of scope for the pool itself.
type ConnectionSettings struct {
	ConnectTimeoutMs uint64
	Keyspace         string
}

// ConnectOptions is passed to Connector.Connect for a single attempt.
type ConnectOptions struct {
	Settings        ConnectionSettings
	ShardCount      int32
	DesiredShardNum *int32 // nil means "no shard preference"
	ShardAwarePort  int    // 0 means not shard-aware for this attempt
	LocalPort       int    // local source port to bind when ShardAwarePort != 0; NoPort if unclaimed
}

// Connector establishes one outbound Connection to host. It is the seam
// between shardpool and real sockets; see internal/netconn for a concrete
// implementation.
type Connector interface {
	Connect(ctx context.Context, host string, opts ConnectOptions) (Connection, error)
}

// connectorState guards the exactly-once firing of a DelayedConnector's
// callback between its timer and a racing cancel().
type connectorState int32

const (
	connectorPending connectorState = iota
	connectorFired
	connectorCanceled
)

// ConnectResult is delivered to a DelayedConnector's callback exactly once.
type ConnectResult struct {
	Connection Connection
	Err        *ConnectError
	Canceled   bool

	// LocalPort is the shard-aware source port claimed for this attempt, or
	// NoPort if none was claimed. On success, ownership passes to the
	// caller: it must be released (via the same ShardPortCalculator) only
	// once the resulting Connection closes, not when the attempt completes.
	LocalPort int

	// Elapsed is how long the connect attempt itself took, for reconnect
	// timing metrics. Zero for a canceled result.
	Elapsed time.Duration
}

func (r ConnectResult) IsOK() bool       { return r.Err == nil && !r.Canceled && r.Connection != nil }
func (r ConnectResult) IsCanceled() bool { return r.Canceled }
func (r ConnectResult) IsCriticalError() bool {
	return r.Err != nil && r.Err.Critical
}

// DelayedConnector establishes one connection after an (optionally
// cancellable) delay, configured with the keyspace, connection settings, an
// optional shard-port calculator, and an optional desired shard. Its
// callback fires exactly once, with one of ok / error / critical_error /
// canceled.
type DelayedConnector struct {
	loop      *Loop
	host      string
	connector Connector

	settings            ConnectionSettings
	shardCount          int32
	shardPortCalculator *ShardPortCalculator
	shardAwarePort      int
	desiredShardNum     *int32

	callback func(*DelayedConnector, ConnectResult)

	state       atomic.Int32 // connectorState
	timer       *timerHandle
	claimedPort int
	attemptedAt time.Time
}

// timerHandle lets us stop a pending time.Timer (armed via Loop.AfterFunc)
// without exposing the stdlib timer type outside this file.
type timerHandle struct {
	stop func() bool
}

func newDelayedConnector(loop *Loop, host string, connector Connector, settings ConnectionSettings,
	shardCount int32, shardPortCalculator *ShardPortCalculator, shardAwarePort int,
	callback func(*DelayedConnector, ConnectResult)) *DelayedConnector {
	return &DelayedConnector{
		loop:                loop,
		host:                host,
		connector:           connector,
		settings:            settings,
		shardCount:          shardCount,
		shardPortCalculator: shardPortCalculator,
		shardAwarePort:      shardAwarePort,
		callback:            callback,
		claimedPort:         NoPort,
	}
}

func (c *DelayedConnector) setDesiredShardNum(shard int32) {
	c.desiredShardNum = &shard
}

// DesiredShardNum returns the shard this connector was told to target, if
// any - used by the pool to re-target the same shard on retry.
func (c *DelayedConnector) DesiredShardNum() *int32 { return c.desiredShardNum }

// delayedConnect arms a timer; on fire it resolves the address and connects.
func (c *DelayedConnector) delayedConnect(delayMs uint64) {
	t := c.loop.AfterFunc(time.Duration(delayMs)*time.Millisecond, c.fire)
	c.timer = &timerHandle{stop: t.Stop}
}

// attemptImmediateConnect skips the remaining delay, if any, and connects
// now.
func (c *DelayedConnector) attemptImmediateConnect() {
	if c.timer != nil && c.timer.stop() {
		c.loop.Post(c.fire)
	}
	// If the timer already fired (stop returns false) the connect is
	// already underway or done; nothing to do.
}

// cancel transitions the connector to canceled. The callback still fires,
// with IsCanceled() true, unless it has already fired for another reason.
func (c *DelayedConnector) cancel() {
	if c.timer != nil {
		c.timer.stop()
	}
	if c.state.CompareAndSwap(int32(connectorPending), int32(connectorCanceled)) {
		c.loop.Post(func() {
			c.callback(c, ConnectResult{Canceled: true})
		})
	}
}

func (c *DelayedConnector) fire() {
	if !c.state.CompareAndSwap(int32(connectorPending), int32(connectorFired)) {
		return // already canceled
	}

	opts := ConnectOptions{
		Settings:        c.settings,
		ShardCount:      c.shardCount,
		DesiredShardNum: c.desiredShardNum,
		LocalPort:       NoPort,
	}
	if c.desiredShardNum != nil && c.shardAwarePort != 0 && c.shardPortCalculator != nil {
		port := c.shardPortCalculator.CalcOutgoingPort(int(c.shardCount), *c.desiredShardNum)
		if port != NoPort {
			c.claimedPort = port
			opts.ShardAwarePort = c.shardAwarePort
			opts.LocalPort = port
		}
	}

	c.attemptedAt = time.Now()
	go func() {
		conn, err := c.connector.Connect(context.Background(), c.host, opts)
		c.loop.Post(func() { c.finish(conn, err) })
	}()
}

// finish delivers the attempt's outcome. On failure, the claimed port - if
// any - is released immediately, since nothing is going to hold it open. On
// success, ownership of the port passes to the caller via
// ConnectResult.LocalPort; it is the caller's job to release it once the
// resulting Connection closes.
func (c *DelayedConnector) finish(conn Connection, err error) {
	elapsed := time.Since(c.attemptedAt)

	if err != nil {
		if c.claimedPort != NoPort && c.shardPortCalculator != nil {
			c.shardPortCalculator.Release(c.claimedPort)
		}
		c.claimedPort = NoPort

		var ce *ConnectError
		if asConnectError, ok := err.(*ConnectError); ok {
			ce = asConnectError
		} else {
			ce = &ConnectError{Code: ErrorCodeUnknown, Message: err.Error()}
		}
		c.callback(c, ConnectResult{Err: ce, Elapsed: elapsed})
		return
	}

	claimedPort := c.claimedPort
	c.claimedPort = NoPort
	c.callback(c, ConnectResult{Connection: conn, LocalPort: claimedPort, Elapsed: elapsed})
}
