package shardpool

import "time"

// CloseState is the pool's lifecycle state: once it leaves Open, no new
// connectors are ever scheduled again.
type CloseState int32

const (
	CloseStateOpen CloseState = iota
	CloseStateClosing
	CloseStateWaitingForConnections
	CloseStateClosed
)

// NotifyState drives the on_pool_up/on_pool_down alternation. Critical is
// terminal: once reached, no further up/down notifications are ever
// emitted.
type NotifyState int32

const (
	NotifyStateNew NotifyState = iota
	NotifyStateUp
	NotifyStateDown
	NotifyStateCritical
)

// ConnectionPoolSettings configures a ConnectionPool's target size and
// reconnection behavior.
type ConnectionPoolSettings struct {
	NumConnectionsPerHost uint32
	ReconnectionPolicy    ReconnectionPolicy
	ConnectionSettings    ConnectionSettings
}

// DefaultConnectionPoolSettings mirrors the driver's defaults: one
// connection per host and exponential backoff from 100ms up to 10s.
func DefaultConnectionPoolSettings() ConnectionPoolSettings {
	return ConnectionPoolSettings{
		NumConnectionsPerHost: 1,
		ReconnectionPolicy:    NewExponentialReconnectionPolicy(100*time.Millisecond, 10*time.Second),
	}
}

// ConnectionPool is the per-host shard-aware connection pool. All of its
// state is confined to a single Loop goroutine, so there is no mutex here:
// every method either runs on the loop already or posts onto it.
type ConnectionPool struct {
	loop      *Loop
	host      string
	connector Connector

	listener ConnectionPoolListener
	metrics  *Metrics

	shardPortCalculator *ShardPortCalculator
	sharding            *ShardingInfo // nil disables shard awareness

	keyspace        string
	protocolVersion int
	settings        ConnectionPoolSettings

	shardBuckets   [][]*PooledConnection
	targetPerShard uint32

	pendingConnectors map[*DelayedConnector]struct{}
	schedules         map[*DelayedConnector]ReconnectionSchedule

	toFlush map[*PooledConnection]struct{}

	closeState  CloseState
	notifyState NotifyState
}

// NewConnectionPool constructs a pool seeded with already-handshaked
// connections, adopts as many as fit the per-shard target, closes the rest,
// and schedules reconnects for every remaining deficit.
// Seeds are adopted synchronously on the calling goroutine, before any
// connector exists; the reconnects for the remaining deficit are posted onto
// loop, so every connector and every callback it triggers is created and
// handled there. Every call after construction must go through one of the
// pool's own methods, which route onto loop.
func NewConnectionPool(
	loop *Loop,
	host string,
	connector Connector,
	seeds []Connection,
	sharding *ShardingInfo,
	settings ConnectionPoolSettings,
	listener ConnectionPoolListener,
	metrics *Metrics,
	shardPortCalculator *ShardPortCalculator,
	keyspace string,
	protocolVersion int,
) *ConnectionPool {
	if listener == nil {
		listener = nopListener
	}

	shardCount := 1
	if sharding != nil {
		shardCount = int(sharding.ShardsCount)
		if shardCount < 1 {
			shardCount = 1
		}
	}

	targetPerShard := ceilDiv(settings.NumConnectionsPerHost, uint32(shardCount))

	p := &ConnectionPool{
		loop:                loop,
		host:                host,
		connector:           connector,
		listener:            listener,
		metrics:             metrics,
		shardPortCalculator: shardPortCalculator,
		sharding:            sharding,
		keyspace:            keyspace,
		protocolVersion:     protocolVersion,
		settings:            settings,
		shardBuckets:        make([][]*PooledConnection, shardCount),
		targetPerShard:      targetPerShard,
		pendingConnectors:   make(map[*DelayedConnector]struct{}),
		schedules:           make(map[*DelayedConnector]ReconnectionSchedule),
		toFlush:             make(map[*PooledConnection]struct{}),
		closeState:          CloseStateOpen,
		notifyState:         NotifyStateNew,
	}

	for _, conn := range seeds {
		if conn.IsClosing() {
			conn.Close()
			continue
		}
		idx, ok := p.shardIndexFor(conn.ShardID())
		if ok && len(p.shardBuckets[idx]) < int(p.targetPerShard) {
			p.addConnection(idx, newPooledConnection(p, conn, NoPort))
		} else {
			conn.Close()
		}
	}

	p.notifyUpOrDown()

	for shardNum := 0; shardNum < len(p.shardBuckets); shardNum++ {
		deficit := int(p.targetPerShard) - len(p.shardBuckets[shardNum])
		for i := 0; i < deficit; i++ {
			var desiredShard *int32
			if p.sharding != nil && p.sharding.HasShardAwarePort() {
				shard := int32(shardNum)
				desiredShard = &shard
			}
			p.loop.Post(func() { p.scheduleReconnect(nil, desiredShard) })
		}
	}

	return p
}

func ceilDiv(total, divisor uint32) uint32 {
	if divisor == 0 {
		return total
	}
	return (total + divisor - 1) / divisor
}

// shardIndexFor maps a connection's reported shard id to a bucket index.
// Sharding-disabled pools have exactly one bucket, index 0, regardless of
// what the connection itself reports. ok is false if sharding is enabled
// but the reported shard id is out of range - treated the same as a
// wrong-shard outcome by callers.
func (p *ConnectionPool) shardIndexFor(shardID int32) (int, bool) {
	if p.sharding == nil {
		return 0, true
	}
	if shardID < 0 || int(shardID) >= len(p.shardBuckets) {
		return 0, false
	}
	return int(shardID), true
}

func (p *ConnectionPool) addConnection(idx int, conn *PooledConnection) {
	p.metrics.incConnections()
	p.shardBuckets[idx] = append(p.shardBuckets[idx], conn)
}

func (p *ConnectionPool) removeFromBucket(idx int, conn *PooledConnection) {
	bucket := p.shardBuckets[idx]
	for i, c := range bucket {
		if c == conn {
			p.shardBuckets[idx] = append(bucket[:i:i], bucket[i+1:]...)
			return
		}
	}
}

func (p *ConnectionPool) hasConnections() bool {
	for _, bucket := range p.shardBuckets {
		if len(bucket) > 0 {
			return true
		}
	}
	return false
}

// findLeastBusy is the unsynchronized core of the selection policy; it must
// only run on the loop goroutine. FindLeastBusy is the safe public entry
// point.
func (p *ConnectionPool) findLeastBusy(token int64) *PooledConnection {
	if token == SentinelToken || p.sharding == nil {
		return p.leastBusyAcrossPool()
	}

	shardID := p.sharding.ShardID(token)
	idx, ok := p.shardIndexFor(shardID)
	if !ok {
		return p.findLeastBusy(SentinelToken)
	}

	best := minByLeastBusy(p.shardBuckets[idx])
	if best == nil || best.IsClosing() {
		return p.findLeastBusy(SentinelToken)
	}
	return best
}

func (p *ConnectionPool) leastBusyAcrossPool() *PooledConnection {
	var best *PooledConnection
	for _, bucket := range p.shardBuckets {
		for _, c := range bucket {
			if c.IsClosing() {
				continue
			}
			if best == nil || leastBusy(c, best) {
				best = c
			}
		}
	}
	return best
}

func minByLeastBusy(bucket []*PooledConnection) *PooledConnection {
	var best *PooledConnection
	for _, c := range bucket {
		if best == nil || leastBusy(c, best) {
			best = c
		}
	}
	return best
}

// FindLeastBusy returns the least busy connection for token, or nil if the
// pool is entirely down. token may be SentinelToken to request the
// pool-wide least busy connection regardless of sharding.
func (p *ConnectionPool) FindLeastBusy(token int64) *PooledConnection {
	var result *PooledConnection
	p.runSync(func() {
		result = p.findLeastBusy(token)
	})
	return result
}

func (p *ConnectionPool) notifyUpOrDown() {
	switch {
	case (p.notifyState == NotifyStateNew || p.notifyState == NotifyStateUp) && !p.hasConnections():
		p.notifyState = NotifyStateDown
		p.listener.OnPoolDown(p.host)
	case (p.notifyState == NotifyStateNew || p.notifyState == NotifyStateDown) && p.hasConnections():
		p.notifyState = NotifyStateUp
		p.listener.OnPoolUp(p.host)
	}
}

func (p *ConnectionPool) notifyCriticalError(code ErrorCode, message string) {
	if p.notifyState != NotifyStateCritical {
		p.notifyState = NotifyStateCritical
		p.listener.OnPoolCriticalError(p.host, code, message)
		p.metrics.markCriticalError()
	}
}

// scheduleReconnect creates a new DelayedConnector and arms it. Passing a
// non-nil schedule carries a backoff sequence over from a prior, failed
// connector for the same logical shard slot.
func (p *ConnectionPool) scheduleReconnect(schedule ReconnectionSchedule, desiredShard *int32) {
	if p.closeState != CloseStateOpen {
		return // never schedule once the pool has started closing
	}

	shardCount := int32(1)
	shardAwarePort := 0
	if p.sharding != nil {
		shardCount = int32(p.sharding.ShardsCount)
		// TLS is out of scope, so only the plaintext shard-aware port is
		// considered here; a host advertising only ShardAwarePortSSL will
		// fall back to an unbound connect for that shard.
		shardAwarePort = p.sharding.ShardAwarePort
	}

	connector := newDelayedConnector(p.loop, p.host, p.connector, p.settings.ConnectionSettings,
		shardCount, p.shardPortCalculator, shardAwarePort, p.onReconnect)

	if schedule == nil {
		schedule = p.settings.ReconnectionPolicy.NewSchedule()
	}
	p.schedules[connector] = schedule
	delayMs := schedule.NextDelayMs()

	if desiredShard != nil && shardAwarePort != 0 {
		connector.setDesiredShardNum(*desiredShard)
	}

	p.pendingConnectors[connector] = struct{}{}
	connector.delayedConnect(delayMs)
}

// onReconnect is the DelayedConnector callback: it either adopts the new
// connection, retries the same shard, or tears the pool down on a critical
// error.
func (p *ConnectionPool) onReconnect(connector *DelayedConnector, result ConnectResult) {
	delete(p.pendingConnectors, connector)

	schedule, ok := p.schedules[connector]
	if !ok {
		panic("shardpool: connector callback fired without a registered schedule")
	}
	delete(p.schedules, connector)

	if !result.IsCanceled() {
		p.metrics.recordReconnect(result.Elapsed)
	}

	if p.closeState != CloseStateOpen {
		if result.Connection != nil {
			result.Connection.Close()
			p.releasePort(result.LocalPort)
		}
		p.maybeClosed()
		return
	}

	switch {
	case result.IsOK():
		idx, ok := p.shardIndexFor(result.Connection.ShardID())
		if ok && len(p.shardBuckets[idx]) < int(p.targetPerShard) {
			p.addConnection(idx, newPooledConnection(p, result.Connection, result.LocalPort))
			p.notifyUpOrDown()
		} else {
			// Wrong shard, or the shard filled up while we were connecting.
			result.Connection.Close()
			p.releasePort(result.LocalPort)
			p.scheduleReconnect(schedule, connector.DesiredShardNum())
		}
	case result.IsCanceled():
		// Absorbed silently - only happens while the pool is closing.
	case result.IsCriticalError():
		p.notifyCriticalError(result.Err.Code, result.Err.Message)
		p.internalClose()
	default:
		p.scheduleReconnect(schedule, connector.DesiredShardNum())
	}
}

// releasePort returns a shard-aware source port to the calculator it was
// claimed from, once the connection bound to it is no longer using it.
func (p *ConnectionPool) releasePort(port int) {
	if p.shardPortCalculator != nil {
		p.shardPortCalculator.Release(port)
	}
}

// closeConnection is invoked by a PooledConnection once its underlying
// transport finishes closing, whether that was pool-initiated or not.
func (p *ConnectionPool) closeConnection(conn *PooledConnection) {
	p.metrics.decConnections()
	p.releasePort(conn.localPort)
	idx, _ := p.shardIndexFor(conn.ShardID())
	p.removeFromBucket(idx, conn)
	delete(p.toFlush, conn)

	if p.closeState != CloseStateOpen {
		p.maybeClosed()
		return
	}

	p.notifyUpOrDown()
	shardID := conn.ShardID()
	p.scheduleReconnect(nil, &shardID)
}

func (p *ConnectionPool) requiresFlush(conn *PooledConnection) {
	p.loop.Post(func() {
		if len(p.toFlush) == 0 {
			p.listener.OnRequiresFlush(p)
		}
		p.toFlush[conn] = struct{}{}
	})
}

// Flush invokes Flush on every connection that called RequiresFlush since
// the last Flush, then clears the batching set.
func (p *ConnectionPool) Flush() {
	p.loop.Post(func() {
		for conn := range p.toFlush {
			conn.Flush()
		}
		p.toFlush = make(map[*PooledConnection]struct{})
	})
}

// Close begins the close protocol: live connections and pending connectors
// are told to wind down, and on_close fires once every one of them has
// acknowledged.
func (p *ConnectionPool) Close() {
	p.loop.Post(p.internalClose)
}

func (p *ConnectionPool) internalClose() {
	if p.closeState != CloseStateOpen {
		return
	}
	p.closeState = CloseStateClosing

	// Snapshot before iterating: closing a connection re-enters the pool via
	// its close listener, which posts closeConnection to remove it from its
	// bucket.
	bucketsSnapshot := make([][]*PooledConnection, len(p.shardBuckets))
	for i, bucket := range p.shardBuckets {
		bucketsSnapshot[i] = append([]*PooledConnection(nil), bucket...)
	}
	for _, bucket := range bucketsSnapshot {
		for _, conn := range bucket {
			conn.Close()
		}
	}

	pendingSnapshot := make([]*DelayedConnector, 0, len(p.pendingConnectors))
	for connector := range p.pendingConnectors {
		pendingSnapshot = append(pendingSnapshot, connector)
	}
	for _, connector := range pendingSnapshot {
		connector.cancel()
	}

	p.closeState = CloseStateWaitingForConnections
	p.maybeClosed()
}

func (p *ConnectionPool) maybeClosed() {
	if p.closeState == CloseStateWaitingForConnections && !p.hasConnections() && len(p.pendingConnectors) == 0 {
		p.closeState = CloseStateClosed
		if p.notifyState == NotifyStateUp {
			p.listener.OnPoolDown(p.host)
		}
		p.listener.OnClose(p)
	}
}

// AttemptImmediateConnect tells every pending connector to skip its
// remaining backoff delay and connect now.
func (p *ConnectionPool) AttemptImmediateConnect() {
	p.loop.Post(func() {
		for connector := range p.pendingConnectors {
			connector.attemptImmediateConnect()
		}
	})
}

// SetKeyspace updates the keyspace new connections will be opened with.
func (p *ConnectionPool) SetKeyspace(keyspace string) {
	p.loop.Post(func() {
		p.keyspace = keyspace
		p.settings.ConnectionSettings.Keyspace = keyspace
	})
}

// SetListener swaps the pool's listener.
func (p *ConnectionPool) SetListener(listener ConnectionPoolListener) {
	if listener == nil {
		listener = nopListener
	}
	p.loop.Post(func() {
		p.listener = listener
	})
}

// Host returns the address of the host this pool is connected to.
func (p *ConnectionPool) Host() string { return p.host }

// Loop returns the event loop this pool is bound to, so external code can
// post its own work to run interleaved safely with the pool's own.
func (p *ConnectionPool) Loop() *Loop { return p.loop }

// runSync posts fn to the loop and blocks until it has run, giving external
// callers (and tests) a safe way to read pool state without a mutex.
func (p *ConnectionPool) runSync(fn func()) {
	done := make(chan struct{})
	p.loop.Post(func() {
		fn()
		close(done)
	})
	<-done
}

// State reports the pool's current close and notify state, primarily for
// tests and diagnostics.
func (p *ConnectionPool) State() (closeState CloseState, notifyState NotifyState) {
	p.runSync(func() {
		closeState, notifyState = p.closeState, p.notifyState
	})
	return
}
