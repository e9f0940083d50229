package shardpool

import "sync/atomic"

// Connection is the external collaborator the pool consumes: an
// already-established, already-handshaked connection to one shard of one
// host. Wire framing, auth, and request serialization are the Connector's
// concern, not the pool's.
type Connection interface {
	ShardID() int32
	InflightRequestCount() uint32
	IsClosing() bool
	Close()
	Flush()

	// SetCloseListener registers a callback invoked exactly once, whenever
	// the connection's underlying transport finishes closing - whether that
	// closure was pool-initiated (via Close) or happened on its own (a
	// dropped socket). The pool uses this to learn about connection loss
	// idempotently against its own close_state.
	SetCloseListener(func(Connection))
}

// PooledConnection is the pool's thin wrapper around a live Connection. It
// adds the is_closing latch (idempotent against the underlying connection
// closing more than once) and routes the connection's close notification
// back into the owning pool exactly once.
type PooledConnection struct {
	conn Connection
	pool *ConnectionPool

	// localPort is the shard-aware source port this connection was bound
	// to, or NoPort if none was claimed. Released back to the pool's
	// ShardPortCalculator once this connection closes, not when it was
	// dialed - see ConnectionPool.closeConnection.
	localPort int

	closing  atomic.Bool
	notified atomic.Bool
}

func newPooledConnection(pool *ConnectionPool, conn Connection, localPort int) *PooledConnection {
	pc := &PooledConnection{conn: conn, pool: pool, localPort: localPort}
	conn.SetCloseListener(func(Connection) { pc.onUnderlyingClosed() })
	return pc
}

func (p *PooledConnection) ShardID() int32 { return p.conn.ShardID() }

func (p *PooledConnection) InflightRequestCount() uint32 { return p.conn.InflightRequestCount() }

// IsClosing is true once Close has been called on this PooledConnection,
// even before the underlying transport finishes closing - that's what lets
// find_least_busy stop considering it immediately rather than racing the
// close.
func (p *PooledConnection) IsClosing() bool {
	return p.closing.Load() || p.conn.IsClosing()
}

// Close latches is_closing and asks the underlying connection to close. The
// pool is notified via onUnderlyingClosed once the close actually completes.
func (p *PooledConnection) Close() {
	p.closing.Store(true)
	p.conn.Close()
}

func (p *PooledConnection) Flush() { p.conn.Flush() }

// RequiresFlush is called by user code that just buffered a write on this
// connection; it is relayed to the owning pool's flush-batching hint.
func (p *PooledConnection) RequiresFlush() {
	p.pool.requiresFlush(p)
}

func (p *PooledConnection) onUnderlyingClosed() {
	if p.notified.Swap(true) {
		return // already notified the pool once - idempotent against duplicate callbacks
	}
	p.pool.loop.Post(func() {
		p.pool.closeConnection(p)
	})
}

// leastBusy reports whether a is strictly less busy than b: a closing
// connection is never less busy than a live one, and among two live
// connections the one with the smaller inflight count wins. Ties are
// broken arbitrarily but stably by the caller (first element scanned wins
// ties).
func leastBusy(a, b *PooledConnection) bool {
	if a.IsClosing() {
		return false
	}
	if b.IsClosing() {
		return true
	}
	return a.InflightRequestCount() < b.InflightRequestCount()
}
