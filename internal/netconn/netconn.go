// Package netconn is the one place this module opens real sockets: a
// Connector/Connection pair for github.com/xnavratil/shard-pool/internal/shardpool
// that dials plain TCP, optionally binding the local source port so the
// server's shard-aware port routes the connection to a specific shard.
//
// Wire protocol and application handshake framing are left to
// HandshakeFunc; the pool never needs to know what's on the wire, only
// which shard a connection landed on.
package netconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/xnavratil/shard-pool/internal/shardpool"
)

// ErrConnectTimeout names the dial-timeout condition. Connect does not
// return it: a dial that doesn't complete within the connector's configured
// timeout is reported as a *shardpool.ConnectError with Code
// shardpool.ErrorCodeConnectTimeout.
var ErrConnectTimeout = errors.New("netconn: connect timeout")

// HandshakeFunc performs whatever application handshake the real protocol
// needs once the TCP connection is open, and reports the shard id the
// server placed this connection on. A nil HandshakeFunc always reports
// shard 0, useful against a non-shard-aware backend or in tests.
type HandshakeFunc func(ctx context.Context, conn net.Conn, keyspace string) (shardID int32, err error)

// Connector dials real TCP sockets for shardpool.ConnectionPool.
type Connector struct {
	Dialer      net.Dialer
	Handshake   HandshakeFunc
	DialTimeout time.Duration
}

// NewConnector returns a Connector with sane defaults.
func NewConnector(handshake HandshakeFunc) *Connector {
	return &Connector{
		Handshake:   handshake,
		DialTimeout: 5 * time.Second,
	}
}

// Connect implements shardpool.Connector. When opts targets a shard and a
// shard-aware port was advertised, the local socket is bound to a port
// satisfying port mod shardCount == desiredShard before connecting to
// opts.ShardAwarePort on host's address.
func (c *Connector) Connect(ctx context.Context, host string, opts shardpool.ConnectOptions) (shardpool.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, c.effectiveTimeout())
	defer cancel()

	targetHost, _, err := net.SplitHostPort(host)
	if err != nil {
		targetHost = host
	}

	dialer := c.Dialer
	addr := host
	if opts.ShardAwarePort != 0 && opts.DesiredShardNum != nil {
		addr = net.JoinHostPort(targetHost, fmt.Sprintf("%d", opts.ShardAwarePort))
		if opts.LocalPort != shardpool.NoPort {
			dialer.LocalAddr = &net.TCPAddr{Port: opts.LocalPort}
		}
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(err)
	}

	shardID := int32(0)
	if c.Handshake != nil {
		shardID, err = c.Handshake(ctx, conn, opts.Settings.Keyspace)
		if err != nil {
			conn.Close()
			return nil, &shardpool.ConnectError{
				Code:     shardpool.ErrorCodeAuthFailed,
				Critical: true,
				Message:  fmt.Sprintf("handshake with %s failed: %v", host, err),
			}
		}
	}

	return newConnection(conn, shardID), nil
}

func (c *Connector) effectiveTimeout() time.Duration {
	if c.DialTimeout <= 0 {
		return 5 * time.Second
	}
	return c.DialTimeout
}

func classifyDialError(err error) *shardpool.ConnectError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &shardpool.ConnectError{Code: shardpool.ErrorCodeConnectTimeout, Message: err.Error()}
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return &shardpool.ConnectError{Code: shardpool.ErrorCodeConnectionRefused, Message: err.Error()}
	}
	return &shardpool.ConnectError{Code: shardpool.ErrorCodeUnknown, Message: err.Error()}
}

// connection adapts a net.Conn to shardpool.Connection.
type connection struct {
	id      string
	conn    net.Conn
	shardID int32

	inflight atomic.Uint32
	closing  atomic.Bool

	closeOnce sync.Once
	listener  func(shardpool.Connection)
}

func newConnection(conn net.Conn, shardID int32) *connection {
	return &connection{
		id:      uuid.NewString(),
		conn:    conn,
		shardID: shardID,
	}
}

func (c *connection) ID() string { return c.id }

func (c *connection) ShardID() int32 { return c.shardID }

func (c *connection) InflightRequestCount() uint32 { return c.inflight.Load() }

// IncInflight and DecInflight let request-dispatch code (out of scope for
// this module) track outstanding requests on this connection.
func (c *connection) IncInflight() { c.inflight.Add(1) }
func (c *connection) DecInflight() { c.inflight.Add(^uint32(0)) }

func (c *connection) IsClosing() bool { return c.closing.Load() }

func (c *connection) Close() {
	c.closing.Store(true)
	c.closeOnce.Do(func() {
		c.conn.Close()
		if c.listener != nil {
			c.listener(c)
		}
	})
}

func (c *connection) Flush() {
	// net.Conn has no buffering of its own; nothing to do, but keep the
	// method so callers don't need a type switch to call Flush uniformly.
}

func (c *connection) SetCloseListener(fn func(shardpool.Connection)) {
	c.listener = fn
}
