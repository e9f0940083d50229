package shardpool_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xnavratil/shard-pool/internal/shardpool"
)

// blockingConnector never resolves until released, letting tests race a
// cancel against an in-flight connect.
type blockingConnector struct {
	release chan struct{}
}

func (c *blockingConnector) Connect(ctx context.Context, host string, opts shardpool.ConnectOptions) (shardpool.Connection, error) {
	<-c.release
	return newFakeConnection(0), nil
}

// Through the pool's public surface: closing a pool while a connector is
// pending or mid-dial must still deliver exactly one outcome (canceled if
// its timer had not fired yet, otherwise the dial's own result once it
// resolves), never panic or double-invoke the listener.
func TestPoolCloseDuringInFlightConnectDoesNotDoubleFire(t *testing.T) {
	connector := &blockingConnector{release: make(chan struct{})}
	listener := &fakeListener{}

	loop := shardpool.NewLoop()
	defer loop.Stop()

	settings := shardpool.ConnectionPoolSettings{
		NumConnectionsPerHost: 1,
		ReconnectionPolicy:    immediatePolicy{},
	}
	pool := shardpool.NewConnectionPool(loop, "host:9042", connector, nil, nil, settings,
		listener, nil, shardpool.NewShardPortCalculator(41000, 41010), "", 4)

	pool.Close()

	// Let the close protocol observe the still-pending connector, then let
	// the blocked dial resolve.
	time.Sleep(20 * time.Millisecond)
	close(connector.release)

	require.Eventually(t, func() bool {
		closeState, _ := pool.State()
		return closeState == shardpool.CloseStateClosed
	}, time.Second, 5*time.Millisecond)

	_, _, closed := listener.snapshot()
	assert.True(t, closed)
}
