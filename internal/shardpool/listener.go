package shardpool

// ConnectionPoolListener receives lifecycle notifications from a
// ConnectionPool. on_pool_up and on_pool_down strictly alternate while the
// pool is not in the CRITICAL notify state; on_close is terminal and no
// other callback fires after it.
type ConnectionPoolListener interface {
	OnPoolUp(host string)
	OnPoolDown(host string)
	OnPoolCriticalError(host string, code ErrorCode, message string)
	OnClose(pool *ConnectionPool)
	OnRequiresFlush(pool *ConnectionPool)
}

// NopConnectionPoolListener implements ConnectionPoolListener with no-ops,
// mirroring the reference driver's NopConnectionPoolListener used whenever a
// caller doesn't supply one.
type NopConnectionPoolListener struct{}

func (NopConnectionPoolListener) OnPoolUp(string) {}
func (NopConnectionPoolListener) OnPoolDown(string) {}
func (NopConnectionPoolListener) OnPoolCriticalError(string, ErrorCode, string) {}
func (NopConnectionPoolListener) OnClose(*ConnectionPool) {}
func (NopConnectionPoolListener) OnRequiresFlush(*ConnectionPool) {}

var nopListener ConnectionPoolListener = NopConnectionPoolListener{}
