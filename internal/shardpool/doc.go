// Package shardpool implements the per-host shard-aware connection pool
// described for a sharded wide-column database driver: it keeps a target
// number of connections open to one host, places them by shard, and selects
// the least busy connection for each outgoing request.
//
// The pool is confined to a single Loop goroutine, following the
// single-threaded event-loop model of the driver it is ported from. Every
// method, including the read-only FindLeastBusy, only ever touches pool
// state from that goroutine; the handful of methods meant to be called from
// other goroutines (FindLeastBusy, Close, AttemptImmediateConnect,
// SetKeyspace, SetListener) post internally so callers never have to know
// about Loop directly.
package shardpool
