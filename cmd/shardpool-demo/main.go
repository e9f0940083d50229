// Command shardpool-demo wires flags to poolconfig.Settings, starts a
// ConnectionPool against a single host, logs its lifecycle, and serves
// pool.FindLeastBusy results on a trivial listener - a smoke test for the
// pool, not a real client.
package main

import (
	"flag"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/xnavratil/shard-pool/internal/netconn"
	"github.com/xnavratil/shard-pool/internal/poolconfig"
	"github.com/xnavratil/shard-pool/internal/shardpool"
	"github.com/xnavratil/shard-pool/internal/tokenutil"
)

var (
	listenAddress = flag.String("listen-address", "0.0.0.0:9666", "What interface to listen on")
	initialHost   = flag.String("host", "127.0.0.1:9042", "The single host to maintain a shard-aware pool against")

	numConnectionsPerHost = flag.Int("connections-per-host", 10, "Target number of connections to keep open, spread across shards")
	reconnectBaseMs       = flag.Int("reconnect-base-ms", 100, "Initial backoff delay between reconnect attempts, in milliseconds")
	reconnectMaxMs        = flag.Int("reconnect-max-ms", 10000, "Backoff ceiling, in milliseconds")
	connectTimeoutMs      = flag.Int("connect-timeout-ms", 5000, "Per-attempt dial timeout, in milliseconds")
	shardPortRangeLo      = flag.Int("shard-port-range-lo", 49152, "Lower bound (inclusive) of the ephemeral port range used for shard-aware source ports")
	shardPortRangeHi      = flag.Int("shard-port-range-hi", 65535, "Upper bound (exclusive) of the ephemeral port range used for shard-aware source ports")

	shardsCount = flag.Int("shards-count", 0, "Shard count advertised by the host; 0 disables shard awareness")
	ignoreMSB   = flag.Int("shard-ignore-msb", 12, "ignore_msb value advertised alongside shards-count")
)

func main() {
	flag.Parse()

	settings := poolconfig.NewSettings()
	settings.ListenAddress = *listenAddress
	settings.InitialHost = *initialHost
	settings.NumConnectionsPerHost = uint32(*numConnectionsPerHost)
	settings.ReconnectBaseDelay = time.Duration(*reconnectBaseMs) * time.Millisecond
	settings.ReconnectMaxDelay = time.Duration(*reconnectMaxMs) * time.Millisecond
	settings.ConnectTimeout = time.Duration(*connectTimeoutMs) * time.Millisecond
	settings.ShardPortRangeLo = *shardPortRangeLo
	settings.ShardPortRangeHi = *shardPortRangeHi

	app := poolconfig.Get()
	app.SetSettings(settings)

	var sharding *shardpool.ShardingInfo
	if *shardsCount > 0 {
		sharding = &shardpool.ShardingInfo{
			ShardsCount: uint32(*shardsCount),
			IgnoreMSB:   *ignoreMSB,
		}
	}

	loop := shardpool.NewLoop()
	connector := netconn.NewConnector(nil)
	connector.DialTimeout = settings.ConnectTimeout

	poolSettings := shardpool.ConnectionPoolSettings{
		NumConnectionsPerHost: settings.NumConnectionsPerHost,
		ReconnectionPolicy:    shardpool.NewExponentialReconnectionPolicy(settings.ReconnectBaseDelay, settings.ReconnectMaxDelay),
		ConnectionSettings: shardpool.ConnectionSettings{
			ConnectTimeoutMs: uint64(settings.ConnectTimeout.Milliseconds()),
		},
	}

	listener := &logListener{}
	metrics := shardpool.NewMetrics(app.MetricsRegistry(), "shardpool-demo")
	shardPorts := shardpool.NewShardPortCalculator(settings.ShardPortRangeLo, settings.ShardPortRangeHi)

	pool := shardpool.NewConnectionPool(loop, settings.InitialHost, connector, nil, sharding,
		poolSettings, listener, metrics, shardPorts, "", 4)

	ln, err := net.Listen("tcp", settings.ListenAddress)
	if err != nil {
		log.Fatal("could not listen on ", settings.ListenAddress, ": ", err)
		os.Exit(1)
	}
	log.Println("shardpool-demo listening on", settings.ListenAddress, "proxying to", settings.InitialHost)

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Println("accept error:", err)
			continue
		}
		go handleDemoConn(conn, pool)
	}
}

// handleDemoConn reads one line (a token, or empty for "least busy
// pool-wide") and writes back which connection would serve it.
func handleDemoConn(conn net.Conn, pool *shardpool.ConnectionPool) {
	defer conn.Close()

	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}
	line := string(buf[:n])

	token := shardpool.SentinelToken
	if n > 1 {
		if v, err := strconv.ParseInt(line[:len(line)-1], 10, 64); err == nil {
			token = v
		} else {
			token = tokenutil.FromKey(buf[:n-1]).Value()
		}
	}

	best := pool.FindLeastBusy(token)
	if best == nil {
		conn.Write([]byte("no connection available\n"))
		return
	}
	conn.Write([]byte("shard " + strconv.Itoa(int(best.ShardID())) + "\n"))
}

// logListener logs pool lifecycle events, the demo's stand-in for whatever
// monitoring a real deployment would wire up.
type logListener struct{}

func (logListener) OnPoolUp(host string)   { log.Println("pool up:", host) }
func (logListener) OnPoolDown(host string) { log.Println("pool down:", host) }
func (logListener) OnPoolCriticalError(host string, code shardpool.ErrorCode, message string) {
	log.Println("pool critical error:", host, code, message)
}
func (logListener) OnClose(pool *shardpool.ConnectionPool) { log.Println("pool closed:", pool.Host()) }
func (logListener) OnRequiresFlush(pool *shardpool.ConnectionPool) {}
