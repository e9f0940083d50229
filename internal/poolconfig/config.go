// Package poolconfig is the ambient configuration layer: a global settings
// object plus a shared metrics registry, reachable from anywhere in the
// process without threading a config value through every constructor.
package poolconfig

import (
	"time"

	metrics "github.com/rcrowley/go-metrics"
)

// Settings holds the knobs a deployment of this pool cares about.
type Settings struct {
	ListenAddress         string        // demo CLI: what interface to listen on for its own smoke test server
	InitialHost           string        // the single host this pool maintains connections to
	NumConnectionsPerHost uint32        // target connections to keep open, spread across shards
	ReconnectBaseDelay    time.Duration // initial backoff delay between reconnect attempts
	ReconnectMaxDelay     time.Duration // backoff ceiling
	ConnectTimeout        time.Duration // per-attempt dial timeout
	ShardPortRangeLo      int           // ephemeral port range used for shard-aware source-port binding
	ShardPortRangeHi      int
}

// NewSettings returns a Settings populated with reasonable defaults: 10
// connections per host, 100ms base / 10s cap reconnect backoff.
func NewSettings() *Settings {
	return &Settings{
		ListenAddress:         "0.0.0.0:9666",
		InitialHost:           "127.0.0.1:9042",
		NumConnectionsPerHost: 10,
		ReconnectBaseDelay:    100 * time.Millisecond,
		ReconnectMaxDelay:     10 * time.Second,
		ConnectTimeout:        5 * time.Second,
		ShardPortRangeLo:      49152,
		ShardPortRangeHi:      65535,
	}
}

// App is the process-wide singleton tying settings to the shared metrics
// registry.
type App struct {
	settings        *Settings
	metricsRegistry metrics.Registry
}

var currentApp *App

// Get returns the global App, creating it (with a fresh metrics registry)
// on first use.
func Get() *App {
	if currentApp != nil {
		return currentApp
	}
	currentApp = &App{metricsRegistry: metrics.NewRegistry()}
	return currentApp
}

func (a *App) SetSettings(s *Settings) { a.settings = s }
func (a *App) Settings() *Settings     { return a.settings }

func (a *App) MetricsRegistry() metrics.Registry { return a.metricsRegistry }
