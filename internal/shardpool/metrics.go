package shardpool

import (
	"time"

	metrics "github.com/rcrowley/go-metrics"
)

// Metrics is the pool's metrics sink, backed by an rcrowley/go-metrics
// registry. A nil *Metrics is valid and simply does nothing, so callers
// that don't care about metrics can omit it.
type Metrics struct {
	registry metrics.Registry

	TotalConnections metrics.Gauge
	ReconnectTimer   metrics.Timer
	CriticalErrors   metrics.Meter
}

// NewMetrics registers this pool's metrics under name in registry.
func NewMetrics(registry metrics.Registry, name string) *Metrics {
	if registry == nil {
		registry = metrics.NewRegistry()
	}
	m := &Metrics{
		registry:         registry,
		TotalConnections: metrics.NewGauge(),
		ReconnectTimer:   metrics.NewTimer(),
		CriticalErrors:   metrics.NewMeter(),
	}
	registry.Register(name+".total_connections", m.TotalConnections)
	registry.Register(name+".reconnect", m.ReconnectTimer)
	registry.Register(name+".critical_errors", m.CriticalErrors)
	return m
}

func (m *Metrics) incConnections() {
	if m == nil {
		return
	}
	m.TotalConnections.Update(m.TotalConnections.Value() + 1)
}

func (m *Metrics) decConnections() {
	if m == nil {
		return
	}
	m.TotalConnections.Update(m.TotalConnections.Value() - 1)
}

func (m *Metrics) markCriticalError() {
	if m == nil {
		return
	}
	m.CriticalErrors.Mark(1)
}

// recordReconnect times how long a reconnect attempt (delay excluded) took,
// whether it succeeded or failed.
func (m *Metrics) recordReconnect(d time.Duration) {
	if m == nil {
		return
	}
	m.ReconnectTimer.Update(d)
}
