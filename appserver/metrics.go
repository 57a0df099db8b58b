package appserver

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Call outcomes recorded by codexsdk_calls_total.
const (
	outcomeOK           = "ok"
	outcomeRemote       = "remote_error"
	outcomeDisconnected = "disconnected"
	outcomeUnavailable  = "unavailable"
	outcomeRetried      = "retried"
	outcomeOther        = "error"
)

// metrics holds the client's collectors. With no registerer the collectors
// still count; they are just not exported.
type metrics struct {
	restarts        prometheus.Counter
	restartFailures prometheus.Counter
	dropped         *prometheus.CounterVec
	calls           *prometheus.CounterVec
	state           prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codexsdk",
			Name:      "restarts_total",
			Help:      "App-server restarts that completed successfully.",
		}),
		restartFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codexsdk",
			Name:      "restart_failures_total",
			Help:      "App-server start attempts that failed during a restart.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codexsdk",
			Name:      "notifications_dropped_total",
			Help:      "Notifications evicted from a full queue.",
		}, []string{"queue"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codexsdk",
			Name:      "calls_total",
			Help:      "Client calls by outcome.",
		}, []string{"outcome"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codexsdk",
			Name:      "connection_state",
			Help:      "Connection state (0 idle, 1 connected, 2 reconnecting, 3 faulted, 4 closed).",
		}),
	}
	if reg == nil {
		return m
	}
	m.restarts = register(reg, m.restarts)
	m.restartFailures = register(reg, m.restartFailures)
	m.dropped = register(reg, m.dropped)
	m.calls = register(reg, m.calls)
	m.state = register(reg, m.state)
	return m
}

// register adds c to reg, sharing an identical collector registered by
// another client.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *metrics) observeCall(err error) {
	m.calls.WithLabelValues(callOutcome(err)).Inc()
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case IsRemote(err):
		return outcomeRemote
	case IsUnavailable(err):
		return outcomeUnavailable
	case IsDisconnected(err):
		return outcomeDisconnected
	default:
		return outcomeOther
	}
}
