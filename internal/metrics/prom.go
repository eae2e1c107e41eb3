// Package metrics exposes Prometheus collectors for the bridge, the
// agent, and the replay engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tabwire_build_info",
			Help: "Build information",
		},
		[]string{"component", "version", "sha", "date"},
	)

	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabwire_commands_total",
			Help: "Number of bridge commands by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tabwire_command_duration_seconds",
			Help:    "Bridge command round-trip duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	agentConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabwire_agent_connected",
			Help: "Whether an agent session is currently active",
		},
	)

	keepalivesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabwire_keepalives_total",
			Help: "Keepalive messages received from the agent",
		},
	)

	reconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabwire_agent_reconnects_total",
			Help: "Reconnect attempts made by the agent",
		},
	)

	replayActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabwire_replay_actions_total",
			Help: "Replayed actions by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
)

// Register registers all collectors with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, commandsTotal, commandDuration, agentConnected, keepalivesTotal, reconnectsTotal, replayActions)
}

// SetBuildInfo sets the build info metric for a component.
func SetBuildInfo(component, version, sha, date string) {
	buildInfo.WithLabelValues(component, version, sha, date).Set(1)
}

// ObserveCommand records one bridge command round trip.
func ObserveCommand(method string, success bool, d time.Duration) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	commandsTotal.WithLabelValues(method, outcome).Inc()
	commandDuration.WithLabelValues(method).Observe(d.Seconds())
}

// SetAgentConnected records agent session state.
func SetAgentConnected(up bool) {
	if up {
		agentConnected.Set(1)
	} else {
		agentConnected.Set(0)
	}
}

// RecordKeepalive counts one agent keepalive.
func RecordKeepalive() {
	keepalivesTotal.Inc()
}

// RecordReconnect counts one agent reconnect attempt.
func RecordReconnect() {
	reconnectsTotal.Inc()
}

// RecordReplayAction counts one replayed action outcome
// ("success", "error" or "skipped").
func RecordReplayAction(kind, outcome string) {
	replayActions.WithLabelValues(kind, outcome).Inc()
}
