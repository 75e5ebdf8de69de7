// Package metrics instruments the controller with prometheus collectors
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Handshake results
const (
	ResultSuccess = "success"
	ResultTimeout = "timeout"
	ResultDenied  = "denied"
	ResultInvalid = "invalid_dpid"
	ResultFailed  = "failed"
)

var (
	registerOnce sync.Once

	devicesConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ofctl",
			Subsystem: "registry",
			Name:      "devices_connected",
			Help:      "Switches currently registered.",
		},
	)
	deviceLeaves = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ofctl",
			Subsystem: "registry",
			Name:      "device_leaves_total",
			Help:      "Connections to registered switches that ended.",
		},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ofctl",
			Subsystem: "handshake",
			Name:      "completed_total",
			Help:      "Handshakes by result.",
		},
		[]string{"result"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ofctl",
			Subsystem: "registry",
			Name:      "frames_received_total",
			Help:      "OpenFlow messages received from registered switches.",
		},
		[]string{"type"},
	)
	commandsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ofctl",
			Subsystem: "dispatch",
			Name:      "commands_total",
			Help:      "Outbound commands by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
)

// RegisterMetrics registers the collectors with the default registry, it is
// safe to call more than once
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(devicesConnected, deviceLeaves, handshakes, framesReceived, commandsSent)
	})
}

func DeviceJoined() {
	RegisterMetrics()
	devicesConnected.Inc()
}

func DeviceLeft() {
	RegisterMetrics()
	devicesConnected.Dec()
	deviceLeaves.Inc()
}

func RecordHandshake(result string) {
	RegisterMetrics()
	handshakes.WithLabelValues(result).Inc()
}

func RecordFrame(msgType string) {
	RegisterMetrics()
	framesReceived.WithLabelValues(msgType).Inc()
}

// RecordCommand counts an outbound command, outcome is derived from err by
// the caller ("ok", "would_block", "unknown_device", "error")
func RecordCommand(kind, outcome string) {
	RegisterMetrics()
	commandsSent.WithLabelValues(kind, outcome).Inc()
}
