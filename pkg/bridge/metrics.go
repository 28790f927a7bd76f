// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bridge

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Thermoquad/sonarctl/pkg/session"
)

// metrics mirrors the session state as Prometheus gauges. Each Server owns a
// registry so several bridges can live in one process.
type metrics struct {
	registry *prometheus.Registry

	link          prometheus.Gauge
	distance      *prometheus.GaugeVec
	relay         *prometheus.GaugeVec
	enabled       *prometheus.GaugeVec
	activations   *prometheus.GaugeVec
	relayOn       *prometheus.GaugeVec
	statusUpdates prometheus.Gauge
	clients       prometheus.Gauge
	commands      *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		link: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sonarctl",
			Name:      "link_up",
			Help:      "1 while the controller link is connected.",
		}),
		distance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sonarctl",
			Name:      "distance_cm",
			Help:      "Last reported sensor distance.",
		}, []string{"side"}),
		relay: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sonarctl",
			Name:      "relay_active",
			Help:      "1 while the relay is closed.",
		}, []string{"side"}),
		enabled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sonarctl",
			Name:      "side_enabled",
			Help:      "1 while the side is enabled.",
		}, []string{"side"}),
		activations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sonarctl",
			Subsystem: "relay",
			Name:      "activations",
			Help:      "Relay activations since the last statistics reset.",
		}, []string{"side"}),
		relayOn: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sonarctl",
			Subsystem: "relay",
			Name:      "on_seconds",
			Help:      "Cumulative relay on-time since the last statistics reset.",
		}, []string{"side"}),
		statusUpdates: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sonarctl",
			Name:      "status_updates",
			Help:      "STATUS events received in this session.",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sonarctl",
			Subsystem: "bridge",
			Name:      "clients",
			Help:      "Connected WebSocket clients.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sonarctl",
			Subsystem: "bridge",
			Name:      "commands_total",
			Help:      "Commands run on behalf of bridge clients.",
		}, []string{"op", "success"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sonarctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sonarctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	m.registry.MustRegister(
		m.link, m.distance, m.relay, m.enabled, m.activations, m.relayOn,
		m.statusUpdates, m.clients, m.commands, m.httpRequests, m.httpDuration,
	)
	return m
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (m *metrics) observe(st session.State) {
	m.link.Set(boolGauge(st.Link == session.LinkConnected))
	m.distance.WithLabelValues("left").Set(float64(st.DistanceLeftCm))
	m.distance.WithLabelValues("right").Set(float64(st.DistanceRightCm))
	m.relay.WithLabelValues("left").Set(boolGauge(st.RelayLeft))
	m.relay.WithLabelValues("right").Set(boolGauge(st.RelayRight))
	m.enabled.WithLabelValues("left").Set(boolGauge(st.EnabledLeft))
	m.enabled.WithLabelValues("right").Set(boolGauge(st.EnabledRight))
	m.activations.WithLabelValues("left").Set(float64(st.Stats.Left.Activations))
	m.activations.WithLabelValues("right").Set(float64(st.Stats.Right.Activations))
	m.relayOn.WithLabelValues("left").Set(float64(st.Stats.Left.TimeMs) / 1000)
	m.relayOn.WithLabelValues("right").Set(float64(st.Stats.Right.TimeMs) / 1000)
	m.statusUpdates.Set(float64(st.StatusCount))
}

func (m *metrics) recordCommand(op string, err error) {
	m.commands.WithLabelValues(op, strconv.FormatBool(err == nil)).Inc()
}

func (m *metrics) recordHTTP(method, path string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	m.httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
