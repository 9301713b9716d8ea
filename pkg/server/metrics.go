package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each Metrics owns its
// registry so several servers can live in one process (tests).
type Metrics struct {
	registry *prometheus.Registry

	activeConnections prometheus.Gauge
	onlineUsers       prometheus.Gauge
	messagesReceived  *prometheus.CounterVec
	messagesSent      *prometheus.CounterVec
	handshakes        *prometheus.CounterVec
	evictions         prometheus.Counter
}

// NewMetrics creates and registers all collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "securechat_active_connections",
			Help: "Number of open connections",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "securechat_online_users",
			Help: "Number of connections that have claimed a name",
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "securechat_messages_received_total",
			Help: "Messages received from clients, by type",
		}, []string{"type"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "securechat_messages_sent_total",
			Help: "Messages queued for clients, by type",
		}, []string{"type"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "securechat_handshakes_total",
			Help: "Completed and abandoned handshakes",
		}, []string{"outcome"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "securechat_evictions_total",
			Help: "Connections closed because their user went stale",
		}),
	}

	m.registry.MustRegister(
		m.activeConnections,
		m.onlineUsers,
		m.messagesReceived,
		m.messagesSent,
		m.handshakes,
		m.evictions,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordConnectionOpened() { m.activeConnections.Inc() }

func (m *Metrics) RecordConnectionClosed() { m.activeConnections.Dec() }

func (m *Metrics) RecordOnlineUsers(n int) { m.onlineUsers.Set(float64(n)) }

func (m *Metrics) RecordMessageReceived(msgType string) {
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordMessageSent(msgType string) {
	m.messagesSent.WithLabelValues(msgType).Inc()
}

// RecordHandshake counts a handshake outcome: "established" or "failed"
func (m *Metrics) RecordHandshake(outcome string) {
	m.handshakes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordEviction() { m.evictions.Inc() }
