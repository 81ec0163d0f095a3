package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the server. Registration uses
// the default registry, so NewMetrics must be called at most once per
// process; tests that exercise components directly leave metrics nil.
type Metrics struct {
	activeSessions   prometheus.Gauge
	onlineUsers      prometheus.Gauge
	sessionsCreated  prometheus.Counter
	sessionsClosed   prometheus.Counter
	requestsReceived *prometheus.CounterVec
	recordsSent      *prometheus.CounterVec
	deliveredDirect  prometheus.Counter
	queuedOffline    prometheus.Counter
}

// NewMetrics creates and registers all server metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		activeSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relaychat_active_sessions",
			Help: "Number of open client connections",
		}),
		onlineUsers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relaychat_online_users",
			Help: "Number of authenticated logins currently present",
		}),
		sessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_sessions_created_total",
			Help: "Total connections accepted",
		}),
		sessionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_sessions_closed_total",
			Help: "Total connections closed",
		}),
		requestsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_requests_received_total",
			Help: "Requests received by action",
		}, []string{"action"}),
		recordsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_records_sent_total",
			Help: "Records sent by kind (response or push)",
		}, []string{"kind"}),
		deliveredDirect: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_messages_delivered_direct_total",
			Help: "Messages pushed to an online recipient",
		}),
		queuedOffline: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_messages_queued_offline_total",
			Help: "Messages appended to an offline recipient's queue",
		}),
	}
}

// RecordActiveSessions updates the open-connection gauge.
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordOnlineUsers updates the authenticated-presence gauge.
func (m *Metrics) RecordOnlineUsers(count int) {
	m.onlineUsers.Set(float64(count))
}

// RecordSessionCreated counts an accepted connection.
func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

// RecordSessionDisconnected counts a closed connection.
func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsClosed.Inc()
}

// RecordRequest counts a received request by action.
func (m *Metrics) RecordRequest(action string) {
	m.requestsReceived.WithLabelValues(action).Inc()
}

// RecordRecordSent counts an outbound record by kind.
func (m *Metrics) RecordRecordSent(kind string) {
	m.recordsSent.WithLabelValues(kind).Inc()
}

// RecordDirectDelivery counts a message pushed to an online recipient.
func (m *Metrics) RecordDirectDelivery() {
	m.deliveredDirect.Inc()
}

// RecordOfflineQueue counts a message persisted for an offline recipient.
func (m *Metrics) RecordOfflineQueue() {
	m.queuedOffline.Inc()
}
