// Package metrics exposes the chat engine's Prometheus collectors. A nil
// *Metrics is valid and records nothing, which keeps tests free of registries.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatroom"

type Metrics struct {
	connectionsAccepted prometheus.Counter
	connectionsActive   prometheus.Gauge
	connectionsClosed   *prometheus.CounterVec
	framesRejected      prometheus.Counter
	acceptErrors        *prometheus.CounterVec
	tasksQueued         prometheus.Gauge
	commandsTotal       *prometheus.CounterVec
	commandDuration     *prometheus.HistogramVec
	handlerPanics       prometheus.Counter
	responsesDropped    prometheus.Counter
	bytesWritten        prometheus.Counter
	onlineUsers         prometheus.Gauge
	gatewaySessions     prometheus.Gauge
}

// New registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		connectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total number of accepted TCP connections",
		}),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open TCP connections",
		}),
		connectionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total number of closed connections by reason",
		}, []string{"reason"}),
		framesRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Connections dropped for declaring an oversized frame",
		}),
		acceptErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Failed accept calls on the chat listener by errno",
		}, []string{"errno"}),
		tasksQueued: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_queued",
			Help:      "Tasks waiting for a worker",
		}),
		commandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total number of commands handled by command and status",
		}, []string{"command", "status"}),
		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command handling duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		handlerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Panics recovered inside command handlers",
		}),
		responsesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_dropped_total",
			Help:      "Responses addressed to connections that were already gone",
		}),
		bytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Bytes written to client sockets",
		}),
		onlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Identities currently bound to a connection",
		}),
		gatewaySessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_sessions",
			Help:      "Open WebSocket gateway sessions",
		}),
	}
}

func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.connectionsAccepted.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed(reason string) {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
	m.connectionsClosed.WithLabelValues(reason).Inc()
}

// AcceptFailed counts an accept error that ended an accept round. A rising
// EMFILE or ENFILE count means connections are waiting in the backlog.
func (m *Metrics) AcceptFailed(errno string) {
	if m == nil {
		return
	}
	m.acceptErrors.WithLabelValues(errno).Inc()
}

func (m *Metrics) FrameRejected() {
	if m == nil {
		return
	}
	m.framesRejected.Inc()
}

func (m *Metrics) SetQueued(n int) {
	if m == nil {
		return
	}
	m.tasksQueued.Set(float64(n))
}

// CommandHandled records one dispatched command. status is "ok" or "error".
func (m *Metrics) CommandHandled(command, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(command, status).Inc()
	m.commandDuration.WithLabelValues(command).Observe(took.Seconds())
}

func (m *Metrics) HandlerPanicked() {
	if m == nil {
		return
	}
	m.handlerPanics.Inc()
}

func (m *Metrics) ResponseDropped() {
	if m == nil {
		return
	}
	m.responsesDropped.Inc()
}

func (m *Metrics) BytesWritten(n int) {
	if m == nil {
		return
	}
	m.bytesWritten.Add(float64(n))
}

func (m *Metrics) SetOnline(n int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(n))
}

func (m *Metrics) GatewaySessionOpened() {
	if m == nil {
		return
	}
	m.gatewaySessions.Inc()
}

func (m *Metrics) GatewaySessionClosed() {
	if m == nil {
		return
	}
	m.gatewaySessions.Dec()
}
