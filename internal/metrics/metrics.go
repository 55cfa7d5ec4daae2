// Package metrics exposes Prometheus metrics for the backend client, the
// conversation controllers and the relay.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/TaskPipe/internal/backend"
	"github.com/BTreeMap/TaskPipe/internal/models"
)

var (
	backendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpipe_backend_requests_total",
			Help: "Total number of backend requests by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	backendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskpipe_backend_request_duration_seconds",
			Help:    "Backend request latency by operation",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"op"},
	)

	stateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpipe_conversation_transitions_total",
			Help: "Total number of conversation state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	turnsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpipe_transcript_turns_total",
			Help: "Total number of transcript turns appended by speaker",
		},
		[]string{"speaker"},
	)

	resultsReady = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpipe_final_results_total",
			Help: "Total number of final results materialized",
		},
		[]string{"degraded"},
	)

	callsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskpipe_backend_calls_in_flight",
			Help: "Number of conversation backend calls awaiting a response",
		},
	)

	inboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpipe_relay_inbound_messages_total",
			Help: "Total number of inbound relay messages by channel and result",
		},
		[]string{"channel", "result"},
	)
)

// Backend request outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeAuthExpired = "auth_expired"
	OutcomeHTTPError   = "http_error"
	OutcomeNetwork     = "network_error"
)

// Relay inbound results.
const (
	InboundHandled   = "handled"
	InboundDuplicate = "duplicate"
	InboundBusy      = "busy"
	InboundRejected  = "rejected"
	InboundFailed    = "failed"
)

// ObserveBackend records one backend request. It matches backend.Observer.
func ObserveBackend(op string, statusCode int, elapsed time.Duration, err error) {
	backendLatency.WithLabelValues(op).Observe(elapsed.Seconds())
	backendRequests.WithLabelValues(op, classify(statusCode, err)).Inc()
}

var _ backend.Observer = ObserveBackend

func classify(statusCode int, err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, backend.ErrAuthExpired):
		return OutcomeAuthExpired
	case statusCode != 0:
		return OutcomeHTTPError
	default:
		return OutcomeNetwork
	}
}

// InboundMessage counts one inbound relay message.
func InboundMessage(channel, result string) {
	inboundMessages.WithLabelValues(channel, result).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Listener records conversation events. Its methods match conversation.Listener.
type Listener struct{}

func (Listener) TurnAppended(turn models.Turn) {
	turnsAppended.WithLabelValues(string(turn.Speaker)).Inc()
}

func (Listener) StateChanged(t models.StateTransition) {
	stateTransitions.WithLabelValues(string(t.FromState), string(t.ToState)).Inc()
}

func (Listener) Composing(on bool) {
	if on {
		callsInFlight.Inc()
	} else {
		callsInFlight.Dec()
	}
}

func (Listener) ResultReady(sessionID string, result models.FinalResult) {
	resultsReady.WithLabelValues(strconv.FormatBool(result.Degraded)).Inc()
}
