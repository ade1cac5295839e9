package proxy_handler

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultHit      = "hit"
	resultMiss     = "miss"
	resultRejected = "rejected"

	upstreamErrConnect = "connect"
	upstreamErrSend    = "send"
	upstreamErrRecv    = "recv"
)

// Metrics collects request level metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	requests       *prometheus.CounterVec
	errorResponses *prometheus.CounterVec
	upstreamErrors *prometheus.CounterVec
	relayedBytes   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "requests_total",
			Help: "The total number of parsed requests by result",
		}, []string{"result"}),
		errorResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "error_responses_total",
			Help: "The total number of error responses by status code",
		}, []string{"code"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upstream_errors_total",
			Help: "The total number of upstream failures by stage",
		}, []string{"stage"}),
		relayedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upstream_relayed_bytes_total",
			Help: "The total number of bytes relayed from the upstream",
		}),
	}
	for _, c := range []prometheus.Collector{m.requests, m.errorResponses, m.upstreamErrors, m.relayedBytes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) request(result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(result).Inc()
}

func (m *Metrics) errorResponse(code int) {
	if m == nil {
		return
	}
	m.errorResponses.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) upstreamErr(stage string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(stage).Inc()
}

func (m *Metrics) relayed(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.relayedBytes.Add(float64(n))
}
