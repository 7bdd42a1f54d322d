package observability

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"
)

// Counter names recorded in the in-process registry.
const (
	Websockets     = "websockets"
	SessionsActive = "sessions.active"
	ConnRecv       = "conn.recv"
	ConnSend       = "conn.send"
	Drops          = "drops"
	NamesRejected  = "names.rejected"
	TokensIssued   = "tokens.issued"
	TokensRejected = "tokens.rejected"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "sessions_active",
			Help:      "Sessions that completed the name handshake and have not closed.",
		},
	)
)

// RegisterMetrics registers the prometheus collectors with the default
// registerer. It is safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, sessionsActive)
	})
}

// RecordHTTPRequest observes one completed HTTP request.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}

// Metrics is the relay's in-process counter set. A nil *Metrics discards
// everything.
type Metrics struct {
	reg gometrics.Registry
}

// NewMetrics returns Metrics backed by a fresh registry.
func NewMetrics() *Metrics {
	RegisterMetrics()
	return &Metrics{reg: gometrics.NewRegistry()}
}

// Incr adds i to the named counter.
func (m *Metrics) Incr(name string, i int64) {
	if m == nil {
		return
	}
	gometrics.GetOrRegisterCounter(name, m.reg).Inc(i)
	if name == SessionsActive {
		sessionsActive.Add(float64(i))
	}
}

// Decr subtracts i from the named counter.
func (m *Metrics) Decr(name string, i int64) {
	if m == nil {
		return
	}
	gometrics.GetOrRegisterCounter(name, m.reg).Dec(i)
	if name == SessionsActive {
		sessionsActive.Sub(float64(i))
	}
}

// Count returns the current value of the named counter.
func (m *Metrics) Count(name string) int64 {
	if m == nil {
		return 0
	}
	return gometrics.GetOrRegisterCounter(name, m.reg).Count()
}

// Report logs a JSON snapshot of every counter each interval until ctx is
// done, and once more on the way out.
func (m *Metrics) Report(ctx context.Context, logger zerolog.Logger, interval time.Duration) {
	if m == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.writeOnce(logger)
		case <-ctx.Done():
			m.writeOnce(logger)
			return
		}
	}
}

func (m *Metrics) writeOnce(logger zerolog.Logger) {
	var buf bytes.Buffer
	gometrics.WriteJSONOnce(m.reg, &buf)
	logger.Info().RawJSON("metrics", bytes.TrimSpace(buf.Bytes())).Msg("metrics report")
}
