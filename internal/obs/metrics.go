package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ChecksTotal    *prometheus.CounterVec
	BlockedTotal   *prometheus.CounterVec
	BackendErrors  prometheus.Counter
	BackendHealthy prometheus.Gauge
	CheckDuration  prometheus.Histogram

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admitkit_checks_total",
				Help: "Rate limit checks by algorithm and verdict",
			},
			[]string{"strategy", "verdict"},
		),
		BlockedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admitkit_blocked_total",
				Help: "Denied checks by the dimension that blocked them",
			},
			[]string{"dimension"},
		),
		BackendErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "admitkit_backend_errors_total",
				Help: "Counter store operations that failed",
			},
		),
		BackendHealthy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "admitkit_backend_healthy",
				Help: "1 while the shared counter store is healthy, 0 in fallback",
			},
		),
		CheckDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "admitkit_check_duration_seconds",
				Help:    "Full multi-dimension check duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admitkit_requests_total",
				Help: "HTTP requests served",
			},
			[]string{"path", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "admitkit_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path", "method"},
		),
	}

	reg.MustRegister(
		m.ChecksTotal, m.BlockedTotal, m.BackendErrors, m.BackendHealthy,
		m.CheckDuration, m.RequestsTotal, m.RequestDuration,
	)
	return m
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Middleware records per-request metrics.
func (m *Metrics) Middleware(skip map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(r.URL.Path, r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(code)).Inc()
		})
	}
}
