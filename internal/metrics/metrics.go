package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nolosslottery"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lottery",
			Name:      "operations_total",
			Help:      "Lottery operations by kind and outcome.",
		},
		[]string{"operation", "result"},
	)

	weiMoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lottery",
			Name:      "wei_total",
			Help:      "Wei moved by deposits, withdrawals and payouts.",
		},
		[]string{"direction"},
	)

	totalPrincipal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lottery",
			Name:      "total_principal_wei",
			Help:      "Principal currently owed to depositors.",
		},
	)

	depositors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lottery",
			Name:      "depositors",
			Help:      "Depositors with non-zero principal.",
		},
	)

	drawPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lottery",
			Name:      "draw_pending",
			Help:      "1 while a randomness request is outstanding.",
		},
	)

	round = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lottery",
			Name:      "round",
			Help:      "Current round number.",
		},
	)

	drawLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lottery",
			Name:      "draw_latency_seconds",
			Help:      "Time between a randomness request and its settlement.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		operations,
		weiMoved,
		totalPrincipal,
		depositors,
		drawPending,
		round,
		drawLatency,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordOperation counts a lottery operation. err == nil counts as success.
func RecordOperation(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	operations.WithLabelValues(operation, result).Inc()
}

// RecordDeposit adds amount to the deposited wei counter.
func RecordDeposit(amount *uint256.Int) {
	weiMoved.WithLabelValues("deposit").Add(amount.Float64())
}

// RecordWithdrawal adds amount to the withdrawn wei counter.
func RecordWithdrawal(amount *uint256.Int) {
	weiMoved.WithLabelValues("withdrawal").Add(amount.Float64())
}

// RecordDraw records a settled draw.
func RecordDraw(payout *uint256.Int, latency time.Duration) {
	weiMoved.WithLabelValues("payout").Add(payout.Float64())
	if latency > 0 {
		drawLatency.Observe(latency.Seconds())
	}
}

// SetLedger publishes the current ledger totals.
func SetLedger(total *uint256.Int, count int) {
	totalPrincipal.Set(total.Float64())
	depositors.Set(float64(count))
}

// SetRound publishes the round number and whether a draw is pending.
func SetRound(number uint64, pending bool) {
	round.Set(float64(number))
	if pending {
		drawPending.Set(1)
	} else {
		drawPending.Set(0)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path parameters so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "v1" || len(parts) == 1 {
		return "/" + parts[0]
	}
	switch {
	case parts[1] == "deposits" && len(parts) == 3:
		return "/v1/deposits/:address"
	case len(parts) > 3:
		return "/v1/" + parts[1] + "/" + parts[2]
	}
	return "/" + trimmed
}
