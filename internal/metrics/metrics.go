// Package metrics provides Prometheus instrumentation for the lender pool.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atmx/lender-pool/internal/amount"
	"github.com/atmx/lender-pool/internal/model"
)

var (
	// EventsTotal counts committed pool events by kind.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lender_events_total",
		Help: "Committed pool events by kind",
	}, []string{"kind"})

	// DepositVolume tracks cumulative deposited ether.
	DepositVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lender_deposit_volume_ether_total",
		Help: "Cumulative deposits in ether",
	})

	// LoanVolume tracks cumulative lent ether.
	LoanVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lender_flash_loan_volume_ether_total",
		Help: "Cumulative flash loan principal in ether",
	})

	// FeesPaid tracks fees credited to depositors; FeesRetained those kept
	// as pool surplus because no units existed.
	FeesPaid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lender_fees_paid_ether_total",
		Help: "Flash loan fees credited to depositors, in ether",
	})
	FeesRetained = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lender_fees_retained_ether_total",
		Help: "Flash loan fees retained by the pool, in ether",
	})

	// FlashLoans counts flash loan attempts by outcome ("ok" or an error kind).
	FlashLoans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lender_flash_loans_total",
		Help: "Flash loan attempts by outcome",
	}, []string{"outcome"})

	// FlashLoanLatency tracks end-to-end loan duration, callback included.
	FlashLoanLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lender_flash_loan_latency_seconds",
		Help:    "Flash loan latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	// Rejections counts failed pool calls by operation and error kind.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lender_rejections_total",
		Help: "Rejected pool calls by operation and error kind",
	}, []string{"op", "kind"})

	// TotalUnits tracks outstanding position units.
	TotalUnits = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lender_total_units",
		Help: "Outstanding position units",
	})

	// PoolBalance tracks the pool account's balance.
	PoolBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lender_pool_balance_ether",
		Help: "Pool balance in ether",
	})

	// WSClients tracks connected WebSocket clients.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lender_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lender_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lender_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Recorder counts committed events. It satisfies events.Publisher.
type Recorder struct{}

func (Recorder) Publish(e model.Event) {
	EventsTotal.WithLabelValues(string(e.Kind)).Inc()
	switch e.Kind {
	case model.EventDeposit:
		DepositVolume.Add(amount.Float(e.Amount))
	case model.EventFlashLoan:
		LoanVolume.Add(amount.Float(e.Amount))
	case model.EventFeePayout:
		FeesPaid.Add(amount.Float(e.Amount))
	case model.EventFeeRetained:
		FeesRetained.Add(amount.Float(e.Amount))
	}
}

// ObservePool sets the pool-level gauges.
func ObservePool(units uint64, balance *uint256.Int) {
	TotalUnits.Set(float64(units))
	PoolBalance.Set(amount.Float(balance))
}

// ObserveFlashLoan records one loan attempt.
func ObserveFlashLoan(outcome string, d time.Duration) {
	FlashLoans.WithLabelValues(outcome).Inc()
	FlashLoanLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through Middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(w.ResponseWriter).Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
