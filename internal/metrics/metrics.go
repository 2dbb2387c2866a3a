package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HttpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultbridge_http_requests_total",
		Help: "Total number of requests by path, method and status_code.",
	}, []string{"path", "method", "status_code"})
	HttpRequestsDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "vaultbridge_http_requests_duration",
		Help: "Duration of HTTP requests in seconds by path and method.",
	}, []string{"path", "method"})

	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultbridge_deployment_cycles_total",
		Help: "Deployment cycles by final status.",
	}, []string{"status"})
	CyclePhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vaultbridge_deployment_phase_duration_seconds",
		Help:    "Time spent in each deployment phase.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 6),
	}, []string{"phase"})
	LeaseContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaultbridge_lease_contention_total",
		Help: "Deployment triggers rejected because a cycle was already running.",
	})

	BridgeTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultbridge_bridge_transfers_total",
		Help: "Bridge transfers by terminal status.",
	}, []string{"status"})

	NAVUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultbridge_nav_sync_total",
		Help: "NAV synchronization attempts by outcome.",
	}, []string{"outcome"})
	NAVValue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vaultbridge_nav_minor_units",
		Help: "Last NAV written to the ledger, in minor units.",
	})

	DepositJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultbridge_deposit_jobs_total",
		Help: "Registrar deposit jobs by terminal status.",
	}, []string{"status"})
)

// HttpMiddleware implements mux.MiddlewareFunc. Labels use the route
// template so /deposit/{jobId} stays a single series.
func HttpMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := "UNDEFINED"
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		method := strings.ToUpper(r.Method)
		d := &responseWriterDelegator{ResponseWriter: w}
		next.ServeHTTP(d, r)
		if d.status == 0 {
			d.status = http.StatusOK
		}
		HttpRequestsTotal.WithLabelValues(path, method, strconv.Itoa(d.status)).Inc()
		HttpRequestsDuration.WithLabelValues(path, method).Observe(time.Since(start).Seconds())
	})
}

type responseWriterDelegator struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *responseWriterDelegator) WriteHeader(code int) {
	r.status = code
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseWriterDelegator) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

// ObservePhase records how long a phase took.
func ObservePhase(phase string, start time.Time) {
	CyclePhaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}
