package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tphummel/lab_power/internal/db"
	"github.com/tphummel/lab_power/internal/models"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lab_power_http_requests_total",
			Help: "Total number of HTTP requests by method, route, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lab_power_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lab_power_http_requests_in_flight",
		Help: "Current number of HTTP requests being processed.",
	})

	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lab_power_operations_total",
			Help: "Power operations finished since start, by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lab_power_operation_duration_seconds",
			Help:    "Wall-clock duration of power operations by action.",
			Buckets: []float64{1, 5, 10, 20, 30, 60, 90, 120, 180},
		},
		[]string{"action"},
	)

	operationsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lab_power_operations_in_flight",
		Help: "Power operations currently running.",
	})

	serversOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lab_power_servers_online",
		Help: "Servers answering ping at the last status poll.",
	})

	plugsOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lab_power_plugs_online",
		Help: "Plugs reachable at the last status poll.",
	})

	totalPower = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lab_power_total_power_watts",
		Help: "Sum of current draw across reachable plugs.",
	})

	plugPower = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lab_power_plug_power_watts",
			Help: "Current draw per plug at the last status poll.",
		},
		[]string{"plug"},
	)
)

// HistoryDB is the subset of db.DB needed to collect history metrics.
type HistoryDB interface {
	CountOperations() ([]db.OperationCount, error)
}

// ConfigWriter reports how many times the configuration document has
// been written.
type ConfigWriter interface {
	Writes() uint64
}

// historyCollector queries the database on each scrape to report the
// recorded operation history by action and outcome.
type historyCollector struct {
	db          HistoryDB
	historyDesc *prometheus.Desc
}

func (c *historyCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.historyDesc
}

func (c *historyCollector) Collect(ch chan<- prometheus.Metric) {
	counts, err := c.db.CountOperations()
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.historyDesc, err)
		return
	}
	for _, n := range counts {
		ch <- prometheus.MustNewConstMetric(
			c.historyDesc,
			prometheus.GaugeValue,
			float64(n.Count),
			n.Action, n.Outcome,
		)
	}
}

// Register registers all metrics with reg. Call once at startup after the
// database and config store are open.
func Register(reg prometheus.Registerer, history HistoryDB, config ConfigWriter) {
	reg.MustRegister(
		// Standard Go runtime and process metrics
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

		// HTTP service metrics
		httpRequestsTotal,
		httpRequestDuration,
		httpRequestsInFlight,

		// Power operations
		operationsTotal,
		operationDuration,
		operationsInFlight,

		// Fleet
		serversOnline,
		plugsOnline,
		totalPower,
		plugPower,

		&historyCollector{
			db: history,
			historyDesc: prometheus.NewDesc(
				"lab_power_operation_history",
				"Operations in the persistent history, by action and outcome.",
				[]string{"action", "outcome"},
				nil,
			),
		},
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "lab_power_config_writes_total",
			Help: "Writes of the configuration document since start.",
		}, func() float64 { return float64(config.Writes()) }),
	)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// OperationStarted marks a power operation as running. The returned
// function records its outcome and duration and must be called once.
func OperationStarted(action models.Action) func(success bool) {
	start := time.Now()
	operationsInFlight.Inc()
	return func(success bool) {
		operationsInFlight.Dec()
		outcome := "failure"
		if success {
			outcome = "success"
		}
		operationsTotal.WithLabelValues(string(action), outcome).Inc()
		operationDuration.WithLabelValues(string(action)).Observe(time.Since(start).Seconds())
	}
}

// ObserveStatus updates the fleet gauges from a status snapshot. Plugs
// that are unreachable are dropped from the per-plug series.
func ObserveStatus(snap *models.Snapshot) {
	serversOnline.Set(float64(snap.Summary.ServersOnline))
	plugsOnline.Set(float64(snap.Summary.PlugsOnline))
	totalPower.Set(snap.Summary.TotalPower)
	plugPower.Reset()
	for _, p := range snap.Plugs {
		if p.Online {
			plugPower.WithLabelValues(p.Name).Set(p.CurrentPower)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture the response status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer, which
// the event stream needs for flushing.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware wraps an http.Handler to record HTTP metrics.
// pattern should be the route pattern string (e.g. "/api/v1/servers/{name}")
// so the path label has bounded cardinality.
func Middleware(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			httpRequestsInFlight.Dec()
			status := strconv.Itoa(rw.status)
			httpRequestsTotal.WithLabelValues(r.Method, pattern, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
		}()

		next.ServeHTTP(rw, r)
	})
}
