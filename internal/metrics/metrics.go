package metrics

import (
	"log"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	InstancesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shopbox_instances_active",
			Help: "Number of currently active sandbox instances",
		},
	)

	ProvisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shopbox_provision_duration_seconds",
			Help:    "Time to provision a sandbox instance",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		},
		[]string{"status"},
	)

	TeardownDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shopbox_teardown_duration_seconds",
			Help:    "Time to tear down a sandbox instance",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		},
	)

	PortAllocationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shopbox_port_allocation_failures_total",
			Help: "Allocation attempts that found no free port",
		},
	)

	OrphansReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shopbox_orphans_reaped_total",
			Help: "Orphaned containers removed by the reaper",
		},
	)

	StuckRecordsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shopbox_stuck_records_swept_total",
			Help: "Records stuck in creating moved to error by the reaper",
		},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopbox_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		InstancesActive,
		ProvisionDuration,
		TeardownDuration,
		PortAllocationFailures,
		OrphansReaped,
		StuckRecordsSwept,
		HTTPRequestsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware returns Echo middleware that instruments HTTP requests.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()

			return err
		}
	}
}

// StartMetricsServer starts a standalone HTTP server serving /metrics on the
// given address.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Metrics are non-critical; the main server keeps running.
			log.Printf("shopbox: metrics server: %v", err)
		}
	}()
	return srv
}
