package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// wakesTotal traces container-group awakenings.
	wakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slumber_wakes_total",
			Help: "Total wake attempts per application.",
		},
		[]string{"app", "result"}, // result: "success" or "error"
	)

	// wakeDuration tracks how long a successful wake takes end to end.
	wakeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "slumber_wake_duration_seconds",
			Help:    "Time taken for a wake to complete.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"app"},
	)

	// suspendsTotal counts suspension passes, including re-assertions.
	suspendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slumber_suspends_total",
			Help: "Total suspension passes per application.",
		},
		[]string{"app", "action"},
	)

	// activeFlows gauges in-flight TCP connections and live UDP flows.
	activeFlows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slumber_active_flows",
			Help: "Currently open forwarding flows.",
		},
		[]string{"app", "protocol"},
	)

	// bytesForwarded counts proxied payload bytes by direction.
	bytesForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slumber_bytes_forwarded_total",
			Help: "Payload bytes forwarded, by direction (in = client to target).",
		},
		[]string{"app", "direction"},
	)

	// eventReconnects counts event-stream reconnect attempts per socket.
	eventReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slumber_event_reconnects_total",
			Help: "Times the container event stream was re-established.",
		},
		[]string{"socket"},
	)
)

// recordWake bumps the wake counters.
func recordWake(app string, success bool, elapsed time.Duration) {
	result := "error"
	if success {
		result = "success"
		wakeDuration.WithLabelValues(app).Observe(elapsed.Seconds())
	}
	wakesTotal.WithLabelValues(app, result).Inc()
}

// recordSuspend bumps the suspension counter.
func recordSuspend(app, action string) {
	suspendsTotal.WithLabelValues(app, action).Inc()
}

// ServeMetrics exposes Prometheus metrics on port until ctx is cancelled.
func ServeMetrics(ctx context.Context, port uint16) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics listener started", "port", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics listener failed", "error", err)
	}
}
