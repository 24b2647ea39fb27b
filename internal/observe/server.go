package observe

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsServer serves the Prometheus /metrics scrape endpoint.
type MetricsServer struct {
	srv *http.Server
}

// NewMetricsServer builds a metrics server listening on addr. The handler
// records its own request latency to m.HTTPRequestDuration so scrape cost is
// visible alongside application metrics.
func NewMetricsServer(addr string, m *Metrics) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", instrument(m, promhttp.Handler()))

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start runs the server until Shutdown is called. It blocks; run it in a
// goroutine. http.ErrServerClosed is swallowed as the normal exit.
func (s *MetricsServer) Start() error {
	slog.Info("metrics endpoint listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// instrument wraps next to record request duration and log completion.
func instrument(m *Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)

		m.HTTPRequestDuration.Record(r.Context(), duration.Seconds(),
			metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", r.URL.Path),
			),
		)
		slog.Debug("scrape completed",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", duration,
		)
	})
}
