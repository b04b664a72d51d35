// Package metrics exposes the worker's counters on an optional
// /healthz + /metrics HTTP endpoint, independent of the single-threaded
// block-processing loop it observes.
package metrics

import (
	"context"
	"net/http"
	"time"

	httpserver "blockcrawl/internal/platform/net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BlocksProcessed counts blocks the Block Runner ran to completion.
	BlocksProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blocks_processed_total",
		Help: "Blocks the Block Runner has run to completion.",
	})

	// ChunksFailed counts adapter chunks returned with ok=false.
	ChunksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chunks_failed_total",
		Help: "Adapter chunks that came back ok=false, by hoster type.",
	}, []string{"hoster_type"})

	// RecordsAggregated counts repository records aggregated across blocks.
	RecordsAggregated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "records_aggregated_total",
		Help: "Repository records aggregated across all blocks, by hoster type.",
	}, []string{"hoster_type"})

	// RateLimitSleepSeconds sums the time spent waiting out rate limits and
	// abuse backoff across all hosters.
	RateLimitSleepSeconds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratelimit_sleep_seconds_total",
		Help: "Cumulative seconds spent sleeping for hoster rate limits, by hoster type.",
	}, []string{"hoster_type"})
)

// Serve starts the metrics/health endpoint on addr and blocks until ctx is
// canceled. A no-op when addr is empty, so the loop can run without it.
// /healthz reports 200 for as long as running reports true.
func Serve(ctx context.Context, addr string, running func() bool) error {
	if addr == "" {
		return nil
	}

	srv := httpserver.NewServer(addr, func(m *chi.Mux) {
		m.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if running != nil && !running() {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		m.Handle("/metrics", promhttp.Handler())
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return srv.Run(ctx)
}
