package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rpattn/productdim/internal/middleware"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "productdim_build_info",
		Help: "Build information of the productdim binary",
	}, []string{"version", "commit", "date"})

	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "productdim_batches_total",
		Help: "Batches merged into the dimension, by outcome",
	}, []string{"status"})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "productdim_transitions_total",
		Help: "Records classified by the merge engine, by classification",
	}, []string{"classification"})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "productdim_batch_duration_seconds",
		Help:    "Duration of batch merges including commit",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	FilesProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "productdim_files_processed_total",
		Help: "Raw files cleaned into processed batches, by outcome",
	}, []string{"status"})
)

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, log *slog.Logger, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Info("prometheus metrics server listening", "address", listener.Addr().String())

	mux := http.NewServeMux()
	mux.Handle("/metrics", middleware.LoggingMiddleware(log)(promhttp.Handler()))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
