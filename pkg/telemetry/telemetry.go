// Package telemetry exposes engine metrics over Prometheus.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics is the engine's instrument set.
type Metrics struct {
	ActiveBots   prometheus.Gauge
	OrdersFilled *prometheus.CounterVec
	StreamFrames *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveBots: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gridcore_active_bots",
			Help: "Number of bots currently running.",
		}),
		OrdersFilled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gridcore_orders_filled_total",
			Help: "Fills received on the user stream.",
		}, []string{"symbol", "side"}),
		StreamFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gridcore_stream_frames_total",
			Help: "Websocket frames processed by stream kind.",
		}, []string{"kind"}),
	}
}

// Serve runs the /metrics endpoint until ctx is cancelled.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	log.Info("metrics listening", zap.String("addr", addr))
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
