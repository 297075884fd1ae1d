package providers

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Metrics config keys.
const (
	ConfMetricsAddr = "metrics.addr"
)

func init() {
	viper.SetDefault(ConfMetricsAddr, "")
}

// StartMetrics exposes the Prometheus registry over HTTP for the lifetime
// of the command. A subcommand opts in with fx.Invoke(StartMetrics); an
// empty metrics.addr disables the listener.
func StartMetrics(log *zap.Logger, lc fx.Lifecycle) error {
	addr := viper.GetString(ConfMetricsAddr)
	if addr == "" {
		return nil
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Handler: mux}
	// Serve right away. Later invokes in the same app do the actual work,
	// so waiting for an OnStart hook would expose nothing until after it.
	log.Info("Serving metrics", zap.String(ConfMetricsAddr, addr))
	go func() {
		if err := server.Serve(listener); err != http.ErrServerClosed {
			log.Error("Metrics server failed", zap.Error(err))
		}
	}()
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
	return nil
}
