package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// telemetry is the metrics pipeline of a serve process: an OTel meter
// provider exported through a Prometheus registry on /metrics.
type telemetry struct {
	provider *sdkmetric.MeterProvider
	server   *http.Server
	addr     string
}

func startTelemetry(listen string, logger *slog.Logger) (*telemetry, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("telemetry: start prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(resource.NewSchemaless(attribute.String("service.name", "conveyor"))),
		sdkmetric.WithReader(exporter),
	)

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, fmt.Errorf("telemetry: listen %s: %w", listen, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	logger.Info("metrics enabled", slog.String("listen", ln.Addr().String()))

	return &telemetry{provider: provider, server: srv, addr: ln.Addr().String()}, nil
}

// Shutdown stops the metrics server and flushes the meter provider.
func (t *telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.server.Shutdown(ctx),
		t.provider.Shutdown(ctx),
	)
}
