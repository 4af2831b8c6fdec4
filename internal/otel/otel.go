// Package otel owns the metrics pipeline: an OpenTelemetry meter backed by a
// Prometheus exporter, plus the dispatch_* instruments and nil-safe record
// helpers used throughout the daemon.
package otel

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelglobal "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const meterName = "github.com/milla-ai/dispatch"

// InitMeterProvider installs the global MeterProvider with a Prometheus
// exporter and returns the handler for /metrics. Call once at daemon start;
// on error the caller falls back to the plain-text metrics endpoint.
func InitMeterProvider(ctx context.Context, serviceName string) (http.Handler, error) {
	if serviceName == "" {
		serviceName = "dispatch"
	}
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}
	otelglobal.SetMeterProvider(sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}), nil
}

// Meter returns the global dispatch meter. Valid after InitMeterProvider;
// before that it yields a no-op meter, which keeps the Record helpers safe.
func Meter() metric.Meter {
	return otelglobal.Meter(meterName)
}

// Attribute keys shared by the instruments.
var (
	AttrStatus    = attribute.Key("status")
	AttrAgent     = attribute.Key("agent")
	AttrOperation = attribute.Key("operation")
	AttrRoute     = attribute.Key("http.route")
)
