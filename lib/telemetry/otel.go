// Package telemetry configures OpenTelemetry metric export for Courier and
// bridges the internal metrics seam onto OTel instruments.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	apimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/courierhq/courier/config"
	"github.com/courierhq/courier/observability"
)

const defaultServiceName = "courier"

// Init configures the OTLP metric exporter described by cfg and installs
// the resulting provider globally. When metrics are disabled or no endpoint
// is configured the provider is a noop and the returned shutdown does
// nothing.
func Init(ctx context.Context, cfg config.TelemetryConfig) (apimetric.MeterProvider, func(context.Context) error, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = defaultServiceName
	}

	if !cfg.EnableMetrics || endpoint == "" {
		mp := noop.NewMeterProvider()
		otel.SetMeterProvider(mp)
		return mp, func(context.Context) error { return nil }, nil
	}

	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, nil, err
	}
	if cfg.OTLPInsecure {
		insecure = true
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
		sdkmetric.WithView(flushDurationView()),
	)
	otel.SetMeterProvider(mp)
	return mp, mp.Shutdown, nil
}

// flushDurationView pins explicit buckets for flush latency, from
// in-process flushes that finish within a millisecond up to flushes
// stretched across several retry waits.
func flushDurationView() sdkmetric.View {
	return sdkmetric.NewView(
		sdkmetric.Instrument{Name: "courier.flush.duration_ms", Kind: sdkmetric.InstrumentKindHistogram},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
			Boundaries: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}},
	)
}

func parseEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = raw
	}
	insecure := parsed.Scheme != "https"
	return host, insecure, nil
}

// Recorder feeds the metrics seam into OTel instruments, creating each
// instrument on first use and caching it by name.
type Recorder struct {
	meter apimetric.Meter

	mu         sync.Mutex
	counters   map[string]apimetric.Float64Counter
	histograms map[string]apimetric.Float64Histogram
	gauges     map[string]apimetric.Float64Gauge
}

var _ observability.Metrics = (*Recorder)(nil)

// NewRecorder builds a recorder on provider. A nil provider falls back to
// the global meter provider.
func NewRecorder(provider apimetric.MeterProvider) *Recorder {
	var meter apimetric.Meter
	if provider != nil {
		meter = provider.Meter("courier")
	} else {
		meter = otel.Meter("courier")
	}
	return &Recorder{
		meter:      meter,
		counters:   make(map[string]apimetric.Float64Counter),
		histograms: make(map[string]apimetric.Float64Histogram),
		gauges:     make(map[string]apimetric.Float64Gauge),
	}
}

// IncCounter adds value to the named counter.
func (r *Recorder) IncCounter(name string, value float64, labels map[string]string) {
	inst := r.counter(name)
	if inst == nil {
		return
	}
	inst.Add(context.Background(), value, apimetric.WithAttributes(attrsFromLabels(labels)...))
}

// ObserveHistogram records value into the named histogram.
func (r *Recorder) ObserveHistogram(name string, value float64, labels map[string]string) {
	inst := r.histogram(name)
	if inst == nil {
		return
	}
	inst.Record(context.Background(), value, apimetric.WithAttributes(attrsFromLabels(labels)...))
}

// SetGauge records the latest value for the named gauge.
func (r *Recorder) SetGauge(name string, value float64, labels map[string]string) {
	inst := r.gauge(name)
	if inst == nil {
		return
	}
	inst.Record(context.Background(), value, apimetric.WithAttributes(attrsFromLabels(labels)...))
}

func (r *Recorder) counter(name string) apimetric.Float64Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.counters[name]; ok {
		return inst
	}
	inst, err := r.meter.Float64Counter(name, apimetric.WithUnit(metricUnit(name)))
	if err != nil {
		return nil
	}
	r.counters[name] = inst
	return inst
}

func (r *Recorder) histogram(name string) apimetric.Float64Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.histograms[name]; ok {
		return inst
	}
	inst, err := r.meter.Float64Histogram(name, apimetric.WithUnit(metricUnit(name)))
	if err != nil {
		return nil
	}
	r.histograms[name] = inst
	return inst
}

func (r *Recorder) gauge(name string) apimetric.Float64Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.gauges[name]; ok {
		return inst
	}
	inst, err := r.meter.Float64Gauge(name, apimetric.WithUnit(metricUnit(name)))
	if err != nil {
		return nil
	}
	r.gauges[name] = inst
	return inst
}

func metricUnit(name string) string {
	if strings.HasSuffix(name, "_ms") {
		return "ms"
	}
	return "1"
}

func attrsFromLabels(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for key, value := range labels {
		attrs = append(attrs, attribute.String(key, value))
	}
	return attrs
}
