package observability

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"

	"github.com/yungbote/threadline-backend/internal/platform/envutil"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
)

type OtelConfig struct {
	ServiceName string
	Environment string
	Version     string
}

// exportSettings are the OTEL_* variables read at init.
type exportSettings struct {
	enabled  bool
	endpoint string
	insecure bool
	headers  map[string]string
	ratio    float64
}

func loadExportSettings() exportSettings {
	ratio := envutil.Float("OTEL_SAMPLER_RATIO", 0.1)
	ratio = min(max(ratio, 0), 1)
	return exportSettings{
		enabled:  envutil.Bool("OTEL_ENABLED", false),
		endpoint: envutil.String("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		insecure: envutil.Bool("OTEL_EXPORTER_OTLP_INSECURE", false),
		headers:  parseHeaders(envutil.String("OTEL_EXPORTER_OTLP_HEADERS", "")),
		ratio:    ratio,
	}
}

var (
	tracingOnce sync.Once
	stopTracing = func(context.Context) error { return nil }
)

// InitOTel installs the global tracer provider when OTEL_ENABLED is set. The returned
// shutdown func is always callable. Exporter or resource errors are logged and tracing
// continues with whatever could be built.
func InitOTel(ctx context.Context, log *logger.Logger, cfg OtelConfig) func(context.Context) error {
	if log == nil {
		log = logger.Nop()
	}
	tracingOnce.Do(func() {
		set := loadExportSettings()
		if !set.enabled {
			return
		}
		name := strings.TrimSpace(cfg.ServiceName)
		if name == "" {
			name = "threadline"
		}
		res, err := resource.New(ctx, resource.WithAttributes(
			semconv.ServiceNameKey.String(name),
			semconv.ServiceVersionKey.String(strings.TrimSpace(cfg.Version)),
			attribute.String("deployment.environment", strings.TrimSpace(cfg.Environment)),
		))
		if err != nil {
			log.Warn("otel resource", "error", err)
		}

		providerOpts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(set.ratio))),
		}
		if exp, err := set.exporter(ctx); err != nil {
			log.Warn("otel exporter", "error", err)
		} else {
			providerOpts = append(providerOpts, sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(5*time.Second)))
		}

		tp := sdktrace.NewTracerProvider(providerOpts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
		stopTracing = tp.Shutdown
		log.Info("otel tracing initialized", "service", name, "endpoint", set.endpoint, "ratio", set.ratio)
	})
	return stopTracing
}

// exporter sends OTLP over HTTP, or pretty-prints to stdout without an endpoint.
func (s exportSettings) exporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	if s.endpoint == "" {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(s.endpoint)}
	if s.insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(s.headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(s.headers))
	}
	return otlptracehttp.New(ctx, opts...)
}

// parseHeaders reads "k=v,k2=v2". Malformed pairs are skipped.
func parseHeaders(raw string) map[string]string {
	var out map[string]string
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(pair, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			continue
		}
		if out == nil {
			out = map[string]string{}
		}
		out[k] = v
	}
	return out
}
