package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/detectors/aws/ecs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/IliaW/nsfw-gate/config"
	"github.com/google/uuid"
)

var meter metric.Meter

type MetricsProvider struct {
	AppMetrics   *AppMetrics
	PoolMetrics  *PoolMetrics
	KafkaMetrics *KafkaMetrics
	SQSMetrics   *SQSMetrics
	AuditMetrics *AuditMetrics
	Close        func()
}

type AppMetrics struct {
	SuccessRequestCnt func(count int64)
	FailedRequestCnt  func(count int64)
	CacheHitCnt       func(count int64)
	CacheMissCnt      func(count int64)
	CensoredCnt       func(count int64)
	CleanCnt          func(count int64)
}

type PoolMetrics struct {
	RejectedJobCnt func(count int64)
	PanickedJobCnt func(count int64)
}

type KafkaMetrics struct {
	SuccessMsgCnt func(count int64)
	FailMsgCnt    func(count int64)
}

type SQSMetrics struct {
	SuccessMsgCnt       func(count int64)
	FailMsgCnt          func(count int64)
	SentBackToSqsMsgCnt func(count int64)
}

type AuditMetrics struct {
	WrittenCnt func(count int64)
	FailedCnt  func(count int64)
}

func SetupMetrics(ctx context.Context, cfg *config.Config) *MetricsProvider {
	metricsProvider := new(MetricsProvider)
	var meterProvider *sdkmetric.MeterProvider
	enabled := cfg.TelemetrySettings.Enabled

	if enabled {
		r, err := newResource(cfg)
		if err != nil {
			slog.Error("failed to get resource.", slog.String("err", err.Error()))
			os.Exit(1)
		}
		exporter, err := newMetricExporter(ctx, cfg.TelemetrySettings)
		if err != nil {
			slog.Error("failed to get metric exporter.", slog.String("err", err.Error()))
			os.Exit(1)
		}
		meterProvider = newMeterProvider(exporter, *r)
		otel.SetMeterProvider(meterProvider)
	}

	meter = otel.Meter(cfg.ServiceName)
	metricsProvider.Close = func() {
		if meterProvider != nil {
			err := meterProvider.Shutdown(ctx)
			if err != nil {
				slog.Error("failed to shutdown metrics provider.", slog.String("err", err.Error()))
			}
		}
	}

	var errs []error
	counter := func(name, description, unit string) func(count int64) {
		c, err := meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit(unit))
		if err != nil {
			errs = append(errs, err)
			return func(int64) {}
		}
		return func(count int64) {
			if enabled {
				c.Add(ctx, count)
			}
		}
	}

	// Set up request metrics
	metricsProvider.AppMetrics = &AppMetrics{
		SuccessRequestCnt: counter("nsfw-gate.requests.success",
			"The number of requests answered with a verdict", "{requests}"),
		FailedRequestCnt: counter("nsfw-gate.requests.fail",
			"The number of requests answered with an error", "{requests}"),
		CacheHitCnt: counter("nsfw-gate.cache.hit",
			"The number of verdicts served from the cache", "{requests}"),
		CacheMissCnt: counter("nsfw-gate.cache.miss",
			"The number of lookups that required a classification", "{requests}"),
		CensoredCnt: counter("nsfw-gate.verdicts.censored",
			"The number of fresh verdicts above the threshold", "{verdicts}"),
		CleanCnt: counter("nsfw-gate.verdicts.clean",
			"The number of fresh verdicts at or below the threshold", "{verdicts}"),
	}

	// Set up worker pool metrics
	metricsProvider.PoolMetrics = &PoolMetrics{
		RejectedJobCnt: counter("nsfw-gate.pool.rejected",
			"The number of jobs rejected because the pool queue was full", "{jobs}"),
		PanickedJobCnt: counter("nsfw-gate.pool.panicked",
			"The number of jobs that panicked", "{jobs}"),
	}

	// Set up kafka metrics
	metricsProvider.KafkaMetrics = &KafkaMetrics{
		SuccessMsgCnt: counter("nsfw-gate.kafka.send.success",
			"The number of messages that the kafka successfully processed", "{messages}"),
		FailMsgCnt: counter("nsfw-gate.kafka.send.fail",
			"The number of messages that the kafka could not process", "{messages}"),
	}

	// Set up sqs metrics
	metricsProvider.SQSMetrics = &SQSMetrics{
		SuccessMsgCnt: counter("nsfw-gate.sqs.receive.success",
			"The number of messages that the sqs worker successfully processed", "{messages}"),
		FailMsgCnt: counter("nsfw-gate.sqs.receive.fail",
			"The number of messages that the sqs worker could not process", "{messages}"),
		SentBackToSqsMsgCnt: counter("nsfw-gate.sqs.sent.back",
			"The number of messages that the sqs worker sent back to sqs", "{messages}"),
	}

	// Set up audit log metrics
	metricsProvider.AuditMetrics = &AuditMetrics{
		WrittenCnt: counter("nsfw-gate.audit.written",
			"The number of verdicts written to the audit log", "{records}"),
		FailedCnt: counter("nsfw-gate.audit.fail",
			"The number of verdicts that could not be written to the audit log", "{records}"),
	}

	if err := errors.Join(errs...); err != nil {
		slog.Error("failed to create telemetry counters.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	return metricsProvider
}

// Noop returns a provider whose counters discard everything.
func Noop() *MetricsProvider {
	nop := func(int64) {}
	return &MetricsProvider{
		AppMetrics: &AppMetrics{
			SuccessRequestCnt: nop,
			FailedRequestCnt:  nop,
			CacheHitCnt:       nop,
			CacheMissCnt:      nop,
			CensoredCnt:       nop,
			CleanCnt:          nop,
		},
		PoolMetrics:  &PoolMetrics{RejectedJobCnt: nop, PanickedJobCnt: nop},
		KafkaMetrics: &KafkaMetrics{SuccessMsgCnt: nop, FailMsgCnt: nop},
		SQSMetrics:   &SQSMetrics{SuccessMsgCnt: nop, FailMsgCnt: nop, SentBackToSqsMsgCnt: nop},
		AuditMetrics: &AuditMetrics{WrittenCnt: nop, FailedCnt: nop},
		Close:        func() {},
	}
}

func newResource(cfg *config.Config) (*resource.Resource, error) {
	ecsResourceDetector := ecs.NewResourceDetector()
	ecsResource, err := ecsResourceDetector.Detect(context.Background())
	if err != nil {
		slog.Error("ecs detection failed", slog.String("err", err.Error()))
	}
	mergedResource, err := resource.Merge(ecsResource, resource.Default())
	if err != nil {
		slog.Error("failed to merge resources", slog.String("err", err.Error()))
	}
	keyValue, found := ecsResource.Set().Value("container.id")
	var serviceId string
	if found {
		serviceId = keyValue.AsString()
	} else {
		serviceId = uuid.New().String()
	}
	return resource.Merge(mergedResource,
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
			semconv.DeploymentEnvironment(cfg.Env),
			semconv.ServiceInstanceID(serviceId),
		))
}

func newMetricExporter(ctx context.Context, cfg *config.TelemetryConfig) (sdkmetric.Exporter, error) {
	return otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(cfg.CollectorUrl),
		otlpmetrichttp.WithInsecure())
}

func newMeterProvider(meterExporter sdkmetric.Exporter, resource resource.Resource) *sdkmetric.MeterProvider {
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(meterExporter)),
		sdkmetric.WithResource(&resource),
	)
	return meterProvider
}
