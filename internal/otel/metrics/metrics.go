// Package metrics предоставляет функционал для сбора и экспорта метрик приложения.
// Метрики позволяют отслеживать длительность загрузки модели и инференса,
// количество успешных и неуспешных генераций и размер результата.
//
// Утилита живет один запуск, поэтому метрики не отдаются по HTTP, а
// выгружаются в файл для textfile-коллектора node_exporter.
package metrics

import (
	"context"
	"log"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// MetricProvider представляет собой обертку над провайдером метрик OpenTelemetry.
// Он управляет созданием и настройкой метрик, а также их экспортом в Prometheus.
type MetricProvider struct {
	provider *sdkmetric.MeterProvider // провайдер метрик OpenTelemetry
	meter    metric.Meter             // инструмент для создания метрик
	registry *promclient.Registry     // реестр, из которого читается textfile
}

var (
	// GenerationDuration измеряет полное время одного запуска: загрузка,
	// инференс, сохранение и проверка.
	GenerationDuration *Histogram

	// ModelLoadDuration измеряет время загрузки пайплайна.
	ModelLoadDuration *Histogram

	// InferenceDuration измеряет время одного прохода инференса.
	InferenceDuration *Histogram

	// APIResponseTime измеряет время ответа сервера инференса.
	APIResponseTime *Histogram

	// OutputFileSize фиксирует размер записанного PNG в байтах.
	OutputFileSize *Histogram

	// GenerationSuccessCounter подсчитывает успешные генерации по бэкендам.
	GenerationSuccessCounter *Counter

	// GenerationFailureCounter подсчитывает неуспешные генерации по этапам.
	GenerationFailureCounter *Counter
)

// Counter представляет собой счетчик метрик.
// Значение счетчика может только увеличиваться.
type Counter struct {
	counter metric.Int64Counter
}

// Histogram представляет собой гистограмму метрик.
// Гистограммы используются для измерения распределения значений, например,
// времени выполнения операций.
type Histogram struct {
	histogram metric.Float64Histogram
}

// InitMetrics инициализирует систему метрик и настраивает экспорт в Prometheus.
// Эта функция должна быть вызвана при старте приложения, до использования любых метрик.
// Повторный вызов пересоздает метрики на новом провайдере.
func InitMetrics() (*MetricProvider, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}

	// context.Background() используется здесь только потому что это требование API,
	// операция создания ресурса мгновенная и локальная
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName("localsd"),
			semconv.TelemetrySDKLanguageGo,
			semconv.TelemetrySDKName("opentelemetry"),
			semconv.TelemetrySDKVersion(otel.Version()),
		),
	)
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(provider)

	mp := &MetricProvider{
		provider: provider,
		meter:    provider.Meter("localsd"),
		registry: registry,
	}

	// Длительности на CPU измеряются минутами
	slowBuckets := metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 600, 1200)

	GenerationDuration, err = mp.NewHistogram(
		"localsd_generation_duration_seconds",
		"Time taken by a whole generation run",
		slowBuckets,
	)
	if err != nil {
		log.Printf("Failed to create generation duration histogram: %v", err)
	}

	ModelLoadDuration, err = mp.NewHistogram(
		"localsd_model_load_duration_seconds",
		"Time taken to load the diffusion pipeline",
		slowBuckets,
	)
	if err != nil {
		log.Printf("Failed to create model load histogram: %v", err)
	}

	InferenceDuration, err = mp.NewHistogram(
		"localsd_inference_duration_seconds",
		"Time taken by a single inference pass",
		slowBuckets,
	)
	if err != nil {
		log.Printf("Failed to create inference histogram: %v", err)
	}

	APIResponseTime, err = mp.NewHistogram(
		"localsd_api_response_duration_seconds",
		"Time taken to get responses from the inference server",
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 30, 120, 600),
	)
	if err != nil {
		log.Printf("Failed to create API response time histogram: %v", err)
	}

	OutputFileSize, err = mp.NewHistogram(
		"localsd_output_file_bytes",
		"Size of the written PNG",
		metric.WithExplicitBucketBoundaries(1e3, 1e5, 1e6, 2e6, 4e6, 8e6),
	)
	if err != nil {
		log.Printf("Failed to create output size histogram: %v", err)
	}

	GenerationSuccessCounter, err = mp.NewCounter(
		"localsd_generation_success_total",
		"Total number of successful generations by backend",
	)
	if err != nil {
		log.Printf("Failed to create success counter: %v", err)
	}

	GenerationFailureCounter, err = mp.NewCounter(
		"localsd_generation_failure_total",
		"Total number of failed generations by stage",
	)
	if err != nil {
		log.Printf("Failed to create failure counter: %v", err)
	}

	return mp, nil
}

// NewCounter создает новый счетчик с указанным именем и описанием.
// name - уникальное имя метрики в формате snake_case
// description - человекочитаемое описание того, что измеряет эта метрика
func (mp *MetricProvider) NewCounter(name, description string) (*Counter, error) {
	counter, err := mp.meter.Int64Counter(
		name,
		metric.WithDescription(description),
	)
	if err != nil {
		return nil, err
	}
	return &Counter{counter: counter}, nil
}

// NewHistogram создает новую гистограмму
func (mp *MetricProvider) NewHistogram(name, description string, opts ...metric.Float64HistogramOption) (*Histogram, error) {
	opts = append([]metric.Float64HistogramOption{metric.WithDescription(description)}, opts...)
	histogram, err := mp.meter.Float64Histogram(name, opts...)
	if err != nil {
		return nil, err
	}
	return &Histogram{histogram: histogram}, nil
}

// Inc увеличивает счетчик для определенного лейбла
func (c *Counter) Inc(label string) {
	if c == nil || c.counter == nil {
		return
	}
	c.counter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("type", label)),
	)
}

// Observe записывает значение в гистограмму с лейблами
func (h *Histogram) Observe(value float64, labels ...attribute.KeyValue) {
	if h == nil || h.histogram == nil {
		return
	}
	h.histogram.Record(context.Background(), value, metric.WithAttributes(labels...))
}

// WriteTextfile выгружает текущее состояние метрик в файл в текстовом формате
// Prometheus. Запись атомарная (через временный файл).
func (mp *MetricProvider) WriteTextfile(path string) error {
	return promclient.WriteToTextfile(path, mp.registry)
}

// Shutdown корректно завершает работу провайдера метрик, освобождая ресурсы.
// Должна вызываться при завершении работы приложения.
func (mp *MetricProvider) Shutdown(ctx context.Context) error {
	if mp.provider != nil {
		return mp.provider.Shutdown(ctx)
	}
	return nil
}
