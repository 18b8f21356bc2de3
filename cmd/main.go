package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/azalio/localsd/internal/cli"
	"github.com/azalio/localsd/internal/config"
	"github.com/azalio/localsd/internal/otel/metrics"
	"github.com/azalio/localsd/internal/otel/tracing"
	"github.com/azalio/localsd/internal/service"
	"github.com/azalio/localsd/pkg/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Загружаем конфигурацию
	cfg, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return cli.ExitFailure
	}

	// Инициализируем логгер, все записи идут в stderr
	log, err := logger.New(logger.Config{
		Level:     cfg.LogLevel,
		Service:   "localsd",
		Env:       cfg.Env,
		GitCommit: cfg.GitCommit,
		Output:    os.Stderr,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return cli.ExitFailure
	}

	// Прерывание по сигналу и общий дедлайн запуска
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.GenerationTimeout)
	defer cancel()

	mp, err := metrics.InitMetrics()
	if err != nil {
		log.Warn(ctx, "Failed to init metrics", map[string]interface{}{"error": err.Error()})
	} else {
		defer flushMetrics(log, mp, cfg.MetricsTextfile)
	}

	tp, err := tracing.InitTracing("localsd")
	if err != nil {
		log.Warn(ctx, "Failed to init tracing", map[string]interface{}{"error": err.Error()})
	}

	app := &cli.App{
		Config:      cfg,
		Logger:      log,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		NewPipeline: service.NewPipeline,
	}
	if tp != nil {
		defer shutdownTracing(log, tp)
		app.Tracer = tp.Tracer("localsd")
	}

	return cli.Run(ctx, app, os.Args[1:])
}

// flushMetrics выгружает метрики в textfile, если путь задан, и закрывает провайдер
func flushMetrics(log *logger.Logger, mp *metrics.MetricProvider, path string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if path != "" {
		if err := mp.WriteTextfile(path); err != nil {
			log.Warn(ctx, "Failed to write metrics textfile", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
		}
	}
	if err := mp.Shutdown(ctx); err != nil {
		log.Warn(ctx, "Failed to shutdown metrics provider", map[string]interface{}{"error": err.Error()})
	}
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// shutdownTracing закрывает провайдер трейсов, ошибка только логируется
func shutdownTracing(log *logger.Logger, tp shutdowner) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tp.Shutdown(ctx); err != nil {
		log.Warn(ctx, "Failed to shutdown tracer provider", map[string]interface{}{"error": err.Error()})
	}
}
