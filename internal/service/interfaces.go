// Package service содержит интерфейсы и реализацию генерации изображений
package service

import (
	"context"
	"fmt"
	"image"
	"net/http"

	"github.com/azalio/localsd/internal/config"
	"github.com/azalio/localsd/pkg/logger"
)

// Pipeline загружает предобученную модель диффузии
type Pipeline interface {
	// Load загружает модель и возвращает хэндл, которым владеет вызывающий
	Load(ctx context.Context, model ModelConfig) (ModelHandle, error)
}

// ModelHandle - загруженный экземпляр пайплайна. Не кэшируется между запусками.
type ModelHandle interface {
	// Generate выполняет один проход инференса
	Generate(ctx context.Context, params InferenceParameters) ([]image.Image, error)
	// Close освобождает модель
	Close() error
}

// ModelConfig описывает, какую модель и в каком режиме загрузить
type ModelConfig struct {
	ID string
	// Precision - точность весов, для CPU всегда float32
	Precision string
	// Device - устройство исполнения
	Device string
	// SafetyChecker - встроенный фильтр контента
	SafetyChecker bool
	// AttentionSlicing - вычисление внимания по частям для снижения пикового потребления памяти
	AttentionSlicing bool
}

// CPUModelConfig возвращает конфигурацию загрузки для исполнения на CPU
func CPUModelConfig(modelID string) ModelConfig {
	return ModelConfig{
		ID:               modelID,
		Precision:        "float32",
		Device:           "cpu",
		SafetyChecker:    false,
		AttentionSlicing: true,
	}
}

// InferenceParameters - параметры одного прохода инференса
type InferenceParameters struct {
	Prompt         string
	NegativePrompt string
	Steps          int
	GuidanceScale  float64
	Width          int
	Height         int
}

// Фиксированные параметры генерации и итогового изображения
const (
	DefaultNegativePrompt = "blurry, bad quality, distorted, ugly, watermark, text, signature"
	DefaultSteps          = 20
	DefaultGuidanceScale  = 7.5
	GenerationWidth       = 512
	GenerationHeight      = 912
	TargetWidth           = 1080
	TargetHeight          = 1920
)

// NewInferenceParameters возвращает фиксированный набор параметров для промпта
func NewInferenceParameters(prompt string) InferenceParameters {
	return InferenceParameters{
		Prompt:         prompt,
		NegativePrompt: DefaultNegativePrompt,
		Steps:          DefaultSteps,
		GuidanceScale:  DefaultGuidanceScale,
		Width:          GenerationWidth,
		Height:         GenerationHeight,
	}
}

// DefaultStyle - значение стиля по умолчанию
const DefaultStyle = "realistic"

// GenerationRequest - запрос на генерацию одного изображения.
// Style принимается, но на генерацию не влияет.
type GenerationRequest struct {
	Prompt     string
	OutputPath string
	Style      string
}

// NewPipeline создает пайплайн для бэкенда из конфигурации
func NewPipeline(cfg *config.Config, log *logger.Logger) (Pipeline, error) {
	client := &http.Client{Timeout: cfg.RequestTimeout}

	switch cfg.Backend {
	case config.BackendWebUI:
		return NewWebUIPipeline(cfg.APIURL, client, log), nil
	case config.BackendComfyUI:
		return NewComfyUIPipeline(cfg.APIURL, client, log, cfg.PollInterval, cfg.MaxPollAttempts), nil
	case config.BackendPlaceholder:
		return NewPlaceholderPipeline(log), nil
	default:
		return nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
}
