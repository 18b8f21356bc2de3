package service

import (
	"context"
	"image"
	"os"
	"strings"
	"time"

	"github.com/azalio/localsd/internal/artifact"
	"github.com/azalio/localsd/internal/otel/metrics"
	"github.com/azalio/localsd/internal/otel/tracing"
	"github.com/azalio/localsd/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const promptPreviewLen = 50

// GenerationService loads the pipeline, runs one inference pass and writes
// the verified result to disk.
type GenerationService struct {
	pipeline Pipeline
	logger   *logger.Logger
	tracer   trace.Tracer
	modelID  string
	backend  string
}

// NewGenerationService creates a new instance of GenerationService.
// A nil tracer falls back to the global tracer provider.
func NewGenerationService(pipeline Pipeline, log *logger.Logger, tracer trace.Tracer, modelID, backend string) *GenerationService {
	if tracer == nil {
		tracer = otel.Tracer("localsd")
	}
	return &GenerationService{
		pipeline: pipeline,
		logger:   log,
		tracer:   tracer,
		modelID:  modelID,
		backend:  backend,
	}
}

// Generate produces the image for req and returns the output path.
// Every error it returns is a *GenerationFailure.
func (s *GenerationService) Generate(ctx context.Context, req GenerationRequest) (path string, err error) {
	ctx, span := s.tracer.Start(ctx, "generate")
	startTime := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
			tracing.RecordError(span, err)
			if f, ok := err.(*GenerationFailure); ok {
				metrics.GenerationFailureCounter.Inc(f.Op)
			}
		} else {
			metrics.GenerationSuccessCounter.Inc(s.backend)
		}
		metrics.GenerationDuration.Observe(time.Since(startTime).Seconds(),
			attribute.String("backend", s.backend),
			attribute.String("outcome", outcome))
		span.End()
	}()

	if strings.TrimSpace(req.Prompt) == "" {
		return "", newFailure(OpValidate, "prompt is empty", nil)
	}
	if req.OutputPath == "" {
		return "", newFailure(OpValidate, "output path is empty", nil)
	}
	if req.Style == "" {
		req.Style = DefaultStyle
	}

	s.logger.Info(ctx, "Loading Stable Diffusion model", map[string]interface{}{
		"model_id": s.modelID,
		"backend":  s.backend,
	})
	handle, err := s.load(ctx)
	if err != nil {
		return "", newFailure(OpLoad, "loading model", err)
	}
	defer func() {
		if cerr := handle.Close(); cerr != nil {
			s.logger.Warn(ctx, "Failed to release model", map[string]interface{}{
				"error": cerr.Error(),
			})
		}
	}()

	s.logger.Info(ctx, "Generating image for prompt", map[string]interface{}{
		"prompt": previewPrompt(req.Prompt),
		"style":  req.Style,
	})
	images, err := s.infer(ctx, handle, NewInferenceParameters(req.Prompt))
	if err != nil {
		return "", newFailure(OpGenerate, "generating image", err)
	}
	if len(images) == 0 || images[0] == nil {
		return "", newFailure(OpGenerate, "pipeline returned no images", nil)
	}

	resized, err := artifact.Resize(images[0], TargetWidth, TargetHeight)
	if err != nil {
		return "", newFailure(OpResize, "resizing image", err)
	}

	if err := s.save(ctx, req.OutputPath, resized); err != nil {
		return "", err
	}

	s.logger.Info(ctx, "Image saved to: "+req.OutputPath, map[string]interface{}{
		"path":        req.OutputPath,
		"duration_ms": time.Since(startTime).Milliseconds(),
	})
	return req.OutputPath, nil
}

func (s *GenerationService) load(ctx context.Context) (ModelHandle, error) {
	ctx, span := s.tracer.Start(ctx, "pipeline.load")
	defer span.End()

	start := time.Now()
	handle, err := s.pipeline.Load(ctx, CPUModelConfig(s.modelID))
	metrics.ModelLoadDuration.Observe(time.Since(start).Seconds(), attribute.String("backend", s.backend))
	tracing.RecordError(span, err)
	return handle, err
}

func (s *GenerationService) infer(ctx context.Context, handle ModelHandle, params InferenceParameters) ([]image.Image, error) {
	ctx, span := s.tracer.Start(ctx, "pipeline.generate")
	defer span.End()

	span.SetAttributes(
		attribute.Int("steps", params.Steps),
		attribute.Float64("guidance_scale", params.GuidanceScale),
		attribute.Int("width", params.Width),
		attribute.Int("height", params.Height),
	)

	start := time.Now()
	images, err := handle.Generate(ctx, params)
	metrics.InferenceDuration.Observe(time.Since(start).Seconds(), attribute.String("backend", s.backend))
	tracing.RecordError(span, err)
	return images, err
}

func (s *GenerationService) save(ctx context.Context, path string, img image.Image) error {
	_, span := s.tracer.Start(ctx, "artifact.save")
	if err := artifact.WritePNG(path, img); err != nil {
		tracing.RecordError(span, err)
		span.End()
		return newFailure(OpSave, "saving image", err)
	}
	span.End()

	_, span = s.tracer.Start(ctx, "artifact.verify")
	defer span.End()
	if err := artifact.Verify(path, TargetWidth, TargetHeight); err != nil {
		tracing.RecordError(span, err)
		return newFailure(OpVerify, "verifying saved image", err)
	}

	if info, err := os.Stat(path); err == nil {
		metrics.OutputFileSize.Observe(float64(info.Size()))
		s.logger.Debug(ctx, "Output verified", map[string]interface{}{
			"bytes": info.Size(),
		})
	}
	return nil
}

// previewPrompt truncates the prompt for log records.
func previewPrompt(prompt string) string {
	runes := []rune(prompt)
	if len(runes) <= promptPreviewLen {
		return prompt
	}
	return string(runes[:promptPreviewLen]) + "..."
}
