package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/png" // txt2img returns base64 PNG
	"io"
	"net/http"
	"time"

	"github.com/azalio/localsd/internal/otel/metrics"
	"github.com/azalio/localsd/pkg/logger"
	"go.opentelemetry.io/otel/attribute"
)

// Split attention in Stable Diffusion WebUI, the sliced mode for low memory.
const webUISlicedAttention = "Doggettx"

// WebUIPipeline talks to the Stable Diffusion WebUI HTTP API.
type WebUIPipeline struct {
	logger  *logger.Logger
	baseURL string
	client  *http.Client
}

// NewWebUIPipeline creates a pipeline for the WebUI server at baseURL.
func NewWebUIPipeline(baseURL string, client *http.Client, log *logger.Logger) *WebUIPipeline {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &WebUIPipeline{
		logger:  log,
		baseURL: baseURL,
		client:  client,
	}
}

type webUIOptions struct {
	Checkpoint         string `json:"sd_model_checkpoint"`
	AttentionOptimizer string `json:"cross_attention_optimization,omitempty"`
}

type webUITxt2ImgRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Steps          int     `json:"steps"`
	CFGScale       float64 `json:"cfg_scale"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Seed           int64   `json:"seed"`
	BatchSize      int     `json:"batch_size"`
	NIter          int     `json:"n_iter"`
	SendImages     bool    `json:"send_images"`
	SaveImages     bool    `json:"save_images"`
}

type webUITxt2ImgResponse struct {
	Images []string `json:"images"`
	Info   string   `json:"info"`
}

// Load switches the server to the requested checkpoint.
func (p *WebUIPipeline) Load(ctx context.Context, model ModelConfig) (ModelHandle, error) {
	if model.ID == "" {
		return nil, fmt.Errorf("model id is empty")
	}

	opts := webUIOptions{Checkpoint: model.ID}
	if model.AttentionSlicing {
		opts.AttentionOptimizer = webUISlicedAttention
	}

	p.logger.Debug(ctx, "Setting WebUI checkpoint", map[string]interface{}{
		"checkpoint": model.ID,
		"precision":  model.Precision,
		"device":     model.Device,
	})
	if err := p.postJSON(ctx, "/sdapi/v1/options", opts, nil); err != nil {
		return nil, fmt.Errorf("loading checkpoint %s: %w", model.ID, err)
	}

	return &webUIHandle{pipeline: p, modelID: model.ID}, nil
}

type webUIHandle struct {
	pipeline *WebUIPipeline
	modelID  string
}

// Generate runs txt2img and decodes the returned images.
func (h *webUIHandle) Generate(ctx context.Context, params InferenceParameters) ([]image.Image, error) {
	request := webUITxt2ImgRequest{
		Prompt:         params.Prompt,
		NegativePrompt: params.NegativePrompt,
		Steps:          params.Steps,
		CFGScale:       params.GuidanceScale,
		Width:          params.Width,
		Height:         params.Height,
		Seed:           -1,
		BatchSize:      1,
		NIter:          1,
		SendImages:     true,
		SaveImages:     false,
	}

	var response webUITxt2ImgResponse
	if err := h.pipeline.postJSON(ctx, "/sdapi/v1/txt2img", request, &response); err != nil {
		return nil, fmt.Errorf("txt2img: %w", err)
	}
	if len(response.Images) == 0 {
		return nil, fmt.Errorf("no images returned from WebUI API")
	}

	images := make([]image.Image, 0, len(response.Images))
	for i, encoded := range response.Images {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decoding base64 image %d: %w", i, err)
		}
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding image %d: %w", i, err)
		}
		images = append(images, img)
	}
	return images, nil
}

// Close asks the server to unload the checkpoint.
func (h *webUIHandle) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.pipeline.postJSON(ctx, "/sdapi/v1/unload-checkpoint", struct{}{}, nil); err != nil {
		return fmt.Errorf("unloading checkpoint %s: %w", h.modelID, err)
	}
	return nil
}

func (p *WebUIPipeline) postJSON(ctx context.Context, endpoint string, body interface{}, out interface{}) error {
	startTime := time.Now()
	defer func() {
		metrics.APIResponseTime.Observe(time.Since(startTime).Seconds(),
			attribute.String("service", "webui"),
			attribute.String("endpoint", endpoint))
	}()

	requestBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Error(ctx, "Request failed", map[string]interface{}{
			"endpoint": endpoint,
			"error":    err.Error(),
		})
		return fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		p.logger.Error(ctx, "Unexpected status code", map[string]interface{}{
			"endpoint":    endpoint,
			"status_code": resp.StatusCode,
		})
		return fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
