package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/azalio/localsd/internal/otel/metrics"
	"github.com/azalio/localsd/pkg/logger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Node id of SaveImage in the txt2img graph.
const comfySaveNode = "9"

// ComfyUIPipeline implements the pipeline on top of the ComfyUI HTTP API.
type ComfyUIPipeline struct {
	logger       *logger.Logger
	baseURL      string
	client       *http.Client
	pollInterval time.Duration
	maxAttempts  int
}

// NewComfyUIPipeline creates a new instance of ComfyUIPipeline
func NewComfyUIPipeline(baseURL string, client *http.Client, log *logger.Logger, pollInterval time.Duration, maxAttempts int) *ComfyUIPipeline {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ComfyUIPipeline{
		logger:       log,
		baseURL:      baseURL,
		client:       client,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
	}
}

type comfyNode struct {
	Inputs    map[string]interface{} `json:"inputs"`
	ClassType string                 `json:"class_type"`
}

type comfyPromptRequest struct {
	Prompt   map[string]comfyNode `json:"prompt"`
	ClientID string               `json:"client_id"`
}

type comfyPromptResponse struct {
	PromptID   string                 `json:"prompt_id"`
	NodeErrors map[string]interface{} `json:"node_errors"`
}

type comfyImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type comfyHistoryEntry struct {
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []comfyImageRef `json:"images"`
	} `json:"outputs"`
}

type comfyObjectInfo map[string]struct {
	Input struct {
		Required map[string][]json.RawMessage `json:"required"`
	} `json:"input"`
}

// Load checks that the checkpoint is installed on the server and resolves its file name.
func (p *ComfyUIPipeline) Load(ctx context.Context, model ModelConfig) (ModelHandle, error) {
	if model.ID == "" {
		return nil, fmt.Errorf("model id is empty")
	}

	var info comfyObjectInfo
	if err := p.doJSON(ctx, http.MethodGet, "/object_info/CheckpointLoaderSimple", nil, &info); err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}

	checkpoints, err := info.checkpoints()
	if err != nil {
		return nil, err
	}
	ckpt, ok := matchCheckpoint(model.ID, checkpoints)
	if !ok {
		return nil, fmt.Errorf("checkpoint %s not found among %d installed", model.ID, len(checkpoints))
	}

	p.logger.Debug(ctx, "Resolved ComfyUI checkpoint", map[string]interface{}{
		"model_id":   model.ID,
		"checkpoint": ckpt,
	})
	return &comfyHandle{pipeline: p, checkpoint: ckpt, clientID: uuid.NewString()}, nil
}

func (info comfyObjectInfo) checkpoints() ([]string, error) {
	node, ok := info["CheckpointLoaderSimple"]
	if !ok {
		return nil, fmt.Errorf("CheckpointLoaderSimple missing from object info")
	}
	spec := node.Input.Required["ckpt_name"]
	if len(spec) == 0 {
		return nil, fmt.Errorf("ckpt_name missing from CheckpointLoaderSimple inputs")
	}
	var names []string
	if err := json.Unmarshal(spec[0], &names); err != nil {
		return nil, fmt.Errorf("decoding checkpoint list: %w", err)
	}
	return names, nil
}

// matchCheckpoint accepts an exact name or one whose base name without
// extension equals the base name of id.
func matchCheckpoint(id string, checkpoints []string) (string, bool) {
	want := strings.TrimSuffix(path.Base(id), path.Ext(id))
	for _, c := range checkpoints {
		if c == id {
			return c, true
		}
	}
	for _, c := range checkpoints {
		if strings.TrimSuffix(path.Base(c), path.Ext(c)) == want {
			return c, true
		}
	}
	return "", false
}

type comfyHandle struct {
	pipeline   *ComfyUIPipeline
	checkpoint string
	clientID   string
}

// txt2imgGraph builds the API-format workflow for a single image.
func (h *comfyHandle) txt2imgGraph(params InferenceParameters) map[string]comfyNode {
	return map[string]comfyNode{
		"3": {ClassType: "KSampler", Inputs: map[string]interface{}{
			"seed":         rand.Int64N(1 << 48),
			"steps":        params.Steps,
			"cfg":          params.GuidanceScale,
			"sampler_name": "euler",
			"scheduler":    "normal",
			"denoise":      1,
			"model":        []interface{}{"4", 0},
			"positive":     []interface{}{"6", 0},
			"negative":     []interface{}{"7", 0},
			"latent_image": []interface{}{"5", 0},
		}},
		"4": {ClassType: "CheckpointLoaderSimple", Inputs: map[string]interface{}{
			"ckpt_name": h.checkpoint,
		}},
		"5": {ClassType: "EmptyLatentImage", Inputs: map[string]interface{}{
			"width":      params.Width,
			"height":     params.Height,
			"batch_size": 1,
		}},
		"6": {ClassType: "CLIPTextEncode", Inputs: map[string]interface{}{
			"text": params.Prompt,
			"clip": []interface{}{"4", 1},
		}},
		"7": {ClassType: "CLIPTextEncode", Inputs: map[string]interface{}{
			"text": params.NegativePrompt,
			"clip": []interface{}{"4", 1},
		}},
		"8": {ClassType: "VAEDecode", Inputs: map[string]interface{}{
			"samples": []interface{}{"3", 0},
			"vae":     []interface{}{"4", 2},
		}},
		comfySaveNode: {ClassType: "SaveImage", Inputs: map[string]interface{}{
			"filename_prefix": "localsd",
			"images":          []interface{}{"8", 0},
		}},
	}
}

// Generate queues the graph, waits for it and downloads the images.
func (h *comfyHandle) Generate(ctx context.Context, params InferenceParameters) ([]image.Image, error) {
	var queued comfyPromptResponse
	request := comfyPromptRequest{Prompt: h.txt2imgGraph(params), ClientID: h.clientID}
	if err := h.pipeline.doJSON(ctx, http.MethodPost, "/prompt", request, &queued); err != nil {
		return nil, fmt.Errorf("queueing prompt: %w", err)
	}
	if queued.PromptID == "" {
		return nil, fmt.Errorf("no prompt_id in response (node errors: %v)", queued.NodeErrors)
	}

	h.pipeline.logger.Debug(ctx, "Prompt queued", map[string]interface{}{
		"prompt_id": queued.PromptID,
	})

	refs, err := h.pipeline.waitForImages(ctx, queued.PromptID)
	if err != nil {
		return nil, fmt.Errorf("waiting for image: %w", err)
	}

	images := make([]image.Image, 0, len(refs))
	for _, ref := range refs {
		img, err := h.pipeline.fetchImage(ctx, ref)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

// Close frees the loaded models on the server.
func (h *comfyHandle) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	body := map[string]bool{"unload_models": true, "free_memory": true}
	if err := h.pipeline.doJSON(ctx, http.MethodPost, "/free", body, nil); err != nil {
		return fmt.Errorf("freeing models: %w", err)
	}
	return nil
}

func (p *ComfyUIPipeline) waitForImages(ctx context.Context, promptID string) ([]comfyImageRef, error) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("operation cancelled: %w", ctx.Err())
		case <-ticker.C:
			p.logger.Debug(ctx, "Checking prompt status", map[string]interface{}{
				"attempt":      attempt + 1,
				"max_attempts": p.maxAttempts,
			})

			var history map[string]comfyHistoryEntry
			if err := p.doJSON(ctx, http.MethodGet, "/history/"+url.PathEscape(promptID), nil, &history); err != nil {
				if ctx.Err() != nil {
					return nil, fmt.Errorf("operation cancelled during request: %w", ctx.Err())
				}
				continue
			}

			entry, ok := history[promptID]
			if !ok {
				continue
			}
			if entry.Status.StatusStr == "error" {
				return nil, fmt.Errorf("prompt %s failed on server", promptID)
			}
			if !entry.Status.Completed {
				continue
			}

			refs := entry.Outputs[comfySaveNode].Images
			if len(refs) == 0 {
				return nil, fmt.Errorf("prompt completed but no images received")
			}
			return refs, nil
		}
	}

	return nil, fmt.Errorf("operation timed out after %d attempts", p.maxAttempts)
}

func (p *ComfyUIPipeline) fetchImage(ctx context.Context, ref comfyImageRef) (image.Image, error) {
	query := url.Values{}
	query.Set("filename", ref.Filename)
	query.Set("subfolder", ref.Subfolder)
	query.Set("type", ref.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/view?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating view request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", ref.Filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading %s: unexpected status code: %d", ref.Filename, resp.StatusCode)
	}
	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", ref.Filename, err)
	}
	return img, nil
}

func (p *ComfyUIPipeline) doJSON(ctx context.Context, method, endpoint string, body interface{}, out interface{}) error {
	startTime := time.Now()
	defer func() {
		metrics.APIResponseTime.Observe(time.Since(startTime).Seconds(),
			attribute.String("service", "comfyui"),
			attribute.String("endpoint", endpointLabel(endpoint)))
	}()

	var reader io.Reader
	if body != nil {
		requestBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request: %w", err)
		}
		reader = bytes.NewReader(requestBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

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

// endpointLabel drops per-prompt ids to keep metric cardinality bounded.
func endpointLabel(endpoint string) string {
	if strings.HasPrefix(endpoint, "/history/") {
		return "/history"
	}
	return endpoint
}
