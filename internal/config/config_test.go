package config

import (
	"testing"
	"time"

	"github.com/azalio/localsd/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SD_BACKEND", "SD_API_URL", "SD_MODEL_ID", "SD_REQUEST_TIMEOUT",
		"SD_GENERATION_TIMEOUT", "SD_POLL_INTERVAL", "SD_MAX_POLL_ATTEMPTS",
		"LOCALSD_DEBUG", "LOCALSD_LOG_LEVEL", "LOCALSD_ENV", "GIT_COMMIT", "METRICS_TEXTFILE",
	} {
		t.Setenv(key, "")
	}
}

func TestNew_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, BackendWebUI, cfg.Backend)
	assert.Equal(t, "http://127.0.0.1:7860", cfg.APIURL)
	assert.Equal(t, DefaultModelID, cfg.ModelID)
	assert.Equal(t, 10*time.Minute, cfg.RequestTimeout)
	assert.Equal(t, 15*time.Minute, cfg.GenerationTimeout)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 300, cfg.MaxPollAttempts)
	assert.Equal(t, logger.InfoLevel, cfg.LogLevel)
}

func TestNew_FromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("SD_BACKEND", " ComfyUI ")
	t.Setenv("SD_API_URL", "http://gpu-box:8188/")
	t.Setenv("SD_MODEL_ID", "v1-5-pruned-emaonly.safetensors")
	t.Setenv("SD_POLL_INTERVAL", "500ms")
	t.Setenv("SD_MAX_POLL_ATTEMPTS", "10")
	t.Setenv("LOCALSD_DEBUG", "1")
	t.Setenv("METRICS_TEXTFILE", "/tmp/localsd.prom")

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, BackendComfyUI, cfg.Backend)
	assert.Equal(t, "http://gpu-box:8188", cfg.APIURL)
	assert.Equal(t, "v1-5-pruned-emaonly.safetensors", cfg.ModelID)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 10, cfg.MaxPollAttempts)
	assert.Equal(t, logger.DebugLevel, cfg.LogLevel)
	assert.Equal(t, "/tmp/localsd.prom", cfg.MetricsTextfile)
}

func TestNew_LogLevel(t *testing.T) {
	tests := []struct {
		name  string
		level string
		debug string
		want  logger.Level
	}{
		{"default", "", "", logger.InfoLevel},
		{"debug switch", "", "yes", logger.DebugLevel},
		{"explicit level", "warn", "", logger.WarnLevel},
		{"explicit level wins over debug switch", "error", "1", logger.ErrorLevel},
		{"unknown level", "verbose", "", logger.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("LOCALSD_LOG_LEVEL", tt.level)
			t.Setenv("LOCALSD_DEBUG", tt.debug)

			cfg, err := New()
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.LogLevel)
		})
	}
}

func TestNew_ComfyUIDefaultURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("SD_BACKEND", "comfyui")

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8188", cfg.APIURL)
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "unknown backend", key: "SD_BACKEND", value: "dalle"},
		{name: "bad request timeout", key: "SD_REQUEST_TIMEOUT", value: "soon"},
		{name: "negative generation timeout", key: "SD_GENERATION_TIMEOUT", value: "-1s"},
		{name: "bad poll attempts", key: "SD_MAX_POLL_ATTEMPTS", value: "many"},
		{name: "zero poll attempts", key: "SD_MAX_POLL_ATTEMPTS", value: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			cfg, err := New()
			assert.Error(t, err)
			assert.Nil(t, cfg)
		})
	}
}
