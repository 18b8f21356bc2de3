package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/azalio/localsd/internal/artifact"
	"github.com/azalio/localsd/internal/config"
	"github.com/azalio/localsd/internal/service"
	"github.com/azalio/localsd/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	app     *App
	stdout  *bytes.Buffer
	stderr  *bytes.Buffer
	created int
	lastCfg config.Config
}

// newHarness wires the app to the offline placeholder pipeline.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{stdout: &bytes.Buffer{}, stderr: &bytes.Buffer{}}

	log, err := logger.New(logger.Config{Level: logger.InfoLevel, Service: "test", Output: h.stderr})
	require.NoError(t, err)

	h.app = &App{
		Config: &config.Config{
			Backend:           config.BackendPlaceholder,
			ModelID:           config.DefaultModelID,
			RequestTimeout:    1,
			GenerationTimeout: 1,
			PollInterval:      1,
			MaxPollAttempts:   1,
		},
		Logger: log,
		Stdout: h.stdout,
		Stderr: h.stderr,
		NewPipeline: func(cfg *config.Config, log *logger.Logger) (service.Pipeline, error) {
			h.created++
			h.lastCfg = *cfg
			return service.NewPipeline(cfg, log)
		},
	}
	return h
}

func TestRun_Success(t *testing.T) {
	h := newHarness(t)
	out := filepath.Join(t.TempDir(), "new", "dir", "scene.png")

	code := Run(context.Background(), h.app, []string{"a quiet harbour at night", out})

	assert.Equal(t, ExitOK, code)
	assert.Equal(t, out+"\n", h.stdout.String())
	assert.Contains(t, h.stderr.String(), "Image saved to")
	assert.NoError(t, artifact.Verify(out, service.TargetWidth, service.TargetHeight))
}

func TestRun_Idempotent(t *testing.T) {
	h := newHarness(t)
	out := filepath.Join(t.TempDir(), "scene.png")

	for i := 0; i < 2; i++ {
		h.stdout.Reset()
		code := Run(context.Background(), h.app, []string{"same prompt", out, "cinematic"})
		require.Equal(t, ExitOK, code)
		assert.Equal(t, out+"\n", h.stdout.String())
		assert.NoError(t, artifact.Verify(out, service.TargetWidth, service.TargetHeight))
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"only a prompt"}} {
		h := newHarness(t)

		code := Run(context.Background(), h.app, args)

		assert.Equal(t, ExitFailure, code)
		assert.Contains(t, h.stderr.String(), usage)
		assert.Empty(t, h.stdout.String())
		assert.Zero(t, h.created, "pipeline must not be created on usage errors")
	}
}

func TestRun_DashPrompt(t *testing.T) {
	h := newHarness(t)
	out := filepath.Join(t.TempDir(), "lake.png")

	code := Run(context.Background(), h.app, []string{"-5 degrees, frozen lake at dawn", out})

	require.Equal(t, ExitOK, code, h.stderr.String())
	assert.Equal(t, out+"\n", h.stdout.String())
	assert.Equal(t, 1, h.created)
	assert.NoError(t, artifact.Verify(out, service.TargetWidth, service.TargetHeight))
}

func TestRun_HelpIsUsageError(t *testing.T) {
	for _, arg := range []string{"--help", "-h", "help"} {
		t.Run(arg, func(t *testing.T) {
			h := newHarness(t)

			code := Run(context.Background(), h.app, []string{arg})

			assert.Equal(t, ExitFailure, code)
			assert.Empty(t, h.stdout.String())
			assert.Contains(t, h.stderr.String(), usage)
			assert.Zero(t, h.created)
		})
	}
}

func TestRun_DoubleDashEndsOverrides(t *testing.T) {
	h := newHarness(t)
	out := filepath.Join(t.TempDir(), "a.png")

	code := Run(context.Background(), h.app, []string{"--model", "m1", "--", "--model", out})

	require.Equal(t, ExitOK, code, h.stderr.String())
	assert.Equal(t, out+"\n", h.stdout.String())
	assert.Equal(t, "m1", h.lastCfg.ModelID)
	assert.Contains(t, h.stderr.String(), `"prompt":"--model"`)
}

func TestRun_OverrideMissingValue(t *testing.T) {
	h := newHarness(t)

	code := Run(context.Background(), h.app, []string{"--backend"})

	assert.Equal(t, ExitFailure, code)
	assert.Empty(t, h.stdout.String())
	assert.Contains(t, h.stderr.String(), "flag needs an argument: --backend")
	assert.Contains(t, h.stderr.String(), usage)
	assert.Zero(t, h.created)
}

func TestRun_ExtraArgumentsIgnored(t *testing.T) {
	h := newHarness(t)
	out := filepath.Join(t.TempDir(), "a.png")

	code := Run(context.Background(), h.app, []string{"prompt", out, "anime", "surplus"})

	require.Equal(t, ExitOK, code)
	assert.Equal(t, out+"\n", h.stdout.String())
	assert.Contains(t, h.stderr.String(), "Ignoring extra arguments")
}

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		overrides  map[string]string
		positional []string
	}{
		{"no overrides", []string{"p", "o"}, map[string]string{}, []string{"p", "o"}},
		{"separate value", []string{"--backend", "comfyui", "p", "o"},
			map[string]string{"backend": "comfyui"}, []string{"p", "o"}},
		{"inline value", []string{"--api-url=http://h:1", "--model=x", "p", "o"},
			map[string]string{"api-url": "http://h:1", "model": "x"}, []string{"p", "o"}},
		{"unknown double dash is positional", []string{"--verbose", "o"},
			map[string]string{}, []string{"--verbose", "o"}},
		{"overrides after prompt are positional", []string{"p", "--model", "x"},
			map[string]string{}, []string{"p", "--model", "x"}},
		{"separator", []string{"--", "-p", "o"}, map[string]string{}, []string{"-p", "o"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			overrides, positional, err := splitArgs(tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.overrides, overrides)
			assert.Equal(t, tt.positional, positional)
		})
	}
}

func TestRun_UnwritablePath(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	code := Run(context.Background(), h.app, []string{"prompt", filepath.Join(blocker, "scene.png")})

	assert.Equal(t, ExitFailure, code)
	assert.Empty(t, h.stdout.String())
	assert.Contains(t, h.stderr.String(), "Error generating image")
	assert.Contains(t, h.stderr.String(), `"stage":"save"`)
	assert.Contains(t, h.stderr.String(), `"trace"`)
}

func TestRun_PipelineConstructionFailure(t *testing.T) {
	h := newHarness(t)
	h.app.NewPipeline = func(*config.Config, *logger.Logger) (service.Pipeline, error) {
		return nil, errors.New("no backend available")
	}

	code := Run(context.Background(), h.app, []string{"prompt", filepath.Join(t.TempDir(), "a.png")})

	assert.Equal(t, ExitFailure, code)
	assert.Empty(t, h.stdout.String())
	assert.Contains(t, h.stderr.String(), "no backend available")
}

func TestRun_FlagOverrides(t *testing.T) {
	h := newHarness(t)
	h.app.Config.Backend = config.BackendWebUI
	h.app.Config.APIURL = "http://127.0.0.1:7860"

	code := Run(context.Background(), h.app, []string{
		"--backend=placeholder", "--model", "custom-model",
		"prompt", filepath.Join(t.TempDir(), "a.png"),
	})

	require.Equal(t, ExitOK, code)
	assert.Equal(t, config.BackendPlaceholder, h.lastCfg.Backend)
	assert.Equal(t, "custom-model", h.lastCfg.ModelID)
	assert.Empty(t, h.lastCfg.APIURL)
	assert.Equal(t, config.BackendWebUI, h.app.Config.Backend, "shared config is not mutated")
}

func TestRun_InvalidBackendFlag(t *testing.T) {
	h := newHarness(t)

	code := Run(context.Background(), h.app, []string{"--backend", "dalle", "prompt", "a.png"})

	assert.Equal(t, ExitFailure, code)
	assert.Empty(t, h.stdout.String())
	assert.Contains(t, h.stderr.String(), "invalid configuration")
	assert.Zero(t, h.created)
}
