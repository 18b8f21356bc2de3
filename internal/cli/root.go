// Package cli implements the localsd command line: argument handling, exit
// codes and the split between stdout (artifact path) and stderr (logs).
package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/azalio/localsd/internal/config"
	"github.com/azalio/localsd/internal/service"
	"github.com/azalio/localsd/pkg/logger"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
)

const usage = "Usage: localsd <prompt> <output_path> [style]"

// Exit codes
const (
	ExitOK      = 0
	ExitFailure = 1
)

// App holds what a run needs. NewPipeline is called only after arguments
// have been validated.
type App struct {
	Config      *config.Config
	Logger      *logger.Logger
	Tracer      trace.Tracer
	Stdout      io.Writer
	Stderr      io.Writer
	NewPipeline func(cfg *config.Config, log *logger.Logger) (service.Pipeline, error)
}

type usageError struct {
	got int
}

func (e usageError) Error() string {
	return fmt.Sprintf("expected at least 2 arguments, got %d", e.got)
}

// errReported marks a failure that has already been logged.
var errReported = errors.New("generation failed")

// Переопределения конфигурации, которые принимаются перед позиционными аргументами
const (
	flagBackend = "backend"
	flagAPIURL  = "api-url"
	flagModel   = "model"
)

// NewRootCommand builds the localsd command. Flag parsing is disabled so a
// prompt may start with a dash; overrides are taken from a leading prefix.
func NewRootCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "localsd [--backend b] [--api-url u] [--model m] [--] <prompt> <output_path> [style]",
		Short: "Generate a 1080x1920 PNG from a text prompt with Stable Diffusion",
		Long: `localsd loads a pretrained Stable Diffusion pipeline configured for CPU
inference, runs a single 20-step generation at 512x912, upscales the result to
1080x1920 and writes it as PNG to output_path.

On success the output path is printed to stdout. Progress and errors go to stderr.
The optional style argument is accepted but does not affect generation.

--backend, --api-url and --model override SD_BACKEND, SD_API_URL and SD_MODEL_ID.
They are recognised only before the prompt; "--" ends them explicitly.`,
		Args:               cobra.ArbitraryArgs,
		DisableFlagParsing: true,
		SilenceUsage:       true,
		SilenceErrors:      true,
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, positional, err := splitArgs(args)
			if err != nil {
				return err
			}
			if len(positional) < 2 {
				return usageError{got: len(positional)}
			}

			cfg := *app.Config
			if backend, ok := overrides[flagBackend]; ok && backend != cfg.Backend {
				cfg.Backend = backend
				if _, ok := overrides[flagAPIURL]; !ok {
					cfg.APIURL = ""
				}
			}
			if apiURL, ok := overrides[flagAPIURL]; ok {
				cfg.APIURL = apiURL
			}
			if modelID, ok := overrides[flagModel]; ok {
				cfg.ModelID = modelID
			}
			return runGenerate(cmd.Context(), app, &cfg, positional)
		},
	}
}

// splitArgs отделяет ведущие переопределения от позиционных аргументов.
// Первый аргумент, не являющийся известным флагом, или "--" начинает позиционные.
func splitArgs(args []string) (map[string]string, []string, error) {
	overrides := map[string]string{}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return overrides, args[i+1:], nil
		}
		if !strings.HasPrefix(arg, "--") {
			return overrides, args[i:], nil
		}
		name, value, hasValue := strings.Cut(arg[2:], "=")
		if !slices.Contains([]string{flagBackend, flagAPIURL, flagModel}, name) {
			return overrides, args[i:], nil
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, nil, errors.Errorf("flag needs an argument: --%s", name)
			}
			i++
			value = args[i]
		}
		overrides[name] = value
	}
	return overrides, nil, nil
}

// Run executes the command with args and returns the process exit code.
// stdout receives nothing but the output path of a successful run.
func Run(ctx context.Context, app *App, args []string) int {
	cmd := NewRootCommand(app)
	cmd.SetArgs(args)
	cmd.SetOut(app.Stderr)
	cmd.SetErr(app.Stderr)

	err := cmd.ExecuteContext(ctx)
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, errReported):
		return ExitFailure
	default:
		var uerr usageError
		if !errors.As(err, &uerr) {
			fmt.Fprintf(app.Stderr, "Error: %v\n", err)
		}
		fmt.Fprintln(app.Stderr, usage)
		return ExitFailure
	}
}

func runGenerate(ctx context.Context, app *App, cfg *config.Config, args []string) error {
	log := app.Logger.With(map[string]interface{}{
		"run_id":  uuid.NewString(),
		"backend": cfg.Backend,
	})

	req := service.GenerationRequest{
		Prompt:     args[0],
		OutputPath: args[1],
		Style:      service.DefaultStyle,
	}
	if len(args) > 2 {
		req.Style = args[2]
	}
	if len(args) > 3 {
		log.Warn(ctx, "Ignoring extra arguments", map[string]interface{}{
			"extra": args[3:],
		})
	}

	if err := cfg.Validate(); err != nil {
		return report(ctx, log, errors.Wrap(err, "invalid configuration"))
	}
	pipeline, err := app.NewPipeline(cfg, log)
	if err != nil {
		return report(ctx, log, errors.Wrap(err, "creating pipeline"))
	}

	svc := service.NewGenerationService(pipeline, log, app.Tracer, cfg.ModelID, cfg.Backend)
	path, err := svc.Generate(ctx, req)
	if err != nil {
		return report(ctx, log, err)
	}

	fmt.Fprintln(app.Stdout, path)
	return nil
}

// report logs err with its stack trace and returns errReported.
func report(ctx context.Context, log *logger.Logger, err error) error {
	fields := map[string]interface{}{
		"error": err.Error(),
	}
	var failure *service.GenerationFailure
	if errors.As(err, &failure) {
		fields["stage"] = failure.Op
		fields["trace"] = failure.Trace()
	} else {
		fields["trace"] = fmt.Sprintf("%+v", err)
	}
	log.Error(ctx, "Error generating image", fields)
	return errReported
}
