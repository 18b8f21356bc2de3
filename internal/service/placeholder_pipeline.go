package service

import (
	"context"
	"hash/fnv"
	"image"
	"image/color"
	"strings"

	"github.com/azalio/localsd/pkg/logger"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Gradient pairs for placeholder backgrounds.
var placeholderPalettes = [][2]color.NRGBA{
	{{0x66, 0x7e, 0xea, 0xff}, {0x76, 0x4b, 0xa2, 0xff}},
	{{0xf0, 0x93, 0xfb, 0xff}, {0xf5, 0x57, 0x6c, 0xff}},
	{{0x4f, 0xac, 0xfe, 0xff}, {0x00, 0xf2, 0xfe, 0xff}},
	{{0x43, 0xe9, 0x7b, 0xff}, {0x38, 0xf9, 0xd7, 0xff}},
	{{0xfa, 0x70, 0x9a, 0xff}, {0xfe, 0xe1, 0x40, 0xff}},
}

// PlaceholderPipeline renders a gradient card with the prompt text instead
// of running a model. It needs no inference server.
type PlaceholderPipeline struct {
	logger *logger.Logger
}

// NewPlaceholderPipeline creates a new instance of PlaceholderPipeline
func NewPlaceholderPipeline(log *logger.Logger) *PlaceholderPipeline {
	return &PlaceholderPipeline{logger: log}
}

// Load is a no-op apart from logging.
func (p *PlaceholderPipeline) Load(ctx context.Context, model ModelConfig) (ModelHandle, error) {
	p.logger.Warn(ctx, "Placeholder backend selected, model is not loaded", map[string]interface{}{
		"model_id": model.ID,
	})
	return placeholderHandle{}, nil
}

type placeholderHandle struct{}

func (placeholderHandle) Close() error { return nil }

// Generate draws the card at the requested generation size.
func (placeholderHandle) Generate(ctx context.Context, params InferenceParameters) ([]image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []image.Image{renderPlaceholder(params.Prompt, params.Width, params.Height)}, nil
}

func renderPlaceholder(text string, width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))

	h := fnv.New32a()
	h.Write([]byte(text))
	pair := placeholderPalettes[h.Sum32()%uint32(len(placeholderPalettes))]

	for y := 0; y < height; y++ {
		c := lerp(pair[0], pair[1], float64(y)/float64(max(height-1, 1)))
		row := img.Pix[y*img.Stride : y*img.Stride+width*4]
		for x := 0; x < width; x++ {
			row[x*4+0] = c.R
			row[x*4+1] = c.G
			row[x*4+2] = c.B
			row[x*4+3] = c.A
		}
	}

	face := basicfont.Face7x13
	const lineHeight = 18
	margin := 20
	maxChars := max((width-2*margin)/face.Advance, 1)
	lines := wrapWords(text, maxChars)

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: face,
	}
	startY := (height-len(lines)*lineHeight)/2 + face.Ascent
	for i, line := range lines {
		lineWidth := drawer.MeasureString(line).Ceil()
		drawer.Dot = fixed.P((width-lineWidth)/2, startY+i*lineHeight)
		drawer.DrawString(line)
	}
	return img
}

func lerp(a, b color.NRGBA, t float64) color.NRGBA {
	mix := func(x, y uint8) uint8 {
		return uint8(float64(x) + (float64(y)-float64(x))*t + 0.5)
	}
	return color.NRGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: 0xff}
}

// wrapWords splits text into lines of at most maxChars runes; longer words are cut.
func wrapWords(text string, maxChars int) []string {
	var lines []string
	var current []rune
	for _, word := range strings.Fields(text) {
		w := []rune(word)
		for len(w) > maxChars {
			if len(current) > 0 {
				lines = append(lines, string(current))
				current = nil
			}
			lines = append(lines, string(w[:maxChars]))
			w = w[maxChars:]
		}
		switch {
		case len(w) == 0:
		case len(current) == 0:
			current = w
		case len(current)+1+len(w) <= maxChars:
			current = append(append(current, ' '), w...)
		default:
			lines = append(lines, string(current))
			current = w
		}
	}
	if len(current) > 0 {
		lines = append(lines, string(current))
	}
	return lines
}
