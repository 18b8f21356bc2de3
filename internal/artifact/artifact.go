// Package artifact post-processes generated images: Lanczos resize, PNG
// encoding and verification of the file written to disk.
package artifact

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// MinFileSize is the smallest plausible size of a written PNG. Anything
// smaller is treated as truncated or corrupt.
const MinFileSize = 1000

// Resize scales img to exactly width x height with a Lanczos filter.
func Resize(img image.Image, width, height int) (*image.NRGBA, error) {
	if img == nil {
		return nil, fmt.Errorf("nil image")
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", width, height)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("empty source image %dx%d", b.Dx(), b.Dy())
	}
	return imaging.Resize(img, width, height, imaging.Lanczos), nil
}

// WritePNG encodes img as PNG at path, creating missing parent directories.
// An existing file is replaced. The image is first written to a temporary
// file in the same directory and renamed into place.
func WritePNG(path string, img image.Image) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := imaging.Encode(tmp, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression)); err != nil {
		return fmt.Errorf("encoding png: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing png: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing png: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("setting file mode: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("moving png into place: %w", err)
	}
	return nil
}

// Verify checks that path holds a PNG of at least MinFileSize bytes with the
// expected dimensions and that it decodes completely.
func Verify(path string, width, height int) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("output file missing: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("output path %s is a directory", path)
	}
	if info.Size() < MinFileSize {
		return fmt.Errorf("output file too small: %d bytes (minimum %d)", info.Size(), MinFileSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("reopening output file: %w", err)
	}
	cfg, format, err := image.DecodeConfig(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("reading image header: %w", err)
	}
	if format != "png" {
		return fmt.Errorf("output file is %s, not png", format)
	}
	if cfg.Width != width || cfg.Height != height {
		return fmt.Errorf("output image is %dx%d, want %dx%d", cfg.Width, cfg.Height, width, height)
	}

	if _, err := imaging.Open(path); err != nil {
		return fmt.Errorf("decoding output file: %w", err)
	}
	return nil
}
