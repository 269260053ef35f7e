// Package imaging converts uploaded photos to JPEG and composes accessories
// and watermarks onto retouched results.
package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"os/exec"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// JPEGQuality is used for every JPEG this package writes
const JPEGQuality = 95

// MaxDimension bounds the longer side of a normalized photo
const MaxDimension = 4096

// ErrUnsupportedFormat is returned when neither the Go decoders nor ffmpeg
// can read an upload
var ErrUnsupportedFormat = errors.New("unsupported image format")

// Normalize decodes any supported upload, downscales it to MaxDimension and
// re-encodes it as JPEG. Formats the Go decoders do not know (HEIC/HEIF) go
// through ffmpeg.
func Normalize(ctx context.Context, raw []byte) ([]byte, error) {
	img, err := decode(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode photo: %w", err)
	}
	return encodeJPEG(downscale(img, MaxDimension))
}

// NormalizeOverlay prepares an uploaded watermark. Formats the Go decoders
// read are kept as they are so transparency survives; anything else is
// converted to PNG.
func NormalizeOverlay(ctx context.Context, raw []byte) ([]byte, error) {
	if _, _, err := image.DecodeConfig(bytes.NewReader(raw)); err == nil {
		return raw, nil
	}
	img, err := decode(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode watermark: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(ctx context.Context, raw []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if errors.Is(err, image.ErrFormat) {
		return decodeWithFFmpeg(ctx, raw)
	}
	return img, err
}

// downscale shrinks img so neither side exceeds maxDimension, keeping the
// aspect ratio
func downscale(img image.Image, maxDimension int) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= maxDimension && h <= maxDimension {
		return img
	}

	newW, newH := maxDimension, h*maxDimension/w
	if h > w {
		newW, newH = w*maxDimension/h, maxDimension
	}
	resized := image.NewRGBA(image.Rect(0, 0, max(1, newW), max(1, newH)))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)
	return resized
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeWithFFmpeg converts the upload to a single PNG frame with ffmpeg
func decodeWithFFmpeg(ctx context.Context, raw []byte) (image.Image, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg not found", ErrUnsupportedFormat)
	}

	in, err := os.CreateTemp("", "upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(in.Name())
	if _, err := in.Write(raw); err != nil {
		in.Close()
		return nil, fmt.Errorf("failed to write temp file: %w", err)
	}
	in.Close()

	out, err := os.CreateTemp("", "converted-*.png")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	outPath := out.Name()
	out.Close()
	defer os.Remove(outPath)

	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-i", in.Name(),
		"-frames:v", "1",
		"-y", outPath,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg conversion failed: %v: %s", ErrUnsupportedFormat, err, truncate(output))
	}

	f, err := os.Open(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read converted photo: %w", err)
	}
	defer f.Close()

	return png.Decode(f)
}

func truncate(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[len(b)-limit:])
	}
	return string(b)
}
