package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
)

const (
	// AccessorySize is the edge of the square each accessory is scaled to
	AccessorySize = 150
	// AccessoryStep is the horizontal distance between accessories
	AccessoryStep = 170
	// WatermarkSize is the edge of the square the watermark is scaled to
	WatermarkSize = 300
)

// ErrWatermark marks a custom watermark that could not be decoded
var ErrWatermark = errors.New("invalid watermark image")

// ComposeOptions selects what goes on top of the base image
type ComposeOptions struct {
	AccessoryURLs  []string
	ApplyWatermark bool
	// Watermark replaces the default watermark when set
	Watermark []byte
}

// Composer draws accessories and a watermark over retouched photos
type Composer struct {
	fetcher          Fetcher
	defaultWatermark []byte
	logger           *zap.Logger
}

// NewComposer creates a composer. defaultWatermark may be empty, in which
// case only custom watermarks are drawn.
func NewComposer(fetcher Fetcher, defaultWatermark []byte, logger *zap.Logger) *Composer {
	return &Composer{
		fetcher:          fetcher,
		defaultWatermark: defaultWatermark,
		logger:           logger,
	}
}

// Compose places accessories along the top edge and the watermark in the
// bottom right corner, returning a JPEG
func (c *Composer) Compose(ctx context.Context, base []byte, opts ComposeOptions) ([]byte, error) {
	baseImg, _, err := image.Decode(bytes.NewReader(base))
	if err != nil {
		return nil, fmt.Errorf("failed to decode base image: %w", err)
	}

	var watermark image.Image
	if opts.ApplyWatermark {
		watermark, err = c.watermark(opts.Watermark)
		if err != nil {
			return nil, err
		}
	}

	accessories, err := c.fetchAccessories(ctx, opts.AccessoryURLs)
	if err != nil {
		return nil, err
	}

	bounds := baseImg.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(canvas, canvas.Bounds(), baseImg, bounds.Min, draw.Over)

	for i, acc := range accessories {
		rect := image.Rect(i*AccessoryStep, 0, i*AccessoryStep+AccessorySize, AccessorySize)
		draw.CatmullRom.Scale(canvas, rect, acc, acc.Bounds(), draw.Over, nil)
	}

	if watermark != nil {
		x := max(0, bounds.Dx()-WatermarkSize)
		y := max(0, bounds.Dy()-WatermarkSize)
		rect := image.Rect(x, y, x+WatermarkSize, y+WatermarkSize)
		draw.CatmullRom.Scale(canvas, rect, watermark, watermark.Bounds(), draw.Over, nil)
	}

	return encodeJPEG(canvas)
}

// watermark decodes the custom watermark, or the default one. A broken
// default is logged and skipped; a broken custom one is an error.
func (c *Composer) watermark(custom []byte) (image.Image, error) {
	if len(custom) > 0 {
		img, _, err := image.Decode(bytes.NewReader(custom))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWatermark, err)
		}
		return img, nil
	}

	if len(c.defaultWatermark) == 0 {
		return nil, nil
	}
	img, _, err := image.Decode(bytes.NewReader(c.defaultWatermark))
	if err != nil {
		c.logger.Warn("Default watermark cannot be decoded, skipping", zap.Error(err))
		return nil, nil
	}
	return img, nil
}

// fetchAccessories downloads and decodes accessory images in parallel,
// keeping the order of urls
func (c *Composer) fetchAccessories(ctx context.Context, urls []string) ([]image.Image, error) {
	images := make([]image.Image, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	for i, url := range urls {
		g.Go(func() error {
			data, err := c.fetcher.Fetch(gctx, url)
			if err != nil {
				return fmt.Errorf("accessory %s: %w", url, err)
			}
			img, _, err := image.Decode(bytes.NewReader(data))
			if err != nil {
				return fmt.Errorf("accessory %s: failed to decode: %w", url, err)
			}
			images[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}
