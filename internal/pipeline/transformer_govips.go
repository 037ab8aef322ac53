//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"
	"math"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/flipcut/internal/domain"
)

type govipsTransformer struct {
	maxPixels int
}

func (t govipsTransformer) Normalize(ctx context.Context, input []byte) ([]byte, int, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, 0, err
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %v", domain.ErrUnsupportedFormat, err)
	}
	defer img.Close()
	if err := checkDimensions(img.Width(), img.Height(), decodeLimit(t.maxPixels)); err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %v", domain.ErrUnsupportedFormat, err)
	}

	if pixels := img.Width() * img.Height(); t.maxPixels > 0 && pixels > t.maxPixels {
		scale := math.Sqrt(float64(t.maxPixels) / float64(pixels))
		if err := img.Resize(scale, vips.KernelLanczos3); err != nil {
			return nil, 0, 0, fmt.Errorf("downscale image: %w", err)
		}
	}

	data, err := exportGovipsPNG(img)
	if err != nil {
		return nil, 0, 0, err
	}
	return data, img.Width(), img.Height(), nil
}

func (t govipsTransformer) FlipHorizontal(ctx context.Context, input []byte) ([]byte, int, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, 0, err
	}
	if vips.DetermineImageType(input) != vips.ImageTypePNG {
		return nil, 0, 0, fmt.Errorf("%w: input is not png", domain.ErrDecode)
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}
	defer img.Close()
	if err := checkDimensions(img.Width(), img.Height(), decodeLimit(t.maxPixels)); err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}

	if !img.HasAlpha() {
		if err := img.AddAlpha(); err != nil {
			return nil, 0, 0, fmt.Errorf("add alpha: %w", err)
		}
	}
	if err := img.Flip(vips.DirectionHorizontal); err != nil {
		return nil, 0, 0, fmt.Errorf("flip image: %w", err)
	}

	data, err := exportGovipsPNG(img)
	if err != nil {
		return nil, 0, 0, err
	}
	return data, img.Width(), img.Height(), nil
}

func exportGovipsPNG(img *vips.ImageRef) ([]byte, error) {
	data, _, err := img.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return data, nil
}
