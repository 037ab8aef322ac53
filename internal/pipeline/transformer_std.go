package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"math"

	"github.com/dunamismax/flipcut/internal/domain"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

type stdlibTransformer struct {
	maxPixels int
}

func (t stdlibTransformer) Normalize(ctx context.Context, input []byte) ([]byte, int, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, 0, err
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(input))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %v", domain.ErrUnsupportedFormat, err)
	}
	if err := checkDimensions(cfg.Width, cfg.Height, decodeLimit(t.maxPixels)); err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %v", domain.ErrUnsupportedFormat, err)
	}

	src, _, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %v", domain.ErrUnsupportedFormat, err)
	}

	out := fitPixels(src, t.maxPixels)
	data, err := encodePNG(out)
	if err != nil {
		return nil, 0, 0, err
	}

	bounds := out.Bounds()
	return data, bounds.Dx(), bounds.Dy(), nil
}

func (t stdlibTransformer) FlipHorizontal(ctx context.Context, input []byte) ([]byte, int, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, 0, err
	}
	if !isPNG(input) {
		return nil, 0, 0, fmt.Errorf("%w: input is not png", domain.ErrDecode)
	}

	cfg, err := png.DecodeConfig(bytes.NewReader(input))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}
	if err := checkDimensions(cfg.Width, cfg.Height, decodeLimit(t.maxPixels)); err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}

	src, err := png.Decode(bytes.NewReader(input))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}

	out := flipImage(src)
	data, err := encodeAlphaPNG(out)
	if err != nil {
		return nil, 0, 0, err
	}

	bounds := out.Bounds()
	return data, bounds.Dx(), bounds.Dy(), nil
}

// fitPixels scales src down, keeping its aspect ratio, so that it holds at most
// maxPixels pixels. A non-positive limit disables scaling.
func fitPixels(src image.Image, maxPixels int) image.Image {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if maxPixels <= 0 || w*h <= maxPixels {
		return src
	}

	scale := math.Sqrt(float64(maxPixels) / float64(w*h))
	newW := max(1, int(math.Floor(float64(w)*scale)))
	newH := max(1, int(math.Floor(float64(h)*scale)))
	return resize.Resize(uint(newW), uint(newH), src, resize.Lanczos3)
}

// flipImage mirrors src left to right into a fresh buffer that always carries
// an alpha channel. Sixteen-bit sources stay sixteen-bit.
func flipImage(src image.Image) image.Image {
	switch src.(type) {
	case *image.NRGBA64, *image.RGBA64, *image.Gray16:
		out := toNRGBA64(src)
		mirrorRows(out.Pix, out.Stride, out.Rect.Dx(), out.Rect.Dy(), 8)
		return out
	default:
		return MirrorNRGBA(toNRGBA(src))
	}
}

// MirrorNRGBA returns a copy of img with column x moved to column width-1-x.
// Applying it twice yields the original pixels.
func MirrorNRGBA(img *image.NRGBA) *image.NRGBA {
	out := &image.NRGBA{
		Pix:    make([]uint8, len(img.Pix)),
		Stride: img.Stride,
		Rect:   img.Rect,
	}
	copy(out.Pix, img.Pix)
	mirrorRows(out.Pix, out.Stride, out.Rect.Dx(), out.Rect.Dy(), 4)
	return out
}

func mirrorRows(pix []uint8, stride, width, height, bpp int) {
	for y := 0; y < height; y++ {
		row := pix[y*stride : y*stride+width*bpp]
		for l, r := 0, width-1; l < r; l, r = l+1, r-1 {
			left := row[l*bpp : (l+1)*bpp]
			right := row[r*bpp : (r+1)*bpp]
			for i := 0; i < bpp; i++ {
				left[i], right[i] = right[i], left[i]
			}
		}
	}
}

func toNRGBA(src image.Image) *image.NRGBA {
	if n, ok := src.(*image.NRGBA); ok {
		return n
	}
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

func toNRGBA64(src image.Image) *image.NRGBA64 {
	b := src.Bounds()
	dst := image.NewNRGBA64(image.Rect(0, 0, b.Dx(), b.Dy()))
	if n, ok := src.(*image.NRGBA64); ok {
		for y := 0; y < b.Dy(); y++ {
			copy(dst.Pix[y*dst.Stride:(y+1)*dst.Stride], n.Pix[y*n.Stride:y*n.Stride+b.Dx()*8])
		}
		return dst
	}
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := encoder.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	if buf.Len() == 0 {
		return nil, errors.New("encode png: empty output")
	}
	return buf.Bytes(), nil
}
