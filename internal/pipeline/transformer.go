package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

// Transformer covers the two pure image stages of the pipeline. Both return
// canonical PNG bytes together with the output dimensions.
type Transformer interface {
	Normalize(ctx context.Context, input []byte) (data []byte, width, height int, err error)
	FlipHorizontal(ctx context.Context, input []byte) (data []byte, width, height int, err error)
}

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

func isPNG(data []byte) bool {
	return bytes.HasPrefix(data, pngSignature)
}

const (
	// decodeCeiling bounds width*height of any raster the pipeline decodes.
	decodeCeiling = 100_000_000
	// decodeHeadroom is how far above the downscale target an input may be.
	decodeHeadroom = 4
)

// decodeLimit returns the largest pixel count accepted for decoding when
// outputs are scaled to maxPixels.
func decodeLimit(maxPixels int) int {
	if maxPixels <= 0 || maxPixels > decodeCeiling/decodeHeadroom {
		return decodeCeiling
	}
	return maxPixels * decodeHeadroom
}

// checkDimensions rejects a header before any pixel buffer is allocated.
func checkDimensions(width, height, limit int) error {
	if width <= 0 || height <= 0 {
		return errors.New("image has no pixels")
	}
	if int64(width)*int64(height) > int64(limit) {
		return fmt.Errorf("image is %dx%d, above the %d pixel decode limit", width, height, limit)
	}
	return nil
}
