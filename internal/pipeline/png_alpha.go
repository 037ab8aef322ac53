package pipeline

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
)

const pngColorTypeRGBA = 6

// encodeAlphaPNG writes img as truecolor-with-alpha PNG. image/png picks an
// RGB color type for fully opaque images, so it cannot be used where the
// output must always carry an alpha channel.
func encodeAlphaPNG(img image.Image) ([]byte, error) {
	var (
		pix       []uint8
		stride    int
		offset    int
		depth     uint8
		pixelSize int
	)
	bounds := img.Bounds()
	switch m := img.(type) {
	case *image.NRGBA:
		pix, stride, offset = m.Pix, m.Stride, m.PixOffset(bounds.Min.X, bounds.Min.Y)
		depth, pixelSize = 8, 4
	case *image.NRGBA64:
		pix, stride, offset = m.Pix, m.Stride, m.PixOffset(bounds.Min.X, bounds.Min.Y)
		depth, pixelSize = 16, 8
	default:
		return nil, fmt.Errorf("encode png: unsupported image type %T", img)
	}

	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil, errors.New("encode png: image has no pixels")
	}

	var idat bytes.Buffer
	zw, err := zlib.NewWriterLevel(&idat, zlib.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	rowLen := width * pixelSize
	filter := []byte{0}
	for y := 0; y < height; y++ {
		start := offset + y*stride
		if _, err := zw.Write(filter); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		if _, err := zw.Write(pix[start : start+rowLen]); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], uint32(width))
	binary.BigEndian.PutUint32(ihdr[4:8], uint32(height))
	ihdr[8] = depth
	ihdr[9] = pngColorTypeRGBA

	var out bytes.Buffer
	out.Grow(len(pngSignature) + idat.Len() + 64)
	out.Write(pngSignature)
	writePNGChunk(&out, "IHDR", ihdr)
	writePNGChunk(&out, "IDAT", idat.Bytes())
	writePNGChunk(&out, "IEND", nil)
	return out.Bytes(), nil
}

func writePNGChunk(w *bytes.Buffer, name string, data []byte) {
	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(data)))
	copy(header[4:8], name)
	w.Write(header[:])
	w.Write(data)

	crc := crc32.NewIEEE()
	crc.Write(header[4:8])
	crc.Write(data)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc.Sum32())
	w.Write(sum[:])
}
