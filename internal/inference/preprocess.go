package inference

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"

	// registered decoders
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	xdraw "golang.org/x/image/draw"
)

const jpegQuality = 75

var CorruptMediaError = errors.New("corrupt media")

// Preprocess decodes an image, drops alpha and resizes it to size x size with
// bilinear interpolation. The result is re-encoded as JPEG for the model.
// Images declaring more than maxPixels pixels are rejected from the header
// alone, before any pixel buffer is allocated. maxPixels <= 0 disables the check.
func Preprocess(data []byte, size int, maxPixels int64) ([]byte, error) {
	header, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", CorruptMediaError, err)
	}
	if maxPixels > 0 && int64(header.Width)*int64(header.Height) > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", CorruptMediaError, header.Width, header.Height,
			maxPixels)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", CorruptMediaError, err)
	}
	if src.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", CorruptMediaError)
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	// transparent pixels become white instead of black
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	xdraw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)

	var buf bytes.Buffer
	if err = jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("%w: encode: %w", CorruptMediaError, err)
	}

	return buf.Bytes(), nil
}
