// Package imaging converts the images stored on residence cards to JPEG so a
// browser can display them.
package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"

	"golang.org/x/image/tiff"

	"github.com/gregLibert/nfc-bridge/pkg/zairyu"
)

// DefaultQuality is the JPEG quality used when Codec.Quality is zero.
const DefaultQuality = 90

// ErrUnsupportedFormat is returned for containers without a decoder, JPEG 2000
// among them.
var ErrUnsupportedFormat = errors.New("imaging: unsupported image format")

// Codec implements zairyu.ImageCodec.
type Codec struct {
	Quality int
	Logger  *slog.Logger
}

var _ zairyu.ImageCodec = (*Codec)(nil)

func (c *Codec) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// ToJPEG decodes data according to hint and re-encodes it as JPEG. JPEG input
// is returned unchanged.
func (c *Codec) ToJPEG(ctx context.Context, data []byte, hint zairyu.Format) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		img image.Image
		err error
	)
	switch hint {
	case zairyu.FormatJPEG:
		return data, nil
	case zairyu.FormatTIFF:
		img, err = tiff.Decode(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, hint)
	}
	if err != nil {
		return nil, fmt.Errorf("imaging: decode %s: %w", hint, err)
	}

	q := c.Quality
	if q == 0 {
		q = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
		return nil, fmt.Errorf("imaging: encode jpeg: %w", err)
	}
	c.logger().Debug("image converted", "from", hint, "bounds", img.Bounds().String(), "in", len(data), "out", buf.Len())
	return buf.Bytes(), nil
}
