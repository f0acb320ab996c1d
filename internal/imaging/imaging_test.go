package imaging

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"github.com/gregLibert/nfc-bridge/pkg/zairyu"
)

func tiffImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(x * y)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, tiff.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestCodec_ToJPEG(t *testing.T) {
	c := &Codec{}

	t.Run("tiff", func(t *testing.T) {
		raw := tiffImage(t, 32, 20)
		require.Equal(t, zairyu.FormatTIFF, zairyu.DetectFormat(raw))

		out, err := c.ToJPEG(context.Background(), raw, zairyu.FormatTIFF)
		require.NoError(t, err)
		assert.Equal(t, zairyu.FormatJPEG, zairyu.DetectFormat(out))

		img, err := jpeg.Decode(bytes.NewReader(out))
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 32, 20), img.Bounds())
	})

	t.Run("jpeg passthrough", func(t *testing.T) {
		raw := []byte{0xFF, 0xD8, 0xFF, 0xE0}
		out, err := c.ToJPEG(context.Background(), raw, zairyu.FormatJPEG)
		require.NoError(t, err)
		assert.Equal(t, raw, out)
	})

	t.Run("jpeg 2000", func(t *testing.T) {
		_, err := c.ToJPEG(context.Background(), []byte{0x00, 0x00, 0x00, 0x0C, 'j', 'P', ' ', ' '}, zairyu.FormatJP2)
		assert.ErrorIs(t, err, ErrUnsupportedFormat)
	})

	t.Run("corrupt tiff", func(t *testing.T) {
		_, err := c.ToJPEG(context.Background(), []byte{'I', 'I', '*', 0x00, 0x01}, zairyu.FormatTIFF)
		assert.ErrorContains(t, err, "decode tiff")
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := c.ToJPEG(ctx, tiffImage(t, 2, 2), zairyu.FormatTIFF)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
