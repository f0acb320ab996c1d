package zairyu

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
)

// Format is the container detected from the leading bytes of an image file.
type Format string

const (
	FormatJPEG    Format = "jpeg"
	FormatJP2     Format = "jp2"
	FormatTIFF    Format = "tiff"
	FormatUnknown Format = "unknown"
)

var (
	jp2Signature = []byte{0x00, 0x00, 0x00, 0x0C, 'j', 'P', ' ', ' '}
	tiffLE       = []byte{'I', 'I', '*', 0x00}
	tiffBE       = []byte{'M', 'M', 0x00, '*'}
)

// DetectFormat looks at the magic number of an image.
func DetectFormat(b []byte) Format {
	switch {
	case len(b) >= 2 && b[0] == 0xFF && b[1] == 0xD8:
		return FormatJPEG
	case bytes.HasPrefix(b, jp2Signature):
		return FormatJP2
	case bytes.HasPrefix(b, tiffLE), bytes.HasPrefix(b, tiffBE):
		return FormatTIFF
	default:
		return FormatUnknown
	}
}

// MIMEType returns the media type of the format.
func (f Format) MIMEType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatJP2:
		return "image/jp2"
	case FormatTIFF:
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}

// ImageCodec converts card images to a browser displayable JPEG.
type ImageCodec interface {
	ToJPEG(ctx context.Context, data []byte, hint Format) ([]byte, error)
}

// Image is an image extracted from DF1.
type Image struct {
	// Raw holds the bytes read from the card. Data is what Base64 encodes: the
	// JPEG conversion, or Raw when it failed.
	Raw  []byte `json:"-"`
	Data []byte `json:"-"`

	OriginalType Format `json:"original_format"`
	OriginalSize int    `json:"size_original"`
	Size         int    `json:"size"`
	MIMEType     string `json:"type"`
	Base64       string `json:"base64"`
	Header       string `json:"header,omitempty"`
}

// newImage fills an Image from raw bytes, converting to JPEG with codec when
// needed. A conversion failure keeps the original bytes.
func newImage(ctx context.Context, codec ImageCodec, raw []byte) (*Image, error) {
	img := &Image{
		Raw:          raw,
		OriginalType: DetectFormat(raw),
		OriginalSize: len(raw),
		Data:         raw,
	}
	if img.OriginalType == FormatUnknown {
		img.Header = hex.EncodeToString(raw[:min(4, len(raw))])
	}

	var convErr error
	if img.OriginalType != FormatJPEG && codec != nil {
		jpeg, err := codec.ToJPEG(ctx, raw, img.OriginalType)
		if err == nil {
			img.Data = jpeg
		}
		convErr = err
	}

	img.MIMEType = DetectFormat(img.Data).MIMEType()
	img.Size = len(img.Data)
	img.Base64 = base64.StdEncoding.EncodeToString(img.Data)
	return img, convErr
}
