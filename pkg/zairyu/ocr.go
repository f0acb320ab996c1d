package zairyu

import (
	"context"
	"image"
	"log/slog"

	"github.com/gregLibert/nfc-bridge/pkg/jptext"
)

// CriticalFields must be present for an OCR result to be considered complete.
var CriticalFields = []string{"name", "nationality", "date_of_birth"}

// TextBox is one region recognised on the card face.
type TextBox struct {
	Text       string
	Confidence float64
	Bounds     image.Rectangle
}

// Recognition is the output of an OCR provider: the recognised regions and the
// card fields it could map them to.
type Recognition struct {
	Boxes  []TextBox
	Fields map[string]string
}

// RawText joins the recognised regions, one per line.
func (r *Recognition) RawText() string {
	var out []byte
	for i, b := range r.Boxes {
		if i > 0 {
			out = append(out, '\n')
		}
		out = append(out, b.Text...)
	}
	return string(out)
}

// OCRProvider recognises the text of a JPEG image of the card face.
type OCRProvider interface {
	Name() string
	Recognize(ctx context.Context, jpeg []byte) (*Recognition, error)
}

// OCRResult is the merged outcome of the primary and fallback providers.
type OCRResult struct {
	Available        bool              `json:"ocr_available"`
	Success          bool              `json:"ocr_success"`
	RawText          string            `json:"raw_text,omitempty"`
	Fields           map[string]string `json:"parsed_fields,omitempty"`
	PrimaryProvider  string            `json:"primary_provider,omitempty"`
	FallbackFields   []string          `json:"fallback_fields,omitempty"`
	FallbackProvider string            `json:"fallback_provider,omitempty"`
	Error            string            `json:"error,omitempty"`
}

// RecognizeFields runs primary on the image. When it misses a critical field
// and fallback is set, fallback is run and only the missing critical fields are
// taken from it. Values are NFKC normalised.
func RecognizeFields(ctx context.Context, primary, fallback OCRProvider, jpeg []byte, log *slog.Logger) *OCRResult {
	if log == nil {
		log = slog.Default()
	}
	if primary == nil {
		return &OCRResult{Error: "No OCR provider configured"}
	}

	res := &OCRResult{Available: true, PrimaryProvider: primary.Name()}
	rec, err := primary.Recognize(ctx, jpeg)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	res.RawText = rec.RawText()
	res.Fields = normalizeFields(rec.Fields)

	missing := res.Missing()
	if len(missing) == 0 {
		return res
	}
	if fallback == nil {
		log.Warn("ocr missing critical fields", "fields", missing)
		return res
	}

	log.Info("ocr fallback", "primary", res.PrimaryProvider, "fallback", fallback.Name(), "missing", missing)
	fb, err := fallback.Recognize(ctx, jpeg)
	if err != nil {
		log.Warn("ocr fallback failed", "err", err)
		return res
	}
	fbFields := normalizeFields(fb.Fields)
	for _, f := range missing {
		if v, ok := fbFields[f]; ok {
			res.Fields[f] = v
			res.FallbackFields = append(res.FallbackFields, f)
		}
	}
	if len(res.FallbackFields) > 0 {
		res.FallbackProvider = fallback.Name()
	}
	return res
}

func normalizeFields(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if v = jptext.Normalize(v); v != "" {
			out[k] = v
		}
	}
	return out
}

// Missing returns the critical fields absent from the result.
func (r *OCRResult) Missing() []string {
	var out []string
	for _, f := range CriticalFields {
		if _, ok := r.Fields[f]; !ok {
			out = append(out, f)
		}
	}
	return out
}
