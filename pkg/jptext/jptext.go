// Package jptext decodes the text fields stored on Japanese government cards
// and normalises user input typed with full-width characters.
package jptext

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/unicode/norm"
)

// Encoding names a candidate character set.
type Encoding int

const (
	ShiftJIS Encoding = iota // Windows-31J (cp932) superset as implemented by x/text
	UTF8
	EUCJP
	ISO2022JP
)

func (e Encoding) String() string {
	switch e {
	case ShiftJIS:
		return "shift_jis"
	case UTF8:
		return "utf-8"
	case EUCJP:
		return "euc-jp"
	case ISO2022JP:
		return "iso-2022-jp"
	default:
		return "unknown"
	}
}

func (e Encoding) codec() encoding.Encoding {
	switch e {
	case UTF8:
		return unicode.UTF8
	case EUCJP:
		return japanese.EUCJP
	case ISO2022JP:
		return japanese.ISO2022JP
	default:
		return japanese.ShiftJIS
	}
}

// Residence cards store Shift-JIS; the JPKI basic four info is usually UTF-8.
var (
	ZairyuOrder   = []Encoding{ShiftJIS, UTF8, EUCJP, ISO2022JP}
	MyNumberOrder = []Encoding{UTF8, ShiftJIS, EUCJP}
)

// Decode returns the first decoding of data, in the given order, that needs no
// replacement character. When none is clean, the lossy decoding with the first
// encoding is returned.
func Decode(data []byte, order ...Encoding) string {
	if len(order) == 0 {
		order = ZairyuOrder
	}
	for _, e := range order {
		if s, ok := decodeStrict(e, data); ok {
			return s
		}
	}
	out, err := order[0].codec().NewDecoder().Bytes(data)
	if err != nil {
		return strings.ToValidUTF8(string(data), "�")
	}
	return string(out)
}

// DecodeTrimmed is Decode with trailing NUL and space padding removed.
func DecodeTrimmed(data []byte, order ...Encoding) string {
	return strings.TrimRight(Decode(data, order...), "\x00 　")
}

func decodeStrict(e Encoding, data []byte) (string, bool) {
	out, err := e.codec().NewDecoder().Bytes(data)
	if err != nil || !utf8.Valid(out) {
		return "", false
	}
	s := string(out)
	if strings.ContainsRune(s, utf8.RuneError) {
		return "", false
	}
	return s, true
}

// Normalize applies NFKC, which folds full-width digits and Latin letters to
// ASCII, and trims surrounding white space.
func Normalize(s string) string {
	return strings.TrimSpace(norm.NFKC.String(s))
}
