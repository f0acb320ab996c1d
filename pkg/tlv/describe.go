package tlv

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/moov-io/bertlv"
)

// WriteStructFields appends one "    - prefix.Field (tag): value" line per
// non-empty []byte field of s, and one line per unclaimed object. The block
// is separated from earlier content by a newline and has no trailing one.
//
// The `fmt` field tag selects the rendering: "ascii" adds the printable text,
// "int" the big-endian decimal value, "bcd" the packed digits.
func WriteStructFields(sb *strings.Builder, prefix string, s any) {
	rv := reflect.ValueOf(s)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return
	}

	var lines []string
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		f, v := t.Field(i), rv.Field(i)
		switch {
		case f.Type == packetsType:
			for _, p := range v.Interface().([]bertlv.TLV) {
				lines = append(lines, fmt.Sprintf("    - %s.Unknown Tag %s: %X", prefix, p.Tag, p.Value))
			}
		case f.Type.Kind() == reflect.Slice && f.Type.Elem().Kind() == reflect.Uint8:
			if v.Len() == 0 {
				continue
			}
			name := f.Name
			if tag := f.Tag.Get("tlv"); tag != "" {
				name += " (" + tag + ")"
			}
			lines = append(lines, fmt.Sprintf("    - %s.%s: %s", prefix, name, render(v.Bytes(), f.Tag.Get("fmt"))))
		}
	}
	if len(lines) == 0 {
		return
	}

	if sb.Len() > 0 {
		sb.WriteByte('\n')
	}
	sb.WriteString(strings.Join(lines, "\n"))
}

func render(b []byte, format string) string {
	switch format {
	case "ascii":
		return fmt.Sprintf("%X (%q)", b, MakeSafeASCII(b))
	case "int":
		var n uint64
		for _, c := range b {
			n = n<<8 | uint64(c)
		}
		return fmt.Sprintf("%X (Dec: %d)", b, n)
	case "bcd":
		return fmt.Sprintf("%X (BCD: %s)", b, digits(b))
	}
	return fmt.Sprintf("%X", b)
}

// digits unpacks BCD nibbles, stopping at the first 'F' filler.
func digits(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		for _, n := range [2]byte{c >> 4, c & 0x0F} {
			if n == 0x0F {
				return sb.String()
			}
			if n > 9 {
				sb.WriteByte('?')
				continue
			}
			sb.WriteByte('0' + n)
		}
	}
	return sb.String()
}

// MakeSafeASCII replaces every byte outside the printable ASCII range by '.'.
func MakeSafeASCII(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		if c < 0x20 || c > 0x7E {
			c = '.'
		}
		out[i] = c
	}
	return string(out)
}
