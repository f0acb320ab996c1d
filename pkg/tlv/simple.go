package tlv

import (
	"errors"
	"fmt"
)

// SIMPLE-TLV (ISO/IEC 7816-4, 5.2.1):
// One byte tag, followed by a length on one byte ('00'-'80'), or '81 XX' or '82 XXXX'.
// Proprietary files on Japanese government cards and secure messaging data objects
// use this encoding. Their tags ('86', 'D0', 'D1', ...) are not valid BER-TLV
// constructed/primitive markers, so bertlv cannot be used to walk them.

// ErrTruncated is returned when a length runs past the end of the buffer.
var ErrTruncated = errors.New("tlv: value truncated")

// SimpleTLV is a single SIMPLE-TLV data object.
type SimpleTLV struct {
	Tag   byte
	Value []byte
}

// ReadLength decodes a SIMPLE-TLV length field.
// It returns the decoded length and the number of bytes the field occupies.
func ReadLength(data []byte) (length, size int, err error) {
	if len(data) == 0 {
		return 0, 0, ErrTruncated
	}
	switch data[0] {
	case 0x81:
		if len(data) < 2 {
			return 0, 0, ErrTruncated
		}
		return int(data[1]), 2, nil
	case 0x82:
		if len(data) < 3 {
			return 0, 0, ErrTruncated
		}
		return int(data[1])<<8 | int(data[2]), 3, nil
	default:
		return int(data[0]), 1, nil
	}
}

// ParseSimple decodes a sequence of SIMPLE-TLV objects.
// Objects decoded before a truncated one are returned with the error.
func ParseSimple(data []byte) ([]SimpleTLV, error) {
	var out []SimpleTLV
	for i := 0; i < len(data); {
		tag := data[i]
		i++

		l, n, err := ReadLength(data[i:])
		if err != nil {
			return out, fmt.Errorf("tag %02X: %w", tag, err)
		}
		i += n

		if i+l > len(data) {
			return out, fmt.Errorf("tag %02X: %d bytes announced, %d left: %w", tag, l, len(data)-i, ErrTruncated)
		}
		out = append(out, SimpleTLV{Tag: tag, Value: data[i : i+l]})
		i += l
	}
	return out, nil
}

// FindSimple returns the value of the first object with the given tag.
func FindSimple(data []byte, tag byte) ([]byte, bool) {
	objs, _ := ParseSimple(data)
	for _, o := range objs {
		if o.Tag == tag {
			return o.Value, true
		}
	}
	return nil, false
}
