package tlv

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Hex decodes the concatenation of parts, ignoring whitespace and ':'
// separators, so that APDUs can be written as "00 A4 04 00" or copied from a
// reader log. It panics on invalid input and is meant for tests and constants.
func Hex(parts ...string) []byte {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', ':':
			return -1
		}
		return r
	}, strings.Join(parts, ""))

	b, err := hex.DecodeString(clean)
	if err != nil {
		panic(fmt.Sprintf("tlv.Hex(%q): %v", clean, err))
	}
	return b
}
