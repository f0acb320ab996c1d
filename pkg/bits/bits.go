// Package bits reads and writes bit fields of a byte with the 1-based
// numbering of ISO/IEC 7816 tables, b8 being the most significant bit.
package bits

import mathbits "math/bits"

// Bit returns a byte with only bit n set, or 0 when n is outside 1..8.
func Bit(n uint) byte {
	if n < 1 || n > 8 {
		return 0
	}
	return 1 << (n - 1)
}

func IsSet(b byte, n uint) bool {
	return b&Bit(n) != 0
}

// GetRange returns bits high..low of b, shifted down.
// GetRange(0b00001100, 4, 3) is 0b11.
func GetRange(b byte, high, low uint) byte {
	if low < 1 || high > 8 || high < low {
		return 0
	}
	mask := byte(1)<<(high-low+1) - 1
	return (b >> (low - 1)) & mask
}

func Low(b byte) byte {
	return GetRange(b, 4, 1)
}

func High(b byte) byte {
	return GetRange(b, 8, 5)
}

func HasOddParity(b byte) bool {
	return mathbits.OnesCount8(b)%2 == 1
}

// OddParity fixes bit 1 so that b has odd parity, as DES key bytes need.
func OddParity(b byte) byte {
	if HasOddParity(b) {
		return b
	}
	return b ^ Bit(1)
}
