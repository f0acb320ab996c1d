package bac

import (
	"crypto/sha1"
	"strings"

	"github.com/gregLibert/nfc-bridge/pkg/smcrypto"
)

// MRZ CHECK DIGITS (ICAO Doc 9303 Part 3, 4.9):
// Each character is mapped to a value ('0'-'9' -> 0-9, 'A'-'Z' -> 10-35,
// filler '<' -> 0), multiplied by the repeating weights 7, 3, 1, and the sum is
// taken modulo 10. Characters outside that alphabet count as 0.

const docNumberLen = 9

var checkWeights = [3]int{7, 3, 1}

func charValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'Z':
		return int(c-'A') + 10
	case c >= 'a' && c <= 'z':
		return int(c-'a') + 10
	default:
		return 0
	}
}

// CheckDigit computes the MRZ check digit of s.
func CheckDigit(s string) byte {
	total := 0
	for i := 0; i < len(s); i++ {
		total += charValue(s[i]) * checkWeights[i%3]
	}
	return byte('0' + total%10)
}

// MRZInfo builds the key derivation input: the document number cut or filled to
// 9 characters, the birth date and the expiry date, each followed by its check digit.
//
// Vietnamese CCCD numbers have 12 digits; the chip uses the first 9.
func MRZInfo(docNumber, birthDate, expiryDate string) string {
	doc := strings.ToUpper(docNumber)
	if len(doc) > docNumberLen {
		doc = doc[:docNumberLen]
	}
	doc += strings.Repeat("<", docNumberLen-len(doc))

	var sb strings.Builder
	for _, field := range []string{doc, birthDate, expiryDate} {
		sb.WriteString(field)
		sb.WriteByte(CheckDigit(field))
	}
	return sb.String()
}

// Keys derives (Kenc, Kmac) from the MRZ fields.
func Keys(docNumber, birthDate, expiryDate string) (kenc, kmac []byte) {
	h := sha1.Sum([]byte(MRZInfo(docNumber, birthDate, expiryDate)))
	seed := h[:smcrypto.KeySize]
	return smcrypto.DeriveKey(seed, smcrypto.CounterENC), smcrypto.DeriveKey(seed, smcrypto.CounterMAC)
}

func isDate(s string) bool {
	if len(s) != 6 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
