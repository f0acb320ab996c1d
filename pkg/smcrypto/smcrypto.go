// Package smcrypto implements the legacy symmetric primitives used by ICAO 9303
// Basic Access Control and by the Japanese residence card secure messaging:
// SHA-1 key derivation with DES parity, two-key 3DES in CBC mode with a zero IV,
// ISO/IEC 9797-1 padding method 2 and the ISO/IEC 9797-1 MAC algorithm 3 (Retail MAC).
//
// Keys are always 16 bytes (Ka || Kb). Passing a key of another length, or data that is
// not block aligned where alignment is required, is a programming error and panics with
// a *UsageError.
//
// When Ka == Kb the two-key constructions degrade to single DES. Card issuers rely on
// this behavior, so it is kept as is.
package smcrypto

import (
	"crypto/cipher"
	"crypto/des"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/gregLibert/nfc-bridge/pkg/bits"
)

const (
	// KeySize is the size of a two-key 3DES key.
	KeySize = 16
	// BlockSize is the DES block size.
	BlockSize = des.BlockSize
	// MACSize is the size of a Retail MAC.
	MACSize = 8
)

// Counter selects the key usage in the ICAO key derivation function.
type Counter uint32

const (
	CounterENC Counter = 1
	CounterMAC Counter = 2
)

// UsageError is the panic value for invalid key or data lengths.
type UsageError struct {
	Op  string
	Msg string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("smcrypto: %s: %s", e.Op, e.Msg)
}

func checkKey(op string, key []byte) {
	if len(key) != KeySize {
		panic(&UsageError{Op: op, Msg: fmt.Sprintf("key must be %d bytes, got %d", KeySize, len(key))})
	}
}

func checkAligned(op string, data []byte) {
	if len(data)%BlockSize != 0 {
		panic(&UsageError{Op: op, Msg: fmt.Sprintf("data length %d is not a multiple of %d", len(data), BlockSize)})
	}
}

// DeriveKey computes SHA-1(seed || counter), keeps the first 16 bytes and forces odd parity
// on every byte.
func DeriveKey(seed []byte, c Counter) []byte {
	h := sha1.New()
	h.Write(seed)
	var ctr [4]byte
	binary.BigEndian.PutUint32(ctr[:], uint32(c))
	h.Write(ctr[:])

	key := h.Sum(nil)[:KeySize]
	AdjustParity(key)
	return key
}

// AdjustParity sets the least significant bit of each byte so that its popcount is odd.
func AdjustParity(key []byte) {
	for i, b := range key {
		key[i] = bits.OddParity(b)
	}
}

// Pad applies ISO/IEC 9797-1 padding method 2: '80' then zeros up to a block boundary.
// A new slice is always returned.
func Pad(data []byte) []byte {
	n := len(data) + 1
	if r := n % BlockSize; r != 0 {
		n += BlockSize - r
	}
	out := make([]byte, n)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

// Unpad strips ISO/IEC 9797-1 method 2 padding. Data without a valid '80' marker
// after the trailing zeros is returned unchanged.
func Unpad(data []byte) []byte {
	i := len(data) - 1
	for i >= 0 && data[i] == 0x00 {
		i--
	}
	if i >= 0 && data[i] == 0x80 {
		return data[:i]
	}
	return data
}

func tripleDES(op string, key []byte) cipher.Block {
	checkKey(op, key)
	k := make([]byte, 0, 24)
	k = append(k, key...)
	k = append(k, key[:8]...)
	block, err := des.NewTripleDESCipher(k)
	if err != nil {
		panic(&UsageError{Op: op, Msg: err.Error()})
	}
	return block
}

func singleDES(op string, key []byte) cipher.Block {
	block, err := des.NewCipher(key)
	if err != nil {
		panic(&UsageError{Op: op, Msg: err.Error()})
	}
	return block
}

// EncryptCBC encrypts block-aligned data with 3DES-EDE2 in CBC mode and a zero IV.
// Callers pad beforehand when the plaintext is not a fixed multiple of 8 bytes.
func EncryptCBC(key, data []byte) []byte {
	checkAligned("EncryptCBC", data)
	block := tripleDES("EncryptCBC", key)
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, make([]byte, BlockSize)).CryptBlocks(out, data)
	return out
}

// DecryptCBC is the inverse of EncryptCBC. Padding is left in place.
func DecryptCBC(key, data []byte) []byte {
	checkAligned("DecryptCBC", data)
	block := tripleDES("DecryptCBC", key)
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, make([]byte, BlockSize)).CryptBlocks(out, data)
	return out
}

// RetailMAC computes the ISO/IEC 9797-1 MAC algorithm 3 over Pad(data):
// single DES CBC-MAC with Ka, then the last block is decrypted with Kb and
// encrypted again with Ka.
func RetailMAC(key, data []byte) []byte {
	checkKey("RetailMAC", key)
	ka := singleDES("RetailMAC", key[:8])
	kb := singleDES("RetailMAC", key[8:])

	padded := Pad(data)
	chain := make([]byte, len(padded))
	cipher.NewCBCEncrypter(ka, make([]byte, BlockSize)).CryptBlocks(chain, padded)

	mac := make([]byte, BlockSize)
	copy(mac, chain[len(chain)-BlockSize:])
	kb.Decrypt(mac, mac)
	ka.Encrypt(mac, mac)
	return mac
}

// VerifyMAC reports whether mac is the Retail MAC of data, in constant time.
func VerifyMAC(key, data, mac []byte) bool {
	return subtle.ConstantTimeCompare(RetailMAC(key, data), mac) == 1
}

// XOR returns a ^ b over the length of the shorter slice.
func XOR(a, b []byte) []byte {
	n := min(len(a), len(b))
	out := make([]byte, n)
	subtle.XORBytes(out, a[:n], b[:n])
	return out
}

// Zero overwrites key material in place.
func Zero(bufs ...[]byte) {
	for _, b := range bufs {
		clear(b)
	}
}
