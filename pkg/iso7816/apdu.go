package iso7816

import (
	"errors"
	"fmt"
)

// A command APDU is CLA INS P1 P2, an optional Lc and data field, then an
// optional Le (ISO/IEC 7816-3, 12.1). Lengths use the short form, one byte
// with Le '00' meaning 256, unless the data exceeds 255 bytes or more than 256
// bytes are expected. Both then switch to the extended form: a '00' marker
// followed by two bytes, Le '0000' meaning 65536. The marker is written once,
// in front of Lc when there is a data field and in front of Le otherwise.
//
// A response APDU is the data field followed by SW1 SW2.
//
// Contactless readers also accept PC/SC part 3 pseudo-APDUs with CLA 'FF':
// GET DATA 'FF CA' returns the card UID and 'FF 00 00 00' passes a raw frame
// through to a FeliCa card. ISO 7816 reserves 'FF', so NewClass rejects it and
// these commands are built with PCSCClass.

const (
	MaxShortLc    = 255
	MaxShortLe    = 256
	MaxExtendedLc = 65535
	MaxExtendedLe = 65536
)

// ErrLength is returned when Nc or Ne cannot be encoded.
var ErrLength = errors.New("iso7816: length out of range")

// CommandAPDU is a command before encoding. Ne is the number of response bytes
// expected, 0 for none.
type CommandAPDU struct {
	Class       Class
	Instruction Instruction
	P1, P2      byte
	Data        []byte
	Ne          int
}

func NewCommandAPDU(cla Class, ins Instruction, p1, p2 byte, data []byte, ne int) *CommandAPDU {
	return &CommandAPDU{Class: cla, Instruction: ins, P1: p1, P2: p2, Data: data, Ne: ne}
}

// Bytes encodes the command, choosing short or extended lengths.
func (c *CommandAPDU) Bytes() ([]byte, error) {
	cla, err := c.Class.Encode()
	if err != nil {
		return nil, fmt.Errorf("encoding CLA: %w", err)
	}

	nc, ne := len(c.Data), c.Ne
	if nc > MaxExtendedLc {
		return nil, fmt.Errorf("Nc %d: %w", nc, ErrLength)
	}
	if ne < 0 || ne > MaxExtendedLe {
		return nil, fmt.Errorf("Ne %d: %w", ne, ErrLength)
	}
	extended := nc > MaxShortLc || ne > MaxShortLe

	out := make([]byte, 0, 4+3+nc+3)
	out = append(out, cla, byte(c.Instruction.Raw), c.P1, c.P2)

	if nc > 0 {
		if extended {
			out = append(out, 0x00, byte(nc>>8), byte(nc))
		} else {
			out = append(out, byte(nc))
		}
		out = append(out, c.Data...)
	}

	switch {
	case ne == 0:
	case !extended:
		// 256 truncates to '00'.
		out = append(out, byte(ne))
	case nc == 0:
		out = append(out, 0x00, byte(ne>>8), byte(ne))
	default:
		out = append(out, byte(ne>>8), byte(ne))
	}
	return out, nil
}

func (c *CommandAPDU) String() string {
	return fmt.Sprintf("%s CLA=%02X P1=%02X P2=%02X Lc=%d Le=%d",
		c.Instruction.Raw, c.Class.Raw, c.P1, c.P2, len(c.Data), c.Ne)
}

// ResponseAPDU is a decoded R-APDU.
type ResponseAPDU struct {
	Data   []byte
	Status StatusWord
}

// ParseResponseAPDU splits raw into data and status word. Data aliases raw.
func ParseResponseAPDU(raw []byte) (*ResponseAPDU, error) {
	n := len(raw) - 2
	if n < 0 {
		return nil, fmt.Errorf("response too short: %d bytes", len(raw))
	}
	return &ResponseAPDU{
		Data:   raw[:n:n],
		Status: NewStatusWord(raw[n], raw[n+1]),
	}, nil
}

func (r *ResponseAPDU) String() string {
	return fmt.Sprintf("%d bytes, %s", len(r.Data), r.Status.Verbose())
}
