// Package felica reads FeliCa transit cards (Suica, Pasmo, ICOCA and the other
// cards of the mutual-use network).
//
// Two access paths exist:
//
//   - Local: FeliCa frames are tunnelled through a PC/SC reader with the
//     transparent pseudo-APDU 'FF 00 00 00'. Only services readable without
//     encryption are reachable. Most consumer readers refuse the history
//     service with 6A81, which is reported as ErrUnsupported.
//   - Relay: frames are exchanged with the card over a raw transport (an
//     RC-S380 on USB) and every cryptographic step is delegated to a remote
//     authentication service. This package only carries frames between the
//     card and the service.
//
// FRAMES:
// A frame starts with its own length byte, the command code follows:
//
//	Polling                 LEN 00 SC(2) RC TSN
//	Read Without Encryption LEN 06 IDm(8) 01 SVC(2, little endian) N [80 BLK]...
//	response                LEN 07 IDm(8) ST1 ST2 N [BLOCK(16)]...
package felica

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// System codes.
const (
	SystemCodeSuica  uint16 = 0x0003
	SystemCodeCommon uint16 = 0x88B4
	SystemCodeAny    uint16 = 0xFFFF
)

// ServiceHistory is the history service readable without encryption.
const ServiceHistory uint16 = 0x090F

// Command and response codes.
const (
	cmdPolling             byte = 0x00
	rspPolling             byte = 0x01
	cmdReadWithoutEncrypt  byte = 0x06
	rspReadWithoutEncrypt  byte = 0x07
	blockListTwoByteFormat byte = 0x80
)

// BlockSize is the size of a FeliCa data block.
const BlockSize = 16

// MaxReadBlocks bounds the block list of one read command.
const MaxReadBlocks = 15

var (
	// ErrUnsupported means the reader or the card refused the read because the
	// area is encrypted. It is a limitation of the access path, not a failure.
	ErrUnsupported = errors.New("felica: encrypted area not readable by this reader")

	// ErrNoCard means no FeliCa target answered the polling.
	ErrNoCard           = errors.New("felica: polling failed")
	ErrMalformed        = errors.New("felica: malformed response")
	ErrNoTransport      = errors.New("felica: no USB transport")
	ErrNotAuthenticated = errors.New("felica: not authenticated")
)

// StatusError carries the status flags of a FeliCa response.
type StatusError struct {
	Status1 byte
	Status2 byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("felica: card error %02X%02X", e.Status1, e.Status2)
}

// Target is a polled card.
type Target struct {
	IDm []byte
	PMm []byte
}

// Manufacturer returns the manufacturer code held by the first two IDm bytes.
func (t *Target) Manufacturer() uint16 {
	if len(t.IDm) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(t.IDm)
}

// Exchanger sends one frame to the card and returns its answer. Frames include
// their length byte.
type Exchanger interface {
	Exchange(ctx context.Context, frame []byte, timeout time.Duration) ([]byte, error)
}

// PollingCommand returns the polling command body (without length byte) for a
// system code, requesting the system code back in the answer.
func PollingCommand(systemCode uint16) []byte {
	return []byte{cmdPolling, byte(systemCode>>8), byte(systemCode), 0x01, 0x0F}
}

// ReadWithoutEncryptionCommand builds the command body (without length byte)
// reading blocks of one service. The service code is sent little endian.
func ReadWithoutEncryptionCommand(idm []byte, service uint16, blocks ...byte) ([]byte, error) {
	if len(idm) != 8 {
		return nil, fmt.Errorf("felica: IDm must be 8 bytes, got %d", len(idm))
	}
	if len(blocks) == 0 || len(blocks) > MaxReadBlocks {
		return nil, fmt.Errorf("felica: %d blocks requested, want 1 to %d", len(blocks), MaxReadBlocks)
	}

	cmd := make([]byte, 0, 13+2*len(blocks))
	cmd = append(cmd, cmdReadWithoutEncrypt)
	cmd = append(cmd, idm...)
	cmd = append(cmd, 0x01, byte(service), byte(service>>8), byte(len(blocks)))
	for _, b := range blocks {
		cmd = append(cmd, blockListTwoByteFormat, b)
	}
	return cmd, nil
}

// Frame prefixes a command body with its length byte.
func Frame(body []byte) []byte {
	return append([]byte{byte(len(body) + 1)}, body...)
}

// stripLength removes a leading length byte when the response carries one.
// Readers differ: some return the bare response, some the full frame.
func stripLength(resp []byte, code byte) []byte {
	if len(resp) == 0 || resp[0] == code {
		return resp
	}
	if int(resp[0]) == len(resp) || int(resp[0]) == len(resp)-1 {
		return resp[1:]
	}
	return resp
}

// ParsePolling extracts IDm and PMm from a polling response, with or without
// its length byte.
func ParsePolling(resp []byte) (*Target, error) {
	r := stripLength(resp, rspPolling)
	if len(r) < 17 || r[0] != rspPolling {
		return nil, fmt.Errorf("%w: polling answer % X", ErrMalformed, resp)
	}
	return &Target{
		IDm: append([]byte(nil), r[1:9]...),
		PMm: append([]byte(nil), r[9:17]...),
	}, nil
}

// ParseReadResponse validates a Read Without Encryption response and returns
// its blocks. A non-zero Status1 is a *StatusError.
func ParseReadResponse(resp []byte) ([][]byte, error) {
	r := stripLength(resp, rspReadWithoutEncrypt)
	if len(r) < 11 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(resp))
	}
	if r[0] != rspReadWithoutEncrypt {
		return nil, fmt.Errorf("%w: response code %02X", ErrMalformed, r[0])
	}
	return parseBlocks(r[9:])
}

// parseBlocks reads "ST1 ST2 N BLOCKS", the tail shared by plain and relayed
// reads. Incomplete trailing blocks are dropped. A count of zero yields no
// blocks and no error.
func parseBlocks(r []byte) ([][]byte, error) {
	if len(r) < 2 {
		return nil, fmt.Errorf("%w: no status flags", ErrMalformed)
	}
	if r[0] != 0x00 {
		return nil, &StatusError{Status1: r[0], Status2: r[1]}
	}
	if len(r) < 3 {
		return nil, fmt.Errorf("%w: no block count", ErrMalformed)
	}

	n := int(r[2])
	data := r[3:]
	blocks := make([][]byte, 0, n)
	for i := 0; i < n && (i+1)*BlockSize <= len(data); i++ {
		blocks = append(blocks, append([]byte(nil), data[i*BlockSize : (i+1)*BlockSize]...))
	}
	if n > 0 && len(blocks) == 0 {
		return nil, fmt.Errorf("%w: no blocks", ErrMalformed)
	}
	return blocks, nil
}

// Poll runs a polling command over a raw transport.
func Poll(ctx context.Context, ex Exchanger, systemCode uint16) (*Target, error) {
	resp, err := ex.Exchange(ctx, Frame(PollingCommand(systemCode)), 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoCard, err)
	}
	t, err := ParsePolling(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoCard, err)
	}
	return t, nil
}
