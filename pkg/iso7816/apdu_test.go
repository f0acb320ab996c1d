package iso7816

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gregLibert/nfc-bridge/pkg/tlv"
)

func TestCommandAPDU_Bytes(t *testing.T) {
	sel := mustInstruction(INS_SELECT)
	read := mustInstruction(INS_READ_BINARY)
	long := bytes.Repeat([]byte{0x5A}, 300)

	tests := []struct {
		name string
		cmd  *CommandAPDU
		want []byte
	}{
		{"case 1", NewCommandAPDU(ClassPlain, sel, 0x01, 0x02, nil, 0), tlv.Hex("00 A4 01 02")},
		{"case 2 short", NewCommandAPDU(ClassPlain, read, 0x00, 0x00, nil, 0x10), tlv.Hex("00 B0 00 00 10")},
		{"case 2 short 256", NewCommandAPDU(ClassPlain, read, 0x00, 0x00, nil, MaxShortLe), tlv.Hex("00 B0 00 00 00")},
		{"case 3 short", NewCommandAPDU(ClassPlain, sel, 0x04, 0x0C, tlv.Hex("A0 00"), 0), tlv.Hex("00 A4 04 0C 02 A000")},
		{"case 4 short", NewCommandAPDU(ClassSM, sel, 0x00, 0x00, []byte{0x01}, 10), tlv.Hex("08 A4 00 00 01 01 0A")},
		{"case 2 extended", NewCommandAPDU(ClassPlain, read, 0x00, 0x00, nil, 0x0F00), tlv.Hex("00 B0 00 00 00 0F00")},
		{"case 2 extended 65536", NewCommandAPDU(ClassPlain, read, 0x00, 0x00, nil, MaxExtendedLe), tlv.Hex("00 B0 00 00 00 0000")},
		{"case 3 extended", NewCommandAPDU(ClassPlain, sel, 0x00, 0x00, long, 0), append(tlv.Hex("00 A4 00 00 00 012C"), long...)},
		{"case 4 extended", NewCommandAPDU(ClassPlain, sel, 0x00, 0x00, long, MaxShortLe), append(append(tlv.Hex("00 A4 00 00 00 012C"), long...), 0x01, 0x00)},
		{"pseudo APDU", GetUID(), tlv.Hex("FF CA 00 00 00")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cmd.Bytes()
			if err != nil {
				t.Fatalf("Bytes() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Bytes() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCommandAPDU_BytesErrors(t *testing.T) {
	read := mustInstruction(INS_READ_BINARY)

	tests := []struct {
		name string
		cmd  *CommandAPDU
		want error
	}{
		{"negative Ne", NewCommandAPDU(ClassPlain, read, 0, 0, nil, -1), ErrLength},
		{"Ne too large", NewCommandAPDU(ClassPlain, read, 0, 0, nil, MaxExtendedLe+1), ErrLength},
		{"Nc too large", NewCommandAPDU(ClassPlain, read, 0, 0, make([]byte, MaxExtendedLc+1), 0), ErrLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.cmd.Bytes(); !errors.Is(err, tt.want) {
				t.Errorf("Bytes() error = %v, want %v", err, tt.want)
			}
		})
	}

	bad := NewCommandAPDU(Class{Channel: 20}, read, 0, 0, nil, 0)
	if _, err := bad.Bytes(); err == nil {
		t.Error("Bytes() with channel 20: error = nil")
	}
}

func TestParseResponseAPDU(t *testing.T) {
	tests := []struct {
		name     string
		raw      []byte
		wantData []byte
		wantSW   StatusWord
		wantErr  bool
	}{
		{"data and status", tlv.Hex("04 A1 B2 C3 90 00"), tlv.Hex("04 A1 B2 C3"), SW_NO_ERROR, false},
		{"status only", tlv.Hex("6A 82"), []byte{}, SW_ERR_FILE_NOT_FOUND, false},
		{"one byte", tlv.Hex("90"), nil, 0, true},
		{"empty", nil, nil, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := ParseResponseAPDU(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseResponseAPDU() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if diff := cmp.Diff(tt.wantData, resp.Data); diff != "" {
				t.Errorf("Data mismatch (-want +got):\n%s", diff)
			}
			if resp.Status != tt.wantSW {
				t.Errorf("Status = %s, want %s", resp.Status, tt.wantSW)
			}
		})
	}
}

func TestParseResponseAPDU_DataCapacity(t *testing.T) {
	raw := tlv.Hex("01 02 90 00")
	resp, err := ParseResponseAPDU(raw)
	if err != nil {
		t.Fatalf("ParseResponseAPDU() error = %v", err)
	}
	// Appending to the data must not overwrite the status word.
	_ = append(resp.Data, 0xFF)
	if diff := cmp.Diff(tlv.Hex("01 02 90 00"), raw); diff != "" {
		t.Errorf("raw modified (-want +got):\n%s", diff)
	}
}
