package tlv

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/moov-io/bertlv"
)

// counter records how many bytes it was handed.
type counter struct {
	N int
}

func (c *counter) UnmarshalTLV(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty")
	}
	c.N = len(data)
	return nil
}

type proprietary struct {
	Label []byte `tlv:"50"`
	PDOL  []byte `tlv:"9F38"`
}

type template struct {
	DFName  []byte       `tlv:"84"`
	Serial  string       `tlv:"5A"`
	Prop    proprietary  `tlv:"A5"`
	PropPtr *proprietary `tlv:"B5"`
	Records [][]byte     `tlv:"57"`
	Sized   counter      `tlv:"9F0C"`
	Unknown []bertlv.TLV `tlv:",unknown"`
}

func TestUnmarshal(t *testing.T) {
	data := Hex(
		"84 07 A0000000041010",
		"5A 04 12345678",
		"A5 09 50 03 4A4342 9F38 01 FF",
		"b5 03 50 01 41",
		"57 01 01",
		"57 02 0203",
		"9F0C 03 000000",
		"99 01 BB",
	)

	var got template
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	want := template{
		DFName:  Hex("A0000000041010"),
		Serial:  "12345678",
		Prop:    proprietary{Label: []byte("JCB"), PDOL: []byte{0xFF}},
		PropPtr: &proprietary{Label: []byte("A")},
		Records: [][]byte{{0x01}, {0x02, 0x03}},
		Sized:   counter{N: 3},
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(template{}, "Unknown")); diff != "" {
		t.Errorf("Unmarshal() mismatch (-want +got):\n%s", diff)
	}
	if len(got.Unknown) != 1 || got.Unknown[0].Tag != "99" || string(got.Unknown[0].Value) != "\xBB" {
		t.Errorf("Unknown = %+v, want the single object 99", got.Unknown)
	}
}

func TestUnmarshal_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		target  any
		wantErr string
	}{
		{"not a pointer", Hex("84 00"), template{}, "non-nil pointer"},
		{"nil pointer", Hex("84 00"), (*template)(nil), "non-nil pointer"},
		{"not a struct", Hex("84 00"), new(int), "point to a struct"},
		{"unmarshaler error", Hex("9F0C 00"), &template{}, "empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Unmarshal(tt.data, tt.target)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Unmarshal() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestFind(t *testing.T) {
	mrz := strings.Repeat("<", 30)
	dg1 := append(Hex("61 21 5F1F 1E"), mrz...)

	tests := []struct {
		name    string
		data    []byte
		path    []uint
		want    []byte
		wantErr error
	}{
		{"nested", dg1, []uint{0x61, 0x5F1F}, []byte(mrz), nil},
		{"constructed payload", dg1, []uint{0x61}, append(Hex("5F1F 1E"), mrz...), nil},
		{"no path", Hex("8401AA"), nil, Hex("8401AA"), nil},
		{"second object", Hex("8401AA 5001BB"), []uint{0x50}, []byte{0xBB}, nil},
		{"missing", dg1, []uint{0x61, 0x5F20}, nil, ErrNotFound},
		{"missing top", Hex("8401AA"), []uint{0x99}, nil, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Find(tt.data, tt.path...)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Find() error = %v, want %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Find() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHex(t *testing.T) {
	tests := []struct {
		parts     []string
		want      []byte
		wantPanic bool
	}{
		{parts: []string{"00", "A4"}, want: []byte{0x00, 0xA4}},
		{parts: []string{"00 a4 04 0c", "\t07\n"}, want: []byte{0x00, 0xA4, 0x04, 0x0C, 0x07}},
		{parts: []string{"3B:8F:80:01"}, want: []byte{0x3B, 0x8F, 0x80, 0x01}},
		{parts: []string{"9G"}, wantPanic: true},
		{parts: []string{"6A8"}, wantPanic: true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.parts), func(t *testing.T) {
			defer func() {
				if r := recover(); (r != nil) != tt.wantPanic {
					t.Errorf("Hex() panic = %v, want panic %v", r, tt.wantPanic)
				}
			}()

			got := Hex(tt.parts...)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Hex() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
