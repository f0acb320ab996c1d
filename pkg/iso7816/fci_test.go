package iso7816

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gregLibert/nfc-bridge/pkg/tlv"
)

func TestParseSelectData(t *testing.T) {
	const (
		p2FCI    = byte(ReturnFCI)
		p2FCP    = byte(ReturnFCP)
		p2FMD    = byte(ReturnFMD)
		p2NoData = byte(ReturnNoData)
	)

	type want struct {
		AID     []byte
		Label   []byte
		Size    int
		HasSize bool
		HasFCP  bool
		HasFMD  bool
		Unknown int
		Raw     []byte
		Nil     bool
		WrongP2 bool
	}

	tests := []struct {
		name string
		data []byte
		p2   byte
		want want
	}{
		{
			name: "fcp inside fci",
			data: tlv.Hex("6F 0D", "62 0B", "84 05 A000000001", "80 02 0400"),
			p2:   p2FCI,
			want: want{AID: tlv.Hex("A000000001"), Size: 1024, HasSize: true, HasFCP: true},
		},
		{
			name: "fmd inside fci",
			data: tlv.Hex("6F 07", "64 05", "50 03 4A504B"),
			p2:   p2FCI,
			want: want{Label: []byte("JPK"), HasFMD: true},
		},
		{
			name: "flat fci",
			data: tlv.Hex("84 05 A000000003", "50 02 4944", "99 01 00"),
			p2:   p2FCI,
			want: want{AID: tlv.Hex("A000000003"), Label: []byte("ID"), HasFCP: true, HasFMD: true, Unknown: 1},
		},
		{
			name: "mandatory fcp",
			data: tlv.Hex("62 0B", "84 05 A000000004", "99 02 CAFE"),
			p2:   p2FCP,
			want: want{AID: tlv.Hex("A000000004"), HasFCP: true},
		},
		{
			name: "mandatory fmd",
			data: tlv.Hex("64 05", "50 03 58595A"),
			p2:   p2FMD,
			want: want{Label: []byte("XYZ"), HasFMD: true},
		},
		{
			name: "fmd received for fcp",
			data: tlv.Hex("64 05", "50 03 58595A"),
			p2:   p2FCP,
			want: want{WrongP2: true},
		},
		{
			name: "private class",
			data: tlv.Hex("C0 01 FF"),
			p2:   p2FCI,
			want: want{Raw: tlv.Hex("C0 01 FF")},
		},
		{
			name: "empty",
			p2:   p2FCI,
			want: want{Nil: true},
		},
		{
			name: "no data requested",
			data: tlv.Hex("62 00"),
			p2:   p2NoData,
			want: want{Nil: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fci, err := ParseSelectData(tt.data, tt.p2)
			if tt.want.WrongP2 {
				if err == nil {
					t.Errorf("ParseSelectData() error = nil, want missing template")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSelectData() error = %v", err)
			}
			if fci == nil {
				if !tt.want.Nil {
					t.Errorf("ParseSelectData() = nil")
				}
				return
			}

			size, hasSize := fci.FileSize()
			got := want{
				AID:     fci.GetAID(),
				Label:   fci.ApplicationLabel(),
				Size:    size,
				HasSize: hasSize,
				HasFCP:  fci.FCP != nil,
				HasFMD:  fci.FMD != nil,
				Unknown: len(fci.Unknown),
				Raw:     fci.ProprietaryRawData,
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseSelectData() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseSelectData_UnknownInTemplate(t *testing.T) {
	fci, err := ParseSelectData(tlv.Hex("62 0B", "84 05 A000000004", "99 02 CAFE"), byte(ReturnFCP))
	if err != nil {
		t.Fatalf("ParseSelectData() error = %v", err)
	}
	if len(fci.FCP.Unknown) != 1 || fci.FCP.Unknown[0].Tag != "99" {
		t.Fatalf("FCP.Unknown = %+v, want tag 99", fci.FCP.Unknown)
	}
	if diff := cmp.Diff(tlv.Hex("CAFE"), fci.FCP.Unknown[0].Value); diff != "" {
		t.Errorf("value mismatch (-want +got):\n%s", diff)
	}
}
