package iso7816

import (
	"fmt"
	"strings"

	"github.com/gregLibert/nfc-bridge/pkg/tlv"
	"github.com/moov-io/bertlv"
)

// The data returned by SELECT depends on the selection control bits of P2
// (ISO 7816-4, 5.3.3 and 11.2.2):
//
//	Return FCI  '6F' wrapper holding '62' and/or '64', or a flat list of their objects
//	Return FCP  mandatory '62' template
//	Return FMD  mandatory '64' template
//	No data     nothing, which is what the Japanese ID cards are selected with
//
// A response starting with a private class tag ('C0' and up) is kept raw.

// FCPTemplate holds the file control parameters, tag '62'.
type FCPTemplate struct {
	DataSize           []byte `tlv:"80" fmt:"int"`
	TotalFileSize      []byte `tlv:"81" fmt:"int"`
	FileDescriptor     []byte `tlv:"82"`
	FileIdentifier     []byte `tlv:"83"`
	DFName             []byte `tlv:"84" fmt:"ascii"`
	ProprietaryInfo    []byte `tlv:"85"`
	SecurityAttrProp   []byte `tlv:"86"`
	ExtendedFCIFile    []byte `tlv:"87"`
	ShortEFIdentifier  []byte `tlv:"88"`
	LifeCycleStatus    []byte `tlv:"8A"`
	SecurityAttrRef    []byte `tlv:"8B"`
	SecurityAttrComp   []byte `tlv:"8C"`
	SecurityEnvID      []byte `tlv:"8D"`
	ChannelSecurity    []byte `tlv:"8E"`
	SecurityAttrData   []byte `tlv:"A0"`
	SecurityAttrPropT  []byte `tlv:"A1"`
	ReferencePairs     []byte `tlv:"A2"`
	ProprietaryDataBER []byte `tlv:"A5"`
	SecurityAttrExp    []byte `tlv:"AB"`
	CryptoMechanism    []byte `tlv:"AC"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// FMDTemplate holds the file management data, tag '64'.
type FMDTemplate struct {
	ApplicationIdentifier []byte `tlv:"84" fmt:"ascii"`
	ApplicationLabel      []byte `tlv:"50" fmt:"ascii"`
	Proprietary53         []byte `tlv:"53"`
	Proprietary73         []byte `tlv:"73"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// FileControlInfo is the decoded data field of a SELECT response. Templates
// absent from the response are nil.
type FileControlInfo struct {
	FCP *FCPTemplate
	FMD *FMDTemplate

	// Unknown holds the objects of a flat response matching neither template.
	Unknown []bertlv.TLV

	ProprietaryRawData []byte
}

// GetAID returns the DF name from the FCP, or the application identifier from
// the FMD.
func (fci *FileControlInfo) GetAID() []byte {
	if fci.FCP != nil && len(fci.FCP.DFName) > 0 {
		return fci.FCP.DFName
	}
	if fci.FMD != nil {
		return fci.FMD.ApplicationIdentifier
	}
	return nil
}

// ApplicationLabel returns tag '50' of the FMD.
func (fci *FileControlInfo) ApplicationLabel() []byte {
	if fci.FMD == nil {
		return nil
	}
	return fci.FMD.ApplicationLabel
}

// FileSize returns the size announced by tag '80', or '81' when '80' is absent.
func (fci *FileControlInfo) FileSize() (int, bool) {
	if fci.FCP == nil {
		return 0, false
	}
	for _, b := range [][]byte{fci.FCP.DataSize, fci.FCP.TotalFileSize} {
		if len(b) == 0 || len(b) > 4 {
			continue
		}
		n := 0
		for _, c := range b {
			n = n<<8 | int(c)
		}
		return n, true
	}
	return 0, false
}

// ParseSelectData decodes the data field of a SELECT response issued with p2.
// It returns nil for an empty field.
func ParseSelectData(data []byte, p2 byte) (*FileControlInfo, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] >= 0xC0 {
		return &FileControlInfo{ProprietaryRawData: data}, nil
	}

	packets, err := bertlv.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding select response: %w", err)
	}

	fci := &FileControlInfo{}
	switch SelectionControl(p2 & 0x0C) {
	case ReturnFCP:
		fci.FCP = new(FCPTemplate)
		return fci, mandatory(packets, "62", fci.FCP)
	case ReturnFMD:
		fci.FMD = new(FMDTemplate)
		return fci, mandatory(packets, "64", fci.FMD)
	case ReturnNoData:
		return nil, nil
	}

	if p, ok := findPacket(packets, "6F"); ok {
		packets = p.TLVs
	}

	fcp, hasFCP := findPacket(packets, "62")
	fmd, hasFMD := findPacket(packets, "64")
	if hasFCP {
		fci.FCP = new(FCPTemplate)
		if err := tlv.UnmarshalFromPackets(fcp.TLVs, fci.FCP); err != nil {
			return nil, err
		}
	}
	if hasFMD {
		fci.FMD = new(FMDTemplate)
		if err := tlv.UnmarshalFromPackets(fmd.TLVs, fci.FMD); err != nil {
			return nil, err
		}
	}
	if hasFCP || hasFMD {
		return fci, nil
	}

	// Flat list: FCP objects first, the rest offered to the FMD.
	fci.FCP, fci.FMD = new(FCPTemplate), new(FMDTemplate)
	if err := tlv.UnmarshalFromPackets(packets, fci.FCP); err != nil {
		return nil, err
	}
	rest := fci.FCP.Unknown
	fci.FCP.Unknown = nil
	if err := tlv.UnmarshalFromPackets(rest, fci.FMD); err != nil {
		return nil, err
	}
	fci.Unknown, fci.FMD.Unknown = fci.FMD.Unknown, nil
	return fci, nil
}

func mandatory(packets []bertlv.TLV, tag string, v any) error {
	p, ok := findPacket(packets, tag)
	if !ok {
		return fmt.Errorf("select response: template '%s' missing", tag)
	}
	return tlv.UnmarshalFromPackets(p.TLVs, v)
}

func findPacket(packets []bertlv.TLV, tag string) (bertlv.TLV, bool) {
	for _, p := range packets {
		if strings.EqualFold(p.Tag, tag) {
			return p, true
		}
	}
	return bertlv.TLV{}, false
}
