package emv

import (
	"fmt"
	"strings"

	"github.com/gregLibert/nfc-bridge/pkg/tlv"
	"github.com/moov-io/bertlv"
)

// EMV Book 1, 11.3 and 12.2: the FCI of a selected ADF or DDF, and the
// records of the PSE directory file.
//
//	6F FCI
//	   84 DF name
//	   A5 proprietary template
//	      50, 87, 88 (SFI of the directory), 9F38 (PDOL), ...
//	      BF0C issuer discretionary data, with the '61' entries of the PPSE
//	70 directory record
//	   61 application template
//	      4F AID, 50 label, 87 priority, 73 discretionary data

// FCI is the answer to a SELECT of a payment application or directory.
type FCI struct {
	DFName              []byte                 `tlv:"84" fmt:"ascii"`
	ProprietaryTemplate FCIProprietaryTemplate `tlv:"A5"`
}

type FCIProprietaryTemplate struct {
	ApplicationLabel             []byte `tlv:"50" fmt:"ascii"`
	ApplicationPriorityIndicator []byte `tlv:"87" fmt:"int"`
	SFI                          []byte `tlv:"88"`
	PDOL                         []byte `tlv:"9F38"`
	LanguagePreference           []byte `tlv:"5F2D" fmt:"ascii"`
	IssuerCodeTableIndex         []byte `tlv:"9F11" fmt:"int"`
	ApplicationPreferredName     []byte `tlv:"9F12" fmt:"ascii"`

	IssuerDiscretionaryData *DiscretionaryData `tlv:"BF0C"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// DiscretionaryData is the content of 'BF0C' in an FCI and of '73' in a
// directory entry.
type DiscretionaryData struct {
	IssuerCountryCodeAlpha3  []byte `tlv:"5F56" fmt:"ascii"`
	IssuerCountryCodeAlpha2  []byte `tlv:"5F55" fmt:"ascii"`
	BankIdentifierCode       []byte `tlv:"5F54" fmt:"ascii"`
	IBAN                     []byte `tlv:"5F53" fmt:"ascii"`
	IssuerURL                []byte `tlv:"5F50" fmt:"ascii"`
	IssuerIdentification     []byte `tlv:"42"`
	IssuerIdentificationExt  []byte `tlv:"9F0C"`
	LogEntry                 []byte `tlv:"9F4D"`
	SelectionRegisteredPData []byte `tlv:"9F0A"`

	// Applications lists the entries of a PPSE answer.
	Applications []ApplicationTemplate `tlv:"61"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// ApplicationTemplate is one directory entry, tag '61'.
type ApplicationTemplate struct {
	AID                          []byte `tlv:"4F"`
	ApplicationLabel             []byte `tlv:"50" fmt:"ascii"`
	ApplicationPriorityIndicator []byte `tlv:"87" fmt:"int"`
	ApplicationPreferredName     []byte `tlv:"9F12" fmt:"ascii"`
	DDFName                      []byte `tlv:"9D" fmt:"ascii"`

	Discretionary *DiscretionaryData `tlv:"73"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// DirectoryRecord is a record of the PSE directory file.
type DirectoryRecord struct {
	Applications []ApplicationTemplate `tlv:"61"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// ParseFCI decodes a SELECT answer, with or without its '6F' wrapper.
func ParseFCI(data []byte) (*FCI, error) {
	packets, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("emv: FCI: %w", err)
	}
	if strings.EqualFold(packets[0].Tag, "6F") {
		packets = packets[0].TLVs
	}

	fci := &FCI{}
	if err := tlv.UnmarshalFromPackets(packets, fci); err != nil {
		return nil, fmt.Errorf("emv: FCI: %w", err)
	}
	return fci, nil
}

// ParseDirectoryRecord decodes a READ RECORD answer of the PSE directory,
// which must be a '70' template.
func ParseDirectoryRecord(data []byte) (*DirectoryRecord, error) {
	packets, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("emv: directory record: %w", err)
	}
	if !strings.EqualFold(packets[0].Tag, "70") {
		return nil, fmt.Errorf("emv: directory record: template '70' missing, got '%s'", packets[0].Tag)
	}

	record := &DirectoryRecord{}
	if err := tlv.UnmarshalFromPackets(packets[0].TLVs, record); err != nil {
		return nil, fmt.Errorf("emv: directory record: %w", err)
	}
	return record, nil
}

func decode(data []byte) ([]bertlv.TLV, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("no data")
	}
	packets, err := bertlv.Decode(data)
	if err != nil {
		return nil, err
	}
	if len(packets) == 0 {
		return nil, fmt.Errorf("no data object")
	}
	return packets, nil
}

func (f *FCI) Describe() string {
	var sb strings.Builder
	sb.WriteString("=== EMV FCI ===")
	tlv.WriteStructFields(&sb, "FCI", f)
	tlv.WriteStructFields(&sb, "Proprietary", f.ProprietaryTemplate)
	if dd := f.ProprietaryTemplate.IssuerDiscretionaryData; dd != nil {
		tlv.WriteStructFields(&sb, "Discretionary", dd)
		describeApplications(&sb, "Discretionary", dd.Applications)
	}
	return sb.String()
}

func (r *DirectoryRecord) Describe() string {
	var sb strings.Builder
	sb.WriteString("=== EMV DIRECTORY RECORD ===")
	tlv.WriteStructFields(&sb, "Record", r)
	describeApplications(&sb, "Record", r.Applications)
	return sb.String()
}

func describeApplications(sb *strings.Builder, prefix string, apps []ApplicationTemplate) {
	for i, app := range apps {
		p := fmt.Sprintf("%s.App[%d]", prefix, i+1)
		tlv.WriteStructFields(sb, p, app)
		tlv.WriteStructFields(sb, p+".Discretionary", app.Discretionary)
	}
}
