package iso7816

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gregLibert/nfc-bridge/pkg/tlv"
)

// Human-readable reports of a trace, printed by the inspect mode of the bridge.
// Every report lists the physical steps of the trace, then the decoded outcome.

var errNoData = errors.New("no response data")

func expect(t Trace, ins InsCode) error {
	first := t.First()
	if first == nil {
		return errors.New("empty trace")
	}
	if got := first.Command.Instruction.Raw; got != ins {
		return fmt.Errorf("trace starts with %s, want %s", got, ins)
	}
	return nil
}

// statusLine renders a status word as "[SW1 SW2] [mark] description".
func statusLine(resp *ResponseAPDU) string {
	if resp == nil {
		return "[-- --] [!!] no response"
	}
	sw := resp.Status
	mark, desc := "[OK]", "SW_NO_ERROR"
	switch {
	case sw.SW1() == 0x61:
		desc = fmt.Sprintf("%d bytes still available", sw.SW2())
	case sw.SW1() == 0x6C:
		mark, desc = "[!!]", fmt.Sprintf("wrong length, Le should be %d", sw.SW2())
	case sw == SW_NO_ERROR:
	case sw.IsWarning():
		mark, desc = "[??]", sw.Verbose()
	default:
		mark, desc = "[!!]", sw.Verbose()
	}
	return fmt.Sprintf("[%02X %02X] %s %s", sw.SW1(), sw.SW2(), mark, desc)
}

func writeSteps(sb *strings.Builder, t Trace) {
	for i, tx := range t {
		name := tx.Command.Instruction.Raw.String()
		if i > 0 && tx.Command.Instruction.Raw == t[0].Command.Instruction.Raw {
			name = fmt.Sprintf("%s again with Le=%d", name, tx.Command.Ne)
		}
		fmt.Fprintf(sb, "[%d] %s -> %s\n", i+1, name, statusLine(tx.Response))
		if tx.Response != nil && len(tx.Response.Data) > 0 {
			fmt.Fprintf(sb, "    + Data:    %d bytes\n", len(tx.Response.Data))
		}
	}
}

// SelectResult is the trace of a SELECT command.
type SelectResult struct {
	Trace
}

// NewSelectResult checks that t starts with a SELECT.
func NewSelectResult(t Trace) (*SelectResult, error) {
	if err := expect(t, INS_SELECT); err != nil {
		return nil, err
	}
	return &SelectResult{Trace: t}, nil
}

// FCI decodes the final response according to the P2 of the SELECT.
func (r *SelectResult) FCI() (*FileControlInfo, error) {
	if !r.IsSuccess() {
		return nil, fmt.Errorf("selection failed: %s", statusLine(r.Last().Response))
	}
	if len(r.Data()) == 0 {
		return nil, errNoData
	}
	return ParseSelectData(r.Data(), r.First().Command.P2)
}

func (r *SelectResult) Describe() string {
	var sb strings.Builder
	cmd := r.First().Command

	sb.WriteString("=== SELECT ===\n")
	fmt.Fprintf(&sb, "    + Method:  %02X -> %s\n", cmd.P1, SelectionMethod(cmd.P1))
	fmt.Fprintf(&sb, "    + Control: %02X -> %s | %s\n", cmd.P2, FileOccurrence(cmd.P2&0x03), SelectionControl(cmd.P2&0x0C))
	if len(cmd.Data) > 0 {
		fmt.Fprintf(&sb, "    + Target:  %X (%q)\n", cmd.Data, tlv.MakeSafeASCII(cmd.Data))
	}
	writeSteps(&sb, r.Trace)

	sb.WriteString("[=] Outcome\n")
	fci, err := r.FCI()
	switch {
	case errors.Is(err, errNoData):
		sb.WriteString("    - No data returned\n")
	case err != nil:
		fmt.Fprintf(&sb, "    - %v\n", err)
	case fci == nil:
		sb.WriteString("    - No data requested\n")
	default:
		writeFCI(&sb, fci)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func writeFCI(sb *strings.Builder, fci *FileControlInfo) {
	var parts []string
	if fci.FCP != nil {
		parts = append(parts, "FCP")
	}
	if fci.FMD != nil {
		parts = append(parts, "FMD")
	}
	if len(fci.ProprietaryRawData) > 0 {
		parts = append(parts, "proprietary")
	}
	fmt.Fprintf(sb, "    - Structure: %s\n", strings.Join(parts, " + "))
	if n, ok := fci.FileSize(); ok {
		fmt.Fprintf(sb, "    - File size: %d bytes\n", n)
	}

	var fields strings.Builder
	tlv.WriteStructFields(&fields, "FCP", fci.FCP)
	tlv.WriteStructFields(&fields, "FMD", fci.FMD)
	if fields.Len() > 0 {
		sb.WriteString(fields.String())
		sb.WriteByte('\n')
	}
	for _, p := range fci.Unknown {
		fmt.Fprintf(sb, "    - Unknown Tag %s: %X\n", p.Tag, p.Value)
	}
	if len(fci.ProprietaryRawData) > 0 {
		fmt.Fprintf(sb, "    - Proprietary: %X\n", fci.ProprietaryRawData)
	}
}

// ReadRecordResult is the trace of a READ RECORD command.
type ReadRecordResult struct {
	Trace
}

// NewReadRecordResult checks that t starts with a READ RECORD.
func NewReadRecordResult(t Trace) (*ReadRecordResult, error) {
	if err := expect(t, INS_READ_RECORD); err != nil {
		return nil, err
	}
	return &ReadRecordResult{Trace: t}, nil
}

// Record returns the record read, nil when the command failed.
func (r *ReadRecordResult) Record() []byte {
	if !r.IsSuccess() {
		return nil
	}
	return r.Data()
}

func (r *ReadRecordResult) Describe() string {
	var sb strings.Builder
	cmd := r.First().Command
	sfi, mode := cmd.P2>>3, RecordMode(cmd.P2&0x07)

	sb.WriteString("=== READ RECORD ===\n")
	if sfi == 0 {
		sb.WriteString("    + File:    current EF\n")
	} else {
		fmt.Fprintf(&sb, "    + File:    SFI %02X (%d)\n", sfi, sfi)
	}
	fmt.Fprintf(&sb, "    + Mode:    %03b -> %s\n", byte(mode), mode)
	switch {
	case !mode.ByNumber():
		fmt.Fprintf(&sb, "    + P1:      %02X -> record identifier\n", cmd.P1)
	case cmd.P1 == 0:
		sb.WriteString("    + P1:      00 -> current record\n")
	default:
		fmt.Fprintf(&sb, "    + P1:      %02X -> record %d\n", cmd.P1, cmd.P1)
	}
	writeSteps(&sb, r.Trace)

	sb.WriteString("[=] Outcome\n")
	if rec := r.Record(); len(rec) > 0 {
		fmt.Fprintf(&sb, "    + Length: %d bytes\n", len(rec))
		fmt.Fprintf(&sb, "    + Dump:   %X\n", rec)
		fmt.Fprintf(&sb, "    + ASCII:  %q\n", tlv.MakeSafeASCII(rec))
	} else {
		sb.WriteString("    - No record\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
