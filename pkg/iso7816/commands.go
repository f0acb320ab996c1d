package iso7816

import "fmt"

// COMMAND TEMPLATES:
// Builders for the fixed commands used by the card readers of this module. They all
// take the Class explicitly so that the same template can be issued in plain mode
// (CLA '00') or under secure messaging (CLA '08').
//
// READ BINARY addressing (ISO 7816-4, 11.2.3):
// - P1 bit 8 = 0: P1-P2 is a 15-bit offset into the currently selected EF.
// - P1 bit 8 = 1: bits 5-1 of P1 carry a Short EF Identifier, P2 is an 8-bit offset.
//   The referenced EF becomes the current EF.
//
// READ RECORD addressing (ISO 7816-4, 11.3.3): P2 holds the SFI in bits 8-4 (0 for the
// current EF) and a RecordMode in bits 3-1 telling how P1 is interpreted.
func mustInstruction(code InsCode) Instruction {
	ins, err := NewInstruction(code)
	if err != nil {
		panic(err)
	}
	return ins
}

// GetChallenge requests n random bytes from the card (INS '84').
func GetChallenge(cla Class, n int) *CommandAPDU {
	return NewCommandAPDU(cla, mustInstruction(INS_GET_CHALLENGE), 0x00, 0x00, nil, n)
}

// ExternalAuthenticate sends the terminal cryptogram (INS '82').
// ne = 0 leaves Le out, which some national ID cards require on the first attempt.
func ExternalAuthenticate(cla Class, data []byte, ne int) *CommandAPDU {
	return NewCommandAPDU(cla, mustInstruction(INS_EXTERNAL_AUTHENTICATE), 0x00, 0x00, data, ne)
}

// MutualAuthenticate is ExternalAuthenticate with a response expected (Le = '00').
func MutualAuthenticate(cla Class, data []byte) *CommandAPDU {
	return NewCommandAPDU(cla, mustInstruction(INS_MUTUAL_AUTHENTICATE), 0x00, 0x00, data, MaxShortLe)
}

// Verify presents reference data (a PIN or a wrapped card number) for the
// reference in P2. A nil data field queries the retry counter without using a try.
func Verify(cla Class, p2 byte, data []byte) *CommandAPDU {
	return NewCommandAPDU(cla, mustInstruction(INS_VERIFY), 0x00, p2, data, 0)
}

// ReadBinary reads ne bytes at a 15-bit offset of the current EF.
func ReadBinary(cla Class, offset int, ne int) *CommandAPDU {
	p1 := byte(offset>>8) & 0x7F
	p2 := byte(offset)
	return NewCommandAPDU(cla, mustInstruction(INS_READ_BINARY), p1, p2, nil, ne)
}

// ReadBinarySFI reads ne bytes from offset 0 of the EF with the given short identifier.
func ReadBinarySFI(cla Class, sfi byte, ne int) *CommandAPDU {
	p1 := 0x80 | (sfi & 0x1F)
	return NewCommandAPDU(cla, mustInstruction(INS_READ_BINARY), p1, 0x00, nil, ne)
}

// RecordMode is the low three bits of READ RECORD P2.
type RecordMode byte

const (
	RecordFirstByID    RecordMode = 0b000
	RecordLastByID     RecordMode = 0b001
	RecordNextByID     RecordMode = 0b010
	RecordPreviousByID RecordMode = 0b011
	RecordByNumber     RecordMode = 0b100
	RecordsFromNumber  RecordMode = 0b101
	RecordsToNumber    RecordMode = 0b110
)

var recordModeNames = map[RecordMode]string{
	RecordFirstByID:    "first record with identifier P1",
	RecordLastByID:     "last record with identifier P1",
	RecordNextByID:     "next record with identifier P1",
	RecordPreviousByID: "previous record with identifier P1",
	RecordByNumber:     "record number P1",
	RecordsFromNumber:  "records from P1 to last",
	RecordsToNumber:    "records from last to P1",
}

// ByNumber reports whether P1 is a record number rather than an identifier.
func (m RecordMode) ByNumber() bool {
	return m&0b100 != 0
}

func (m RecordMode) String() string {
	if name, ok := recordModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("RecordMode(%03b)", byte(m))
}

// ReadRecords builds READ RECORD (INS 'B2') with Le = '00'.
func ReadRecords(cla Class, sfi, p1 byte, mode RecordMode) *CommandAPDU {
	p2 := sfi<<3 | byte(mode&0b111)
	return NewCommandAPDU(cla, mustInstruction(INS_READ_RECORD), p1, p2, nil, MaxShortLe)
}

// ReadRecord reads record number n of the EF with the given short identifier.
func ReadRecord(cla Class, sfi, n byte) *CommandAPDU {
	return ReadRecords(cla, sfi, n, RecordByNumber)
}

// GetUID is the PC/SC GET DATA pseudo-APDU 'FF CA 00 00 00'.
func GetUID() *CommandAPDU {
	return NewCommandAPDU(PCSCClass, mustInstruction(INS_GET_DATA), 0x00, 0x00, nil, MaxShortLe)
}

// Direct wraps payload in the PC/SC pass-through pseudo-APDU 'FF 00 00 00 Lc'.
func Direct(payload []byte) *CommandAPDU {
	return NewCommandAPDU(PCSCClass, mustInstruction(INS_PCSC_DIRECT), 0x00, 0x00, payload, 0)
}
