package iso7816

import (
	"fmt"

	"github.com/gregLibert/nfc-bridge/pkg/bits"
)

// InsCode is the INS byte of a command. In the interindustry class an odd
// INS announces a BER-TLV data field (READ BINARY B0, its BER form B1).
// '6X' and '9X' are not instructions: a card reads them as procedure bytes.
type InsCode byte

// Instructions of ISO/IEC 7816-4, table 4, that the readers issue or that
// show up in traces of the supported cards.
const (
	INS_VERIFY                      InsCode = 0x20
	INS_MANAGE_SECURITY_ENVIRONMENT InsCode = 0x22
	INS_CHANGE_REFERENCE_DATA       InsCode = 0x24
	INS_PERFORM_SECURITY_OPERATION  InsCode = 0x2A
	INS_RESET_RETRY_COUNTER         InsCode = 0x2C
	INS_EXTERNAL_AUTHENTICATE       InsCode = 0x82
	INS_GET_CHALLENGE               InsCode = 0x84
	INS_GENERAL_AUTHENTICATE        InsCode = 0x86
	INS_INTERNAL_AUTHENTICATE       InsCode = 0x88
	INS_SELECT                      InsCode = 0xA4
	INS_READ_BINARY                 InsCode = 0xB0
	INS_READ_BINARY_BER             InsCode = 0xB1
	INS_READ_RECORD                 InsCode = 0xB2
	INS_GET_RESPONSE                InsCode = 0xC0
	INS_ENVELOPE                    InsCode = 0xC2
	INS_GET_DATA                    InsCode = 0xCA
	INS_UPDATE_BINARY               InsCode = 0xD6
	INS_PUT_DATA                    InsCode = 0xDA

	// INS_MUTUAL_AUTHENTICATE shares its code with EXTERNAL AUTHENTICATE; the
	// data field carries both challenges.
	INS_MUTUAL_AUTHENTICATE = INS_EXTERNAL_AUTHENTICATE

	// INS_PCSC_DIRECT is the INS of the PC/SC pseudo-APDU 'FF 00 00 00' that
	// passes its data field straight to the contactless card.
	INS_PCSC_DIRECT InsCode = 0x00
)

var commandNames = map[InsCode]string{
	INS_PCSC_DIRECT:                 "DIRECT TRANSMIT",
	INS_VERIFY:                      "VERIFY",
	INS_MANAGE_SECURITY_ENVIRONMENT: "MANAGE SECURITY ENVIRONMENT",
	INS_CHANGE_REFERENCE_DATA:       "CHANGE REFERENCE DATA",
	INS_PERFORM_SECURITY_OPERATION:  "PERFORM SECURITY OPERATION",
	INS_RESET_RETRY_COUNTER:         "RESET RETRY COUNTER",
	INS_EXTERNAL_AUTHENTICATE:       "EXTERNAL AUTHENTICATE",
	INS_GET_CHALLENGE:               "GET CHALLENGE",
	INS_GENERAL_AUTHENTICATE:        "GENERAL AUTHENTICATE",
	INS_INTERNAL_AUTHENTICATE:       "INTERNAL AUTHENTICATE",
	INS_SELECT:                      "SELECT",
	INS_READ_BINARY:                 "READ BINARY",
	INS_READ_BINARY_BER:             "READ BINARY",
	INS_READ_RECORD:                 "READ RECORD",
	INS_GET_RESPONSE:                "GET RESPONSE",
	INS_ENVELOPE:                    "ENVELOPE",
	INS_GET_DATA:                    "GET DATA",
	INS_UPDATE_BINARY:               "UPDATE BINARY",
	INS_PUT_DATA:                    "PUT DATA",
}

// String returns the command name, "INS XX" for an unlisted code.
func (i InsCode) String() string {
	if name, ok := commandNames[i]; ok {
		return name
	}
	return fmt.Sprintf("INS %02X", byte(i))
}

// Instruction is a validated INS byte.
type Instruction struct {
	Raw      InsCode
	IsBERTLV bool
}

func NewInstruction(ins InsCode) (Instruction, error) {
	if high := bits.High(byte(ins)); high == 0x6 || high == 0x9 {
		return Instruction{}, fmt.Errorf("invalid INS %02X: 6X and 9X are procedure bytes", byte(ins))
	}
	return Instruction{Raw: ins, IsBERTLV: bits.IsSet(byte(ins), 1)}, nil
}
