package iso7816

import "fmt"

// CLA byte layout (ISO/IEC 7816-4, 5.4.1):
//
//	000c sscc  first interindustry: b5 chaining, b4-b3 secure messaging, b2-b1 channel 0-3
//	01sc cccc  further interindustry: b6 secure messaging, b5 chaining, b4-b1 channel minus 4
//	1xxx xxxx  proprietary

// SecureMessaging is the secure messaging indication of the CLA byte.
type SecureMessaging int

const (
	SMNone SecureMessaging = iota
	// SMProprietary exists in the first interindustry range only.
	SMProprietary
	// SMHeaderNoProc is ISO secure messaging, command header not processed.
	SMHeaderNoProc
	// SMHeaderAuth is ISO secure messaging with an authenticated header. First
	// interindustry range only.
	SMHeaderAuth
)

func (sm SecureMessaging) String() string {
	switch sm {
	case SMNone:
		return "none"
	case SMProprietary:
		return "proprietary"
	case SMHeaderNoProc:
		return "ISO, header not processed"
	case SMHeaderAuth:
		return "ISO, header authenticated"
	}
	return fmt.Sprintf("SecureMessaging(%d)", int(sm))
}

// Class is a decoded CLA byte. Raw is authoritative for proprietary classes.
type Class struct {
	Raw             byte
	IsProprietary   bool
	IsChained       bool
	SecureMessaging SecureMessaging
	Channel         uint8
}

// Classes used by the card readers of this module.
var (
	// ClassPlain is CLA '00'.
	ClassPlain = Class{Raw: 0x00}

	// ClassSM is CLA '08', used for the secure messaging of the residence card
	// and of eMRTD chips.
	ClassSM = Class{Raw: 0x08, SecureMessaging: SMHeaderNoProc}

	// PCSCClass is CLA 'FF' for reader pseudo-APDUs. Encode returns it as is.
	PCSCClass = Class{Raw: 0xFF, IsProprietary: true}
)

// NewClass decodes cla. 'FF' is rejected.
func NewClass(cla byte) (Class, error) {
	if cla == 0xFF {
		return Class{}, fmt.Errorf("invalid CLA FF")
	}
	c := Class{Raw: cla}
	if cla&0x80 != 0 {
		c.IsProprietary = true
		return c, nil
	}

	c.IsChained = cla&0x10 != 0
	if cla&0x40 == 0 {
		c.SecureMessaging = SecureMessaging((cla >> 2) & 0x03)
		c.Channel = cla & 0x03
		return c, nil
	}
	if cla&0x20 != 0 {
		c.SecureMessaging = SMHeaderNoProc
	}
	c.Channel = cla&0x0F + 4
	return c, nil
}

// NewInterindustryClass builds the class for a logical channel, picking the
// first interindustry range for channels 0 to 3 and the further one above.
func NewInterindustryClass(chained bool, sm SecureMessaging, channel uint8) (Class, error) {
	c := Class{IsChained: chained, SecureMessaging: sm, Channel: channel}
	raw, err := c.Encode()
	if err != nil {
		return Class{}, err
	}
	c.Raw = raw
	return c, nil
}

// Encode returns the CLA byte of c.
func (c *Class) Encode() (byte, error) {
	if c.IsProprietary {
		return c.Raw, nil
	}
	if c.Channel > 19 {
		return 0, fmt.Errorf("logical channel %d out of range", c.Channel)
	}

	var b byte
	if c.IsChained {
		b |= 0x10
	}
	if c.Channel < 4 {
		return b | byte(c.SecureMessaging&0x03)<<2 | c.Channel, nil
	}

	switch c.SecureMessaging {
	case SMNone:
	case SMHeaderNoProc:
		b |= 0x20
	default:
		return 0, fmt.Errorf("secure messaging %q unavailable on channel %d", c.SecureMessaging, c.Channel)
	}
	return 0x40 | b | (c.Channel - 4), nil
}

func (c Class) String() string {
	if c.IsProprietary {
		return fmt.Sprintf("CLA %02X (proprietary)", c.Raw)
	}
	chained := ""
	if c.IsChained {
		chained = ", chained"
	}
	return fmt.Sprintf("CLA %02X (channel %d, SM %s%s)", c.Raw, c.Channel, c.SecureMessaging, chained)
}
