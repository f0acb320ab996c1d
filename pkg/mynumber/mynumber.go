// Package mynumber reads the Japanese My Number card (マイナンバーカード).
//
// The individual number and the basic four information (name, address, birth
// date, gender) live in the "券面入力補助" (profile) application and are released
// after the 4-digit profile PIN is verified. The JPKI applications expose their
// certificates and PIN retry counters without any PIN.
package mynumber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gregLibert/nfc-bridge/pkg/iso7816"
	"github.com/gregLibert/nfc-bridge/pkg/jptext"
)

// Applications.
var (
	AIDJPKI     = []byte{0xD3, 0x92, 0xF0, 0x00, 0x26, 0x01, 0x00, 0x00, 0x00, 0x01}
	AIDCardInfo = []byte{0xD3, 0x92, 0xF0, 0x00, 0x26, 0x01, 0x00, 0x00, 0x00, 0x02}
	AIDProfile  = []byte{0xD3, 0x92, 0x10, 0x00, 0x31, 0x00, 0x01, 0x01, 0x04, 0x08}
	AIDJPKISign = []byte{0xD3, 0x92, 0x10, 0x00, 0x31, 0x00, 0x01, 0x01, 0x01, 0x00}
)

// Elementary files.
var (
	EFProfilePIN = []byte{0x00, 0x11} // profile AP
	EFMyNumber   = []byte{0x00, 0x01} // profile AP
	EFBasicInfo  = []byte{0x00, 0x02} // profile AP
	EFSerial     = []byte{0x00, 0x06} // card info AP
	EFExpiry     = []byte{0x00, 0x11} // card info AP
	EFAuthPIN    = []byte{0x00, 0x18} // JPKI AP
	EFAuthCert   = []byte{0x00, 0x0A} // JPKI AP
	EFAuthCACert = []byte{0x00, 0x0B} // JPKI AP
	EFSignPIN    = []byte{0x00, 0x1B} // JPKI sign AP
)

// PINLength is the length of the profile PIN.
const PINLength = 4

var (
	ErrNotMyNumber = errors.New("mynumber: profile application not found")
	ErrNoPIN       = errors.New("mynumber: PIN required")
	ErrInvalidPIN  = errors.New("mynumber: PIN must be 4 digits")
	ErrWrongPIN    = errors.New("mynumber: wrong PIN")
	ErrCardLocked  = errors.New("mynumber: PIN is locked")
	ErrMalformed   = errors.New("mynumber: malformed file")
)

// PINError is returned when the card rejects a PIN. It matches ErrCardLocked
// when no try is left and ErrWrongPIN otherwise.
type PINError struct {
	Retries int
	Locked  bool
	SW      iso7816.StatusWord
}

func (e *PINError) Error() string {
	if e.Locked {
		return fmt.Sprintf("mynumber: PIN is locked (SW=%04X)", uint16(e.SW))
	}
	return fmt.Sprintf("mynumber: wrong PIN, %d tries remaining", e.Retries)
}

func (e *PINError) Is(target error) bool {
	if e.Locked {
		return target == ErrCardLocked
	}
	return target == ErrWrongPIN
}

// NormalizePIN folds full-width digits and checks the PIN format.
func NormalizePIN(pin string) (string, error) {
	p := jptext.Normalize(pin)
	if p == "" {
		return "", ErrNoPIN
	}
	if len(p) != PINLength {
		return "", ErrInvalidPIN
	}
	for i := 0; i < len(p); i++ {
		if p[i] < '0' || p[i] > '9' {
			return "", ErrInvalidPIN
		}
	}
	return p, nil
}

// pinOutcome interprets the status word of a VERIFY.
func pinOutcome(sw iso7816.StatusWord) error {
	if sw == iso7816.SW_NO_ERROR {
		return nil
	}
	if n, ok := sw.RetriesLeft(); ok {
		return &PINError{Retries: n, Locked: n == 0, SW: sw}
	}
	if sw == iso7816.SW_ERR_REF_DATA_NOT_USABLE || sw == iso7816.SW_ERR_AUTH_METHOD_BLOCKED {
		return &PINError{Locked: true, SW: sw}
	}
	return &iso7816.StatusError{Op: "verify PIN", SW: sw}
}

// Card wraps a client talking to a My Number card.
type Card struct {
	Client *iso7816.Client
	Logger *slog.Logger
}

func (c *Card) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Card) selectApp(ctx context.Context, aid []byte) error {
	resp, err := c.Client.Exchange(ctx, iso7816.SelectApplication(iso7816.ClassPlain, aid))
	if err != nil {
		return err
	}
	return iso7816.CheckStatus(fmt.Sprintf("select AP %X", aid), resp)
}

func (c *Card) selectEF(ctx context.Context, fid []byte) error {
	resp, err := c.Client.Exchange(ctx, iso7816.SelectEF(iso7816.ClassPlain, fid))
	if err != nil {
		return err
	}
	return iso7816.CheckStatus(fmt.Sprintf("select EF %X", fid), resp)
}

func (c *Card) read(ctx context.Context, fid []byte, n int) ([]byte, error) {
	if err := c.selectEF(ctx, fid); err != nil {
		return nil, err
	}
	resp, err := c.Client.Exchange(ctx, iso7816.ReadBinary(iso7816.ClassPlain, 0, n))
	if err != nil {
		return nil, err
	}
	if err := iso7816.CheckStatus(fmt.Sprintf("read EF %X", fid), resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// SelectProfile selects the profile application. A refusal matches ErrNotMyNumber.
func (c *Card) SelectProfile(ctx context.Context) error {
	err := c.selectApp(ctx, AIDProfile)
	if _, refused := iso7816.StatusOf(err); refused {
		return fmt.Errorf("%w: %w", ErrNotMyNumber, err)
	}
	return err
}

// VerifyPIN presents the profile PIN. The profile application must be selected.
// A rejection is a *PINError.
func (c *Card) VerifyPIN(ctx context.Context, pin string) error {
	if err := c.selectEF(ctx, EFProfilePIN); err != nil {
		return err
	}
	resp, err := c.Client.Exchange(ctx, iso7816.Verify(iso7816.ClassPlain, 0x80, []byte(pin)))
	if err != nil {
		return err
	}
	if err := pinOutcome(resp.Status); err != nil {
		c.logger().Warn("mynumber PIN rejected", "sw", resp.Status.String())
		return err
	}
	return nil
}

// PINStatus queries the retry counter of the PIN in the current EF without
// consuming a try. retries is -1 when the card does not report a counter.
func (c *Card) PINStatus(ctx context.Context) (retries int, status string, err error) {
	resp, err := c.Client.Exchange(ctx, iso7816.Verify(iso7816.ClassPlain, 0x80, nil))
	if err != nil {
		return -1, "", err
	}
	if n, ok := resp.Status.RetriesLeft(); ok {
		return n, "OK", nil
	}
	switch resp.Status {
	case iso7816.SW_ERR_REF_DATA_NOT_USABLE:
		return 0, "LOCKED", nil
	case iso7816.SW_NO_ERROR:
		return -1, "Already authenticated", nil
	default:
		return -1, fmt.Sprintf("Unknown status: %04X", uint16(resp.Status)), nil
	}
}

// ReadMyNumber returns the 12-digit individual number. The PIN must be verified.
func (c *Card) ReadMyNumber(ctx context.Context) (string, error) {
	data, err := c.read(ctx, EFMyNumber, 16)
	if err != nil {
		return "", err
	}
	if len(data) < 15 {
		return "", fmt.Errorf("%w: individual number file is %d bytes", ErrMalformed, len(data))
	}
	return string(data[3:15]), nil
}

// ReadBasicInfo returns the basic four information. The PIN must be verified.
func (c *Card) ReadBasicInfo(ctx context.Context) (*BasicInfo, error) {
	data, err := c.read(ctx, EFBasicInfo, iso7816.MaxShortLe)
	if err != nil {
		return nil, err
	}
	return ParseBasicInfo(data)
}
