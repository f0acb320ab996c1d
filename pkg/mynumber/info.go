package mynumber

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gregLibert/nfc-bridge/pkg/iso7816"
)

// MaxCertificate bounds the certificate reads.
const MaxCertificate = 2048

// oidCommonName is the DER encoding of OID 2.5.4.3.
var oidCommonName = []byte{0x06, 0x03, 0x55, 0x04, 0x03}

// CardInfo is what the card releases without a PIN.
type CardInfo struct {
	CardInfoAvailable bool   `json:"card_info_available"`
	Serial            string `json:"card_serial,omitempty"`
	Expiry            string `json:"card_expiry,omitempty"`

	JPKIAuthAvailable bool   `json:"jpki_auth_available"`
	AuthPINRetries    int    `json:"auth_pin_remaining_tries"`
	AuthPINStatus     string `json:"auth_pin_status,omitempty"`
	AuthPINWarning    string `json:"auth_pin_warning,omitempty"`
	AuthCertAvailable bool   `json:"certificate_available"`
	AuthCertSize      int    `json:"certificate_size,omitempty"`
	AuthCertCN        string `json:"certificate_cn,omitempty"`
	AuthCertPreview   string `json:"auth_cert_preview,omitempty"`
	CACertAvailable   bool   `json:"ca_cert_available"`
	CACertSize        int    `json:"ca_cert_size,omitempty"`

	JPKISignAvailable bool   `json:"jpki_sign_available"`
	SignPINRetries    int    `json:"sign_pin_remaining_tries"`
	SignPINStatus     string `json:"sign_pin_status,omitempty"`
	SignPINWarning    string `json:"sign_pin_warning,omitempty"`
}

// ReadCardInfo collects the free-access information of the card info and JPKI
// applications. Applications or files the card refuses are skipped; only
// transport errors are returned.
func (c *Card) ReadCardInfo(ctx context.Context) (*CardInfo, error) {
	info := &CardInfo{AuthPINRetries: -1, SignPINRetries: -1}

	err := c.selectApp(ctx, AIDCardInfo)
	if err == nil {
		info.CardInfoAvailable = true
		if data, err := c.read(ctx, EFSerial, 20); err == nil {
			info.Serial = strings.ToUpper(hex.EncodeToString(data))
		} else if !refused(err) {
			return info, err
		}
		if data, err := c.read(ctx, EFExpiry, 8); err == nil {
			info.Expiry = strings.TrimSpace(string(data))
		} else if !refused(err) {
			return info, err
		}
	} else if !refused(err) {
		return info, err
	}

	if err := c.readJPKIAuth(ctx, info); err != nil {
		return info, err
	}

	err = c.selectApp(ctx, AIDJPKISign)
	if err == nil {
		info.JPKISignAvailable = true
		if err := c.selectEF(ctx, EFSignPIN); err == nil {
			if info.SignPINRetries, info.SignPINStatus, err = c.PINStatus(ctx); err != nil {
				return info, err
			}
			if info.SignPINRetries == 0 {
				info.SignPINWarning = "LOCKED"
			}
		} else if !refused(err) {
			return info, err
		}
	} else if !refused(err) {
		return info, err
	}
	return info, nil
}

func (c *Card) readJPKIAuth(ctx context.Context, info *CardInfo) error {
	if err := c.selectApp(ctx, AIDJPKI); err != nil {
		if refused(err) {
			return nil
		}
		return err
	}
	info.JPKIAuthAvailable = true

	if err := c.selectEF(ctx, EFAuthPIN); err == nil {
		if info.AuthPINRetries, info.AuthPINStatus, err = c.PINStatus(ctx); err != nil {
			return err
		}
		switch {
		case info.AuthPINRetries == 0:
			info.AuthPINWarning = "LOCKED - Visit city hall to reset"
		case info.AuthPINRetries > 0 && info.AuthPINRetries <= 2:
			info.AuthPINWarning = fmt.Sprintf("Only %d tries left!", info.AuthPINRetries)
		}
	} else if !refused(err) {
		return err
	}

	cert, err := c.readLong(ctx, EFAuthCert)
	if err != nil {
		return err
	}
	if len(cert) > 0 {
		info.AuthCertAvailable = true
		info.AuthCertSize = len(cert)
		info.AuthCertCN = CertificateCN(cert)
		info.AuthCertPreview = strings.ToUpper(hex.EncodeToString(cert[:min(32, len(cert))]))
	}

	ca, err := c.readLong(ctx, EFAuthCACert)
	if err != nil {
		return err
	}
	info.CACertAvailable = len(ca) > 0
	info.CACertSize = len(ca)
	return nil
}

// readLong selects fid and reads up to MaxCertificate bytes. A refused file reads
// as empty.
func (c *Card) readLong(ctx context.Context, fid []byte) ([]byte, error) {
	if err := c.selectEF(ctx, fid); err != nil {
		if refused(err) {
			return nil, nil
		}
		return nil, err
	}
	data, err := iso7816.ReadBinaryChunked(ctx, c.Client, iso7816.ClassPlain, 0, MaxCertificate)
	if err != nil && refused(err) {
		return nil, nil
	}
	return data, err
}

func refused(err error) bool {
	_, ok := iso7816.StatusOf(err)
	return ok
}

// CertificateCN returns the subject common name of a DER certificate. Files are
// padded past the end of the certificate, so the DER length is honoured first.
// When x509 parsing fails the first common name attribute found is used.
func CertificateCN(der []byte) string {
	if cert, err := x509.ParseCertificate(trimDER(der)); err == nil && cert.Subject.CommonName != "" {
		return cert.Subject.CommonName
	}

	i := bytes.Index(der, oidCommonName)
	if i < 0 {
		return ""
	}
	pos := i + len(oidCommonName) + 1 // skip the string type
	if pos >= len(der) {
		return ""
	}
	l := int(der[pos])
	pos++
	if l >= 0x80 || pos+l > len(der) {
		return ""
	}
	return strings.ToValidUTF8(string(der[pos : pos+l]), string(utf8.RuneError))
}

// trimDER cuts data to the length announced by its outer SEQUENCE.
func trimDER(data []byte) []byte {
	if len(data) < 2 || data[0] != 0x30 {
		return data
	}
	l, hdr := int(data[1]), 2
	if l&0x80 != 0 {
		n := l & 0x7F
		if n == 0 || n > 3 || len(data) < 2+n {
			return data
		}
		l = 0
		for _, b := range data[2 : 2+n] {
			l = l<<8 | int(b)
		}
		hdr += n
	}
	if hdr+l > len(data) {
		return data
	}
	return data[:hdr+l]
}
