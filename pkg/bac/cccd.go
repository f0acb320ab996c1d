package bac

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/gregLibert/nfc-bridge/pkg/card"
	"github.com/gregLibert/nfc-bridge/pkg/iso7816"
	"github.com/gregLibert/nfc-bridge/pkg/tlv"
)

// LDS1 elementary files read after authentication.
var (
	FileCOM  = []byte{0x01, 0x1E}
	FileDG1  = []byte{0x01, 0x01}
	FileDG11 = []byte{0x01, 0x0B}
)

// CardTypeCCCD is the label reported for a chip that accepted the eMRTD application.
const CardTypeCCCD = "CCCD (ICAO 9303)"

// Params are the MRZ fields printed on the card.
type Params struct {
	DocumentNumber string
	BirthDate      string
	ExpiryDate     string
}

// Result is what a CCCD read produces.
type Result struct {
	UID                string `json:"uid,omitempty"`
	ATR                string `json:"atr,omitempty"`
	DocumentNumber     string `json:"card_number_input,omitempty"`
	AppSelected        bool   `json:"app_selected"`
	CardType           string `json:"card_type,omitempty"`
	ChallengeReceived  bool   `json:"challenge_received"`
	Authenticated      bool   `json:"authenticated"`
	SessionEstablished bool   `json:"session_established"`
	COMHeader          string `json:"ef_com_header,omitempty"`
	DG1Selected        bool   `json:"dg1_selected"`
	DG1Raw             string `json:"dg1_raw,omitempty"`
	MRZ                string `json:"mrz,omitempty"`
	DG1Note            string `json:"dg1_note,omitempty"`
	DG11Available      bool   `json:"dg11_available"`
}

// Reader reads a CCCD over one card session.
type Reader struct {
	Rand   io.Reader
	Logger *slog.Logger
}

func (r *Reader) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Read authenticates with BAC and collects what the chip releases. The
// partially filled result is returned with the error when authentication fails.
func (r *Reader) Read(ctx context.Context, sess card.Session, p Params) (*Result, error) {
	client := &iso7816.Client{Card: sess, Logger: r.Logger}
	res := &Result{
		ATR:            strings.ToUpper(hex.EncodeToString(sess.ATR())),
		DocumentNumber: card.Mask(p.DocumentNumber, 4, 2),
	}

	resp, err := client.Exchange(ctx, iso7816.GetUID())
	if err != nil {
		return res, err
	}
	if resp.Status.IsSuccess() {
		res.UID = strings.ToUpper(hex.EncodeToString(resp.Data))
	}

	auth := &Authenticator{Client: client, Rand: r.Rand, Logger: r.Logger}
	keys, err := auth.Authenticate(ctx, p.DocumentNumber, p.BirthDate, p.ExpiryDate)
	res.AppSelected = auth.State() >= card.ChallengeReceived || isPastSelect(err)
	res.ChallengeReceived = auth.State() >= card.ChallengeReceived
	if res.AppSelected {
		res.CardType = CardTypeCCCD
	}
	if err != nil {
		return res, err
	}
	defer keys.Zero()

	res.Authenticated = true
	res.SessionEstablished = true
	r.logger().Info("cccd authenticated", "doc", res.DocumentNumber)

	if err := r.readFiles(ctx, client, res); err != nil {
		return res, err
	}
	return res, nil
}

// isPastSelect reports whether the handshake failed after the application was selected.
func isPastSelect(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Step != StepSelect
}

func (r *Reader) readFiles(ctx context.Context, client *iso7816.Client, res *Result) error {
	resp, err := client.Exchange(ctx, iso7816.SelectEF(iso7816.ClassPlain, FileCOM))
	if err != nil {
		return err
	}
	if resp.Status.IsSuccess() {
		rb, err := client.Exchange(ctx, iso7816.ReadBinary(iso7816.ClassPlain, 0, 4))
		if err != nil {
			return err
		}
		if rb.Status.IsSuccess() {
			res.COMHeader = strings.ToUpper(hex.EncodeToString(rb.Data))
		}
	}

	resp, err = client.Exchange(ctx, iso7816.SelectEF(iso7816.ClassPlain, FileDG1))
	if err != nil {
		return err
	}
	if resp.Status.IsSuccess() {
		res.DG1Selected = true
		rb, err := client.Exchange(ctx, iso7816.ReadBinary(iso7816.ClassPlain, 0, iso7816.MaxShortLe))
		if err != nil {
			return err
		}
		switch {
		case rb.Status.IsSuccess():
			res.DG1Raw = strings.ToUpper(hex.EncodeToString(rb.Data))
			res.MRZ = ExtractMRZ(rb.Data)
		case rb.Status == iso7816.SW_ERR_SM_OBJ_INCORRECT:
			res.DG1Note = "Secure messaging required"
		default:
			r.logger().Debug("dg1 read refused", "sw", rb.Status.String())
		}
	}

	resp, err = client.Exchange(ctx, iso7816.SelectEF(iso7816.ClassPlain, FileDG11))
	if err != nil {
		return err
	}
	res.DG11Available = resp.Status == iso7816.SW_NO_ERROR
	return nil
}

// ExtractMRZ returns the MRZ text of a DG1 file ('61' template holding '5F1F').
// A raw scan for the '5F1F' tag is used when the file does not decode as BER-TLV.
func ExtractMRZ(dg1 []byte) string {
	if mrz, err := tlv.Find(dg1, 0x61, 0x5F1F); err == nil {
		return string(mrz)
	}

	i := bytes.Index(dg1, []byte{0x5F, 0x1F})
	if i < 0 || i+3 > len(dg1) {
		return ""
	}
	l, n, err := tlv.ReadLength(dg1[i+2:])
	if err != nil {
		return ""
	}
	start := i + 2 + n
	end := min(start+l, len(dg1))
	return strings.ToValidUTF8(string(dg1[start:end]), "�")
}
