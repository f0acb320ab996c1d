package bridge

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gregLibert/nfc-bridge/pkg/bac"
	"github.com/gregLibert/nfc-bridge/pkg/card"
	"github.com/gregLibert/nfc-bridge/pkg/emv"
	"github.com/gregLibert/nfc-bridge/pkg/iso7816"
	"github.com/gregLibert/nfc-bridge/pkg/mynumber"
	"github.com/gregLibert/nfc-bridge/pkg/zairyu"
)

// Confidence of a detection.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// pcscStorageRID marks the ATR a PC/SC part 3 reader builds for contactless
// storage cards: 3B 8F 80 01 80 4F 0C A0 00 00 03 06 SS NN NN ...
var pcscStorageRID = []byte{0xA0, 0x00, 0x00, 0x03, 0x06}

// PC/SC part 3 card names of FeliCa.
const (
	cardNameFeliCa212 = 0x003B
	cardNameFeliCa424 = 0x003C
)

// Detection is the outcome of a card type detection.
type Detection struct {
	UID        string   `json:"uid,omitempty"`
	ATR        string   `json:"atr,omitempty"`
	Reader     string   `json:"reader,omitempty"`
	CardType   CardType `json:"card_type"`
	Name       string   `json:"card_type_name"`
	NameEN     string   `json:"card_type_name_en"`
	Confidence string   `json:"confidence"`
	Brand      string   `json:"card_brand,omitempty"`
	AppLabel   string   `json:"application_label,omitempty"`
	AID        string   `json:"aid,omitempty"`
	JPKI       bool     `json:"jpki_supported,omitempty"`
	ProfileAP  bool     `json:"profile_ap_supported,omitempty"`
	MRTD       bool     `json:"mrtd_supported,omitempty"`
	Note       string   `json:"note,omitempty"`
}

func hexUpper(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// isFeliCaATR reports whether a PC/SC reader announced a FeliCa card in the ATR.
func isFeliCaATR(atr []byte) bool {
	i := bytes.Index(atr, pcscStorageRID)
	if i < 0 || len(atr) < i+len(pcscStorageRID)+3 {
		return false
	}
	name := int(atr[i+6])<<8 | int(atr[i+7])
	return name == cardNameFeliCa212 || name == cardNameFeliCa424
}

// selected sends cmd and reports whether the card accepted it. Only transport
// errors are returned.
func selected(ctx context.Context, c *iso7816.Client, cmd *iso7816.CommandAPDU) (bool, error) {
	resp, err := c.Exchange(ctx, cmd)
	if err != nil {
		return false, err
	}
	return resp.Status.IsSuccess(), nil
}

// detect probes the card with the selections of each supported type, most
// specific first.
func detect(ctx context.Context, sess card.Session, readerName string, logger *slog.Logger) (*Detection, error) {
	c := &iso7816.Client{Card: sess, Logger: logger}
	d := &Detection{Reader: readerName, ATR: hexUpper(sess.ATR())}

	resp, err := c.Exchange(ctx, iso7816.GetUID())
	if err != nil {
		return nil, err
	}
	if resp.Status.IsSuccess() {
		d.UID = hexUpper(resp.Data)
	}

	atr := sess.ATR()
	if isFeliCaATR(atr) || (len(atr) == 0 && strings.Contains(strings.ToUpper(readerName), "FELICA")) {
		d.set(CardSuica, "FeliCa (Suica/Pasmo/ICOCA)", "FeliCa (Suica/Pasmo/ICOCA)", ConfidenceHigh)
		return d, nil
	}

	ok, err := selected(ctx, c, iso7816.SelectApplication(iso7816.ClassPlain, mynumber.AIDJPKI))
	if err != nil {
		return nil, err
	}
	if ok {
		d.set(CardMyNumber, "マイナンバーカード (My Number Card)", "My Number Card", ConfidenceHigh)
		d.JPKI = true
		return d, nil
	}
	ok, err = selected(ctx, c, iso7816.SelectApplication(iso7816.ClassPlain, mynumber.AIDProfile))
	if err != nil {
		return nil, err
	}
	if ok {
		d.set(CardMyNumber, "マイナンバーカード (My Number Card)", "My Number Card", ConfidenceHigh)
		d.ProfileAP = true
		return d, nil
	}

	mf, err := selected(ctx, c, iso7816.SelectMF(iso7816.ClassPlain))
	if err != nil {
		return nil, err
	}
	if mf {
		ok, err = selected(ctx, c, iso7816.SelectApplication(iso7816.ClassPlain, zairyu.AIDDF1))
		if err != nil {
			return nil, err
		}
		if ok {
			d.set(CardZairyu, "在留カード (Residence Card)", "Residence Card", ConfidenceHigh)
			return d, nil
		}
	}

	ok, err = selected(ctx, c, iso7816.SelectApplication(iso7816.ClassPlain, bac.AIDMRTD))
	if err != nil {
		return nil, err
	}
	if ok {
		d.set(CardPassport, "e-Passport / CCCD", "e-Passport or National ID", ConfidenceHigh)
		d.MRTD = true
		return d, nil
	}

	app, err := emv.Discover(ctx, c, logger)
	switch {
	case err == nil:
		brand := app.Brand
		if brand == "" {
			brand = app.Label
		}
		d.set(CardCredit, fmt.Sprintf("クレジットカード (%s)", brand), fmt.Sprintf("Credit Card (%s)", brand), ConfidenceHigh)
		d.Brand = app.Brand
		d.AppLabel = app.Label
		d.AID = hexUpper(app.AID)
		return d, nil
	case !errors.Is(err, emv.ErrNoApplication):
		return nil, err
	}

	if mf {
		d.set(CardZairyu, "在留カード (Residence Card) - 推定", "Residence Card (estimated)", ConfidenceMedium)
		d.Note = "MF selection succeeded, likely Zairyu card"
		return d, nil
	}

	d.set(CardGeneric, "不明なNFCカード", "Unknown NFC Card", ConfidenceLow)
	return d, nil
}

func (d *Detection) set(t CardType, name, nameEN, confidence string) {
	d.CardType = t
	d.Name = name
	d.NameEN = nameEN
	d.Confidence = confidence
}

// GenericData is what a generic read collects from any card.
type GenericData struct {
	Reader        string `json:"reader,omitempty"`
	UID           string `json:"uid,omitempty"`
	UIDStatus     string `json:"uid_status,omitempty"`
	ATR           string `json:"atr,omitempty"`
	CardType      string `json:"card_type,omitempty"`
	MRTDSupported bool   `json:"mrtd_supported"`
	MRTDStatus    string `json:"mrtd_status,omitempty"`
	MasterFile    bool   `json:"master_file"`
}

func readGeneric(ctx context.Context, sess card.Session, readerName string, logger *slog.Logger) (*GenericData, error) {
	c := &iso7816.Client{Card: sess, Logger: logger}
	g := &GenericData{Reader: readerName, ATR: hexUpper(sess.ATR())}

	resp, err := c.Exchange(ctx, iso7816.GetUID())
	if err != nil {
		return nil, err
	}
	if resp.Status.IsSuccess() {
		g.UID = hexUpper(resp.Data)
	} else {
		g.UIDStatus = fmt.Sprintf("SW=%04X", uint16(resp.Status))
	}

	atr := sess.ATR()
	switch {
	case isFeliCaATR(atr):
		g.CardType = "FeliCa"
	case len(atr) > 0 && atr[0] == 0x3B:
		g.CardType = "ISO 14443 Smart Card"
	}

	resp, err = c.Exchange(ctx, iso7816.SelectApplication(iso7816.ClassPlain, bac.AIDMRTD))
	if err != nil {
		return nil, err
	}
	if resp.Status.IsSuccess() {
		g.CardType = bac.CardTypeCCCD
		g.MRTDSupported = true
	} else {
		g.MRTDStatus = fmt.Sprintf("SW=%04X", uint16(resp.Status))
	}

	g.MasterFile, err = selected(ctx, c, iso7816.SelectMF(iso7816.ClassPlain))
	if err != nil {
		return nil, err
	}
	return g, nil
}
