package emv

import (
	"bytes"
	"context"
	"errors"
	"log/slog"

	"github.com/gregLibert/nfc-bridge/pkg/iso7816"
)

// PAYMENT APPLICATION DISCOVERY:
// A contactless card lists its payment applications in the FCI of the PPSE
// ('2PAY.SYS.DDF01'), inside the issuer discretionary data (BF0C), one '61'
// entry per application. A contact card exposes the same entries as records of
// the PSE ('1PAY.SYS.DDF01') directory file, whose SFI is given by tag '88'.
// Cards answering neither are probed with the AIDs of the major brands.

// Payment system environment names.
var (
	PPSE = []byte("2PAY.SYS.DDF01")
	PSE  = []byte("1PAY.SYS.DDF01")
)

// maxDirectoryRecords bounds the PSE record loop.
const maxDirectoryRecords = 16

// ErrNoApplication is returned when no payment application can be selected.
var ErrNoApplication = errors.New("emv: no payment application")

// Brand is a card scheme identified by its registered application provider id.
type Brand struct {
	Name string
	// AID is the scheme's main credit/debit application.
	AID []byte
}

// Brands are probed in this order when the card has no directory.
var Brands = []Brand{
	{Name: "Mastercard", AID: []byte{0xA0, 0x00, 0x00, 0x00, 0x04, 0x10, 0x10}},
	{Name: "Visa", AID: []byte{0xA0, 0x00, 0x00, 0x00, 0x03, 0x10, 0x10}},
	{Name: "American Express", AID: []byte{0xA0, 0x00, 0x00, 0x00, 0x25, 0x01}},
	{Name: "JCB", AID: []byte{0xA0, 0x00, 0x00, 0x00, 0x65, 0x10, 0x10}},
}

// BrandOf returns the scheme name of an AID, matched on its 5-byte RID.
func BrandOf(aid []byte) string {
	if len(aid) < 5 {
		return ""
	}
	for _, b := range Brands {
		if bytes.Equal(aid[:5], b.AID[:5]) {
			return b.Name
		}
	}
	return ""
}

// Application is the payment application a card accepted.
type Application struct {
	AID   []byte
	Label string
	Brand string
}

// Discover returns the first payment application the card lets us select.
// Card refusals are not errors; only transport failures are returned.
func Discover(ctx context.Context, c *iso7816.Client, logger *slog.Logger) (*Application, error) {
	if logger == nil {
		logger = slog.Default()
	}

	candidates, err := directory(ctx, c, logger)
	if err != nil {
		return nil, err
	}
	for _, b := range Brands {
		candidates = append(candidates, b.AID)
	}

	for _, aid := range candidates {
		resp, err := c.Exchange(ctx, iso7816.SelectByAID(iso7816.ClassPlain, aid))
		if err != nil {
			return nil, err
		}
		if !resp.Status.IsSuccess() {
			continue
		}

		app := &Application{AID: aid, Brand: BrandOf(aid)}
		if fci, err := ParseFCI(resp.Data); err == nil {
			logger.Debug("emv application selected", "fci", fci.Describe())
			if len(fci.DFName) > 0 {
				app.AID = fci.DFName
			}
			app.Label = string(fci.ProprietaryTemplate.ApplicationLabel)
			if app.Label == "" {
				app.Label = string(fci.ProprietaryTemplate.ApplicationPreferredName)
			}
		}
		return app, nil
	}
	return nil, ErrNoApplication
}

// directory collects the AIDs advertised by the PPSE, or else by the PSE records.
func directory(ctx context.Context, c *iso7816.Client, logger *slog.Logger) ([][]byte, error) {
	resp, err := c.Exchange(ctx, iso7816.SelectByAID(iso7816.ClassPlain, PPSE))
	if err != nil {
		return nil, err
	}
	if resp.Status.IsSuccess() {
		fci, err := ParseFCI(resp.Data)
		if err == nil && fci.ProprietaryTemplate.IssuerDiscretionaryData != nil {
			if aids := aidsOf(fci.ProprietaryTemplate.IssuerDiscretionaryData.Applications); len(aids) > 0 {
				return aids, nil
			}
		}
	}

	resp, err = c.Exchange(ctx, iso7816.SelectByAID(iso7816.ClassPlain, PSE))
	if err != nil {
		return nil, err
	}
	if !resp.Status.IsSuccess() {
		return nil, nil
	}
	fci, err := ParseFCI(resp.Data)
	if err != nil || len(fci.ProprietaryTemplate.SFI) != 1 {
		return nil, nil
	}
	sfi := fci.ProprietaryTemplate.SFI[0]

	var aids [][]byte
	for rec := 1; rec <= maxDirectoryRecords; rec++ {
		resp, err := c.Exchange(ctx, iso7816.ReadRecord(iso7816.ClassPlain, sfi, byte(rec)))
		if err != nil {
			return nil, err
		}
		// 6A83: record not found, end of the directory
		if !resp.Status.IsSuccess() {
			break
		}
		record, err := ParseDirectoryRecord(resp.Data)
		if err != nil {
			logger.Debug("emv directory record skipped", "record", rec, "err", err)
			continue
		}
		aids = append(aids, aidsOf(record.Applications)...)
	}
	return aids, nil
}

func aidsOf(apps []ApplicationTemplate) [][]byte {
	var aids [][]byte
	for _, app := range apps {
		if len(app.AID) > 0 {
			aids = append(aids, app.AID)
		}
	}
	return aids
}
