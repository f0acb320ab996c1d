package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/gregLibert/nfc-bridge/pkg/bac"
	"github.com/gregLibert/nfc-bridge/pkg/card"
	"github.com/gregLibert/nfc-bridge/pkg/emv"
	"github.com/gregLibert/nfc-bridge/pkg/iso7816"
	"github.com/gregLibert/nfc-bridge/pkg/mynumber"
	"github.com/gregLibert/nfc-bridge/pkg/zairyu"
)

// maxInspectRecords bounds the directory walk of -inspect.
const maxInspectRecords = 30

type probe struct {
	name string
	cmd  *iso7816.CommandAPDU
}

// runInspect selects every application the bridge knows on the card present
// and prints a report of each exchange. A payment directory found on the way is
// walked record by record.
func runInspect(ctx context.Context, p card.Provider, logger *slog.Logger) int {
	r, err := p.Reader()
	if err != nil {
		logger.Error("no reader", "err", err)
		return 1
	}
	sess, err := r.Connect()
	if err != nil {
		logger.Error("no card", "reader", r.Name(), "err", err)
		return 1
	}
	defer func() {
		if err := sess.Disconnect(); err != nil {
			logger.Warn("card disconnect failed", "err", err)
		}
	}()

	fmt.Printf(">> Reader: %s\n>> ATR:    % X\n", r.Name(), sess.ATR())
	client := &iso7816.Client{Card: sess, Logger: logger}

	probes := []probe{
		{"My Number JPKI", iso7816.SelectByAID(iso7816.ClassPlain, mynumber.AIDJPKI)},
		{"My Number profile", iso7816.SelectByAID(iso7816.ClassPlain, mynumber.AIDProfile)},
		{"Master File", iso7816.SelectMF(iso7816.ClassPlain)},
		{"Residence card DF1", iso7816.SelectByAID(iso7816.ClassPlain, zairyu.AIDDF1)},
		{"eMRTD", iso7816.SelectByAID(iso7816.ClassPlain, bac.AIDMRTD)},
		{"PPSE", iso7816.SelectByAID(iso7816.ClassPlain, emv.PPSE)},
		{"PSE", iso7816.SelectByAID(iso7816.ClassPlain, emv.PSE)},
	}

	var sfi byte
	for _, pr := range probes {
		fmt.Printf("\n------------------------------------------------------------\n")
		fmt.Printf(" %s\n", pr.name)
		fmt.Printf("------------------------------------------------------------\n")

		trace, err := client.SendContext(ctx, pr.cmd)
		if err != nil {
			logger.Error("transmission failed", "probe", pr.name, "err", err)
			return 1
		}
		res, err := iso7816.NewSelectResult(trace)
		if err != nil {
			logger.Error("unexpected trace", "probe", pr.name, "err", err)
			return 1
		}
		fmt.Println(res.Describe())

		if !res.IsSuccess() {
			continue
		}
		if fci, err := emv.ParseFCI(res.Data()); err == nil && fci.DFName != nil {
			fmt.Println(fci.Describe())
			if len(fci.ProprietaryTemplate.SFI) == 1 {
				sfi = fci.ProprietaryTemplate.SFI[0]
			}
		}
	}

	if sfi == 0 {
		fmt.Println("\n>> No payment directory file.")
		return 0
	}
	return walkDirectory(ctx, client, sfi, logger)
}

func walkDirectory(ctx context.Context, client *iso7816.Client, sfi byte, logger *slog.Logger) int {
	fmt.Printf("\n>> Directory file SFI %d\n", sfi)

	for rec := byte(1); rec <= maxInspectRecords; rec++ {
		trace, err := client.SendContext(ctx, iso7816.ReadRecord(iso7816.ClassPlain, sfi, rec))
		if err != nil {
			logger.Error("transmission failed", "record", rec, "err", err)
			return 1
		}
		res, err := iso7816.NewReadRecordResult(trace)
		if err != nil {
			logger.Error("unexpected trace", "record", rec, "err", err)
			return 1
		}
		fmt.Println(res.Describe())
		data := res.Record()
		if data == nil {
			break
		}

		record, err := emv.ParseDirectoryRecord(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "   (!) record %d: %v\n", rec, err)
			continue
		}
		fmt.Println(record.Describe())
	}
	return 0
}
