package emv

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gregLibert/nfc-bridge/pkg/card"
	"github.com/gregLibert/nfc-bridge/pkg/card/cardtest"
	"github.com/gregLibert/nfc-bridge/pkg/iso7816"
	"github.com/gregLibert/nfc-bridge/pkg/tlv"
)

const (
	selectPPSE       = "00 A4 04 00 0E 325041592E5359532E4444463031"
	selectPSE        = "00 A4 04 00 0E 315041592E5359532E4444463031"
	selectMastercard = "00 A4 04 00 07 A0000000041010"
	selectVisa       = "00 A4 04 00 07 A0000000031010"
	selectAmex       = "00 A4 04 00 06 A00000002501"
	selectJCB        = "00 A4 04 00 07 A0000000651010"
	notFound         = "6A 82"
)

func TestDiscover(t *testing.T) {
	tests := []struct {
		name   string
		script []cardtest.Exchange
		want   *Application
	}{
		{
			name: "PPSE directory",
			script: []cardtest.Exchange{
				cardtest.X(selectPPSE, "6F 23"+
					" 84 0E 325041592E5359532E4444463031"+
					" A5 11 BF0C 0E 61 0C"+
					" 4F 07 A0000000041010 87 01 01"+
					" 90 00"),
				cardtest.X(selectMastercard, "6F 1A 84 07 A0000000041010 A5 0F 50 0A 4D617374657243617264 87 01 01 90 00"),
			},
			want: &Application{
				AID:   tlv.Hex("A0000000041010"),
				Label: "MasterCard",
				Brand: "Mastercard",
			},
		},
		{
			name: "PSE records",
			script: []cardtest.Exchange{
				cardtest.X(selectPPSE, notFound),
				cardtest.X(selectPSE, "6F 15 84 0E 315041592E5359532E4444463031 A5 03 88 01 01 90 00"),
				cardtest.X("00 B2 01 0C 00", "70 11 61 0F 4F 07 A0000000031010 50 04 56495341 90 00"),
				cardtest.X("00 B2 02 0C 00", "6A 83"),
				cardtest.X(selectVisa, "90 00"),
			},
			want: &Application{
				AID:   tlv.Hex("A0000000031010"),
				Brand: "Visa",
			},
		},
		{
			name: "brand probing",
			script: []cardtest.Exchange{
				cardtest.X(selectPPSE, notFound),
				cardtest.X(selectPSE, notFound),
				cardtest.X(selectMastercard, notFound),
				cardtest.X(selectVisa, notFound),
				cardtest.X(selectAmex, "6F 0F 84 06 A00000002501 A5 05 50 03 414D58 90 00"),
			},
			want: &Application{
				AID:   tlv.Hex("A00000002501"),
				Label: "AMX",
				Brand: "American Express",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := cardtest.NewSession(t, tt.script...)
			got, err := Discover(context.Background(), iso7816.NewClient(sess), nil)
			if err != nil {
				t.Fatalf("Discover() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Discover() mismatch (-want +got):\n%s", diff)
			}
			sess.AssertDone()
		})
	}
}

func TestDiscover_NoApplication(t *testing.T) {
	sess := cardtest.NewSession(t,
		cardtest.X(selectPPSE, notFound),
		cardtest.X(selectPSE, notFound),
		cardtest.X(selectMastercard, notFound),
		cardtest.X(selectVisa, notFound),
		cardtest.X(selectAmex, notFound),
		cardtest.X(selectJCB, notFound),
	)
	_, err := Discover(context.Background(), iso7816.NewClient(sess), nil)
	if !errors.Is(err, ErrNoApplication) {
		t.Errorf("expected ErrNoApplication, got %v", err)
	}
	sess.AssertDone()
}

func TestDiscover_TransportError(t *testing.T) {
	sess := cardtest.NewSession(t, cardtest.Exchange{Command: tlv.Hex(selectPPSE), Err: card.ErrCardRemoved})
	_, err := Discover(context.Background(), iso7816.NewClient(sess), nil)
	if !errors.Is(err, card.ErrCardRemoved) {
		t.Errorf("expected ErrCardRemoved, got %v", err)
	}
}

func TestBrandOf(t *testing.T) {
	tests := []struct {
		aid  string
		want string
	}{
		{"A0000000041010", "Mastercard"},
		{"A0000000043060", "Mastercard"},
		{"A0000000032010", "Visa"},
		{"A000000025010801", "American Express"},
		{"A0000000651010", "JCB"},
		{"A0000002471001", ""},
		{"A000", ""},
	}
	for _, tt := range tests {
		t.Run(tt.aid, func(t *testing.T) {
			if got := BrandOf(tlv.Hex(tt.aid)); got != tt.want {
				t.Errorf("BrandOf(%s) = %q, want %q", tt.aid, got, tt.want)
			}
		})
	}
}
