package bridge

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregLibert/nfc-bridge/pkg/bac"
	"github.com/gregLibert/nfc-bridge/pkg/card"
	"github.com/gregLibert/nfc-bridge/pkg/felica"
	"github.com/gregLibert/nfc-bridge/pkg/mynumber"
	"github.com/gregLibert/nfc-bridge/pkg/zairyu"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code Code
		step string
	}{
		{"cancelled", fmt.Errorf("read: %w", context.Canceled), CodeCancelled, ""},
		{"deadline", context.DeadlineExceeded, CodeTimeout, ""},
		{"no reader", card.ErrNoReader, CodeNoReader, ""},
		{"no card", card.ErrNoCard, CodeNoCard, ""},
		{"felica no card", felica.ErrNoCard, CodeNoCard, ""},
		{"card removed", fmt.Errorf("transmission error: %w", card.ErrCardRemoved), CodeCardRemoved, ""},
		{"connection", card.ErrConnection, CodeConnection, ""},
		{"not my number", mynumber.ErrNotMyNumber, CodeNotMyNumber, ""},
		{"wrong card number", &zairyu.AuthError{Step: "external authenticate", Err: zairyu.ErrWrongCardNumber}, CodeWrongCardNumber, "external authenticate"},
		{"residence auth", &zairyu.AuthError{Step: "get challenge"}, CodeAuthFailed, "get challenge"},
		{"not residence card", zairyu.ErrNotZairyu, CodeNotZairyu, ""},
		{"invalid card number", zairyu.ErrInvalidCardNumber, CodeInvalidCardNumberFormat, ""},
		{"bac auth", &bac.AuthError{Step: bac.StepExternalAuth}, CodeAuthFailed, bac.StepExternalAuth},
		{"bac input", bac.ErrInvalidInput, CodeInvalidInput, ""},
		{"felica unsupported", felica.ErrUnsupported, CodeUnsupported, ""},
		{"felica no transport", felica.ErrNoTransport, CodeNoReader, ""},
		{"malformed", mynumber.ErrMalformed, CodeReadError, ""},
		{"anything else", errors.New("boom"), CodeUnknown, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Classify(tt.err)

			assert.Equal(t, tt.code, f.Code)
			assert.Equal(t, tt.step, f.Step)
			assert.NotEmpty(t, f.MessageJA)
			assert.NotEmpty(t, f.MessageEN)
			assert.Equal(t, tt.err.Error(), f.Detail)
		})
	}
}

func TestClassify_WrongPIN(t *testing.T) {
	f := Classify(&mynumber.PINError{Retries: 2})

	assert.Equal(t, CodeWrongPIN, f.Code)
	require.NotNil(t, f.RemainingTries)
	assert.Equal(t, 2, *f.RemainingTries)
	assert.Equal(t, "Wrong PIN (2 tries remaining)", f.MessageEN)
}

func TestClassify_LockedPIN(t *testing.T) {
	f := Classify(&mynumber.PINError{Locked: true})

	assert.Equal(t, CodeCardLocked, f.Code)
	require.NotNil(t, f.RemainingTries)
	assert.Zero(t, *f.RemainingTries)
}

func TestClassify_CardNumberHint(t *testing.T) {
	f := Classify(zairyu.ErrInvalidCardNumber)
	assert.Equal(t, "Example: AB12345678CD", f.Hint)
}

func TestClassify_KeepsFailure(t *testing.T) {
	orig := NewFailure(CodeNoPIN)
	assert.Same(t, orig, Classify(fmt.Errorf("scan: %w", orig)))
}

func TestCode_Messages(t *testing.T) {
	ja, en := CodeTimeout.Messages()
	assert.Equal(t, "カード読み取りがタイムアウトしました", ja)
	assert.Equal(t, "Card reading timed out", en)

	_, en = Code("NOPE").Messages()
	assert.Equal(t, "Unexpected error", en)
}

func TestIsFeliCaATR(t *testing.T) {
	tests := []struct {
		name string
		atr  []byte
		want bool
	}{
		{"felica 212", []byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x4F, 0x0C, 0xA0, 0x00, 0x00, 0x03, 0x06, 0x11, 0x00, 0x3B, 0x00, 0x00, 0x00, 0x00, 0x42}, true},
		{"mifare classic", []byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x4F, 0x0C, 0xA0, 0x00, 0x00, 0x03, 0x06, 0x03, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x6A}, false},
		{"iso 14443-4", []byte{0x3B, 0x8C, 0x80, 0x01, 0x80, 0x31, 0x80, 0x65}, false},
		{"truncated", []byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x4F, 0x0C, 0xA0, 0x00, 0x00, 0x03, 0x06, 0x11}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isFeliCaATR(tt.atr))
		})
	}
}
