package jptext

import (
	"testing"

	"github.com/gregLibert/nfc-bridge/pkg/tlv"
	"github.com/stretchr/testify/assert"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		data  []byte
		order []Encoding
		want  string
	}{
		{"ascii", []byte("AB12345678CD"), nil, "AB12345678CD"},
		{"shift_jis first", tlv.Hex("938C8B9E9373"), ZairyuOrder, "東京都"},
		{"utf-8 first", tlv.Hex("E69DB1E4BAACE983BD"), MyNumberOrder, "東京都"},
		{"utf-8 order falls back to shift_jis", tlv.Hex("8E52936391BE9859"), MyNumberOrder, "山田太郎"},
		{"euc-jp last resort", tlv.Hex("C3CBC0AD"), []Encoding{UTF8, EUCJP}, "男性"},
		{"empty", nil, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decode(tt.data, tt.order...))
		})
	}
}

func TestDecodeTrimmed(t *testing.T) {
	assert.Equal(t, "20301231", DecodeTrimmed([]byte("20301231\x00\x00  ")))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "AB12345678CD", Normalize("ＡＢ１２３４５６７８ＣＤ"))
	assert.Equal(t, "1234", Normalize("  1234 "))
	assert.Equal(t, "ab12345678cd", Normalize("ab12345678cd"))
}

func TestEncodingString(t *testing.T) {
	assert.Equal(t, "shift_jis", ShiftJIS.String())
	assert.Equal(t, "iso-2022-jp", ISO2022JP.String())
	assert.Equal(t, "unknown", Encoding(42).String())
}
