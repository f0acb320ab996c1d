package bac

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/gregLibert/nfc-bridge/pkg/card"
	"github.com/gregLibert/nfc-bridge/pkg/card/cardtest"
	"github.com/gregLibert/nfc-bridge/pkg/iso7816"
	"github.com/gregLibert/nfc-bridge/pkg/tlv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	selectMRTD   = "00 A4 04 0C 07 A0 00 00 02 47 10 01"
	getChallenge = "00 84 00 00 08"
	rndIC        = "4608F91988702212"
	rndIFD       = "781723860C06C226"
	kIFD         = "0B795240CB7049B01C19B33E32804F0B"
)

func terminalRand() *bytes.Reader {
	return bytes.NewReader(tlv.Hex(rndIFD, kIFD))
}

func TestCheckDigit(t *testing.T) {
	tests := []struct {
		in   string
		want byte
	}{
		{"L898902C<", '3'},
		{"690806", '1'},
		{"940623", '6'},
		{"012345678", '4'},
		{"900101", '1'},
		{"301231", '6'},
		{"<<<<<<<<<", '0'},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, string(tt.want), string(CheckDigit(tt.in)))
		})
	}
}

func TestMRZInfo(t *testing.T) {
	tests := []struct {
		name               string
		doc, birth, expiry string
		want               string
	}{
		{"Passport with filler", "L898902C", "690806", "940623", "L898902C<369080619406236"},
		{"CCCD number keeps 9 digits", "012345678901", "900101", "301231", "012345678490010113012316"},
		{"Lower case is folded", "l898902c", "690806", "940623", "L898902C<369080619406236"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MRZInfo(tt.doc, tt.birth, tt.expiry))
		})
	}
}

func TestKeys(t *testing.T) {
	kenc, kmac := Keys("L898902C", "690806", "940623")
	assert.Equal(t, tlv.Hex("AB94FDECF2674FDFB9B391F85D7F76F2"), kenc)
	assert.Equal(t, tlv.Hex("7962D9ECE03D1ACD4C76089DCE131543"), kmac)
}

func TestAuthenticate_ICAOWorkedExample(t *testing.T) {
	sess := cardtest.NewSession(t,
		cardtest.X(selectMRTD, "90 00"),
		cardtest.X(getChallenge, rndIC+"9000"),
		cardtest.X(
			"00 82 00 00 30"+
				"72C29C2371CC9BDB65B779B8E8D37B29ECC154AA56A8799FAE2F498F76ED92F2"+
				"E95FE9508B4612F2"+
				"E2E300F34F1728E3",
			"46B9342A41396CD7386BF5803104D7CEDC122B9132139BAF2EEDC94EE178534F"+
				"2F2D235D074D7449"+"9000",
		),
	)

	a := &Authenticator{Client: iso7816.NewClient(sess), Rand: terminalRand()}
	keys, err := a.Authenticate(context.Background(), "L898902C", "690806", "940623")
	require.NoError(t, err)
	sess.AssertDone()

	assert.Equal(t, card.Authenticated, a.State())
	assert.Equal(t, tlv.Hex("979EC13B1CBFE9DCD01AB0FED307EAE5"), keys.Enc)
	assert.Equal(t, tlv.Hex("F1CB1F1FB5ADF208806B89DC579DC1F8"), keys.Mac)
	assert.Equal(t, tlv.Hex("887022120C06C226"), keys.SSC)
}

// cccdAuthScript is the handshake for document 012345678901, born 900101, expiring 301231,
// with the card choosing K.IC = 0B4F80323EB3191CB04970CB4052790B.
func cccdAuthScript() []cardtest.Exchange {
	return []cardtest.Exchange{
		cardtest.X(selectMRTD, "90 00"),
		cardtest.X(getChallenge, rndIC+"9000"),
		cardtest.X(
			"00 82 00 00 30"+
				"5E75C936E2C72614B87309A2CB63841DD7C3BC9BF25F21FF46D20FA7D042B5E6"+
				"2D114725094C67E5"+
				"AE6592865E4A7584",
			"0774EDDF0DEAA5C2DE12782BE5C2DD47CBD5625E361B086BA684788A0CEABB18"+
				"45F1E54A3BFF4EBD"+"9000",
		),
	}
}

func TestAuthenticate_CCCDGolden(t *testing.T) {
	sess := cardtest.NewSession(t, cccdAuthScript()...)

	a := &Authenticator{Client: iso7816.NewClient(sess), Rand: terminalRand()}
	keys, err := a.Authenticate(context.Background(), "012345678901", "900101", "301231")
	require.NoError(t, err)
	sess.AssertDone()

	assert.Equal(t, tlv.Hex("979EC13B1CBFE9DCD01AB0FED307EAE5"), keys.Enc)
	assert.Equal(t, tlv.Hex("F1CB1F1FB5ADF208806B89DC579DC1F8"), keys.Mac)
}

func TestAuthenticate_CryptogramIsPadded(t *testing.T) {
	sess := cardtest.NewSession(t, cccdAuthScript()...)

	a := &Authenticator{Client: iso7816.NewClient(sess), Rand: terminalRand()}
	_, err := a.Authenticate(context.Background(), "012345678901", "900101", "301231")
	require.NoError(t, err)

	sent := sess.Sent()
	require.Len(t, sent, 3)
	extAuth := sent[2]
	require.Equal(t, byte(0x82), extAuth[1])
	assert.Equal(t, byte(0x30), extAuth[4], "Lc carries E.IFD over padded S plus the MAC")
	assert.Len(t, extAuth[5:], 48)
}

func TestAuthenticate_WrongLengthRetry(t *testing.T) {
	script := cccdAuthScript()
	extAuth := script[2]
	withLe := append(append([]byte(nil), extAuth.Command...), 0x28)

	sess := cardtest.NewSession(t,
		script[0],
		script[1],
		cardtest.Exchange{Command: extAuth.Command, Response: tlv.Hex("67 00")},
		cardtest.Exchange{Command: withLe, Response: extAuth.Response},
	)

	a := &Authenticator{Client: iso7816.NewClient(sess), Rand: terminalRand()}
	_, err := a.Authenticate(context.Background(), "012345678901", "900101", "301231")
	require.NoError(t, err)
	sess.AssertDone()
}

func TestAuthenticate_Failures(t *testing.T) {
	script := cccdAuthScript()
	tamperedMAC := append([]byte(nil), script[2].Response...)
	tamperedMAC[35] ^= 0x01

	tests := []struct {
		name     string
		script   []cardtest.Exchange
		wantStep string
		wantSW   iso7816.StatusWord
		state    card.AuthState
	}{
		{
			name:     "Application not found",
			script:   []cardtest.Exchange{cardtest.X(selectMRTD, "6A 82")},
			wantStep: StepSelect,
			wantSW:   iso7816.SW_ERR_FILE_NOT_FOUND,
			state:    card.Unauthenticated,
		},
		{
			name:     "Challenge refused",
			script:   []cardtest.Exchange{script[0], cardtest.X(getChallenge, "69 85")},
			wantStep: StepChallenge,
			wantSW:   iso7816.SW_ERR_COND_OF_USE_NOT_SAT,
			state:    card.Unauthenticated,
		},
		{
			name: "Wrong MRZ data",
			script: []cardtest.Exchange{script[0], script[1],
				{Command: script[2].Command, Response: tlv.Hex("63 00")}},
			wantStep: StepExternalAuth,
			wantSW:   iso7816.SW_WARN_NV_CHANGED_NO_INFO,
			state:    card.ChallengeReceived,
		},
		{
			name: "Card cryptogram MAC mismatch",
			script: []cardtest.Exchange{script[0], script[1],
				{Command: script[2].Command, Response: tamperedMAC}},
			wantStep: StepVerifyMAC,
			state:    card.ChallengeReceived,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := cardtest.NewSession(t, tt.script...)
			a := &Authenticator{Client: iso7816.NewClient(sess), Rand: terminalRand()}

			keys, err := a.Authenticate(context.Background(), "012345678901", "900101", "301231")
			require.Error(t, err)
			assert.Nil(t, keys)
			assert.ErrorIs(t, err, ErrAuthFailed)

			var ae *AuthError
			require.True(t, errors.As(err, &ae))
			assert.Equal(t, tt.wantStep, ae.Step)
			assert.Equal(t, tt.wantSW, ae.SW)
			assert.Equal(t, tt.state, a.State())
			sess.AssertDone()
		})
	}
}

func TestAuthenticate_InvalidInput(t *testing.T) {
	a := &Authenticator{Client: iso7816.NewClient(cardtest.NewSession(t))}
	_, err := a.Authenticate(context.Background(), "012345678901", "1990-01-01", "301231")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAuthenticate_Cancelled(t *testing.T) {
	sess := cardtest.NewSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := &Authenticator{Client: iso7816.NewClient(sess), Rand: terminalRand()}
	_, err := a.Authenticate(ctx, "012345678901", "900101", "301231")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sess.Sent())
}

func TestReader_Read(t *testing.T) {
	dg1 := "61 0B 5F 1F 08" + "493C564E4D303132" // "I<VNM012"

	script := append([]cardtest.Exchange{cardtest.X("FF CA 00 00 00", "04 A1 B2 C3 90 00")}, cccdAuthScript()...)
	script = append(script,
		cardtest.X("00 A4 02 0C 02 01 1E", "90 00"),
		cardtest.X("00 B0 00 00 04", "60 16 5F 01 90 00"),
		cardtest.X("00 A4 02 0C 02 01 01", "90 00"),
		cardtest.X("00 B0 00 00 00", dg1+"9000"),
		cardtest.X("00 A4 02 0C 02 01 0B", "6A 82"),
	)
	sess := cardtest.NewSession(t, script...)
	sess.Atr = tlv.Hex("3B 88 80 01 00 00 00 00 00 00 00 00 09")

	r := &Reader{Rand: terminalRand()}
	res, err := r.Read(context.Background(), sess, Params{DocumentNumber: "012345678901", BirthDate: "900101", ExpiryDate: "301231"})
	require.NoError(t, err)
	sess.AssertDone()

	assert.Equal(t, "04A1B2C3", res.UID)
	assert.Equal(t, "3B888001000000000000000009", res.ATR)
	assert.Equal(t, "0123****01", res.DocumentNumber)
	assert.True(t, res.AppSelected)
	assert.True(t, res.Authenticated)
	assert.Equal(t, CardTypeCCCD, res.CardType)
	assert.Equal(t, "60165F01", res.COMHeader)
	assert.True(t, res.DG1Selected)
	assert.Equal(t, "I<VNM012", res.MRZ)
	assert.False(t, res.DG11Available)
}

func TestReader_SecureMessagingRequired(t *testing.T) {
	script := append([]cardtest.Exchange{cardtest.X("FF CA 00 00 00", "6A 81")}, cccdAuthScript()...)
	script = append(script,
		cardtest.X("00 A4 02 0C 02 01 1E", "6A 82"),
		cardtest.X("00 A4 02 0C 02 01 01", "90 00"),
		cardtest.X("00 B0 00 00 00", "69 88"),
		cardtest.X("00 A4 02 0C 02 01 0B", "90 00"),
	)
	sess := cardtest.NewSession(t, script...)

	r := &Reader{Rand: terminalRand()}
	res, err := r.Read(context.Background(), sess, Params{DocumentNumber: "012345678901", BirthDate: "900101", ExpiryDate: "301231"})
	require.NoError(t, err)

	assert.Empty(t, res.UID)
	assert.Empty(t, res.COMHeader)
	assert.Equal(t, "Secure messaging required", res.DG1Note)
	assert.True(t, res.DG11Available)
}

func TestReader_AuthFailureKeepsPartialResult(t *testing.T) {
	sess := cardtest.NewSession(t,
		cardtest.X("FF CA 00 00 00", "01 02 03 04 90 00"),
		cardtest.X(selectMRTD, "90 00"),
		cardtest.X(getChallenge, "6D 00"),
	)

	r := &Reader{Rand: terminalRand()}
	res, err := r.Read(context.Background(), sess, Params{DocumentNumber: "012345678901", BirthDate: "900101", ExpiryDate: "301231"})
	require.ErrorIs(t, err, ErrAuthFailed)
	assert.True(t, res.AppSelected)
	assert.False(t, res.ChallengeReceived)
	assert.False(t, res.Authenticated)
}

func TestExtractMRZ(t *testing.T) {
	tests := []struct {
		name string
		dg1  []byte
		want string
	}{
		{"BER-TLV template", tlv.Hex("61 0B 5F 1F 08 493C564E4D303132"), "I<VNM012"},
		{"Raw scan fallback", tlv.Hex("00 00 5F 1F 03 41 42 43"), "ABC"},
		{"No MRZ tag", tlv.Hex("61 03 5F 01 00"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractMRZ(tt.dg1))
		})
	}
}
