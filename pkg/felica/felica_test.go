package felica

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregLibert/nfc-bridge/pkg/card"
	"github.com/gregLibert/nfc-bridge/pkg/card/cardtest"
	"github.com/gregLibert/nfc-bridge/pkg/iso7816"
	"github.com/gregLibert/nfc-bridge/pkg/tlv"
)

const (
	testIDm = "01 02 03 04 05 06 07 08"
	testPMm = "10 0B 4B 42 84 85 D0 FF"

	// 2024/03/15, entered at E1/20, exited at E1/2A, 1234 yen left.
	testHistoryBlock = "16 01 00 00 30 6F E1 20 E1 2A D2 04 00 00 00 00"
)

func TestReadWithoutEncryptionCommand(t *testing.T) {
	cmd, err := ReadWithoutEncryptionCommand(tlv.Hex(testIDm), ServiceHistory, 0)
	require.NoError(t, err)
	assert.Equal(t, tlv.Hex("06", testIDm, "01 0F 09 01 80 00"), cmd)
	assert.Equal(t, tlv.Hex("10 06", testIDm, "01 0F 09 01 80 00"), Frame(cmd))

	cmd, err = ReadWithoutEncryptionCommand(tlv.Hex(testIDm), 0x008B, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, tlv.Hex("06", testIDm, "01 8B 00 02 80 00 80 01"), cmd)

	_, err = ReadWithoutEncryptionCommand(tlv.Hex("01 02 03"), ServiceHistory, 0)
	assert.Error(t, err)
	_, err = ReadWithoutEncryptionCommand(tlv.Hex(testIDm), ServiceHistory)
	assert.Error(t, err)
	_, err = ReadWithoutEncryptionCommand(tlv.Hex(testIDm), ServiceHistory, make([]byte, 16)...)
	assert.Error(t, err)
}

func TestPollingCommand(t *testing.T) {
	assert.Equal(t, tlv.Hex("00 00 03 01 0F"), PollingCommand(SystemCodeSuica))
	assert.Equal(t, tlv.Hex("06 00 88 B4 01 0F"), Frame(PollingCommand(SystemCodeCommon)))
}

func TestParsePolling(t *testing.T) {
	tests := []struct {
		name string
		resp string
		ok   bool
	}{
		{"bare", "01 " + testIDm + " " + testPMm, true},
		{"with length", "12 01 " + testIDm + " " + testPMm, true},
		{"with system code", "14 01 " + testIDm + " " + testPMm + " 00 03", true},
		{"short", "01 " + testIDm, false},
		{"wrong code", "05 " + testIDm + " " + testPMm, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := ParsePolling(tlv.Hex(tt.resp))
			if !tt.ok {
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tlv.Hex(testIDm), target.IDm)
			assert.Equal(t, tlv.Hex(testPMm), target.PMm)
			assert.Equal(t, uint16(0x0102), target.Manufacturer())
		})
	}
}

func TestParseReadResponse(t *testing.T) {
	block := testHistoryBlock
	tests := []struct {
		name    string
		resp    string
		blocks  int
		wantErr error
		status  *StatusError
	}{
		{name: "bare", resp: "07 " + testIDm + " 00 00 01 " + block, blocks: 1},
		{name: "with length", resp: "1D 07 " + testIDm + " 00 00 01 " + block, blocks: 1},
		{name: "two blocks", resp: "07 " + testIDm + " 00 00 02 " + block + " " + block, blocks: 2},
		{name: "truncated second block", resp: "07 " + testIDm + " 00 00 02 " + block + " 16 01", blocks: 1},
		{name: "no records", resp: "07 " + testIDm + " 00 00 00", blocks: 0},
		{name: "status flags", resp: "07 " + testIDm + " A4 01", status: &StatusError{Status1: 0xA4, Status2: 0x01}},
		{name: "too short", resp: "07 01 02", wantErr: ErrMalformed},
		{name: "wrong response code", resp: "05 " + testIDm + " 00 00 01", wantErr: ErrMalformed},
		{name: "no block data", resp: "07 " + testIDm + " 00 00 01", wantErr: ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocks, err := ParseReadResponse(tlv.Hex(tt.resp))
			switch {
			case tt.status != nil:
				var se *StatusError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, tt.status, se)
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			default:
				require.NoError(t, err)
				require.Len(t, blocks, tt.blocks)
				if tt.blocks > 0 {
					assert.Equal(t, tlv.Hex(block), blocks[0])
				}
			}
		})
	}
}

func TestParseTransaction(t *testing.T) {
	tx, err := ParseTransaction(3, tlv.Hex(testHistoryBlock))
	require.NoError(t, err)
	assert.Equal(t, &Transaction{
		No:      3,
		Date:    "2024/03/15",
		Device:  "自動改札機",
		Type:    "改札出場",
		Entry:   "線区:E1 駅順:20",
		Exit:    "線区:E1 駅順:2A",
		Balance: 1234,
	}, tx)

	tx, err = ParseTransaction(0, tlv.Hex("99 82 00 00 00 00 00 00 00 00 10 27 00 00 00 00"))
	require.NoError(t, err)
	assert.Equal(t, "不明(99)", tx.Device)
	assert.Equal(t, "チャージ", tx.Type)
	assert.Empty(t, tx.Date)
	assert.Equal(t, "0000", tx.DateRaw)
	assert.Equal(t, 10000, tx.Balance)

	_, err = ParseTransaction(0, tlv.Hex("16 01"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseHistory(t *testing.T) {
	empty := make([]byte, BlockSize)
	blocks := [][]byte{tlv.Hex(testHistoryBlock), empty, tlv.Hex(testHistoryBlock)}

	got := ParseHistory(blocks)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].No)
	assert.Equal(t, 2, got[1].No)
}

func TestParseAttribute(t *testing.T) {
	a, err := ParseAttribute(tlv.Hex("00 00 00 00 00 00 00 00 20 00 00 D2 04 00 00 2A"))
	require.NoError(t, err)
	assert.Equal(t, &Attribute{CardType: "Suica/PiTaPa/TOICA/PASMO", Balance: 1234, TransactionCount: 42}, a)

	a, err = ParseAttribute(tlv.Hex("00 00 00 00 00 00 00 00 50 00 00 00 00 00 00 00"))
	require.NoError(t, err)
	assert.Equal(t, "不明", a.CardType)

	_, err = ParseAttribute(nil)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFormatYen(t *testing.T) {
	assert.Equal(t, "¥0", FormatYen(0))
	assert.Equal(t, "¥980", FormatYen(980))
	assert.Equal(t, "¥1,234", FormatYen(1234))
	assert.Equal(t, "¥20,000", FormatYen(20000))
}

func TestLocalReader_Read(t *testing.T) {
	getUID := "FF CA 00 00 00"
	framedRead := "FF 00 00 00 10 10 06 " + testIDm + " 01 0F 09 01 80 00"
	bareRead := "FF 00 00 00 0F 06 " + testIDm + " 01 0F 09 01 80 00"
	readAnswer := "1D 07 " + testIDm + " 00 00 01 " + testHistoryBlock + " 90 00"

	t.Run("balance from history", func(t *testing.T) {
		sess := cardtest.NewSession(t,
			cardtest.X(getUID, testIDm+" 90 00"),
			cardtest.X(framedRead, readAnswer),
		)
		res, err := (&LocalReader{}).Read(context.Background(), sess)
		require.NoError(t, err)
		sess.AssertDone()

		assert.Equal(t, "0102030405060708", res.IDm)
		assert.Equal(t, "0x0102", res.Manufacturer)
		assert.Equal(t, "¥1,234", res.Balance)
		require.NotNil(t, res.BalanceRaw)
		assert.Equal(t, 1234, *res.BalanceRaw)
		assert.Equal(t, "16010000306FE120E12AD20400000000", res.Block0)
		require.NotNil(t, res.LastTransaction)
		assert.Equal(t, "2024/03/15", res.LastTransaction.Date)
		assert.False(t, res.EncryptedArea)
	})

	t.Run("bare command fallback", func(t *testing.T) {
		sess := cardtest.NewSession(t,
			cardtest.X(getUID, testIDm+" 90 00"),
			cardtest.X(framedRead, "6F 00"),
			cardtest.X(bareRead, "07 "+testIDm+" 00 00 01 "+testHistoryBlock+" 90 00"),
		)
		res, err := (&LocalReader{}).Read(context.Background(), sess)
		require.NoError(t, err)
		sess.AssertDone()
		assert.Equal(t, "¥1,234", res.Balance)
	})

	t.Run("encrypted area", func(t *testing.T) {
		sess := cardtest.NewSession(t,
			cardtest.X(getUID, testIDm+" 90 00"),
			cardtest.X(framedRead, "6A 81"),
		)
		res, err := (&LocalReader{}).Read(context.Background(), sess)
		require.NoError(t, err)
		sess.AssertDone()

		assert.True(t, res.EncryptedArea)
		assert.Nil(t, res.BalanceRaw)
		require.NotNil(t, res.Limitation)
		assert.NotEmpty(t, res.Limitation.MessageEN)
		assert.Len(t, res.Limitation.Solutions, 3)
	})

	t.Run("card status flags", func(t *testing.T) {
		sess := cardtest.NewSession(t,
			cardtest.X(getUID, testIDm+" 90 00"),
			cardtest.X(framedRead, "0C 07 "+testIDm+" A4 01 90 00"),
		)
		res, err := (&LocalReader{}).Read(context.Background(), sess)
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, &StatusError{Status1: 0xA4, Status2: 0x01}, se)
		require.NotNil(t, res)
		assert.False(t, res.EncryptedArea)
	})

	t.Run("malformed answer", func(t *testing.T) {
		sess := cardtest.NewSession(t,
			cardtest.X(getUID, testIDm+" 90 00"),
			cardtest.X(framedRead, "07 "+testIDm+" 00 00 01 90 00"),
		)
		res, err := (&LocalReader{}).Read(context.Background(), sess)
		assert.ErrorIs(t, err, ErrMalformed)
		assert.False(t, res.EncryptedArea)
	})

	t.Run("reader refuses both forms", func(t *testing.T) {
		sess := cardtest.NewSession(t,
			cardtest.X(getUID, testIDm+" 90 00"),
			cardtest.X(framedRead, "6F 00"),
			cardtest.X(bareRead, "69 86"),
		)
		res, err := (&LocalReader{}).Read(context.Background(), sess)
		sw, ok := iso7816.StatusOf(err)
		require.True(t, ok, "err: %v", err)
		assert.Equal(t, iso7816.StatusWord(0x6986), sw)
		assert.NotErrorIs(t, err, ErrUnsupported)
		assert.False(t, res.EncryptedArea)
	})

	t.Run("empty history", func(t *testing.T) {
		sess := cardtest.NewSession(t,
			cardtest.X(getUID, testIDm+" 90 00"),
			cardtest.X(framedRead, "07 "+testIDm+" 00 00 00 90 00"),
		)
		res, err := (&LocalReader{}).Read(context.Background(), sess)
		require.NoError(t, err)
		sess.AssertDone()
		assert.False(t, res.EncryptedArea)
		assert.Nil(t, res.BalanceRaw)
		assert.Empty(t, res.Block0)
	})

	t.Run("polling by system code", func(t *testing.T) {
		sess := cardtest.NewSession(t,
			cardtest.X(getUID, "6A 81"),
			cardtest.X("FF 00 00 00 06 06 00 00 03 01 0F", "14 01 "+testIDm+" "+testPMm+" 00 03 90 00"),
			cardtest.X(framedRead, "6A 81"),
		)
		res, err := (&LocalReader{}).Read(context.Background(), sess)
		require.NoError(t, err)
		sess.AssertDone()
		assert.Equal(t, "100B4B428485D0FF", res.PMm)
	})

	t.Run("no card", func(t *testing.T) {
		sess := cardtest.NewSession(t,
			cardtest.X(getUID, "6A 81"),
			cardtest.X("FF 00 00 00 06 06 00 00 03 01 0F", "6A 81"),
			cardtest.X("FF 00 00 00 06 06 00 88 B4 01 0F", "6A 81"),
			cardtest.X("FF 00 00 00 06 06 00 FF FF 01 0F", "6A 81"),
		)
		_, err := (&LocalReader{}).Read(context.Background(), sess)
		assert.ErrorIs(t, err, ErrNoCard)
		sess.AssertDone()
	})

	t.Run("card removed", func(t *testing.T) {
		sess := cardtest.NewSession(t, cardtest.Exchange{Command: tlv.Hex(getUID), Err: card.ErrCardRemoved})
		_, err := (&LocalReader{}).Read(context.Background(), sess)
		assert.ErrorIs(t, err, card.ErrCardRemoved)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		sess := cardtest.NewSession(t)
		_, err := (&LocalReader{}).Read(ctx, sess)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Empty(t, sess.Sent())
	})
}
