package felica

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DeviceLabels names the terminal that wrote a history record.
var DeviceLabels = map[byte]string{
	0x00: "未定義",
	0x03: "のりこし精算機",
	0x05: "バス車載機",
	0x07: "カード発売機",
	0x08: "自動券売機",
	0x12: "券売機",
	0x14: "券売機等",
	0x15: "券売機等",
	0x16: "自動改札機",
	0x17: "簡易改札機",
	0x18: "券売機",
	0x1A: "有人改札",
	0x1B: "バス等",
	0x1C: "バス等",
	0x1F: "物販",
	0x46: "VIEW ALTTE",
	0x48: "VIEW ALTTE",
	0xC7: "物販端末",
	0xC8: "物販端末",
}

// TransactionLabels names the process of a history record.
var TransactionLabels = map[byte]string{
	0x01: "改札出場",
	0x02: "チャージ",
	0x03: "きっぷ購入",
	0x04: "磁気券精算",
	0x05: "乗越精算",
	0x06: "物販取消",
	0x07: "新規",
	0x0F: "バス",
	0x11: "バス",
	0x13: "バス/路面等",
	0x14: "オートチャージ",
	0x15: "バス等",
	0x1F: "バスチャージ",
	0x46: "物販",
	0x49: "入金",
}

// CardTypeLabels names the issuer family held in the attribute block.
var CardTypeLabels = map[byte]string{
	0: "せたまる/IruCa",
	2: "Suica/PiTaPa/TOICA/PASMO",
	3: "ICOCA",
}

// MaxRecentHistory is the number of history records kept in a result.
const MaxRecentHistory = 5

// Transaction is one decoded history record.
type Transaction struct {
	No      int    `json:"no"`
	Date    string `json:"date,omitempty"`
	DateRaw string `json:"date_raw,omitempty"`
	Device  string `json:"device"`
	Type    string `json:"type"`
	Entry   string `json:"entry"`
	Exit    string `json:"exit"`
	Balance int    `json:"balance_after"`
}

func label(m map[byte]string, code byte) string {
	if l, ok := m[code]; ok {
		return l
	}
	return fmt.Sprintf("不明(%02X)", code)
}

// decodeDate unpacks the 7/4/5 bit date of history records.
func decodeDate(v uint16) (string, bool) {
	year := 2000 + int(v>>9&0x7F)
	month := int(v>>5&0x0F)
	day := int(v&0x1F)
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return "", false
	}
	return fmt.Sprintf("%d/%02d/%02d", year, month, day), true
}

func station(line, order byte) string {
	return fmt.Sprintf("線区:%02X 駅順:%02X", line, order)
}

// ParseTransaction decodes a 16-byte history block:
//
//	0 device | 1 type (bit 8 flags) | 4-5 date | 6-7 entry | 8-9 exit | 10-11 balance (LE)
func ParseTransaction(no int, b []byte) (*Transaction, error) {
	if len(b) < BlockSize {
		return nil, fmt.Errorf("%w: history block of %d bytes", ErrMalformed, len(b))
	}
	t := &Transaction{
		No:      no,
		Device:  label(DeviceLabels, b[0]),
		Type:    label(TransactionLabels, b[1]&0x7F),
		Entry:   station(b[6], b[7]),
		Exit:    station(b[8], b[9]),
		Balance: int(binary.LittleEndian.Uint16(b[10:12])),
	}
	raw := binary.BigEndian.Uint16(b[4:6])
	if d, ok := decodeDate(raw); ok {
		t.Date = d
	} else {
		t.DateRaw = fmt.Sprintf("%04X", raw)
	}
	return t, nil
}

// ParseHistory decodes history blocks, skipping empty records (device 00).
func ParseHistory(blocks [][]byte) []*Transaction {
	var out []*Transaction
	for i, b := range blocks {
		if len(b) == 0 || b[0] == 0x00 {
			continue
		}
		t, err := ParseTransaction(i, b)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Attribute is the content of the attribute block (service index 1, block 0).
type Attribute struct {
	CardType         string
	Balance          int
	TransactionCount int
}

// ParseAttribute decodes the attribute block: card type in the high nibble of
// byte 8, balance little endian at 11-12, transaction counter big endian at 14-15.
func ParseAttribute(b []byte) (*Attribute, error) {
	if len(b) < BlockSize {
		return nil, fmt.Errorf("%w: attribute block of %d bytes", ErrMalformed, len(b))
	}
	ct, ok := CardTypeLabels[b[8]>>4]
	if !ok {
		ct = "不明"
	}
	return &Attribute{
		CardType:         ct,
		Balance:          int(binary.LittleEndian.Uint16(b[11:13])),
		TransactionCount: int(binary.BigEndian.Uint16(b[14:16])),
	}, nil
}

// FormatYen renders an amount with thousands separators, e.g. ¥1,234.
func FormatYen(n int) string {
	return message.NewPrinter(language.Japanese).Sprintf("¥%d", n)
}
