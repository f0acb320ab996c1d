package felica

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gregLibert/nfc-bridge/pkg/card"
	"github.com/gregLibert/nfc-bridge/pkg/iso7816"
)

// Result is what a transit card read produces, whichever path served it.
type Result struct {
	ReaderType       string         `json:"reader_type,omitempty"`
	IDm              string         `json:"idm,omitempty"`
	PMm              string         `json:"pmm,omitempty"`
	Manufacturer     string         `json:"manufacturer,omitempty"`
	CardType         string         `json:"card_type"`
	CardTypeDetail   string         `json:"card_type_detail,omitempty"`
	Authenticated    bool           `json:"authenticated"`
	IDi              string         `json:"idi,omitempty"`
	PMi              string         `json:"pmi,omitempty"`
	Balance          string         `json:"balance,omitempty"`
	BalanceRaw       *int           `json:"balance_raw,omitempty"`
	TransactionCount *int           `json:"transaction_count,omitempty"`
	Block0           string         `json:"block0_raw,omitempty"`
	LastTransaction  *Transaction   `json:"last_transaction,omitempty"`
	HistoryCount     int            `json:"history_count,omitempty"`
	RecentHistory    []*Transaction `json:"recent_history,omitempty"`
	BalanceError     string         `json:"balance_error,omitempty"`
	HistoryError     string         `json:"history_error,omitempty"`
	EncryptedArea    bool           `json:"encrypted_area,omitempty"`
	Limitation       *Limitation    `json:"limitation,omitempty"`
}

// Limitation explains why the balance could not be read on this path.
type Limitation struct {
	Message   string   `json:"message"`
	MessageEN string   `json:"message_en"`
	Reason    string   `json:"reason"`
	Solutions []string `json:"solutions"`
}

var encryptedAreaLimitation = Limitation{
	Message:   "Suicaの残高・履歴は暗号化されており、特殊な認証が必要です",
	MessageEN: "Suica balance and history are encrypted and need remote authentication",
	Reason:    "Sony PaSoRiのPC/SCドライバはFeliCa暗号化エリアの読取に非対応",
	Solutions: []string{
		"1. スマホアプリ「Suica」で確認",
		"2. USB直結のリーダーとリモート認証を使用",
		"3. 駅の券売機で残高確認",
	},
}

func hexUpper(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// Local speaks FeliCa through the transparent pseudo-APDU of a PC/SC reader.
type Local struct {
	Client *iso7816.Client
	Logger *slog.Logger
}

func (l *Local) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// transparent sends a FeliCa command body. The framed form is tried first; a
// reader refusing it with anything but 6A81 gets the bare body.
func (l *Local) transparent(ctx context.Context, body []byte) ([]byte, error) {
	resp, err := l.Client.Exchange(ctx, iso7816.Direct(Frame(body)))
	if err != nil {
		return nil, err
	}
	if resp.Status.IsSuccess() && len(resp.Data) > 0 {
		return resp.Data, nil
	}
	if resp.Status == iso7816.SW_ERR_FUNC_NOT_SUPPORTED {
		return nil, fmt.Errorf("%w: %w", ErrUnsupported, &iso7816.StatusError{Op: "felica transparent", SW: resp.Status})
	}

	resp, err = l.Client.Exchange(ctx, iso7816.Direct(body))
	if err != nil {
		return nil, err
	}
	if resp.Status.IsSuccess() && len(resp.Data) > 0 {
		return resp.Data, nil
	}
	if resp.Status == iso7816.SW_ERR_FUNC_NOT_SUPPORTED {
		return nil, fmt.Errorf("%w: %w", ErrUnsupported, &iso7816.StatusError{Op: "felica transparent", SW: resp.Status})
	}
	return nil, &iso7816.StatusError{Op: fmt.Sprintf("felica command %02X", body[0]), SW: resp.Status}
}

// Poll identifies the card. The reader's GET UID answer is used when it holds
// an IDm; otherwise a polling command is sent for each known system code.
func (l *Local) Poll(ctx context.Context) (*Target, error) {
	resp, err := l.Client.Exchange(ctx, iso7816.GetUID())
	if err != nil {
		return nil, err
	}
	if resp.Status.IsSuccess() && len(resp.Data) >= 8 {
		return &Target{IDm: append([]byte(nil), resp.Data[:8]...)}, nil
	}

	for _, sc := range []uint16{SystemCodeSuica, SystemCodeCommon, SystemCodeAny} {
		data, err := l.transparent(ctx, PollingCommand(sc))
		if err != nil {
			if _, ok := iso7816.StatusOf(err); ok {
				continue
			}
			return nil, err
		}
		if t, err := ParsePolling(data); err == nil {
			return t, nil
		}
	}
	return nil, ErrNoCard
}

// ReadWithoutEncryption reads blocks of a service that needs no key.
func (l *Local) ReadWithoutEncryption(ctx context.Context, idm []byte, service uint16, blocks ...byte) ([][]byte, error) {
	cmd, err := ReadWithoutEncryptionCommand(idm, service, blocks...)
	if err != nil {
		return nil, err
	}
	l.logger().Debug("felica read", "service", fmt.Sprintf("%04X", service), "blocks", len(blocks))

	resp, err := l.transparent(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return ParseReadResponse(resp)
}

// LocalReader reads a transit card over a PC/SC session.
type LocalReader struct {
	Logger *slog.Logger
}

// Read polls the card and reads the latest history record, which carries the
// balance. A reader that cannot reach the history service yields a result
// flagged EncryptedArea and no error.
func (r *LocalReader) Read(ctx context.Context, sess card.Session) (*Result, error) {
	l := &Local{Client: &iso7816.Client{Card: sess, Logger: r.Logger}, Logger: r.Logger}

	t, err := l.Poll(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{
		ReaderType:   "PC/SC",
		IDm:          hexUpper(t.IDm),
		PMm:          hexUpper(t.PMm),
		Manufacturer: fmt.Sprintf("0x%04X", t.Manufacturer()),
		CardType:     "Suica/Pasmo/ICOCA (交通系IC)",
	}

	blocks, err := l.ReadWithoutEncryption(ctx, t.IDm, ServiceHistory, 0)
	if errors.Is(err, ErrUnsupported) {
		l.logger().Info("felica history not readable", "err", err)
		res.markEncrypted()
		return res, nil
	}
	if err != nil {
		return res, err
	}
	if len(blocks) == 0 {
		l.logger().Debug("felica history empty")
		return res, nil
	}

	b := blocks[0]
	res.Block0 = hexUpper(b)
	tx, err := ParseTransaction(0, b)
	if err != nil {
		return res, err
	}
	res.setBalance(tx.Balance)
	res.LastTransaction = tx
	return res, nil
}

func (r *Result) markEncrypted() {
	lim := encryptedAreaLimitation
	r.EncryptedArea = true
	r.Balance = "暗号化エリア"
	r.Limitation = &lim
}

func (r *Result) setBalance(n int) {
	r.Balance = FormatYen(n)
	r.BalanceRaw = &n
}
