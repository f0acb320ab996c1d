package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/gregLibert/nfc-bridge/pkg/bac"
	"github.com/gregLibert/nfc-bridge/pkg/card"
	"github.com/gregLibert/nfc-bridge/pkg/felica"
	"github.com/gregLibert/nfc-bridge/pkg/iso7816"
	"github.com/gregLibert/nfc-bridge/pkg/mynumber"
	"github.com/gregLibert/nfc-bridge/pkg/zairyu"
)

// Code identifies a failure kind for clients.
type Code string

const (
	CodeNoReader                Code = "NO_READER"
	CodeNoCard                  Code = "NO_CARD"
	CodeCardRemoved             Code = "CARD_REMOVED"
	CodeConnection              Code = "CONNECTION_ERROR"
	CodeAuthFailed              Code = "AUTH_FAILED"
	CodeWrongCardNumber         Code = "WRONG_CARD_NUMBER"
	CodeWrongPIN                Code = "WRONG_PIN"
	CodeCardLocked              Code = "CARD_LOCKED"
	CodeNotMyNumber             Code = "NOT_MYNUMBER_CARD"
	CodeNotZairyu               Code = "NOT_ZAIRYU_CARD"
	CodeUnsupported             Code = "UNSUPPORTED"
	CodeInvalidPINFormat        Code = "INVALID_PIN_FORMAT"
	CodeInvalidCardNumberFormat Code = "INVALID_CARD_NUMBER_FORMAT"
	CodeInvalidInput            Code = "INVALID_INPUT"
	CodeNoPIN                   Code = "NO_PIN"
	CodeNoCardNumber            Code = "NO_CARD_NUMBER"
	CodeTimeout                 Code = "TIMEOUT"
	CodeCancelled               Code = "CANCELLED"
	CodeReadError               Code = "READ_ERROR"
	CodeUnknown                 Code = "UNKNOWN_ERROR"
)

// messages holds the Japanese and English text of every code.
var messages = map[Code][2]string{
	CodeNoReader:                {"カードリーダーが接続されていません", "No card reader connected"},
	CodeNoCard:                  {"カードが検出されません", "No card detected on reader"},
	CodeCardRemoved:             {"カードが取り除かれました", "Card was removed during reading"},
	CodeConnection:              {"カードとの通信エラー", "Communication error with card"},
	CodeAuthFailed:              {"カードとの相互認証に失敗しました", "Failed mutual authentication with card"},
	CodeWrongCardNumber:         {"在留カード番号が一致しません", "Card number does not match"},
	CodeWrongPIN:                {"PINが間違っています", "Wrong PIN"},
	CodeCardLocked:              {"カードがロックされています", "Card is locked"},
	CodeNotMyNumber:             {"マイナンバーカードではありません", "This is not a My Number card"},
	CodeNotZairyu:               {"在留カードではありません", "This is not a Residence Card"},
	CodeUnsupported:             {"このリーダーでは対応していない操作です", "Operation not supported by this reader"},
	CodeInvalidPINFormat:        {"PINは4桁の数字である必要があります", "PIN must be 4 digits"},
	CodeInvalidCardNumberFormat: {"在留カード番号は12桁である必要があります", "Card number must be 12 characters"},
	CodeInvalidInput:            {"入力内容が正しくありません", "Invalid input"},
	CodeNoPIN:                   {"PINが入力されていません", "PIN is required"},
	CodeNoCardNumber:            {"在留カード番号が入力されていません", "Card number is required"},
	CodeTimeout:                 {"カード読み取りがタイムアウトしました", "Card reading timed out"},
	CodeCancelled:               {"スキャンがキャンセルされました", "Scan cancelled"},
	CodeReadError:               {"読み取りエラー", "Read error"},
	CodeUnknown:                 {"予期しないエラー", "Unexpected error"},
}

// Messages returns the Japanese and English text of c.
func (c Code) Messages() (ja, en string) {
	m, ok := messages[c]
	if !ok {
		m = messages[CodeUnknown]
	}
	return m[0], m[1]
}

// Failure is the error half of a scan outcome.
type Failure struct {
	Code      Code   `json:"error"`
	MessageJA string `json:"error_ja"`
	MessageEN string `json:"error_en"`
	// Step is the protocol step that failed, when known.
	Step           string `json:"step,omitempty"`
	Detail         string `json:"detail,omitempty"`
	Hint           string `json:"hint,omitempty"`
	RemainingTries *int   `json:"remaining_tries,omitempty"`
}

func NewFailure(code Code) *Failure {
	ja, en := code.Messages()
	return &Failure{Code: code, MessageJA: ja, MessageEN: en}
}

func (f *Failure) Error() string {
	msg := string(f.Code)
	if f.Step != "" {
		msg += " at " + f.Step
	}
	if f.Detail != "" {
		msg += ": " + f.Detail
	}
	return msg
}

// Classify maps an error returned by a card reader to its Failure. Errors
// matching no known kind become UNKNOWN_ERROR.
func Classify(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}

	f = NewFailure(classifyCode(err))
	f.Detail = err.Error()

	var (
		bacErr    *bac.AuthError
		zairyuErr *zairyu.AuthError
		relayErr  *felica.RelayError
		pinErr    *mynumber.PINError
	)
	switch {
	case errors.As(err, &zairyuErr):
		f.Step = zairyuErr.Step
	case errors.As(err, &bacErr):
		f.Step = bacErr.Step
	case errors.As(err, &relayErr):
		f.Step = relayErr.Step
	case errors.As(err, &pinErr):
		if !pinErr.Locked {
			n := pinErr.Retries
			f.RemainingTries = &n
			f.MessageJA = fmt.Sprintf("PINが間違っています（残り%d回）", n)
			f.MessageEN = fmt.Sprintf("Wrong PIN (%d tries remaining)", n)
		} else {
			zero := 0
			f.RemainingTries = &zero
		}
	}
	if f.Code == CodeInvalidCardNumberFormat {
		f.Hint = "Example: AB12345678CD"
	}
	return f
}

func classifyCode(err error) Code {
	var (
		netErr   net.Error
		relayErr *felica.RelayError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, card.ErrNoReader):
		return CodeNoReader
	case errors.Is(err, card.ErrNoCard), errors.Is(err, felica.ErrNoCard):
		return CodeNoCard
	case errors.Is(err, card.ErrCardRemoved):
		return CodeCardRemoved
	case errors.Is(err, card.ErrConnection):
		return CodeConnection

	case errors.Is(err, mynumber.ErrCardLocked):
		return CodeCardLocked
	case errors.Is(err, mynumber.ErrWrongPIN):
		return CodeWrongPIN
	case errors.Is(err, mynumber.ErrNotMyNumber):
		return CodeNotMyNumber
	case errors.Is(err, mynumber.ErrNoPIN):
		return CodeNoPIN
	case errors.Is(err, mynumber.ErrInvalidPIN):
		return CodeInvalidPINFormat

	case errors.Is(err, zairyu.ErrWrongCardNumber):
		return CodeWrongCardNumber
	case errors.Is(err, zairyu.ErrNotZairyu):
		return CodeNotZairyu
	case errors.Is(err, zairyu.ErrInvalidCardNumber):
		return CodeInvalidCardNumberFormat
	case errors.Is(err, bac.ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, zairyu.ErrAuthFailed), errors.Is(err, bac.ErrAuthFailed):
		return CodeAuthFailed

	case errors.Is(err, felica.ErrUnsupported):
		return CodeUnsupported
	case errors.Is(err, felica.ErrNoTransport):
		return CodeNoReader
	case errors.As(err, &relayErr):
		if errors.As(err, &netErr) {
			return CodeConnection
		}
		return CodeAuthFailed
	}

	if _, ok := iso7816.StatusOf(err); ok {
		return CodeReadError
	}
	var feliCaStatus *felica.StatusError
	if errors.As(err, &feliCaStatus) ||
		errors.Is(err, felica.ErrMalformed) ||
		errors.Is(err, mynumber.ErrMalformed) ||
		errors.Is(err, zairyu.ErrBadSMObject) ||
		errors.Is(err, zairyu.ErrNotAuthenticated) {
		return CodeReadError
	}
	return CodeUnknown
}
