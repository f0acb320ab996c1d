package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/gregLibert/nfc-bridge/pkg/bac"
	"github.com/gregLibert/nfc-bridge/pkg/card"
	"github.com/gregLibert/nfc-bridge/pkg/felica"
	"github.com/gregLibert/nfc-bridge/pkg/iso7816"
	"github.com/gregLibert/nfc-bridge/pkg/mynumber"
	"github.com/gregLibert/nfc-bridge/pkg/zairyu"
)

// readFunc reads the card of t. It runs on a worker.
type readFunc func(ctx context.Context, t *target) (any, error)

// target is where a scan finds its card: a PC/SC reader slot, or a raw FeliCa
// transport for the relay path.
type target struct {
	name   string
	reader card.Reader
	felica FeliCaTransport
}

func (t *target) present(ctx context.Context) (bool, error) {
	if t.felica != nil {
		_, err := felica.Poll(ctx, t.felica, felica.SystemCodeSuica)
		if errors.Is(err, felica.ErrNoCard) {
			return false, nil
		}
		return err == nil, err
	}
	return t.reader.CardPresent()
}

// acquire locates the target of a scan. A Suica scan prefers the RC-S380
// relay transport and falls back to PC/SC.
func (b *Bridge) acquire(ctx context.Context, kind CardType) (*target, error) {
	if kind == CardSuica && b.opts.Relay != nil && b.opts.OpenFeliCa != nil {
		ft, err := b.opts.OpenFeliCa(ctx)
		switch {
		case err == nil:
			return &target{name: "Sony RC-S380", felica: ft}, nil
		case errors.Is(err, felica.ErrNoTransport):
			b.logger.Debug("no FeliCa transport, using PC/SC")
		default:
			b.logger.Warn("FeliCa transport unavailable, using PC/SC", "err", err)
		}
	}
	r, err := b.provider.Reader()
	if err != nil {
		return nil, err
	}
	return &target{name: r.Name(), reader: r}, nil
}

// withSession connects to the card of a PC/SC target for the duration of fn.
func (b *Bridge) withSession(t *target, fn func(card.Session) (any, error)) (any, error) {
	if t.reader == nil {
		return nil, card.ErrNoReader
	}
	sess, err := t.reader.Connect()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := sess.Disconnect(); err != nil {
			b.logger.Warn("card disconnect failed", "err", err)
		}
	}()
	return fn(sess)
}

// partial keeps a nil result out of the any it is returned as.
func partial[T any](v *T, err error) (any, error) {
	if v == nil {
		return nil, err
	}
	return v, err
}

// prepare validates req and returns its read function, plus the cache key for
// cached card types.
func (b *Bridge) prepare(kind CardType, req Request, requirePIN bool) (readFunc, string, *Failure) {
	switch kind {
	case CardGeneric:
		return b.readGeneric, "", nil

	case CardCCCD:
		if req.CardNumber == "" || req.BirthDate == "" || req.ExpiryDate == "" {
			f := NewFailure(CodeInvalidInput)
			f.Detail = "card_number, birth_date and expiry_date are required"
			return nil, "", f
		}
		p := bac.Params{DocumentNumber: req.CardNumber, BirthDate: req.BirthDate, ExpiryDate: req.ExpiryDate}
		return func(ctx context.Context, t *target) (any, error) {
			return b.withSession(t, func(sess card.Session) (any, error) {
				r := &bac.Reader{Rand: b.opts.Rand, Logger: b.logger}
				return partial(r.Read(ctx, sess, p))
			})
		}, "", nil

	case CardZairyu:
		if req.CardNumber == "" {
			return nil, "", NewFailure(CodeNoCardNumber)
		}
		number, err := zairyu.NormalizeCardNumber(req.CardNumber)
		if err != nil {
			return nil, "", Classify(err)
		}
		return func(ctx context.Context, t *target) (any, error) {
			return b.withSession(t, func(sess card.Session) (any, error) {
				r := &zairyu.Reader{
					Rand:     b.opts.Rand,
					Logger:   b.logger,
					Codec:    b.opts.Codec,
					OCR:      b.opts.OCR,
					Fallback: b.opts.OCRFallback,
				}
				return partial(r.Read(ctx, sess, number))
			})
		}, CacheKey(number, ""), nil

	case CardMyNumber:
		var pin string
		if req.PIN == "" {
			if requirePIN {
				return nil, "", NewFailure(CodeNoPIN)
			}
		} else {
			var err error
			if pin, err = mynumber.NormalizePIN(req.PIN); err != nil {
				return nil, "", Classify(err)
			}
		}
		return func(ctx context.Context, t *target) (any, error) {
			return b.withSession(t, func(sess card.Session) (any, error) {
				return partial(b.readMyNumber(ctx, sess, pin))
			})
		}, "", nil

	case CardSuica:
		return b.readSuica, "", nil
	}

	f := NewFailure(CodeInvalidInput)
	f.Detail = fmt.Sprintf("unknown card type %q", kind)
	return nil, "", f
}

// MyNumberData is the outcome of a My Number read: the free-access card
// information, plus the personal information when a PIN was given.
type MyNumberData struct {
	UID string `json:"uid,omitempty"`
	*mynumber.CardInfo
	*mynumber.Result
	PINVerified bool   `json:"pin_verified"`
	Note        string `json:"note,omitempty"`
}

func (b *Bridge) readMyNumber(ctx context.Context, sess card.Session, pin string) (*MyNumberData, error) {
	c := &iso7816.Client{Card: sess, Logger: b.logger}
	r := &mynumber.Reader{Logger: b.logger}
	d := &MyNumberData{}

	resp, err := c.Exchange(ctx, iso7816.GetUID())
	if err != nil {
		return nil, err
	}
	if resp.Status.IsSuccess() {
		d.UID = hexUpper(resp.Data)
	}

	if d.CardInfo, err = r.ReadCardInfo(ctx, sess); err != nil {
		return d, err
	}
	if pin == "" {
		d.Note = "4桁のPINを入力すると個人番号・氏名・住所などが読み取れます"
		return d, nil
	}

	res, err := r.ReadPersonalInfo(ctx, sess, pin)
	d.Result = res
	if err != nil {
		return d, err
	}
	d.PINVerified = true
	return d, nil
}

func (b *Bridge) readSuica(ctx context.Context, t *target) (any, error) {
	if t.felica != nil {
		r := &felica.RelayReader{Client: b.opts.Relay, Logger: b.logger}
		return partial(r.Read(ctx, t.felica))
	}
	return b.withSession(t, func(sess card.Session) (any, error) {
		r := &felica.LocalReader{Logger: b.logger}
		return partial(r.Read(ctx, sess))
	})
}

func (b *Bridge) readGeneric(ctx context.Context, t *target) (any, error) {
	return b.withSession(t, func(sess card.Session) (any, error) {
		return partial(readGeneric(ctx, sess, t.name, b.logger))
	})
}

func (b *Bridge) readDetect(ctx context.Context, t *target) (any, error) {
	return b.withSession(t, func(sess card.Session) (any, error) {
		return partial(detect(ctx, sess, t.name, b.logger))
	})
}
