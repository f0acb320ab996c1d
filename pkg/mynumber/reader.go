package mynumber

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gregLibert/nfc-bridge/pkg/card"
	"github.com/gregLibert/nfc-bridge/pkg/iso7816"
)

// Result is the personal information released by the profile PIN.
type Result struct {
	MyNumber       string `json:"my_number,omitempty"`
	Name           string `json:"name,omitempty"`
	Address        string `json:"address,omitempty"`
	BirthDate      string `json:"birthdate,omitempty"`
	Gender         string `json:"gender,omitempty"`
	GenderCode     string `json:"gender_code,omitempty"`
	BasicInfoError string `json:"basic_info_error,omitempty"`
}

// Reader reads My Number cards over a card session.
type Reader struct {
	Logger *slog.Logger
}

// ReadPersonalInfo verifies the profile PIN and reads the individual number and
// the basic four information. pin must already be normalised. A basic
// information failure is recorded in the result, not returned.
func (r *Reader) ReadPersonalInfo(ctx context.Context, sess card.Session, pin string) (*Result, error) {
	c := &Card{Client: &iso7816.Client{Card: sess, Logger: r.Logger}, Logger: r.Logger}

	if err := c.SelectProfile(ctx); err != nil {
		return nil, err
	}
	if err := c.VerifyPIN(ctx, pin); err != nil {
		return nil, err
	}

	num, err := c.ReadMyNumber(ctx)
	if err != nil {
		return nil, err
	}
	res := &Result{MyNumber: num}
	c.logger().Info("mynumber read", "number", card.Mask(num, 4, 4))

	info, err := c.ReadBasicInfo(ctx)
	if err != nil {
		if !refused(err) && !errors.Is(err, ErrMalformed) {
			return res, err
		}
		c.logger().Warn("mynumber basic info unavailable", "err", err)
		res.BasicInfoError = err.Error()
		return res, nil
	}
	res.Name = info.Name
	res.Address = info.Address
	res.BirthDate = FormatBirthDate(info.BirthDate)
	res.Gender = info.Gender
	res.GenderCode = info.GenderCode
	return res, nil
}

// ReadCardInfo reads the free-access information.
func (r *Reader) ReadCardInfo(ctx context.Context, sess card.Session) (*CardInfo, error) {
	c := &Card{Client: &iso7816.Client{Card: sess, Logger: r.Logger}, Logger: r.Logger}
	return c.ReadCardInfo(ctx)
}
