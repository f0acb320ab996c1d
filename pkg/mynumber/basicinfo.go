package mynumber

import (
	"fmt"
	"strings"

	"github.com/gregLibert/nfc-bridge/pkg/jptext"
)

// BASIC FOUR INFORMATION LAYOUT:
// The file starts with a header whose bytes 7, 9, 11 and 13 are the offsets of the
// name, address, birth date and gender segments (low byte of a 2-byte big-endian
// offset). Each segment is a 2-byte tag, a 1-byte length and the value. The
// segments are located through this table, never by walking tags.
const (
	ptrName      = 7
	ptrAddress   = 9
	ptrBirthDate = 11
	ptrGender    = 13
)

// Genders maps the gender code to its label.
var Genders = map[string]string{
	"1": "男性",
	"2": "女性",
	"3": "その他",
}

// BasicInfo is the 基本4情報 of the card holder.
type BasicInfo struct {
	Name       string `json:"name"`
	Address    string `json:"address"`
	BirthDate  string `json:"birthdate"`
	Gender     string `json:"gender"`
	GenderCode string `json:"gender_code"`
}

// ParseBasicInfo extracts the four segments of the basic information file.
func ParseBasicInfo(data []byte) (*BasicInfo, error) {
	attr := func(ptrPos int) (string, error) {
		if ptrPos >= len(data) {
			return "", fmt.Errorf("%w: header truncated at %d", ErrMalformed, ptrPos)
		}
		seg := int(data[ptrPos])
		if seg+3 > len(data) {
			return "", fmt.Errorf("%w: segment %d out of range", ErrMalformed, seg)
		}
		start := seg + 3
		end := start + int(data[seg+2])
		if end > len(data) {
			return "", fmt.Errorf("%w: segment %d length %d past end", ErrMalformed, seg, data[seg+2])
		}
		return jptext.Decode(data[start:end], jptext.MyNumberOrder...), nil
	}

	var info BasicInfo
	var err error
	if info.Name, err = attr(ptrName); err != nil {
		return nil, err
	}
	if info.Address, err = attr(ptrAddress); err != nil {
		return nil, err
	}
	if info.BirthDate, err = attr(ptrBirthDate); err != nil {
		return nil, err
	}
	gender, err := attr(ptrGender)
	if err != nil {
		return nil, err
	}
	info.GenderCode = strings.TrimSpace(gender)
	info.Gender = info.GenderCode
	if label, ok := Genders[info.GenderCode]; ok {
		info.Gender = label
	}
	return &info, nil
}

// FormatBirthDate renders a YYYYMMDD date as YYYY/MM/DD. Other values are
// returned unchanged.
func FormatBirthDate(s string) string {
	if len(s) != 8 {
		return s
	}
	return s[:4] + "/" + s[4:6] + "/" + s[6:]
}
