package zairyu

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/gregLibert/nfc-bridge/pkg/card"
	"github.com/gregLibert/nfc-bridge/pkg/iso7816"
	"github.com/gregLibert/nfc-bridge/pkg/jptext"
	"github.com/gregLibert/nfc-bridge/pkg/tlv"
)

// Maximum file sizes read under secure messaging.
const (
	MaxFrontImage = 8000
	MaxPhoto      = 4000
	MaxTextFile   = 1000
	MaxSignature  = 2048
)

// Tags of the image objects in DF1.
const (
	TagFrontImage byte = 0xD0
	TagPhoto      byte = 0xD1
)

// Card type codes of MF/EF02.
const (
	CardTypeResidence        byte = 0x01
	CardTypeSpecialPermanent byte = 0x02
)

// CardTypeLabels maps a card type code to its Japanese and English names.
var CardTypeLabels = map[byte][2]string{
	CardTypeResidence:        {"在留カード", "Residence Card"},
	CardTypeSpecialPermanent: {"特別永住者証明書", "Special Permanent Resident Certificate"},
}

// TextFile is a DF2 file decoded as SIMPLE-TLV text objects.
type TextFile struct {
	EF     string            `json:"ef"`
	Fields map[string]string `json:"fields,omitempty"`
	Raw    string            `json:"raw,omitempty"`
}

// Result is what a residence card read produces.
type Result struct {
	UID           string      `json:"uid,omitempty"`
	ATR           string      `json:"atr,omitempty"`
	CardNumber    string      `json:"card_number_input,omitempty"`
	MFSelected    bool        `json:"mf_selected"`
	CardTypeRaw   string      `json:"card_type_raw,omitempty"`
	CardType      string      `json:"card_type,omitempty"`
	CardTypeEN    string      `json:"card_type_en,omitempty"`
	CommonData    string      `json:"common_data_raw,omitempty"`
	AuthHint      string      `json:"auth_hint,omitempty"`
	AuthMethod    string      `json:"auth_method,omitempty"`
	MutualAuth    bool        `json:"mutual_auth"`
	Authenticated bool        `json:"authenticated"`
	FrontImage    *Image      `json:"front_image,omitempty"`
	Photo         *Image      `json:"photo,omitempty"`
	Address       *TextFile   `json:"address,omitempty"`
	Endorsements  []*TextFile `json:"endorsements,omitempty"`
	SignatureSize int         `json:"signature_size,omitempty"`
	OCR           *OCRResult  `json:"ocr_result,omitempty"`
	OCRNote       string      `json:"ocr_note,omitempty"`
	ReadComplete  bool        `json:"read_complete"`
	FromCache     bool        `json:"from_cache,omitempty"`
}

// Reader reads a residence card over one card session.
type Reader struct {
	Rand   io.Reader
	Logger *slog.Logger
	Codec  ImageCodec
	// OCR extracts the printed fields from the front image; Fallback fills the
	// critical fields OCR missed. Both are optional.
	OCR      OCRProvider
	Fallback OCRProvider
}

func (r *Reader) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Read collects the free-access data, authenticates with the card number and
// reads the protected files. The partially filled result is returned with the
// error when a step fails. cardNumber must be normalised.
func (r *Reader) Read(ctx context.Context, sess card.Session, cardNumber string) (*Result, error) {
	client := &iso7816.Client{Card: sess, Logger: r.Logger}
	s := &Session{Client: client, Rand: r.Rand, Logger: r.Logger}
	defer s.Close()

	res := &Result{
		ATR:        strings.ToUpper(hex.EncodeToString(sess.ATR())),
		CardNumber: card.Mask(cardNumber, 4, 2),
	}

	resp, err := client.Exchange(ctx, iso7816.GetUID())
	if err != nil {
		return res, err
	}
	if resp.Status.IsSuccess() {
		res.UID = strings.ToUpper(hex.EncodeToString(resp.Data))
	}

	if err := r.readFreeAccess(ctx, s, res); err != nil {
		return res, err
	}

	err = s.MutualAuthenticate(ctx, cardNumber)
	res.MutualAuth = err == nil
	if err != nil {
		return res, err
	}
	if err := s.VerifyCardNumber(ctx, cardNumber); err != nil {
		return res, err
	}
	res.Authenticated = true

	if err := r.readImages(ctx, s, res); err != nil {
		return res, err
	}
	if err := r.readTextFiles(ctx, s, res); err != nil {
		return res, err
	}
	if err := r.readSignature(ctx, s, res); err != nil {
		return res, err
	}

	if res.FrontImage != nil && r.OCR != nil {
		res.OCR = RecognizeFields(ctx, r.OCR, r.Fallback, res.FrontImage.Data, r.logger())
	} else if r.OCR == nil {
		res.OCRNote = "No OCR provider configured"
	}

	res.ReadComplete = true
	return res, nil
}

// refused reports errors meaning the card answered but declined the read.
// Those only leave a field empty.
func refused(err error) bool {
	_, ok := iso7816.StatusOf(err)
	return ok || errors.Is(err, ErrBadSMObject)
}

func (r *Reader) readFreeAccess(ctx context.Context, s *Session, res *Result) error {
	if err := s.SelectMF(ctx); err != nil {
		return err
	}
	res.MFSelected = true

	data, err := s.ReadBinaryPlain(ctx, EFCardType, iso7816.ReadChunkSize)
	switch {
	case err != nil && !refused(err):
		return err
	case len(data) > 0:
		res.CardTypeRaw = strings.ToUpper(hex.EncodeToString(data))
		if l, ok := CardTypeLabels[data[0]]; ok {
			res.CardType, res.CardTypeEN = l[0], l[1]
		} else {
			res.CardType = fmt.Sprintf("Unknown (%02X)", data[0])
		}
	}

	data, err = s.ReadBinaryPlain(ctx, EFCommon, iso7816.ReadChunkSize)
	if err != nil && !refused(err) {
		return err
	}
	res.CommonData = strings.ToUpper(hex.EncodeToString(data))

	res.AuthHint = "Card number only (12 characters)"
	res.AuthMethod = "MUTUAL_AUTH + VERIFY"
	return nil
}

// readImage selects DF1 and extracts the object with the given tag from the EF.
// When the tag is absent the whole file is taken as the image.
func (r *Reader) readImage(ctx context.Context, s *Session, ef byte, max int, tag byte) (*Image, error) {
	if err := s.SelectDF(ctx, AIDDF1); err != nil {
		return nil, err
	}
	data, err := s.ReadBinarySM(ctx, ef, max)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	if v, ok := tlv.FindSimple(data, tag); ok {
		data = v
	} else {
		r.logger().Warn("zairyu image tag not found", "ef", ef, "tag", fmt.Sprintf("%02X", tag))
	}

	img, err := newImage(ctx, r.Codec, data)
	if err != nil {
		r.logger().Warn("zairyu image conversion failed", "ef", ef, "format", img.OriginalType, "err", err)
	}
	return img, nil
}

func (r *Reader) readImages(ctx context.Context, s *Session, res *Result) error {
	img, err := r.readImage(ctx, s, EFFrontImage, MaxFrontImage, TagFrontImage)
	if err != nil && !refused(err) {
		return err
	}
	res.FrontImage = img

	img, err = r.readImage(ctx, s, EFPhoto, MaxPhoto, TagPhoto)
	if err != nil && !refused(err) {
		return err
	}
	res.Photo = img
	return nil
}

func (r *Reader) readTextFiles(ctx context.Context, s *Session, res *Result) error {
	if err := s.SelectDF(ctx, AIDDF2); err != nil {
		if refused(err) {
			r.logger().Debug("zairyu DF2 not selectable", "err", err)
			return nil
		}
		return err
	}

	for _, ef := range []byte{EFAddress, EFEndorsement1, EFEndorsement2, EFEndorsement3} {
		data, err := s.ReadBinarySM(ctx, ef, MaxTextFile)
		if err != nil {
			if refused(err) {
				continue
			}
			return err
		}
		if len(data) == 0 {
			continue
		}
		tf := ParseTextFile(data)
		tf.EF = fmt.Sprintf("%02X", ef)
		if ef == EFAddress {
			res.Address = tf
		} else {
			res.Endorsements = append(res.Endorsements, tf)
		}
	}
	return nil
}

func (r *Reader) readSignature(ctx context.Context, s *Session, res *Result) error {
	if err := s.SelectDF(ctx, AIDDF3); err != nil {
		if refused(err) {
			return nil
		}
		return err
	}
	data, err := s.ReadBinarySM(ctx, EFSignature, MaxSignature)
	if err != nil && !refused(err) {
		return err
	}
	res.SignatureSize = len(data)
	return nil
}

// ParseTextFile decodes the text objects of a DF2 file, keyed by tag. Padding
// objects (tag '00' or 'FF') are skipped. A file that does not decode at all is
// kept as hex.
func ParseTextFile(data []byte) *TextFile {
	objs, _ := tlv.ParseSimple(data)
	tf := &TextFile{Fields: make(map[string]string)}
	for _, o := range objs {
		if o.Tag == 0x00 || o.Tag == 0xFF || len(o.Value) == 0 {
			continue
		}
		tf.Fields[fmt.Sprintf("%02X", o.Tag)] = jptext.DecodeTrimmed(o.Value, jptext.ZairyuOrder...)
	}
	if len(tf.Fields) == 0 {
		tf.Fields = nil
		tf.Raw = strings.ToUpper(hex.EncodeToString(data))
	}
	return tf
}
