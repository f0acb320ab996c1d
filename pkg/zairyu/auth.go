// Package zairyu reads the Japanese residence card (在留カード) and the special
// permanent resident certificate.
//
// ACCESS CONTROL:
// The card number printed on the card is the only secret. Both the encryption and
// the MAC key of the handshake are SHA-1(card number)[0:16], without parity
// adjustment.
//
//  1. SELECT MF, GET CHALLENGE -> RND.ICC.
//  2. MUTUAL AUTHENTICATE with E.IFD = 3DES(RND.IFD || RND.ICC || K.IFD) (exactly 32
//     bytes, no padding) followed by its Retail MAC. The card answers E.ICC || M.ICC.
//  3. E.ICC decrypts to RND.ICC || RND.IFD || K.ICC. KSenc is derived from
//     K.IFD xor K.ICC with the ENC counter. There is no MAC session key.
//  4. VERIFY (CLA '08', P2 '86') with the padded card number encrypted under KSenc,
//     wrapped in a '86' data object. 9000 unlocks DF1 to DF3.
//
// SECURE MESSAGING READ:
// READ BINARY is sent with CLA '08', an extended-length '96 02 NN NN' Le object and
// Le '0000'. The card answers '86 L 01 <ciphertext>' and the plaintext carries
// ISO 9797-1 padding. Responses are not MACed.
package zairyu

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/gregLibert/nfc-bridge/pkg/card"
	"github.com/gregLibert/nfc-bridge/pkg/iso7816"
	"github.com/gregLibert/nfc-bridge/pkg/jptext"
	"github.com/gregLibert/nfc-bridge/pkg/smcrypto"
	"github.com/gregLibert/nfc-bridge/pkg/tlv"
)

// CardNumberLength is the number of characters printed on the card.
const CardNumberLength = 12

func dfAID(n byte) []byte {
	aid := make([]byte, 16)
	copy(aid, []byte{0xD3, 0x92, 0xF0, 0x00, 0x4F, n})
	return aid
}

// Dedicated files of the residence card application.
var (
	AIDDF1 = dfAID(0x02) // card face images
	AIDDF2 = dfAID(0x03) // address and endorsements
	AIDDF3 = dfAID(0x04) // electronic signature
)

// Short EF identifiers.
const (
	EFCommon       byte = 0x01 // MF
	EFCardType     byte = 0x02 // MF
	EFFrontImage   byte = 0x05 // DF1
	EFPhoto        byte = 0x06 // DF1
	EFAddress      byte = 0x01 // DF2
	EFEndorsement1 byte = 0x02 // DF2
	EFEndorsement2 byte = 0x03 // DF2
	EFEndorsement3 byte = 0x04 // DF2
	EFSignature    byte = 0x02 // DF3
)

// Handshake steps reported by AuthError.
const (
	StepSelectMF         = "select MF"
	StepChallenge        = "get challenge"
	StepMutualAuth       = "mutual authenticate"
	StepVerifyMAC        = "verify card cryptogram"
	StepVerifyNonce      = "verify card nonces"
	StepVerifyCardNumber = "verify card number"
)

var (
	// ErrAuthFailed is matched by every AuthError.
	ErrAuthFailed = errors.New("zairyu: authentication failed")
	// ErrWrongCardNumber is matched when the card rejected the VERIFY of the card number.
	ErrWrongCardNumber = errors.New("zairyu: card number does not match")
	// ErrNotZairyu is matched when the master file cannot be selected.
	ErrNotZairyu = errors.New("zairyu: not a residence card")
	// ErrNotAuthenticated is returned by secure messaging reads before VERIFY succeeded.
	ErrNotAuthenticated = errors.New("zairyu: secure messaging requires an authenticated session")
	// ErrInvalidCardNumber reports input that is not 12 ASCII letters and digits.
	ErrInvalidCardNumber = errors.New("zairyu: card number must be 12 alphanumeric characters")
	// ErrBadSMObject reports a secure messaging response without a '86' object.
	ErrBadSMObject = errors.New("zairyu: malformed secure messaging response")
)

// AuthError reports the handshake step that failed and the card status word, if any.
type AuthError struct {
	Step string
	SW   iso7816.StatusWord
	Err  error
}

func (e *AuthError) Error() string {
	msg := "zairyu: " + e.Step + " failed"
	if e.SW != 0 {
		msg += fmt.Sprintf(" (SW=%04X)", uint16(e.SW))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Is(target error) bool { return target == ErrAuthFailed }

func (e *AuthError) Unwrap() error { return e.Err }

// NormalizeCardNumber folds full-width input to ASCII, upper-cases it and checks
// that 12 letters or digits remain.
func NormalizeCardNumber(s string) (string, error) {
	n := strings.ToUpper(jptext.Normalize(s))
	if len(n) != CardNumberLength {
		return "", ErrInvalidCardNumber
	}
	for i := 0; i < len(n); i++ {
		c := n[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'Z') {
			return "", ErrInvalidCardNumber
		}
	}
	return n, nil
}

// AuthKey is the handshake key for a card number (Kenc = Kmac).
func AuthKey(cardNumber string) []byte {
	h := sha1.Sum([]byte(cardNumber))
	return append([]byte(nil), h[:smcrypto.KeySize]...)
}

// Session drives one residence card over a client. Its session key lives until
// Close or the next handshake.
type Session struct {
	Client *iso7816.Client
	// Rand supplies RND.IFD then K.IFD. Nil uses crypto/rand.
	Rand   io.Reader
	Logger *slog.Logger

	state card.AuthState
	ksEnc []byte
}

// NewSession returns a Session over client.
func NewSession(client *iso7816.Client) *Session {
	return &Session{Client: client, Logger: client.Logger}
}

// State returns the handshake progress.
func (s *Session) State() card.AuthState { return s.state }

func (s *Session) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Session) rand() io.Reader {
	if s.Rand != nil {
		return s.Rand
	}
	return rand.Reader
}

// Close wipes the session key. The session is unauthenticated afterwards.
func (s *Session) Close() {
	smcrypto.Zero(s.ksEnc)
	s.ksEnc = nil
	s.state = card.Unauthenticated
}

// SelectMF selects the master file by its identifier '3F00'.
func (s *Session) SelectMF(ctx context.Context) error {
	resp, err := s.Client.Exchange(ctx, iso7816.SelectMF(iso7816.ClassPlain))
	if err != nil {
		return err
	}
	if !resp.Status.IsSuccess() {
		return &AuthError{Step: StepSelectMF, SW: resp.Status, Err: ErrNotZairyu}
	}
	return nil
}

// SelectDF selects a dedicated file by name without FCI.
func (s *Session) SelectDF(ctx context.Context, aid []byte) error {
	resp, err := s.Client.Exchange(ctx, iso7816.SelectApplication(iso7816.ClassPlain, aid))
	if err != nil {
		return err
	}
	return iso7816.CheckStatus(fmt.Sprintf("select DF %X", aid), resp)
}

// MutualAuthenticate selects the MF and establishes KSenc from the card number.
func (s *Session) MutualAuthenticate(ctx context.Context, cardNumber string) error {
	s.Close()

	if n, err := NormalizeCardNumber(cardNumber); err != nil || n != cardNumber {
		return ErrInvalidCardNumber
	}

	if err := s.SelectMF(ctx); err != nil {
		return err
	}

	resp, err := s.Client.Exchange(ctx, iso7816.GetChallenge(iso7816.ClassPlain, 8))
	if err != nil {
		return err
	}
	if !resp.Status.IsSuccess() || len(resp.Data) != 8 {
		return &AuthError{Step: StepChallenge, SW: resp.Status}
	}
	rndICC := resp.Data
	s.state = card.ChallengeReceived

	key := AuthKey(cardNumber)
	defer smcrypto.Zero(key)

	rndIFD := make([]byte, 8)
	kIFD := make([]byte, 16)
	if _, err := io.ReadFull(s.rand(), rndIFD); err != nil {
		return fmt.Errorf("zairyu: generating RND.IFD: %w", err)
	}
	if _, err := io.ReadFull(s.rand(), kIFD); err != nil {
		return fmt.Errorf("zairyu: generating K.IFD: %w", err)
	}
	defer smcrypto.Zero(kIFD)

	sIn := make([]byte, 0, 32)
	sIn = append(sIn, rndIFD...)
	sIn = append(sIn, rndICC...)
	sIn = append(sIn, kIFD...)
	eIFD := smcrypto.EncryptCBC(key, sIn)
	smcrypto.Zero(sIn)
	cmdData := append(eIFD, smcrypto.RetailMAC(key, eIFD)...)

	resp, err = s.Client.Exchange(ctx, iso7816.MutualAuthenticate(iso7816.ClassPlain, cmdData))
	if err != nil {
		return err
	}
	if !resp.Status.IsSuccess() {
		return &AuthError{Step: StepMutualAuth, SW: resp.Status}
	}
	if len(resp.Data) != 40 {
		return &AuthError{Step: StepMutualAuth, SW: resp.Status,
			Err: fmt.Errorf("%d response bytes, want 40", len(resp.Data))}
	}

	eICC, mICC := resp.Data[:32], resp.Data[32:]
	if !smcrypto.VerifyMAC(key, eICC, mICC) {
		return &AuthError{Step: StepVerifyMAC, Err: errors.New("MAC mismatch")}
	}

	dec := smcrypto.DecryptCBC(key, eICC)
	defer smcrypto.Zero(dec)
	if !bytes.Equal(dec[:8], rndICC) {
		return &AuthError{Step: StepVerifyNonce, Err: errors.New("RND.ICC mismatch")}
	}
	if !bytes.Equal(dec[8:16], rndIFD) {
		return &AuthError{Step: StepVerifyNonce, Err: errors.New("RND.IFD mismatch")}
	}

	seed := smcrypto.XOR(kIFD, dec[16:32])
	s.ksEnc = smcrypto.DeriveKey(seed, smcrypto.CounterENC)
	smcrypto.Zero(seed)
	s.logger().Debug("zairyu session key established")
	return nil
}

// VerifyCardNumber proves knowledge of the card number under the session key.
func (s *Session) VerifyCardNumber(ctx context.Context, cardNumber string) error {
	if s.ksEnc == nil {
		return ErrNotAuthenticated
	}
	if len(cardNumber) != CardNumberLength {
		return ErrInvalidCardNumber
	}

	padded := smcrypto.Pad([]byte(cardNumber))
	enc := smcrypto.EncryptCBC(s.ksEnc, padded)
	smcrypto.Zero(padded)

	do := make([]byte, 0, 3+len(enc))
	do = append(do, 0x86, byte(len(enc)+1), 0x01)
	do = append(do, enc...)

	resp, err := s.Client.Exchange(ctx, iso7816.Verify(iso7816.ClassSM, 0x86, do))
	if err != nil {
		return err
	}
	if !resp.Status.IsSuccess() {
		return &AuthError{Step: StepVerifyCardNumber, SW: resp.Status, Err: ErrWrongCardNumber}
	}
	s.state = card.Authenticated
	s.logger().Info("zairyu card number verified", "card", card.Mask(cardNumber, 4, 2))
	return nil
}

// Authenticate runs MutualAuthenticate then VerifyCardNumber.
func (s *Session) Authenticate(ctx context.Context, cardNumber string) error {
	if err := s.MutualAuthenticate(ctx, cardNumber); err != nil {
		return err
	}
	return s.VerifyCardNumber(ctx, cardNumber)
}

// smReadCommand is READ BINARY under secure messaging with an explicit length object.
func smReadCommand(p1, p2 byte, n int) *iso7816.CommandAPDU {
	ins, _ := iso7816.NewInstruction(iso7816.INS_READ_BINARY)
	le := []byte{0x96, 0x02, byte(n >> 8), byte(n)}
	return iso7816.NewCommandAPDU(iso7816.ClassSM, ins, p1, p2, le, iso7816.MaxExtendedLe)
}

// ReadBinarySM reads up to maxLength plaintext bytes of the EF with short
// identifier ef in the current DF. The loop stops on a short chunk, on a non-9000
// status after the first chunk, or after ceil(maxLength/256) commands.
func (s *Session) ReadBinarySM(ctx context.Context, ef byte, maxLength int) ([]byte, error) {
	if s.state != card.Authenticated || s.ksEnc == nil {
		return nil, ErrNotAuthenticated
	}

	var out []byte
	maxChunks := (maxLength + iso7816.ReadChunkSize - 1) / iso7816.ReadChunkSize
	offset := 0
	for i := 0; offset < maxLength && i < maxChunks; i++ {
		p1, p2 := 0x80|ef&0x1F, byte(0)
		if offset > 0 {
			p1, p2 = byte(offset>>8)&0x7F, byte(offset)
		}
		want := min(iso7816.ReadChunkSize, maxLength-offset)

		resp, err := s.Client.Exchange(ctx, smReadCommand(p1, p2, want))
		if err != nil {
			return out, err
		}
		if !resp.Status.IsSuccess() {
			if offset == 0 {
				return nil, &iso7816.StatusError{Op: fmt.Sprintf("read EF%02X", ef), SW: resp.Status}
			}
			break
		}

		plain, err := s.unwrap(resp.Data)
		if err != nil {
			if offset == 0 {
				return nil, fmt.Errorf("read EF%02X: %w", ef, err)
			}
			s.logger().Debug("zairyu sm read stopped", "ef", ef, "offset", offset, "err", err)
			break
		}

		out = append(out, plain...)
		offset += len(plain)
		if len(plain) < want {
			break
		}
	}
	return out, nil
}

// unwrap decrypts a '86' data object. The padding indicator '01' is optional and
// a ciphertext that is not block aligned is zero filled.
func (s *Session) unwrap(data []byte) ([]byte, error) {
	if len(data) < 4 || data[0] != 0x86 {
		return nil, ErrBadSMObject
	}
	l, n, err := tlv.ReadLength(data[1:])
	if err != nil {
		return nil, ErrBadSMObject
	}
	start := 1 + n
	content := data[start:min(start+l, len(data))]
	if len(content) > 0 && content[0] == 0x01 {
		content = content[1:]
	}

	ct := make([]byte, (len(content)+smcrypto.BlockSize-1)/smcrypto.BlockSize*smcrypto.BlockSize)
	copy(ct, content)
	return smcrypto.Unpad(smcrypto.DecryptCBC(s.ksEnc, ct)), nil
}

// ReadBinaryPlain reads a free-access EF of the current DF by short identifier.
func (s *Session) ReadBinaryPlain(ctx context.Context, ef byte, maxLength int) ([]byte, error) {
	return iso7816.ReadBinaryChunked(ctx, s.Client, iso7816.ClassPlain, ef, maxLength)
}
