// Package bac implements ICAO 9303 Basic Access Control and the Vietnamese
// citizen identity card (CCCD) reader built on it.
package bac

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/gregLibert/nfc-bridge/pkg/card"
	"github.com/gregLibert/nfc-bridge/pkg/iso7816"
	"github.com/gregLibert/nfc-bridge/pkg/smcrypto"
)

// AIDMRTD is the ICAO LDS1 eMRTD application.
var AIDMRTD = []byte{0xA0, 0x00, 0x00, 0x02, 0x47, 0x10, 0x01}

// Handshake steps reported by AuthError.
const (
	StepSelect       = "select MRTD application"
	StepChallenge    = "get challenge"
	StepExternalAuth = "external authenticate"
	StepVerifyMAC    = "verify card cryptogram"
	StepVerifyNonce  = "verify card nonce"
)

var (
	// ErrAuthFailed is matched by every AuthError.
	ErrAuthFailed = errors.New("bac: authentication failed")
	// ErrInvalidInput reports malformed MRZ fields.
	ErrInvalidInput = errors.New("bac: invalid input")
)

// AuthError reports the handshake step that failed and the card status word, if any.
type AuthError struct {
	Step string
	SW   iso7816.StatusWord
	Err  error
}

func (e *AuthError) Error() string {
	msg := "bac: " + e.Step + " failed"
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

// SessionKeys are the secure messaging keys agreed by BAC. SSC is the initial
// send sequence counter.
type SessionKeys struct {
	Enc []byte
	Mac []byte
	SSC []byte
}

// Zero wipes the keys.
func (k *SessionKeys) Zero() {
	if k != nil {
		smcrypto.Zero(k.Enc, k.Mac, k.SSC)
	}
}

// Authenticator runs the BAC handshake on a client.
type Authenticator struct {
	Client *iso7816.Client
	// Rand supplies RND.IFD then K.IFD. Nil uses crypto/rand.
	Rand   io.Reader
	Logger *slog.Logger

	state card.AuthState
}

// State returns the handshake progress.
func (a *Authenticator) State() card.AuthState { return a.state }

func (a *Authenticator) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func (a *Authenticator) rand() io.Reader {
	if a.Rand != nil {
		return a.Rand
	}
	return rand.Reader
}

// Authenticate selects the eMRTD application and performs BAC with keys derived
// from the MRZ fields (birth and expiry dates as YYMMDD).
func (a *Authenticator) Authenticate(ctx context.Context, docNumber, birthDate, expiryDate string) (*SessionKeys, error) {
	a.state = card.Unauthenticated

	if docNumber == "" || !isDate(birthDate) || !isDate(expiryDate) {
		return nil, fmt.Errorf("%w: document number and YYMMDD dates are required", ErrInvalidInput)
	}

	kenc, kmac := Keys(docNumber, birthDate, expiryDate)
	defer smcrypto.Zero(kenc, kmac)

	resp, err := a.Client.Exchange(ctx, iso7816.SelectApplication(iso7816.ClassPlain, AIDMRTD))
	if err != nil {
		return nil, err
	}
	if !resp.Status.IsSuccess() {
		return nil, &AuthError{Step: StepSelect, SW: resp.Status}
	}

	resp, err = a.Client.Exchange(ctx, iso7816.GetChallenge(iso7816.ClassPlain, 8))
	if err != nil {
		return nil, err
	}
	if !resp.Status.IsSuccess() || len(resp.Data) != 8 {
		return nil, &AuthError{Step: StepChallenge, SW: resp.Status}
	}
	rndIC := resp.Data
	a.state = card.ChallengeReceived

	rndIFD := make([]byte, 8)
	kIFD := make([]byte, 16)
	if _, err := io.ReadFull(a.rand(), rndIFD); err != nil {
		return nil, fmt.Errorf("bac: generating RND.IFD: %w", err)
	}
	if _, err := io.ReadFull(a.rand(), kIFD); err != nil {
		return nil, fmt.Errorf("bac: generating K.IFD: %w", err)
	}
	defer smcrypto.Zero(kIFD)

	s := make([]byte, 0, 32)
	s = append(s, rndIFD...)
	s = append(s, rndIC...)
	s = append(s, kIFD...)
	padded := smcrypto.Pad(s)
	eIFD := smcrypto.EncryptCBC(kenc, padded)
	smcrypto.Zero(s, padded)
	cmdData := append(eIFD, smcrypto.RetailMAC(kmac, eIFD)...)

	resp, err = a.externalAuthenticate(ctx, cmdData)
	if err != nil {
		return nil, err
	}
	if !resp.Status.IsSuccess() || len(resp.Data) < 40 {
		a.logger().Debug("bac external authenticate rejected", "sw", resp.Status.String(), "rlen", len(resp.Data))
		return nil, &AuthError{Step: StepExternalAuth, SW: resp.Status}
	}

	eIC, mIC := resp.Data[:32], resp.Data[32:40]
	if !smcrypto.VerifyMAC(kmac, eIC, mIC) {
		return nil, &AuthError{Step: StepVerifyMAC, Err: errors.New("MAC mismatch")}
	}

	r := smcrypto.DecryptCBC(kenc, eIC)
	defer smcrypto.Zero(r)
	if !bytes.Equal(r[8:16], rndIFD) {
		return nil, &AuthError{Step: StepVerifyNonce, Err: errors.New("RND.IFD not echoed")}
	}
	kIC := r[16:32]

	seed := smcrypto.XOR(kIFD, kIC)
	defer smcrypto.Zero(seed)

	keys := &SessionKeys{
		Enc: smcrypto.DeriveKey(seed, smcrypto.CounterENC),
		Mac: smcrypto.DeriveKey(seed, smcrypto.CounterMAC),
		SSC: append(append([]byte(nil), rndIC[4:]...), rndIFD[4:]...),
	}
	a.state = card.Authenticated
	a.logger().Debug("bac session established")
	return keys, nil
}

// externalAuthenticate sends the cryptogram without Le first. Some chips answer
// 67XX to that form and expect Le = '28'; 6CXX is corrected by the client.
func (a *Authenticator) externalAuthenticate(ctx context.Context, data []byte) (*iso7816.ResponseAPDU, error) {
	resp, err := a.Client.Exchange(ctx, iso7816.ExternalAuthenticate(iso7816.ClassPlain, data, 0))
	if err != nil {
		return nil, err
	}
	if resp.Status.SW1() == 0x67 {
		a.logger().Debug("bac external authenticate retried with Le", "sw", resp.Status.String())
		return a.Client.Exchange(ctx, iso7816.ExternalAuthenticate(iso7816.ClassPlain, data, 0x28))
	}
	return resp, nil
}
