// Package card defines the card session contract shared by every card reader in
// this module and provides its PC/SC implementation.
//
// A Session is owned by exactly one scan. It is opened from a Reader, used for
// a sequence of APDU exchanges and disconnected when the scan ends, whatever
// the outcome.
package card

import (
	"errors"
	"strings"
)

// Transport level outcomes. Implementations wrap the underlying error so that
// errors.Is matches one of these sentinels.
var (
	ErrNoReader    = errors.New("no card reader connected")
	ErrNoCard      = errors.New("no card present")
	ErrCardRemoved = errors.New("card removed")
	ErrConnection  = errors.New("card connection error")
)

// Session is a connected card.
type Session interface {
	// Transmit sends a raw command APDU and returns the raw response, status word included.
	Transmit(cmd []byte) ([]byte, error)
	// ATR returns the Answer To Reset captured at connection time.
	ATR() []byte
	// Disconnect releases the card. The session must not be used afterwards.
	Disconnect() error
}

// Reader is a single reader slot.
type Reader interface {
	Name() string
	// CardPresent polls the slot without connecting.
	CardPresent() (bool, error)
	// Connect opens a session with the card in the slot.
	Connect() (Session, error)
}

// Provider locates the reader to use.
type Provider interface {
	// Reader returns the configured reader, or an error matching ErrNoReader.
	Reader() (Reader, error)
	Close() error
}

// Mask hides the middle of an identifier for logging: the first head and the
// last tail characters are kept.
func Mask(id string, head, tail int) string {
	if len(id) <= head+tail {
		return strings.Repeat("*", len(id))
	}
	return id[:head] + "****" + id[len(id)-tail:]
}

// AuthState tracks a handshake over one card session. It only moves forward and
// starts again from Unauthenticated on every new session.
type AuthState int

const (
	Unauthenticated AuthState = iota
	ChallengeReceived
	Authenticated
)

func (s AuthState) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case ChallengeReceived:
		return "challenge_received"
	case Authenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}
