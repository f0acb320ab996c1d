// Package cardtest provides scripted card sessions and readers for tests.
package cardtest

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/gregLibert/nfc-bridge/pkg/card"
	"github.com/gregLibert/nfc-bridge/pkg/tlv"
)

// Exchange is one expected command and the canned answer.
// A nil Command matches anything.
type Exchange struct {
	Command  []byte
	Response []byte
	Err      error
}

// X builds an Exchange from hex strings.
func X(cmd, resp string) Exchange {
	var c []byte
	if cmd != "" {
		c = tlv.Hex(cmd)
	}
	return Exchange{Command: c, Response: tlv.Hex(resp)}
}

// Session replays a script of exchanges. When Handler is set, it answers every
// command the script does not cover.
type Session struct {
	T       testing.TB
	Script  []Exchange
	Handler func(cmd []byte) []byte
	Atr     []byte

	mu           sync.Mutex
	pos          int
	sent         [][]byte
	disconnected bool
}

// NewSession returns a session that expects exactly the given exchanges.
func NewSession(t testing.TB, script ...Exchange) *Session {
	return &Session{T: t, Script: script}
}

func (s *Session) Transmit(cmd []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sent = append(s.sent, append([]byte(nil), cmd...))
	if s.disconnected {
		return nil, card.ErrCardRemoved
	}

	if s.pos < len(s.Script) {
		ex := s.Script[s.pos]
		s.pos++
		if ex.Command != nil && !bytes.Equal(ex.Command, cmd) {
			s.T.Errorf("command %d: got % X, want % X", s.pos, cmd, ex.Command)
		}
		if ex.Err != nil {
			return nil, ex.Err
		}
		return ex.Response, nil
	}

	if s.Handler != nil {
		return s.Handler(cmd), nil
	}
	s.T.Errorf("unexpected command after end of script: % X", cmd)
	return nil, errors.New("cardtest: script exhausted")
}

func (s *Session) ATR() []byte { return s.Atr }

func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = true
	return nil
}

// Sent returns a copy of every command received so far.
func (s *Session) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

// Disconnected reports whether Disconnect was called.
func (s *Session) Disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

// AssertDone fails the test when scripted exchanges were not consumed.
func (s *Session) AssertDone() {
	s.T.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos != len(s.Script) {
		s.T.Errorf("%d of %d scripted exchanges consumed", s.pos, len(s.Script))
	}
}

// Reader is a controllable card.Reader.
type Reader struct {
	ReaderName string
	// Session is returned by Connect. NewSession is called instead when set.
	Session    card.Session
	NewSession func() card.Session
	ConnectErr error

	mu       sync.Mutex
	present  bool
	polls    int
	connects int
}

// SetPresent simulates inserting or removing the card.
func (r *Reader) SetPresent(v bool) {
	r.mu.Lock()
	r.present = v
	r.mu.Unlock()
}

// Polls returns how many times CardPresent was called.
func (r *Reader) Polls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.polls
}

// Connects returns how many sessions were opened.
func (r *Reader) Connects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects
}

func (r *Reader) Name() string { return r.ReaderName }

func (r *Reader) CardPresent() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls++
	return r.present, nil
}

func (r *Reader) Connect() (card.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ConnectErr != nil {
		return nil, r.ConnectErr
	}
	if !r.present {
		return nil, card.ErrNoCard
	}
	r.connects++
	if r.NewSession != nil {
		return r.NewSession(), nil
	}
	return r.Session, nil
}

// Provider always returns its Reader, or ErrNoReader when it is nil.
type Provider struct {
	R *Reader
}

func (p Provider) Reader() (card.Reader, error) {
	if p.R == nil {
		return nil, card.ErrNoReader
	}
	return p.R, nil
}

func (p Provider) Close() error { return nil }
