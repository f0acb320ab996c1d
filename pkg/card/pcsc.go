package card

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ebfe/scard"
)

// PCSC is a Provider backed by the system PC/SC service.
//
// A PC/SC context is not meant to be used concurrently, so every call that goes
// through the context is serialised.
type PCSC struct {
	mu    sync.Mutex
	ctx   *scard.Context
	match string
}

// OpenPCSC establishes a PC/SC context. match selects the first reader whose
// name contains it (case insensitive); an empty match selects the first reader.
func OpenPCSC(match string) (*PCSC, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establishing PC/SC context: %w", classify(err))
	}
	return &PCSC{ctx: ctx, match: match}, nil
}

// Reader lists the readers and returns the one selected by the match string.
func (p *PCSC) Reader() (Reader, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	names, err := p.ctx.ListReaders()
	if err != nil {
		return nil, classify(err)
	}
	name, ok := pickReader(names, p.match)
	if !ok {
		return nil, ErrNoReader
	}
	return &pcscReader{p: p, name: name}, nil
}

// Close releases the PC/SC context.
func (p *PCSC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctx.Release()
}

func pickReader(names []string, match string) (string, bool) {
	if len(names) == 0 {
		return "", false
	}
	if match == "" {
		return names[0], true
	}
	m := strings.ToLower(match)
	for _, n := range names {
		if strings.Contains(strings.ToLower(n), m) {
			return n, true
		}
	}
	return "", false
}

type pcscReader struct {
	p    *PCSC
	name string
}

func (r *pcscReader) Name() string { return r.name }

func (r *pcscReader) CardPresent() (bool, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	rs := []scard.ReaderState{{
		Reader:       r.name,
		CurrentState: scard.StateUnaware,
	}}
	if err := r.p.ctx.GetStatusChange(rs, 0); err != nil && !errors.Is(err, scard.ErrTimeout) {
		return false, classify(err)
	}
	return rs[0].EventState&scard.StatePresent != 0, nil
}

func (r *pcscReader) Connect() (Session, error) {
	r.p.mu.Lock()
	c, err := r.p.ctx.Connect(r.name, scard.ShareShared, scard.ProtocolT0|scard.ProtocolT1)
	r.p.mu.Unlock()
	if err != nil {
		return nil, classify(err)
	}

	s := &pcscSession{card: c}
	if st, err := c.Status(); err == nil {
		s.atr = st.Atr
	}
	return s, nil
}

type pcscSession struct {
	card *scard.Card
	atr  []byte
}

func (s *pcscSession) Transmit(cmd []byte) ([]byte, error) {
	resp, err := s.card.Transmit(cmd)
	if err != nil {
		return nil, classify(err)
	}
	return resp, nil
}

func (s *pcscSession) ATR() []byte { return s.atr }

func (s *pcscSession) Disconnect() error {
	return s.card.Disconnect(scard.LeaveCard)
}

// classify maps PC/SC error codes onto the package sentinels.
func classify(err error) error {
	var code scard.Error
	if !errors.As(err, &code) {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	switch code {
	case scard.ErrNoReadersAvailable, scard.ErrReaderUnavailable, scard.ErrUnknownReader, scard.ErrNoService, scard.ErrServiceStopped:
		return fmt.Errorf("%w: %v", ErrNoReader, err)
	case scard.ErrNoSmartcard:
		return fmt.Errorf("%w: %v", ErrNoCard, err)
	case scard.ErrRemovedCard, scard.ErrResetCard, scard.ErrUnpoweredCard:
		return fmt.Errorf("%w: %v", ErrCardRemoved, err)
	default:
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
}
