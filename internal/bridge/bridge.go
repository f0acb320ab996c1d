// Package bridge is the scan orchestrator between the client-facing server and
// the card readers.
//
// Every call that touches the reader runs on a bounded worker pool, so callers
// never block on hardware beyond their own deadline. A scan moves through
// Idle -> WaitingForCard -> Reading -> Idle. Cancellation and timeout are
// distinct: Cancel abandons the scan and reports CANCELLED, the deadline
// reports TIMEOUT. In both cases the worker finishes its current card call and
// issues no further one. Only one scan is active at a time: a new scan cancels
// the previous one and waits for its worker to drain first.
package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/gregLibert/nfc-bridge/pkg/card"
	"github.com/gregLibert/nfc-bridge/pkg/felica"
	"github.com/gregLibert/nfc-bridge/pkg/zairyu"
)

// CardType names a kind of card, in requests and in detection results.
type CardType string

const (
	CardGeneric  CardType = "generic"
	CardCCCD     CardType = "cccd"
	CardZairyu   CardType = "zairyu"
	CardMyNumber CardType = "mynumber"
	CardSuica    CardType = "suica"

	// Detection only.
	CardCredit   CardType = "credit"
	CardPassport CardType = "passport"
)

// SupportedCards are the card types a scan can be requested for.
var SupportedCards = []CardType{CardGeneric, CardCCCD, CardZairyu, CardMyNumber, CardSuica}

type State string

const (
	StateIdle           State = "idle"
	StateWaitingForCard State = "waiting_for_card"
	StateReading        State = "reading"
)

// Notification statuses besides the states.
const (
	StatusCancelled = "cancelled"
	StatusTimeout   = "timeout"
)

// statusTimeout bounds the reader probe of Status.
const statusTimeout = 2 * time.Second

// Timeouts are the scan deadlines used when a request gives none.
type Timeouts struct {
	Default  time.Duration
	MyNumber time.Duration
	Zairyu   time.Duration
	Detect   time.Duration
}

// FeliCaTransport is a raw FeliCa transport for the relay path.
type FeliCaTransport interface {
	felica.Exchanger
	Close() error
}

type Options struct {
	Logger       *slog.Logger
	Workers      int
	PollInterval time.Duration
	Timeouts     Timeouts
	CacheSize    int
	CacheTTL     time.Duration

	// Rand feeds the authentication handshakes. Nil uses crypto/rand.
	Rand io.Reader

	Codec       zairyu.ImageCodec
	OCR         zairyu.OCRProvider
	OCRFallback zairyu.OCRProvider

	// Relay and OpenFeliCa enable the FeliCa relay path. OpenFeliCa returns an
	// error matching felica.ErrNoTransport when no device is attached.
	Relay      *felica.RelayClient
	OpenFeliCa func(ctx context.Context) (FeliCaTransport, error)
}

// Request asks for a card read.
type Request struct {
	CardType   CardType
	CardNumber string
	BirthDate  string
	ExpiryDate string
	PIN        string
	// Timeout overrides the per card type default when positive.
	Timeout time.Duration
}

// Result is the outcome of a scan: Data on success, Failure otherwise. Data
// may also hold what was read before a failure.
type Result struct {
	ScanID    string    `json:"scan_id,omitempty"`
	Success   bool      `json:"success"`
	CardType  CardType  `json:"card_type,omitempty"`
	Reader    string    `json:"reader,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	FromCache bool      `json:"from_cache,omitempty"`
	Data      any       `json:"data,omitempty"`
	*Failure
}

// Notification is published on every state change of a scan.
type Notification struct {
	Status   string   `json:"status"`
	ScanID   string   `json:"scan_id,omitempty"`
	CardType CardType `json:"card_type,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// Status is a snapshot of the bridge and its reader.
type Status struct {
	State           State      `json:"state"`
	ReaderAvailable bool       `json:"reader_available"`
	ReaderName      string     `json:"reader_name,omitempty"`
	CardPresent     bool       `json:"card_present"`
	OCRAvailable    bool       `json:"ocr_available"`
	Cache           CacheStats `json:"cache"`
}

type Bridge struct {
	provider card.Provider
	opts     Options
	logger   *slog.Logger
	sem      *semaphore.Weighted

	// startMu serialises scan starts so that two callers cannot both take over
	// the same previous scan.
	startMu sync.Mutex

	mu      sync.Mutex
	state   State
	active  *scan
	cache   *Cache
	subs    map[int]func(Notification)
	nextSub int
}

type scan struct {
	id     string
	kind   CardType
	cancel context.CancelFunc
	// pending is closed when the last offloaded job returned.
	pending <-chan struct{}
	// acquired is the job locating the target. Its value is only read once
	// the job is done.
	acquired *job[*target]
	done     chan struct{}
}

func New(provider card.Provider, opts Options) *Bridge {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Workers < 1 {
		opts.Workers = 2
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 300 * time.Millisecond
	}
	if opts.Timeouts.Default <= 0 {
		opts.Timeouts.Default = 30 * time.Second
	}
	if opts.Timeouts.MyNumber <= 0 {
		opts.Timeouts.MyNumber = 30 * time.Second
	}
	if opts.Timeouts.Zairyu <= 0 {
		opts.Timeouts.Zairyu = 90 * time.Second
	}
	if opts.Timeouts.Detect <= 0 {
		opts.Timeouts.Detect = 10 * time.Second
	}
	if opts.CacheSize < 1 {
		opts.CacheSize = 50
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 300 * time.Second
	}
	return &Bridge{
		provider: provider,
		opts:     opts,
		logger:   opts.Logger,
		sem:      semaphore.NewWeighted(int64(opts.Workers)),
		state:    StateIdle,
		cache:    NewCache(opts.CacheSize, opts.CacheTTL),
		subs:     make(map[int]func(Notification)),
	}
}

// job is a function running on the worker pool.
type job[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// offload runs fn on a worker. When s is set, the job becomes the scan's
// pending work.
func offload[T any](ctx context.Context, b *Bridge, s *scan, fn func(context.Context) (T, error)) *job[T] {
	j := &job[T]{done: make(chan struct{})}
	if s != nil {
		s.pending = j.done
	}
	go func() {
		defer close(j.done)
		if err := b.sem.Acquire(ctx, 1); err != nil {
			j.err = err
			return
		}
		defer b.sem.Release(1)
		j.val, j.err = fn(ctx)
	}()
	return j
}

// wait returns the outcome of the job, or the context error as soon as ctx is
// done. The job then keeps its worker until its current card call returns.
func (j *job[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-j.done:
		return j.val, j.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Subscribe registers fn for status notifications. fn is called from the scan
// goroutine and must not block. The returned function unregisters it.
func (b *Bridge) Subscribe(fn func(Notification)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *Bridge) notify(n Notification) {
	b.mu.Lock()
	subs := make([]func(Notification), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(n)
	}
}

func (b *Bridge) transition(s *scan, st State, message string) {
	b.mu.Lock()
	b.state = st
	b.mu.Unlock()
	b.notify(Notification{Status: string(st), ScanID: s.id, CardType: s.kind, Message: message})
}

// begin cancels the active scan, waits for it to drain and registers a new one.
func (b *Bridge) begin(parent context.Context, kind CardType) (*scan, context.Context) {
	b.startMu.Lock()
	defer b.startMu.Unlock()

	b.mu.Lock()
	prev := b.active
	b.mu.Unlock()
	if prev != nil {
		b.logger.Info("cancelling previous scan", "scan", prev.id)
		prev.cancel()
		<-prev.done
	}

	ctx, cancel := context.WithCancel(parent)
	s := &scan{id: uuid.NewString(), kind: kind, cancel: cancel, done: make(chan struct{})}
	b.mu.Lock()
	b.active = s
	b.mu.Unlock()
	return s, ctx
}

// end returns to Idle at once. The scan stays active until its last job has
// returned and its FeliCa transport is closed.
func (b *Bridge) end(s *scan, status string) {
	s.cancel()
	b.mu.Lock()
	b.state = StateIdle
	b.mu.Unlock()
	b.notify(Notification{Status: status, ScanID: s.id, CardType: s.kind})

	pending, acquired := s.pending, s.acquired
	go func() {
		if pending != nil {
			<-pending
		}
		if acquired != nil {
			<-acquired.done
			if t := acquired.val; t != nil && t.felica != nil {
				if err := t.felica.Close(); err != nil {
					b.logger.Warn("closing FeliCa transport", "err", err)
				}
			}
		}
		b.mu.Lock()
		if b.active == s {
			b.active = nil
		}
		b.mu.Unlock()
		close(s.done)
	}()
}

// Cancel abandons the active scan. It reports whether there was one.
func (b *Bridge) Cancel() bool {
	b.mu.Lock()
	s := b.active
	b.mu.Unlock()
	if s == nil {
		return false
	}
	b.logger.Info("scan cancel requested", "scan", s.id)
	s.cancel()
	return true
}

// Close cancels the active scan and waits for it to drain.
func (b *Bridge) Close() {
	b.mu.Lock()
	s := b.active
	b.mu.Unlock()
	if s != nil {
		s.cancel()
		<-s.done
	}
}

// run executes one scan. When waitForCard is set the reader is polled until a
// card is present; otherwise an absent card fails with NO_CARD.
func (b *Bridge) run(parent context.Context, kind CardType, timeout time.Duration, waitForCard bool, read readFunc) *Result {
	s, sctx := b.begin(parent, kind)
	ctx, cancel := context.WithTimeout(sctx, timeout)
	defer cancel()

	log := b.logger.With("scan", s.id, "card_type", kind)
	log.Info("scan started", "timeout", timeout, "wait", waitForCard)

	res := &Result{ScanID: s.id, CardType: kind, Timestamp: time.Now()}
	data, t, reached, err := b.drive(ctx, s, waitForCard, read)
	res.Data = data
	if t != nil && reached != StateWaitingForCard {
		res.Reader = t.name
	}

	status := string(StateIdle)
	switch {
	case err == nil:
		res.Success = true
		log.Info("scan finished")
	case sctx.Err() != nil:
		res.Failure = NewFailure(CodeCancelled)
		status = StatusCancelled
		log.Info("scan cancelled", "state", reached)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Failure = NewFailure(CodeTimeout)
		status = StatusTimeout
		log.Warn("scan timed out", "state", reached)
	default:
		res.Failure = Classify(err)
		if res.Failure.Code == CodeUnknown {
			log.Error("scan failed", "state", reached, "step", res.Failure.Step, "err", err)
		} else {
			log.Warn("scan failed", "state", reached, "code", res.Failure.Code, "step", res.Failure.Step, "err", err)
		}
	}
	b.end(s, status)
	return res
}

// drive runs the scan steps and returns the target it read and the state it
// reached.
func (b *Bridge) drive(ctx context.Context, s *scan, waitForCard bool, read readFunc) (any, *target, State, error) {
	if waitForCard {
		b.transition(s, StateWaitingForCard, "Place card on reader")
	}

	s.acquired = offload(ctx, b, s, func(ctx context.Context) (*target, error) {
		return b.acquire(ctx, s.kind)
	})
	t, err := s.acquired.wait(ctx)
	if err != nil {
		return nil, nil, StateWaitingForCard, err
	}

	if err := b.awaitCard(ctx, s, t, waitForCard); err != nil {
		return nil, t, StateWaitingForCard, err
	}
	if err := ctx.Err(); err != nil {
		return nil, t, StateWaitingForCard, err
	}

	b.transition(s, StateReading, "Reading card...")
	data, err := offload(ctx, b, s, func(ctx context.Context) (any, error) {
		return read(ctx, t)
	}).wait(ctx)
	return data, t, StateReading, err
}

func (b *Bridge) awaitCard(ctx context.Context, s *scan, t *target, waitForCard bool) error {
	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()

	for {
		present, err := offload(ctx, b, s, t.present).wait(ctx)
		if err != nil {
			return err
		}
		if present {
			return nil
		}
		if !waitForCard {
			return card.ErrNoCard
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Bridge) timeout(kind CardType, requested time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	switch kind {
	case CardMyNumber:
		return b.opts.Timeouts.MyNumber
	case CardZairyu:
		return b.opts.Timeouts.Zairyu
	default:
		return b.opts.Timeouts.Default
	}
}

// Scan waits for a card and reads it as req asks.
func (b *Bridge) Scan(ctx context.Context, req Request) *Result {
	return b.start(ctx, req, true, false)
}

// ReadNow reads the card already on the reader.
func (b *Bridge) ReadNow(ctx context.Context, req Request) *Result {
	return b.start(ctx, req, false, false)
}

// ReadMyNumber verifies pin and reads the personal information of the My
// Number card on the reader.
func (b *Bridge) ReadMyNumber(ctx context.Context, pin string) *Result {
	return b.start(ctx, Request{CardType: CardMyNumber, PIN: pin}, false, true)
}

// ReadZairyu reads the residence card on the reader. A result cached for the
// same card number is returned without touching the card.
func (b *Bridge) ReadZairyu(ctx context.Context, cardNumber string) *Result {
	return b.start(ctx, Request{CardType: CardZairyu, CardNumber: cardNumber}, false, true)
}

// Detect identifies the type of the card on the reader.
func (b *Bridge) Detect(ctx context.Context) *Result {
	return b.run(ctx, "", b.opts.Timeouts.Detect, false, b.readDetect)
}

func (b *Bridge) start(ctx context.Context, req Request, waitForCard, requirePIN bool) *Result {
	kind := req.CardType
	if kind == "" {
		kind = CardGeneric
	}
	read, cacheKey, f := b.prepare(kind, req, requirePIN)
	if f != nil {
		return &Result{CardType: kind, Timestamp: time.Now(), Failure: f}
	}

	if cacheKey != "" {
		if res := b.fromCache(cacheKey); res != nil {
			return res
		}
	}
	res := b.run(ctx, kind, b.timeout(kind, req.Timeout), waitForCard, read)
	if cacheKey != "" && res.Success {
		b.toCache(cacheKey, res)
	}
	return res
}

func (b *Bridge) fromCache(key string) *Result {
	b.mu.Lock()
	v, ok := b.cache.Get(key)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	cp := *v.(*zairyu.Result)
	cp.FromCache = true
	b.logger.Info("cache hit", "card_number", card.Mask(key, 4, 2))
	return &Result{Success: true, CardType: CardZairyu, Timestamp: time.Now(), FromCache: true, Data: &cp}
}

// toCache keeps authenticated residence card results only.
func (b *Bridge) toCache(key string, res *Result) {
	zr, ok := res.Data.(*zairyu.Result)
	if !ok || !zr.Authenticated {
		return
	}
	b.mu.Lock()
	b.cache.Set(key, zr)
	b.mu.Unlock()
	b.logger.Debug("result cached", "card_number", card.Mask(key, 4, 2))
}

func (b *Bridge) CacheStats() CacheStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cache.Stats()
}

func (b *Bridge) ClearCache() {
	b.mu.Lock()
	b.cache.Clear()
	b.mu.Unlock()
	b.logger.Info("cache cleared")
}

// Status probes the reader on a worker. A busy pool or a slow reader leaves the
// reader fields empty.
func (b *Bridge) Status(ctx context.Context) Status {
	st := Status{
		State:        b.State(),
		OCRAvailable: b.opts.OCR != nil,
		Cache:        b.CacheStats(),
	}

	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	type probe struct {
		name    string
		present bool
	}
	p, err := offload(ctx, b, nil, func(context.Context) (probe, error) {
		r, err := b.provider.Reader()
		if err != nil {
			return probe{}, err
		}
		ok, err := r.CardPresent()
		return probe{name: r.Name(), present: ok}, err
	}).wait(ctx)
	if err != nil && p.name == "" {
		b.logger.Debug("reader probe failed", "err", err)
	}
	st.ReaderAvailable = p.name != ""
	st.ReaderName = p.name
	st.CardPresent = p.present
	return st
}
