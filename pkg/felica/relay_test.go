package felica

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregLibert/nfc-bridge/pkg/tlv"
)

// fakeTransport answers polling with a fixed target and echoes every other
// frame behind a marker byte.
type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (f *fakeTransport) Exchange(_ context.Context, frame []byte, _ time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	if f.err != nil {
		return nil, f.err
	}
	if len(frame) > 1 && frame[1] == cmdPolling {
		return tlv.Hex("14 01", testIDm, testPMm, "00 03"), nil
	}
	return append([]byte{0xAA}, frame...), nil
}

func echo(frame string) string {
	return "aa" + frame
}

// fakeService plays the authentication service: two relayed frames for the
// mutual authentication, one per encrypted read.
type fakeService struct {
	t        *testing.T
	mu       sync.Mutex
	authStep int
	payloads []string
	// responses maps a read payload to the decrypted answer.
	responses map[string]string
	// stuck keeps asking for auth1 frames forever.
	stuck bool
}

func (s *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if got := r.Header.Get("Authorization"); got != "Bearer secret" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req map[string]any
	if !assert.NoError(s.t, json.NewDecoder(r.Body).Decode(&req)) {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	reply := func(v map[string]any) {
		w.Header().Set("Content-Type", "application/json")
		assert.NoError(s.t, json.NewEncoder(w).Encode(v))
	}

	switch r.URL.Path {
	case "/mutual-authentication":
		if _, ok := req["idm"]; ok {
			assert.Nil(s.t, req["session_id"])
			assert.Equal(s.t, "0102030405060708", req["idm"])
			assert.Equal(s.t, float64(3), req["system_code"])
			assert.Len(s.t, req["areas"], len(AreaNodes))
			assert.Len(s.t, req["services"], len(ServiceNodes))
			reply(map[string]any{"session_id": "s-1", "step": "auth1", "command": map[string]any{"frame": "0a10", "timeout": 0.5}})
			return
		}
		assert.Equal(s.t, "s-1", req["session_id"])
		s.authStep++
		switch {
		case s.stuck:
			reply(map[string]any{"session_id": "s-1", "step": "auth1", "command": map[string]any{"frame": "0a10"}})
		case s.authStep == 1:
			assert.Equal(s.t, echo("0a10"), req["card_response"])
			reply(map[string]any{"session_id": "s-1", "step": "auth2", "command": map[string]any{"frame": "0a12"}})
		default:
			assert.Equal(s.t, echo("0a12"), req["card_response"])
			reply(map[string]any{"session_id": "s-1", "step": "complete", "result": map[string]any{
				"issue_id": "0011223344556677", "pmi": "8899aabbccddeeff",
			}})
		}

	case "/encryption-exchange":
		assert.Equal(s.t, "s-1", req["session_id"])
		if p, ok := req["payload"].(string); ok {
			assert.Equal(s.t, float64(0x14), req["cmd_code"])
			s.payloads = append(s.payloads, p)
			reply(map[string]any{"session_id": "s-1", "command": map[string]any{"frame": "0c14" + p}})
			return
		}
		last := s.payloads[len(s.payloads)-1]
		assert.Equal(s.t, echo("0c14"+last), req["card_response"])
		resp, ok := s.responses[last]
		if !ok {
			http.Error(w, "unknown payload", http.StatusBadRequest)
			return
		}
		reply(map[string]any{"session_id": "s-1", "response": resp})

	default:
		http.NotFound(w, r)
	}
}

const (
	attributePayload = "01" + "8100"
	historyPayload   = "0a" + "8400840184028403840484058406840784088409"
	attributeBlock   = "0000000000000000200000d20400002a"
)

func attributeResponse() string {
	return "000001" + attributeBlock
}

func historyResponse() string {
	empty := strings.Repeat("00", BlockSize)
	block := strings.ReplaceAll(strings.ToLower(testHistoryBlock), " ", "")
	return "000003" + block + empty + block
}

func newRelay(t *testing.T, svc *fakeService) *RelayClient {
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)
	return NewRelayClient(srv.URL+"/", "secret", 2*time.Second)
}

func TestRelayReader_Read(t *testing.T) {
	svc := &fakeService{t: t, responses: map[string]string{
		attributePayload: attributeResponse(),
		historyPayload:   historyResponse(),
	}}
	card := &fakeTransport{}
	r := &RelayReader{Client: newRelay(t, svc)}

	res, err := r.Read(context.Background(), card)
	require.NoError(t, err)

	assert.Equal(t, "0102030405060708", res.IDm)
	assert.Equal(t, "100B4B428485D0FF", res.PMm)
	assert.True(t, res.Authenticated)
	assert.Equal(t, "0011223344556677", res.IDi)
	assert.Equal(t, "8899AABBCCDDEEFF", res.PMi)
	assert.Equal(t, "Suica/PiTaPa/TOICA/PASMO", res.CardTypeDetail)
	assert.Equal(t, "¥1,234", res.Balance)
	require.NotNil(t, res.TransactionCount)
	assert.Equal(t, 42, *res.TransactionCount)
	assert.Equal(t, 2, res.HistoryCount)
	require.Len(t, res.RecentHistory, 2)
	assert.Equal(t, "2024/03/15", res.RecentHistory[0].Date)
	assert.Equal(t, 2, res.RecentHistory[1].No)
	assert.Empty(t, res.BalanceError)
	assert.Empty(t, res.HistoryError)

	assert.Equal(t, []string{attributePayload, historyPayload}, svc.payloads)
	// polling, auth1, auth2, two reads
	require.Len(t, card.frames, 5)
	assert.Equal(t, tlv.Hex("06 00 00 03 01 0F"), card.frames[0])
	assert.Equal(t, tlv.Hex("0a10"), card.frames[1])
}

func TestRelayReader_ReadErrorsRecorded(t *testing.T) {
	svc := &fakeService{t: t, responses: map[string]string{
		attributePayload: "A50100",
	}}
	r := &RelayReader{Client: newRelay(t, svc)}

	res, err := r.Read(context.Background(), &fakeTransport{})
	require.NoError(t, err)
	assert.True(t, res.Authenticated)
	assert.Contains(t, res.BalanceError, "A501")
	assert.Contains(t, res.HistoryError, "HTTP 400")
	assert.Nil(t, res.BalanceRaw)
	assert.Empty(t, res.RecentHistory)
}

func TestRelayClient_Authenticate(t *testing.T) {
	target := &Target{IDm: tlv.Hex(testIDm), PMm: tlv.Hex(testPMm)}

	t.Run("bounded rounds", func(t *testing.T) {
		card := &fakeTransport{}
		c := newRelay(t, &fakeService{t: t, stuck: true})
		_, err := c.Authenticate(context.Background(), card, target, SystemCodeSuica, AreaNodes, ServiceNodes)

		var re *RelayError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, StepMutualAuth, re.Step)
		assert.Contains(t, re.Message, "more than 8 rounds")
		assert.Len(t, card.frames, MaxRelayRounds)
	})

	t.Run("unauthorized", func(t *testing.T) {
		srv := httptest.NewServer(&fakeService{t: t})
		defer srv.Close()
		c := NewRelayClient(srv.URL, "", time.Second)

		_, err := c.Authenticate(context.Background(), &fakeTransport{}, target, SystemCodeSuica, AreaNodes, ServiceNodes)
		var re *RelayError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, http.StatusUnauthorized, re.HTTPStatus)
		assert.True(t, IsRelayError(err))
	})

	t.Run("unexpected step", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"session_id": 7, "step": "auth9"}`))
		}))
		defer srv.Close()

		_, err := NewRelayClient(srv.URL, "", time.Second).Authenticate(context.Background(), &fakeTransport{}, target, SystemCodeSuica, nil, nil)
		var re *RelayError
		require.ErrorAs(t, err, &re)
		assert.Contains(t, re.Message, "auth9")
	})

	t.Run("service error field", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"error": "card not supported"}`))
		}))
		defer srv.Close()

		_, err := NewRelayClient(srv.URL, "", time.Second).Authenticate(context.Background(), &fakeTransport{}, target, SystemCodeSuica, nil, nil)
		assert.ErrorContains(t, err, "card not supported")
	})

	t.Run("card lost during relay", func(t *testing.T) {
		lost := errors.New("rf timeout")
		c := newRelay(t, &fakeService{t: t})
		_, err := c.Authenticate(context.Background(), &fakeTransport{err: lost}, target, SystemCodeSuica, AreaNodes, ServiceNodes)
		assert.ErrorIs(t, err, lost)
	})
}

func TestRelaySession_ReadBlocksRequiresAuth(t *testing.T) {
	_, err := (&RelaySession{}).ReadBlocks(context.Background(), ServiceIndexAttribute, 0)
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	var s *RelaySession
	_, err = s.ReadBlocks(context.Background(), ServiceIndexAttribute, 0)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}
