package felica

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultRelayURL is the public authentication service.
const DefaultRelayURL = "https://felica-auth.nyaa.ws"

// MaxRelayRounds bounds the frames relayed for one operation.
const MaxRelayRounds = 8

// Node lists announced to the service for the transit system.
var (
	AreaNodes    = []uint16{0x0000, 0x0040, 0x0800, 0x0FC0, 0x1000}
	ServiceNodes = []uint16{0x0048, 0x0088, 0x0810, 0x08C8, 0x090C, 0x1008, 0x1048, 0x108C, 0x10C8}
)

// Service indexes into ServiceNodes for encrypted reads.
const (
	ServiceIndexAttribute = 1
	ServiceIndexHistory   = 4
)

// cmdEncryptedRead is the command code relayed through encryption-exchange.
const cmdEncryptedRead = 0x14

// Relay steps, used in RelayError.
const (
	StepMutualAuth = "mutual-authentication"
	StepExchange   = "encryption-exchange"
)

// RelayError reports a failure of the authentication service or of a frame it
// asked to relay.
type RelayError struct {
	Step       string
	HTTPStatus int
	Message    string
	Err        error
}

func (e *RelayError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "felica relay %s", e.Step)
	if e.HTTPStatus != 0 {
		fmt.Fprintf(&sb, ": HTTP %d", e.HTTPStatus)
	}
	if e.Message != "" {
		fmt.Fprintf(&sb, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

func (e *RelayError) Unwrap() error { return e.Err }

// relayCommand is a frame the service wants sent to the card.
type relayCommand struct {
	Frame   string  `json:"frame"`
	Timeout float64 `json:"timeout"`
}

type relayResult struct {
	IssueID        string `json:"issue_id"`
	IDi            string `json:"idi"`
	IssueParameter string `json:"issue_parameter"`
	PMi            string `json:"pmi"`
}

type relayResponse struct {
	SessionID json.RawMessage `json:"session_id"`
	Step      string          `json:"step"`
	Command   *relayCommand   `json:"command"`
	Result    *relayResult    `json:"result"`
	Response  *string         `json:"response"`
	Error     string          `json:"error"`
}

type authRequest struct {
	SessionID  json.RawMessage `json:"session_id"`
	IDm        string          `json:"idm"`
	PMm        string          `json:"pmm"`
	SystemCode uint16          `json:"system_code"`
	Areas      []uint16        `json:"areas"`
	Services   []uint16        `json:"services"`
}

type exchangeRequest struct {
	SessionID json.RawMessage `json:"session_id"`
	CmdCode   int             `json:"cmd_code"`
	Payload   string          `json:"payload"`
}

type cardResponse struct {
	SessionID    json.RawMessage `json:"session_id"`
	CardResponse string          `json:"card_response"`
}

// RelayClient talks to the authentication service.
type RelayClient struct {
	BaseURL string
	// Token is sent as a bearer token when not empty.
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewRelayClient returns a client with the given per-request timeout.
func NewRelayClient(baseURL, token string, timeout time.Duration) *RelayClient {
	if baseURL == "" {
		baseURL = DefaultRelayURL
	}
	return &RelayClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (c *RelayClient) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *RelayClient) post(ctx context.Context, step string, body any) (*relayResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &RelayError{Step: step, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/"+step, bytes.NewReader(payload))
	if err != nil {
		return nil, &RelayError{Step: step, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, &RelayError{Step: step, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &RelayError{Step: step, HTTPStatus: resp.StatusCode, Err: err}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &RelayError{Step: step, HTTPStatus: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	var out relayResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &RelayError{Step: step, HTTPStatus: resp.StatusCode, Err: err}
	}
	if out.Error != "" {
		return nil, &RelayError{Step: step, HTTPStatus: resp.StatusCode, Message: out.Error}
	}
	return &out, nil
}

// RelaySession is an authenticated relay conversation bound to one card.
type RelaySession struct {
	c             *RelayClient
	ex            Exchanger
	id            json.RawMessage
	rounds        int
	authenticated bool

	IssueID        []byte
	IssueParameter []byte
}

func (s *RelaySession) keepID(r *relayResponse) {
	if len(r.SessionID) > 0 && string(r.SessionID) != "null" {
		s.id = r.SessionID
	}
}

// relay sends the frame of cmd to the card and returns its answer as hex.
func (s *RelaySession) relay(ctx context.Context, step string, cmd *relayCommand) (string, error) {
	s.rounds++
	if s.rounds > MaxRelayRounds {
		return "", &RelayError{Step: step, Message: fmt.Sprintf("more than %d rounds", MaxRelayRounds)}
	}
	frame, err := hex.DecodeString(cmd.Frame)
	if err != nil || len(frame) == 0 {
		return "", &RelayError{Step: step, Message: "invalid frame", Err: err}
	}
	timeout := time.Second
	if cmd.Timeout > 0 {
		timeout = time.Duration(cmd.Timeout * float64(time.Second))
	}

	resp, err := s.ex.Exchange(ctx, frame, timeout)
	if err != nil {
		return "", &RelayError{Step: step, Message: "card exchange", Err: err}
	}
	s.c.logger().Debug("felica relay frame", "step", step, "round", s.rounds, "out", len(frame), "in", len(resp))
	return hex.EncodeToString(resp), nil
}

// Authenticate runs the mutual authentication through the service. Each
// answer either carries a frame for the card (steps auth1 and auth2) or ends
// the exchange (complete).
func (c *RelayClient) Authenticate(ctx context.Context, ex Exchanger, t *Target, systemCode uint16, areas, services []uint16) (*RelaySession, error) {
	s := &RelaySession{c: c, ex: ex}

	resp, err := c.post(ctx, StepMutualAuth, &authRequest{
		IDm:        hex.EncodeToString(t.IDm),
		PMm:        hex.EncodeToString(t.PMm),
		SystemCode: systemCode,
		Areas:      areas,
		Services:   services,
	})
	if err != nil {
		return nil, err
	}

	for {
		s.keepID(resp)
		switch resp.Step {
		case "auth1", "auth2":
			if resp.Command == nil {
				return nil, &RelayError{Step: StepMutualAuth, Message: resp.Step + " without command"}
			}
			answer, err := s.relay(ctx, StepMutualAuth, resp.Command)
			if err != nil {
				return nil, err
			}
			resp, err = c.post(ctx, StepMutualAuth, &cardResponse{SessionID: s.id, CardResponse: answer})
			if err != nil {
				return nil, err
			}
		case "complete":
			if r := resp.Result; r != nil {
				s.IssueID = decodeHexField(r.IssueID, r.IDi)
				s.IssueParameter = decodeHexField(r.IssueParameter, r.PMi)
			}
			s.rounds = 0
			s.authenticated = true
			return s, nil
		default:
			return nil, &RelayError{Step: StepMutualAuth, Message: fmt.Sprintf("unexpected step %q", resp.Step)}
		}
	}
}

func decodeHexField(values ...string) []byte {
	for _, v := range values {
		if v == "" {
			continue
		}
		if b, err := hex.DecodeString(v); err == nil {
			return b
		}
	}
	return nil
}

// ReadBlocks reads encrypted blocks of the service at index svc in the
// announced service list.
func (s *RelaySession) ReadBlocks(ctx context.Context, svc int, blocks ...byte) ([][]byte, error) {
	if s == nil || !s.authenticated {
		return nil, ErrNotAuthenticated
	}
	if len(blocks) == 0 || len(blocks) > MaxReadBlocks {
		return nil, fmt.Errorf("felica: %d blocks requested, want 1 to %d", len(blocks), MaxReadBlocks)
	}

	payload := []byte{byte(len(blocks))}
	for _, b := range blocks {
		payload = append(payload, 0x80|byte(svc), b)
	}

	s.rounds = 0
	resp, err := s.c.post(ctx, StepExchange, &exchangeRequest{
		SessionID: s.id,
		CmdCode:   cmdEncryptedRead,
		Payload:   hex.EncodeToString(payload),
	})
	if err != nil {
		return nil, err
	}

	for {
		s.keepID(resp)
		if resp.Response != nil {
			out, err := hex.DecodeString(*resp.Response)
			if err != nil {
				return nil, &RelayError{Step: StepExchange, Message: "invalid response", Err: err}
			}
			return parseBlocks(out)
		}
		if resp.Command == nil {
			return nil, &RelayError{Step: StepExchange, Message: "neither command nor response"}
		}
		answer, err := s.relay(ctx, StepExchange, resp.Command)
		if err != nil {
			return nil, err
		}
		resp, err = s.c.post(ctx, StepExchange, &cardResponse{SessionID: s.id, CardResponse: answer})
		if err != nil {
			return nil, err
		}
	}
}

// RelayReader reads the encrypted balance and history through the service.
type RelayReader struct {
	Client *RelayClient
	Logger *slog.Logger
}

func (r *RelayReader) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Read polls the card on ex, authenticates through the relay and reads the
// attribute and history services. A failed service read is recorded in the
// result; a failed authentication is returned with the partial result.
func (r *RelayReader) Read(ctx context.Context, ex Exchanger) (*Result, error) {
	t, err := Poll(ctx, ex, SystemCodeSuica)
	if err != nil {
		return nil, err
	}
	res := &Result{
		ReaderType:   "RC-S380 (USB relay)",
		IDm:          hexUpper(t.IDm),
		PMm:          hexUpper(t.PMm),
		Manufacturer: fmt.Sprintf("0x%04X", t.Manufacturer()),
		CardType:     "Suica/Pasmo/ICOCA",
	}

	sess, err := r.Client.Authenticate(ctx, ex, t, SystemCodeSuica, AreaNodes, ServiceNodes)
	if err != nil {
		return res, err
	}
	res.Authenticated = true
	res.IDi = hexUpper(sess.IssueID)
	res.PMi = hexUpper(sess.IssueParameter)

	attr, err := sess.ReadBlocks(ctx, ServiceIndexAttribute, 0)
	if err == nil && len(attr) > 0 {
		var a *Attribute
		if a, err = ParseAttribute(attr[0]); err == nil {
			res.CardTypeDetail = a.CardType
			res.setBalance(a.Balance)
			res.TransactionCount = &a.TransactionCount
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		r.logger().Warn("felica balance read failed", "err", err)
		res.BalanceError = err.Error()
	}

	hist, err := sess.ReadBlocks(ctx, ServiceIndexHistory, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		r.logger().Warn("felica history read failed", "err", err)
		res.HistoryError = err.Error()
		return res, nil
	}
	if tx := ParseHistory(hist); len(tx) > 0 {
		res.HistoryCount = len(tx)
		res.RecentHistory = tx[:min(len(tx), MaxRecentHistory)]
	}
	return res, nil
}

// IsRelayError reports whether err came from the authentication service.
func IsRelayError(err error) bool {
	var re *RelayError
	return errors.As(err, &re)
}
