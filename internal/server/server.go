// Package server exposes the bridge to browsers over a WebSocket.
//
// Each client message names an operation in its "type" field. Results go back
// to the requesting connection only; scan status notifications are broadcast
// to every connected client.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gregLibert/nfc-bridge/internal/bridge"
)

// Version is reported to clients on connection.
const Version = "2.3.0"

// Bridge is the part of *bridge.Bridge the server drives.
type Bridge interface {
	Scan(ctx context.Context, req bridge.Request) *bridge.Result
	ReadNow(ctx context.Context, req bridge.Request) *bridge.Result
	ReadMyNumber(ctx context.Context, pin string) *bridge.Result
	ReadZairyu(ctx context.Context, cardNumber string) *bridge.Result
	Detect(ctx context.Context) *bridge.Result
	Cancel() bool
	Status(ctx context.Context) bridge.Status
	Subscribe(fn func(bridge.Notification)) (unsubscribe func())
}

type Options struct {
	Logger *slog.Logger
	// AllowedOrigins lists the accepted Origin headers. Empty accepts any.
	AllowedOrigins []string
}

type Server struct {
	bridge      Bridge
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	hub         *hub
	unsubscribe func()
}

func New(b Bridge, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		bridge: b,
		logger: opts.Logger,
		hub:    newHub(opts.Logger),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	s.unsubscribe = b.Subscribe(s.broadcastStatus)
	return s
}

// Close stops the status broadcast and disconnects every client.
func (s *Server) Close() {
	s.unsubscribe()
	s.hub.closeAll()
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.ContainsFunc(allowed, func(a string) bool {
			return strings.EqualFold(a, origin)
		})
	}
}

// Handler serves the socket on /ws and a JSON status on /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/health", s.serveHealth)
	return mux
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("listening", "addr", "ws://"+addr+"/ws")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.bridge.Status(r.Context())); err != nil {
		s.logger.Warn("health response failed", "err", err)
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := newClient(conn, s.logger.With("remote", r.RemoteAddr))
	s.hub.add(c)
	s.logger.Info("client connected", "remote", r.RemoteAddr, "clients", s.hub.len())

	go c.writePump()

	st := s.bridge.Status(r.Context())
	c.send(connectedMessage{
		Type:              "connected",
		State:             st.State,
		ReaderAvailable:   st.ReaderAvailable,
		ReaderName:        st.ReaderName,
		SupportedCards:    bridge.SupportedCards,
		SupportedFeatures: []string{"detect_card_type"},
		Version:           Version,
		ZairyuAuth:        "card_number_only",
		OCRAvailable:      st.OCRAvailable,
	})

	// The connection context ends the requests of a client that goes away.
	ctx, cancel := context.WithCancel(context.Background())
	c.readPump(func(raw []byte) { s.handle(ctx, c, raw) })
	cancel()

	s.hub.remove(c)
	c.close()
	s.logger.Info("client disconnected", "remote", r.RemoteAddr, "clients", s.hub.len())
}

func (s *Server) broadcastStatus(n bridge.Notification) {
	s.hub.broadcast(statusMessage{Type: "status", Notification: n})
}

// handle dispatches one client message. Card operations run in their own
// goroutine so that the connection keeps reading, cancel_scan included.
func (s *Server) handle(ctx context.Context, c *client, raw []byte) {
	var m inbound
	if err := json.Unmarshal(raw, &m); err != nil {
		c.send(errorMessage{Type: "error", Error: "Invalid JSON"})
		return
	}
	c.logger.Info("message", "type", m.Type)

	async := func(kind string, fn func() *bridge.Result) {
		go func() {
			c.send(resultMessage{Type: kind, Result: fn()})
		}()
	}

	switch m.Type {
	case "start_scan":
		async("scan_result", func() *bridge.Result { return s.bridge.Scan(ctx, m.request()) })
	case "read_now":
		async("scan_result", func() *bridge.Result { return s.bridge.ReadNow(ctx, m.request()) })
	case "read_mynumber":
		async("mynumber_result", func() *bridge.Result { return s.bridge.ReadMyNumber(ctx, m.PIN) })
	case "read_zairyu":
		async("zairyu_result", func() *bridge.Result { return s.bridge.ReadZairyu(ctx, m.CardNumber) })
	case "detect_card_type":
		async("card_type_result", func() *bridge.Result { return s.bridge.Detect(ctx) })
	case "cancel_scan":
		// An active scan reports its cancellation to everyone.
		if !s.bridge.Cancel() {
			c.send(statusMessage{Type: "status", Notification: bridge.Notification{Status: bridge.StatusCancelled}})
		}
	case "get_status":
		go func() {
			c.send(statusResponse{Type: "status_response", Status: s.bridge.Status(ctx)})
		}()
	case "ping":
		c.send(typeOnly{Type: "pong"})
	default:
		c.send(errorMessage{Type: "error", Error: "unknown message type " + strconv.Quote(m.Type)})
	}
}
