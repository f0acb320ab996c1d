// Command nfc-bridge serves Japanese and Vietnamese ID card reads to browsers
// over a local WebSocket.
//
//	nfc-bridge [-config bridge.yaml] [-addr localhost:3005] [-v]
//	nfc-bridge -read mynumber
//	nfc-bridge -read zairyu -card-number AB12345678CD
//	nfc-bridge -inspect
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gregLibert/nfc-bridge/internal/bridge"
	"github.com/gregLibert/nfc-bridge/internal/config"
	"github.com/gregLibert/nfc-bridge/internal/imaging"
	"github.com/gregLibert/nfc-bridge/internal/server"
	"github.com/gregLibert/nfc-bridge/pkg/card"
	"github.com/gregLibert/nfc-bridge/pkg/felica"
)

var (
	configPath = flag.String("config", "", "path to the YAML configuration file")
	addr       = flag.String("addr", "", "listen address, overrides the configuration")
	verbose    = flag.Bool("v", false, "log at debug level")
	logFormat  = flag.String("log-format", "", "text or json, overrides the configuration")

	readKind   = flag.String("read", "", "read one card and print it as JSON: generic, cccd, zairyu, mynumber, suica or detect")
	cardNumber = flag.String("card-number", "", "residence card or CCCD document number for -read")
	birthDate  = flag.String("birth-date", "", "YYMMDD birth date for -read cccd")
	expiryDate = flag.String("expiry-date", "", "YYMMDD expiry date for -read cccd")
	inspect    = flag.Bool("inspect", false, "trace the payment applications of the card on the reader")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if *addr != "" {
		cfg.Listen = *addr
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := card.OpenPCSC(cfg.Reader.Name)
	if err != nil {
		logger.Error("PC/SC service unavailable", "err", err)
		return 1
	}
	defer func() {
		if err := provider.Close(); err != nil {
			logger.Warn("releasing PC/SC context", "err", err)
		}
	}()

	if *inspect {
		return runInspect(ctx, provider, logger)
	}

	opts := bridge.Options{
		Logger:       logger,
		Workers:      cfg.Workers,
		PollInterval: cfg.Reader.PollInterval,
		Timeouts: bridge.Timeouts{
			Default:  cfg.Timeouts.Default,
			MyNumber: cfg.Timeouts.MyNumber,
			Zairyu:   cfg.Timeouts.Zairyu,
			Detect:   cfg.Timeouts.Detect,
		},
		CacheSize: cfg.Cache.Size,
		CacheTTL:  cfg.Cache.TTL,
		Codec:     &imaging.Codec{Logger: logger},
	}
	if cfg.FeliCa.USB {
		opts.Relay = felica.NewRelayClient(cfg.FeliCa.RelayURL, cfg.FeliCa.RelayToken, cfg.FeliCa.HTTPTimeout)
		opts.OpenFeliCa = openRCS380(logger)
	}

	b := bridge.New(provider, opts)
	defer b.Close()

	if *readKind != "" {
		return runRead(ctx, b, *readKind, bridge.Request{
			CardNumber: *cardNumber,
			BirthDate:  *birthDate,
			ExpiryDate: *expiryDate,
		})
	}

	logger.Info("nfc-bridge starting", "version", server.Version, "workers", cfg.Workers, "felica_usb", cfg.FeliCa.USB)
	srv := server.New(b, server.Options{Logger: logger, AllowedOrigins: cfg.AllowedOrigins})
	if err := srv.ListenAndServe(ctx, cfg.Listen); err != nil {
		logger.Error("server stopped", "err", err)
		return 1
	}
	logger.Info("nfc-bridge stopped")
	return 0
}

func newLogger(c config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// openRCS380 adapts felica.OpenRCS380 so that a failed open never yields a
// non-nil transport.
func openRCS380(logger *slog.Logger) func(context.Context) (bridge.FeliCaTransport, error) {
	return func(ctx context.Context) (bridge.FeliCaTransport, error) {
		dev, err := felica.OpenRCS380(ctx, logger)
		if err != nil {
			if !errors.Is(err, felica.ErrNoTransport) {
				return nil, fmt.Errorf("opening RC-S380: %w", err)
			}
			return nil, err
		}
		return dev, nil
	}
}
