package felica

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gousb"
)

// SonyVendorID and the product ids of the RC-S380 variants.
const SonyVendorID gousb.ID = 0x054C

var rcs380Products = []gousb.ID{0x06C3, 0x06C1}

// PORT100 FRAMING:
// Commands and responses travel in extended frames:
//
//	00 00 FF FF FF LEN(2, LE) LCS D6|D7 CMD DATA... DCS 00
//
// LCS and DCS make the length and the payload sum to zero. D6 marks a command
// to the chip, D7 its response, whose code is the command code plus one. Every
// command is acknowledged by the fixed frame 00 00 FF 00 FF 00 before the
// response arrives.

var ackFrame = []byte{0x00, 0x00, 0xFF, 0x00, 0xFF, 0x00}

const (
	frameCommand  byte = 0xD6
	frameResponse byte = 0xD7
)

// Chip commands.
const (
	rcsInSetRF        byte = 0x00
	rcsInSetProtocol  byte = 0x02
	rcsInCommRF       byte = 0x04
	rcsSwitchRF       byte = 0x06
	rcsSetCommandType byte = 0x2A
)

// rcsResponseMargin is added to the RF timeout for the USB round trip.
const rcsResponseMargin = 500 * time.Millisecond

func checksum(seed byte, b []byte) byte {
	for _, v := range b {
		seed += v
	}
	return ^seed + 1
}

func encodeFrame(cmd []byte) []byte {
	n := len(cmd) + 1
	out := []byte{0x00, 0x00, 0xFF, 0xFF, 0xFF, byte(n), byte(n>>8)}
	out = append(out, checksum(0, out[5:7]), frameCommand)
	out = append(out, cmd...)
	return append(out, checksum(frameCommand, cmd), 0x00)
}

// decodeFrame returns the payload of a response frame, the D7 marker excluded.
func decodeFrame(buf []byte) ([]byte, error) {
	if len(buf) < 10 || !bytes.Equal(buf[:5], []byte{0x00, 0x00, 0xFF, 0xFF, 0xFF}) {
		return nil, fmt.Errorf("%w: RC-S380 frame % X", ErrMalformed, buf[:min(len(buf), 10)])
	}
	if checksum(0, buf[5:8]) != 0 {
		return nil, fmt.Errorf("%w: RC-S380 length checksum", ErrMalformed)
	}
	n := int(binary.LittleEndian.Uint16(buf[5:7]))
	if n < 1 || len(buf) < 8+n+1 {
		return nil, fmt.Errorf("%w: RC-S380 frame of %d bytes announces %d", ErrMalformed, len(buf), n)
	}
	body := buf[8 : 8+n]
	if checksum(0, buf[8 : 8+n+1]) != 0 {
		return nil, fmt.Errorf("%w: RC-S380 data checksum", ErrMalformed)
	}
	if body[0] != frameResponse {
		return nil, fmt.Errorf("%w: RC-S380 frame type %02X", ErrMalformed, body[0])
	}
	return body[1:], nil
}

type inEndpoint interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

type outEndpoint interface {
	WriteContext(ctx context.Context, buf []byte) (int, error)
}

// RCS380 is a raw FeliCa transport over a Sony RC-S380 reader. It implements
// Exchanger for the relay path.
type RCS380 struct {
	Logger *slog.Logger

	usb   *gousb.Context
	dev   *gousb.Device
	done  func()
	in    inEndpoint
	out   outEndpoint
	mu    sync.Mutex
	ready bool
}

// OpenRCS380 claims the first RC-S380 found and prepares it for 212 kbps
// FeliCa. It returns ErrNoTransport when no device is attached.
func OpenRCS380(ctx context.Context, logger *slog.Logger) (*RCS380, error) {
	usb := gousb.NewContext()

	var dev *gousb.Device
	for _, pid := range rcs380Products {
		d, err := usb.OpenDeviceWithVIDPID(SonyVendorID, pid)
		if err != nil {
			usb.Close()
			return nil, fmt.Errorf("felica: open RC-S380: %w", err)
		}
		if d != nil {
			dev = d
			break
		}
	}
	if dev == nil {
		usb.Close()
		return nil, ErrNoTransport
	}
	if err := dev.SetAutoDetach(true); err != nil && logger != nil {
		logger.Debug("RC-S380 auto detach unavailable", "err", err)
	}

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		usb.Close()
		return nil, fmt.Errorf("felica: claim RC-S380 interface: %w", err)
	}

	r := &RCS380{Logger: logger, usb: usb, dev: dev, done: done}
	for _, ep := range intf.Setting.Endpoints {
		switch {
		case ep.Direction == gousb.EndpointDirectionIn && r.in == nil:
			if r.in, err = intf.InEndpoint(ep.Number); err != nil {
				r.Close()
				return nil, fmt.Errorf("felica: RC-S380 IN endpoint: %w", err)
			}
		case ep.Direction == gousb.EndpointDirectionOut && r.out == nil:
			if r.out, err = intf.OutEndpoint(ep.Number); err != nil {
				r.Close()
				return nil, fmt.Errorf("felica: RC-S380 OUT endpoint: %w", err)
			}
		}
	}
	if r.in == nil || r.out == nil {
		r.Close()
		return nil, fmt.Errorf("felica: RC-S380 endpoints not found")
	}

	if err := r.init(ctx); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *RCS380) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// init configures the chip: command type 1, RF on for 212F, FeliCa protocol
// defaults.
func (r *RCS380) init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.out.WriteContext(ctx, ackFrame); err != nil {
		return fmt.Errorf("felica: RC-S380 reset: %w", err)
	}
	steps := []struct {
		code   byte
		params []byte
	}{
		{rcsSetCommandType, []byte{0x01}},
		{rcsSwitchRF, []byte{0x00}},
		{rcsInSetRF, []byte{0x01, 0x01, 0x0F, 0x01}},
		{rcsInSetProtocol, []byte{
			0x00, 0x18, 0x01, 0x01, 0x02, 0x01, 0x03, 0x00, 0x04, 0x00, 0x05, 0x00, 0x06, 0x00,
			0x07, 0x08, 0x08, 0x00, 0x09, 0x00, 0x0A, 0x00, 0x0B, 0x00, 0x0C, 0x00, 0x0E, 0x04,
			0x0F, 0x00, 0x10, 0x00, 0x11, 0x00, 0x12, 0x00, 0x13, 0x06,
		}},
		{rcsInSetProtocol, []byte{0x00, 0x18}},
	}
	for _, s := range steps {
		if _, err := r.command(ctx, s.code, s.params, time.Second); err != nil {
			return err
		}
	}
	r.ready = true
	return nil
}

// command sends one chip command and returns the response data after the
// response code. Callers hold mu.
func (r *RCS380) command(ctx context.Context, code byte, params []byte, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := r.out.WriteContext(ctx, encodeFrame(append([]byte{code}, params...))); err != nil {
		return nil, fmt.Errorf("felica: RC-S380 write %02X: %w", code, err)
	}

	buf := make([]byte, 512)
	n, err := r.in.ReadContext(ctx, buf)
	if err != nil {
		return nil, fmt.Errorf("felica: RC-S380 ack %02X: %w", code, err)
	}
	if !bytes.Equal(buf[:n], ackFrame) {
		return nil, fmt.Errorf("%w: RC-S380 expected ACK, got % X", ErrMalformed, buf[:n])
	}

	n, err = r.in.ReadContext(ctx, buf)
	if err != nil {
		return nil, fmt.Errorf("felica: RC-S380 read %02X: %w", code, err)
	}
	body, err := decodeFrame(buf[:n])
	if err != nil {
		return nil, err
	}
	if len(body) == 0 || body[0] != code+1 {
		return nil, fmt.Errorf("%w: RC-S380 answer to %02X is % X", ErrMalformed, code, body)
	}
	return body[1:], nil
}

// Exchange sends a FeliCa frame to the card with InCommRF. The chip timeout is
// expressed in tenths of milliseconds.
func (r *RCS380) Exchange(ctx context.Context, frame []byte, timeout time.Duration) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		return nil, ErrNoTransport
	}

	to := min((timeout.Milliseconds()+1)*10, 0xFFFF)
	params := binary.LittleEndian.AppendUint16(nil, uint16(to))
	params = append(params, frame...)

	data, err := r.command(ctx, rcsInCommRF, params, timeout+rcsResponseMargin)
	if err != nil {
		return nil, err
	}
	if len(data) < 5 {
		return nil, fmt.Errorf("%w: InCommRF answer % X", ErrMalformed, data)
	}
	if st := binary.LittleEndian.Uint32(data[:4]); st != 0 {
		return nil, fmt.Errorf("felica: RC-S380 RF status %08X", st)
	}
	r.logger().Debug("rcs380 exchange", "out", len(frame), "in", len(data)-5)
	return data[5:], nil
}

// Close switches the RF field off and releases the device.
func (r *RCS380) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ready {
		if _, err := r.command(context.Background(), rcsSwitchRF, []byte{0x00}, time.Second); err != nil {
			r.logger().Debug("RC-S380 RF off failed", "err", err)
		}
		r.ready = false
	}
	if r.done != nil {
		r.done()
		r.done = nil
	}
	var err error
	if r.dev != nil {
		err = r.dev.Close()
		r.dev = nil
	}
	if r.usb != nil {
		r.usb.Close()
		r.usb = nil
	}
	return err
}
