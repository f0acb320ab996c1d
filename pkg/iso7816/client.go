package iso7816

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
)

// CLIENT & PROTOCOL LOGIC:
// The Client acts as a high-level driver over the physical connection.
// It implements the automatic handling of ISO 7816-3 transport behaviors that are
// often exposed to the application layer in T=0 protocols:
//
// 1. "61 XX" (Response Available):
//    The card indicates that XX bytes are waiting. The client automatically generates
//    and sends a GET RESPONSE command to retrieve them.
//
// 2. "6C XX" (Wrong Length):
//    The card indicates that the expected length (Le) was incorrect and suggests XX.
//    The client automatically re-sends the original command with Le = XX.
//
// The Send() method returns a Trace, which is a log of all atomic transactions
// occurred to fulfill the logical request.
//
// CANCELLATION:
// A physical transmit cannot be interrupted once started. SendContext checks the
// context before every transmit, so a cancelled context stops the exchange at the
// next command boundary and never in the middle of one.

// maxAutoSteps bounds the 61xx / 6Cxx follow-ups of a single logical command.
const maxAutoSteps = 16

// Transmitter abstracts the physical card connection.
type Transmitter interface {
	Transmit(cmd []byte) ([]byte, error)
}

// Client manages the high-level communication with the card.
type Client struct {
	Card Transmitter

	// Logger receives one Debug record per physical exchange. Nil uses slog.Default().
	Logger *slog.Logger
}

// NewClient creates a new Client instance.
func NewClient(card Transmitter) *Client {
	return &Client{Card: card}
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Send transmits a command and handles protocol logic (61xx, 6Cxx).
func (c *Client) Send(cmd *CommandAPDU) (Trace, error) {
	return c.SendContext(context.Background(), cmd)
}

// SendContext is Send with a cancellation check before every physical transmit.
func (c *Client) SendContext(ctx context.Context, cmd *CommandAPDU) (Trace, error) {
	return c.send(ctx, cmd, 0)
}

// Exchange sends cmd and returns the final response of the resulting trace.
func (c *Client) Exchange(ctx context.Context, cmd *CommandAPDU) (*ResponseAPDU, error) {
	trace, err := c.SendContext(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return trace.Last().Response, nil
}

func (c *Client) send(ctx context.Context, cmd *CommandAPDU, depth int) (Trace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if depth > maxAutoSteps {
		return nil, fmt.Errorf("%s: too many chained responses", cmd.Instruction.Raw)
	}

	rawCmd, err := cmd.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding error: %w", err)
	}

	rawResp, err := c.Card.Transmit(rawCmd)
	if err != nil {
		return nil, fmt.Errorf("transmission error: %w", err)
	}

	resp, err := ParseResponseAPDU(rawResp)
	if err != nil {
		return nil, err
	}

	c.logger().Debug("apdu",
		"ins", cmd.Instruction.Raw.String(),
		"lc", len(cmd.Data),
		"le", cmd.Ne,
		"rlen", len(resp.Data),
		"sw", fmt.Sprintf("%04X", uint16(resp.Status)),
		"head", hex.EncodeToString(rawCmd[:min(4, len(rawCmd))]),
	)

	currentTx := Transaction{
		Command:  cmd,
		Response: resp,
	}

	trace := Trace{currentTx}

	sw1 := resp.Status.SW1()
	sw2 := resp.Status.SW2()

	// Case 61XX: More data available -> Issue GET RESPONSE
	if sw1 == 0x61 {
		// ISO 7816-4: GET RESPONSE must use the same logical channel as the original command.
		respCls := cmd.Class
		respCls.IsChained = false

		ins, _ := NewInstruction(INS_GET_RESPONSE)

		// Le = sw2 (number of bytes available), 00 means 256
		ne := int(sw2)
		if ne == 0 {
			ne = MaxShortLe
		}
		getRespCmd := NewCommandAPDU(respCls, ins, 0x00, 0x00, nil, ne)

		subTrace, err := c.send(ctx, getRespCmd, depth+1)
		if err != nil {
			return trace, err
		}

		trace = append(trace, subTrace...)
		return trace, nil
	}

	// Case 6CXX: Wrong Length -> Re-issue original command with correct Le
	if sw1 == 0x6C {
		// Clone command to update Le without mutating the original pointer
		newCmd := *cmd
		newCmd.Ne = int(sw2)
		if newCmd.Ne == 0 {
			newCmd.Ne = MaxShortLe
		}

		subTrace, err := c.send(ctx, &newCmd, depth+1)
		if err != nil {
			return trace, err
		}

		trace = append(trace, subTrace...)
		return trace, nil
	}

	return trace, nil
}
