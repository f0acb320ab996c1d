package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/gregLibert/nfc-bridge/internal/bridge"
)

// runRead waits for one card, reads it and prints the result on stdout.
func runRead(ctx context.Context, b *bridge.Bridge, kind string, req bridge.Request) int {
	unsubscribe := b.Subscribe(func(n bridge.Notification) {
		if n.Message != "" {
			fmt.Fprintln(os.Stderr, n.Message)
		}
	})
	defer unsubscribe()

	var res *bridge.Result
	switch kind {
	case "detect":
		res = b.Detect(ctx)
	case string(bridge.CardMyNumber):
		pin, err := promptPIN()
		if err != nil {
			fmt.Fprintln(os.Stderr, "reading PIN:", err)
			return 1
		}
		req.CardType = bridge.CardMyNumber
		req.PIN = pin
		res = b.Scan(ctx, req)
	default:
		req.CardType = bridge.CardType(kind)
		res = b.Scan(ctx, req)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if !res.Success {
		return 1
	}
	return 0
}

// promptPIN reads the PIN without echo from a terminal, or as a line from a
// pipe. An empty PIN reads the card information only.
func promptPIN() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", nil
		}
		return strings.TrimSpace(line), nil
	}

	fmt.Fprint(os.Stderr, "PIN (4 digits, empty to skip): ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
