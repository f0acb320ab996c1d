package iso7816

import (
	"errors"
	"fmt"
)

// StatusError reports a command that completed at transport level but returned a
// status word other than success. Readers keep the word for diagnostics.
type StatusError struct {
	Op string
	SW StatusWord
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.SW.Verbose())
}

// CheckStatus returns a *StatusError when resp does not carry 9000 (or 61XX).
func CheckStatus(op string, resp *ResponseAPDU) error {
	if resp == nil {
		return fmt.Errorf("%s: no response", op)
	}
	if !resp.Status.IsSuccess() {
		return &StatusError{Op: op, SW: resp.Status}
	}
	return nil
}

// StatusOf extracts the status word carried by err, if any.
func StatusOf(err error) (StatusWord, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.SW, true
	}
	return 0, false
}
