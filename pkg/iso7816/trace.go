package iso7816

// A Trace records every physical exchange made for one logical command. The
// Client follows '61XX' with GET RESPONSE and '6CXX' with a resend carrying
// the announced Le, so a single SELECT may leave two or three transactions.
// The outcome of the command is the one of the last transaction.

// Transaction is one C-APDU and the R-APDU it produced. Response is nil when
// the transmission failed.
type Transaction struct {
	Command  *CommandAPDU
	Response *ResponseAPDU
}

// IsSuccess reports whether the response carries a success status.
func (t *Transaction) IsSuccess() bool {
	return t.Response != nil && t.Response.Status.IsSuccess()
}

// Trace is the ordered list of transactions of one logical command.
type Trace []Transaction

// Last returns the final transaction, or nil for an empty trace.
func (t Trace) Last() *Transaction {
	if len(t) == 0 {
		return nil
	}
	return &t[len(t)-1]
}

// First returns the transaction holding the command as issued by the caller.
func (t Trace) First() *Transaction {
	if len(t) == 0 {
		return nil
	}
	return &t[0]
}

// IsSuccess reports whether the final transaction succeeded.
func (t Trace) IsSuccess() bool {
	last := t.Last()
	return last != nil && last.IsSuccess()
}

// Data returns the payload of the final response.
func (t Trace) Data() []byte {
	if last := t.Last(); last != nil && last.Response != nil {
		return last.Response.Data
	}
	return nil
}

// Status returns the final status word, 0 when no response was received.
func (t Trace) Status() StatusWord {
	if last := t.Last(); last != nil && last.Response != nil {
		return last.Response.Status
	}
	return 0
}
