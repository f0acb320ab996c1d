// Package iso7816 builds command APDUs, decodes responses and drives the
// exchange with a contact or contactless card.
//
// A Client wraps anything that can transmit raw APDUs. It follows the
// protocol level replies by itself: '61XX' triggers GET RESPONSE and '6CXX'
// resends the command with the announced Le. Every physical exchange is kept
// in a Trace so that callers can log or report the whole conversation.
//
//	client := &iso7816.Client{Card: sess, Logger: logger}
//	resp, err := client.Exchange(ctx, iso7816.SelectApplication(iso7816.ClassPlain, aid))
//	if err != nil {
//		return err
//	}
//	if err := iso7816.CheckStatus("select", resp); err != nil {
//		return err
//	}
//
// The card readers of this module only need a handful of fixed commands
// (SELECT, READ BINARY, VERIFY, GET CHALLENGE, EXTERNAL and MUTUAL
// AUTHENTICATE, READ RECORD) and the PC/SC pseudo-APDUs of contactless
// readers. SelectResult and ReadRecordResult render a trace for diagnostics.
package iso7816
