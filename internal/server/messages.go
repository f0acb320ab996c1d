package server

import (
	"time"

	"github.com/gregLibert/nfc-bridge/internal/bridge"
)

// inbound is any client message. Fields unused by its type are ignored.
type inbound struct {
	Type       string `json:"type"`
	CardType   string `json:"card_type"`
	CardNumber string `json:"card_number"`
	BirthDate  string `json:"birth_date"`
	ExpiryDate string `json:"expiry_date"`
	PIN        string `json:"pin"`
	// Timeout is in seconds.
	Timeout float64 `json:"timeout"`
}

func (m *inbound) request() bridge.Request {
	return bridge.Request{
		CardType:   bridge.CardType(m.CardType),
		CardNumber: m.CardNumber,
		BirthDate:  m.BirthDate,
		ExpiryDate: m.ExpiryDate,
		PIN:        m.PIN,
		Timeout:    time.Duration(m.Timeout * float64(time.Second)),
	}
}

type typeOnly struct {
	Type string `json:"type"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type connectedMessage struct {
	Type              string            `json:"type"`
	State             bridge.State      `json:"state"`
	ReaderAvailable   bool              `json:"reader_available"`
	ReaderName        string            `json:"reader_name,omitempty"`
	SupportedCards    []bridge.CardType `json:"supported_cards"`
	SupportedFeatures []string          `json:"supported_features"`
	Version           string            `json:"version"`
	ZairyuAuth        string            `json:"zairyu_auth"`
	OCRAvailable      bool              `json:"ocr_available"`
}

type statusMessage struct {
	Type string `json:"type"`
	bridge.Notification
}

type statusResponse struct {
	Type string `json:"type"`
	bridge.Status
}

// resultMessage flattens a scan outcome into the message.
type resultMessage struct {
	Type string `json:"type"`
	*bridge.Result
}
