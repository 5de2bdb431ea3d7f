package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"nhooyr.io/websocket"
)

// Message types.
const (
	TypeSnapshot = "snapshot"
	TypeView     = "view"
	TypeError    = "error"
)

const writeTimeout = 5 * time.Second

// Message is the envelope of every frame sent over a stream.
type Message struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId"`
}

// ErrorPayload is the payload of TypeError frames.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// NewMessage encodes payload into an envelope.
func NewMessage(typ, senderID string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("transport: encode %s payload: %w", typ, err)
	}
	return Message{Type: typ, Payload: raw, SenderID: senderID}, nil
}

// Decode unmarshals the payload of m into v, checking the type first.
func (m Message) Decode(typ string, v any) error {
	if m.Type != typ {
		return fmt.Errorf("transport: expected %s message, got %q", typ, m.Type)
	}
	return json.Unmarshal(m.Payload, v)
}

// Send writes one envelope to conn.
func Send(ctx context.Context, conn *websocket.Conn, typ, senderID string, payload any) error {
	msg, err := NewMessage(typ, senderID, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
