// Package relay turns provider webhook events into responder calls and
// replies.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gabrielBielll/zapflow/internal/domain"
)

// ErrIgnoredEvent marks webhook deliveries that are well-formed but not
// message events, such as session status changes.
var ErrIgnoredEvent = errors.New("ignored event type")

type wirePayload struct {
	ID     string  `json:"id"`
	From   *string `json:"from"`
	Body   *string `json:"body"`
	FromMe bool    `json:"fromMe"`
}

// wireEnvelope accepts both shapes seen on the wire: an event wrapper
// with the message under payload, and a flat message object.
type wireEnvelope struct {
	Event   string          `json:"event"`
	Session string          `json:"session"`
	Payload json.RawMessage `json:"payload"`
	wirePayload
}

// Normalize parses a raw webhook body into the canonical inbound shape.
// Pointers distinguish absent fields from empty strings: a missing from
// or body is malformed, while an empty body is a valid message the
// pipeline later ignores.
func Normalize(channelID string, provider domain.ProviderType, raw []byte) (domain.InboundMessage, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.InboundMessage{}, fmt.Errorf("%w: %v", domain.ErrMalformedWebhook, err)
	}

	if env.Event != "" && env.Event != "message" {
		return domain.InboundMessage{}, fmt.Errorf("%w: %s", ErrIgnoredEvent, env.Event)
	}

	msg := env.wirePayload
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return domain.InboundMessage{}, fmt.Errorf("%w: %v", domain.ErrMalformedWebhook, err)
		}
	}

	if msg.From == nil || *msg.From == "" {
		return domain.InboundMessage{}, fmt.Errorf("%w: missing from", domain.ErrMalformedWebhook)
	}
	if msg.Body == nil {
		return domain.InboundMessage{}, fmt.Errorf("%w: missing body", domain.ErrMalformedWebhook)
	}

	id := msg.ID
	if id == "" {
		id = uuid.New().String()
	}

	return domain.InboundMessage{
		ID:         id,
		ChannelID:  channelID,
		Provider:   provider,
		From:       *msg.From,
		Body:       *msg.Body,
		FromMe:     msg.FromMe,
		ReceivedAt: time.Now(),
	}, nil
}
