package relay

import (
	"context"
	"strings"

	"github.com/gabrielBielll/zapflow/internal/domain"
	"github.com/gabrielBielll/zapflow/internal/logging"
	"github.com/gabrielBielll/zapflow/internal/provider"
	"github.com/gabrielBielll/zapflow/internal/responder"
)

// Outcome statuses reported back to webhook callers.
const (
	StatusIgnored   = "ignored"
	StatusProcessed = "processed"
	StatusFailed    = "failed"
)

// Outcome describes what the pipeline did with one inbound message.
type Outcome struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Sender delivers a reply through the provider that received the
// message.
type Sender interface {
	Send(ctx context.Context, channelID string, providerType domain.ProviderType, to, text string) (domain.SendResult, error)
}

// Responder produces a reply for an inbound message.
type Responder interface {
	Respond(ctx context.Context, req responder.Request) (string, error)
}

// Pipeline runs the relay sequence for inbound messages: filter out
// echoes and noise, rate-limit per sender, ask the responder, and send
// the reply back through the originating provider. Responder failures
// degrade to a fallback apology instead of silence.
type Pipeline struct {
	sender    Sender
	responder Responder
	limiter   *SenderLimiter
	fallback  string
	log       *logging.Logger
}

func NewPipeline(sender Sender, resp Responder, limiter *SenderLimiter, fallback string, log *logging.Logger) *Pipeline {
	return &Pipeline{
		sender:    sender,
		responder: resp,
		limiter:   limiter,
		fallback:  fallback,
		log:       log.Sub("relay"),
	}
}

// Handle processes one inbound message end to end. It never returns an
// error: ingestion already succeeded, so downstream failures are
// reported in the outcome and logged, not raised.
func (p *Pipeline) Handle(ctx context.Context, msg domain.InboundMessage) Outcome {
	if msg.FromMe || p.isSelf(msg) {
		return Outcome{Status: StatusIgnored, Reason: "own message"}
	}
	if strings.TrimSpace(msg.Body) == "" {
		return Outcome{Status: StatusIgnored, Reason: "empty message"}
	}
	if p.limiter != nil && !p.limiter.Allow(msg.From) {
		p.log.Warn().Str("from", msg.From).Str("channel", msg.ChannelID).Msg("sender rate limited")
		return Outcome{Status: StatusIgnored, Reason: "rate limited"}
	}

	p.log.Info().
		Str("channel", msg.ChannelID).
		Str("provider", string(msg.Provider)).
		Str("from", msg.From).
		Msg("relaying inbound message")

	reply, err := p.responder.Respond(ctx, responder.Request{
		Body:      msg.Body,
		From:      msg.From,
		ChannelID: msg.ChannelID,
	})
	if err != nil {
		p.log.Error().Err(err).Str("channel", msg.ChannelID).Msg("responder call failed, sending fallback")
		reply = p.fallback
	}
	if reply == "" {
		return Outcome{Status: StatusIgnored, Reason: "no reply"}
	}

	if _, err := p.sender.Send(ctx, msg.ChannelID, msg.Provider, msg.From, reply); err != nil {
		p.log.Error().Err(err).Str("channel", msg.ChannelID).Str("to", msg.From).Msg("reply delivery failed")
		return Outcome{Status: StatusFailed, Reason: "reply delivery failed"}
	}

	return Outcome{Status: StatusProcessed}
}

// isSelf catches echoes the provider did not flag with fromMe by
// comparing the sender address against the session's own number.
func (p *Pipeline) isSelf(msg domain.InboundMessage) bool {
	if msg.Self == "" {
		return false
	}
	return provider.NormalizePhone(msg.From, "") == provider.NormalizePhone(msg.Self, "")
}
