package domain

import "time"

// InboundMessage is the canonical, provider-agnostic form of a received
// chat message. Both drivers and the webhook normalizer produce it; the
// relay pipeline consumes it.
type InboundMessage struct {
	ID        string       `json:"id,omitempty"`
	ChannelID string       `json:"channelId"`
	Provider  ProviderType `json:"provider"`
	// From is the provider-native sender address, not yet phone-normalized.
	From string `json:"from"`
	Body string `json:"body"`
	// FromMe is the platform's own-message flag. It is the primary
	// loop-prevention signal but is not fully trusted; see Self.
	FromMe bool `json:"fromMe"`
	// Self is the bot's own registered address when the driver knows it.
	// The relay drops messages whose sender matches it even when FromMe
	// is unset.
	Self       string    `json:"self,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// SendResult reports the outcome of an outbound send.
type SendResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	// Detail carries provider-specific response data, if any.
	Detail map[string]any `json:"detail,omitempty"`
}

// CleanupResult reports the outcome of a session teardown.
type CleanupResult struct {
	Status   string       `json:"status"`
	Provider ProviderType `json:"provider,omitempty"`
	// Detail describes what went wrong when the teardown was degraded.
	Detail string `json:"detail,omitempty"`
}

const (
	CleanupStatusCleaned = "cleaned"
	// CleanupStatusCleanedWithErrors: the entry was evicted but part of
	// the teardown failed, so remote or on-disk state may linger.
	CleanupStatusCleanedWithErrors = "cleaned_with_errors"
	CleanupStatusNotFound          = "not_found"
)
