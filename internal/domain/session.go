// Package domain defines the core types shared across the gateway:
// session state, the canonical inbound message, and the provider
// driver contract.
package domain

// Status is the lifecycle state of one channel's provider session.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusInitializing Status = "initializing"
	StatusAwaitingScan Status = "awaiting_scan"
	StatusReady        Status = "ready"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
	StatusTimedOut     Status = "timed_out"
)

// ProviderType selects a driver implementation.
type ProviderType string

const (
	// ProviderWhatsmeow is the protocol-level driver speaking the
	// WhatsApp multidevice protocol directly.
	ProviderWhatsmeow ProviderType = "whatsmeow"

	// ProviderWAHA drives a WAHA (WhatsApp HTTP API) server.
	ProviderWAHA ProviderType = "waha"
)

// ProviderInfo describes an available provider type for discovery.
type ProviderInfo struct {
	Type        ProviderType `json:"type"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
}

// SessionStatus is a point-in-time snapshot of a driver's session.
type SessionStatus struct {
	ChannelID string       `json:"channelId"`
	Provider  ProviderType `json:"provider"`
	Status    Status       `json:"status"`
	HasQR     bool         `json:"hasQR"`
	QR        string       `json:"qr,omitempty"`
	LastError string       `json:"lastError,omitempty"`
}

// ActiveSession is one entry in the registry's active-provider snapshot.
type ActiveSession struct {
	ChannelID string        `json:"channelId"`
	Provider  ProviderType  `json:"providerType"`
	Status    SessionStatus `json:"status"`
}
