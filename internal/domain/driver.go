package domain

import (
	"context"
	"errors"
)

// Initialize outcomes that are not handshake tokens.
const (
	// AlreadyConnected is returned by Initialize when the session is
	// already ready; no new handshake is started.
	AlreadyConnected = "already_connected"

	// Connected is returned by Initialize when a persisted session was
	// restored and became ready without requiring a scan.
	Connected = "connected"
)

// Driver is the provider capability contract. Every backend
// implementation satisfies exactly these four operations. Instances are
// owned by the registry; callers address them by (channel, provider)
// key and never hold references across calls.
type Driver interface {
	// Initialize starts or restores the session. It returns a scannable
	// handshake token, or AlreadyConnected/Connected when no scan is
	// needed. It is idempotent for ready sessions and fails with
	// ErrConcurrentInit when a handshake is already in flight.
	Initialize(ctx context.Context) (string, error)

	// Send delivers text to a recipient address. Fails with ErrNotReady
	// unless the session is ready.
	Send(ctx context.Context, to, text string) (SendResult, error)

	// Status returns a snapshot of the session. Pure read.
	Status() SessionStatus

	// Cleanup tears the session down best-effort. Teardown errors never
	// block the transition to disconnected.
	Cleanup(ctx context.Context) (CleanupResult, error)
}

// InboundHandler consumes canonical inbound messages. One handler is
// injected per driver instance at construction time; drivers invoke it
// for every message event instead of exposing their own event streams.
type InboundHandler func(msg InboundMessage)

// Error taxonomy. Drivers and the registry wrap these so callers can
// dispatch with errors.Is.
var (
	// ErrConcurrentInit: an initialize is already in flight for this
	// session. Callers should poll status instead of retrying.
	ErrConcurrentInit = errors.New("initialization already in progress")

	// ErrHandshakeTimeout: no handshake token or ready signal arrived
	// within the driver's bound. A fresh Initialize may be attempted.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrInitAborted: a cleanup tore the session down while the
	// initialize was still in flight. The initialize yields; the cleanup
	// outcome stands.
	ErrInitAborted = errors.New("initialization aborted by cleanup")

	// ErrNotReady: send attempted before the session reached ready.
	ErrNotReady = errors.New("session not ready")

	// ErrProviderNotFound: no driver instance exists for the requested
	// (channel, provider) key.
	ErrProviderNotFound = errors.New("provider not found")

	// ErrUnknownProvider: the provider type has no registered factory.
	ErrUnknownProvider = errors.New("unknown provider type")

	// ErrMalformedWebhook: an inbound payload could not be normalized.
	ErrMalformedWebhook = errors.New("malformed webhook payload")
)
