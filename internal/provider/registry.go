// Package provider manages per-channel WhatsApp driver instances across
// interchangeable backend implementations.
package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/gabrielBielll/zapflow/internal/domain"
	"github.com/gabrielBielll/zapflow/internal/logging"
)

// Key identifies one driver instance: one tenant channel on one backend.
type Key struct {
	ChannelID string
	Provider  domain.ProviderType
}

func (k Key) String() string {
	return k.ChannelID + "_" + string(k.Provider)
}

// Factory constructs a driver for a channel. The inbound handler is the
// relay pipeline's entry point, injected once per instance.
type Factory func(channelID string, onInbound domain.InboundHandler) (domain.Driver, error)

// Registry owns every driver instance, keyed by (channel, provider).
// It is the only writer of driver lifecycle state; callers address
// drivers through it rather than holding references.
type Registry struct {
	mu        sync.RWMutex
	drivers   map[Key]domain.Driver
	factories map[domain.ProviderType]Factory
	infos     []domain.ProviderInfo
	onInbound domain.InboundHandler
	log       *logging.Logger
}

// NewRegistry creates an empty registry. The inbound handler is passed
// to every driver the registry constructs.
func NewRegistry(onInbound domain.InboundHandler, log *logging.Logger) *Registry {
	return &Registry{
		drivers:   make(map[Key]domain.Driver),
		factories: make(map[domain.ProviderType]Factory),
		onInbound: onInbound,
		log:       log.Sub("providers"),
	}
}

// RegisterFactory adds a provider type. New backends plug in here; no
// registry logic changes.
func (r *Registry) RegisterFactory(info domain.ProviderInfo, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[info.Type] = factory
	r.infos = append(r.infos, info)
}

// Available lists the registered provider types for discovery.
func (r *Registry) Available() []domain.ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]domain.ProviderInfo, len(r.infos))
	copy(infos, r.infos)
	return infos
}

// GetOrCreate returns the cached driver for the key, constructing and
// caching one if absent. A cached instance is never replaced silently.
func (r *Registry) GetOrCreate(channelID string, provider domain.ProviderType) (domain.Driver, error) {
	key := Key{ChannelID: channelID, Provider: provider}

	r.mu.RLock()
	drv, ok := r.drivers[key]
	r.mu.RUnlock()
	if ok {
		return drv, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// another request may have created it while we upgraded the lock
	if drv, ok := r.drivers[key]; ok {
		return drv, nil
	}

	factory, ok := r.factories[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownProvider, provider)
	}

	drv, err := factory(channelID, r.onInbound)
	if err != nil {
		return nil, fmt.Errorf("creating %s driver for channel %s: %w", provider, channelID, err)
	}

	r.drivers[key] = drv
	r.log.Info().Str("channel", channelID).Str("provider", string(provider)).Msg("driver created")
	return drv, nil
}

// Initialize creates the driver if needed and starts its handshake.
// The handshake runs outside the registry lock so slow channels never
// block each other; per-session serialization is the driver's job.
func (r *Registry) Initialize(ctx context.Context, channelID string, provider domain.ProviderType) (string, error) {
	drv, err := r.GetOrCreate(channelID, provider)
	if err != nil {
		return "", err
	}
	return drv.Initialize(ctx)
}

// Send routes an outbound message through an existing driver. Sending
// requires a prior Initialize; unknown keys fail with ErrProviderNotFound.
func (r *Registry) Send(ctx context.Context, channelID string, provider domain.ProviderType, to, text string) (domain.SendResult, error) {
	r.mu.RLock()
	drv, ok := r.drivers[Key{ChannelID: channelID, Provider: provider}]
	r.mu.RUnlock()
	if !ok {
		return domain.SendResult{}, fmt.Errorf("%w: channel %s (%s)", domain.ErrProviderNotFound, channelID, provider)
	}
	return drv.Send(ctx, to, text)
}

// Status returns the driver's session snapshot, or false if the key has
// never been initialized.
func (r *Registry) Status(channelID string, provider domain.ProviderType) (domain.SessionStatus, bool) {
	r.mu.RLock()
	drv, ok := r.drivers[Key{ChannelID: channelID, Provider: provider}]
	r.mu.RUnlock()
	if !ok {
		return domain.SessionStatus{}, false
	}
	return drv.Status(), true
}

// Cleanup tears down a driver and evicts it unconditionally; a failed
// teardown must not leave an unreachable zombie entry. Unknown keys
// report not_found rather than erroring, so repeated cleanup is safe.
func (r *Registry) Cleanup(ctx context.Context, channelID string, provider domain.ProviderType) (domain.CleanupResult, error) {
	key := Key{ChannelID: channelID, Provider: provider}

	r.mu.Lock()
	drv, ok := r.drivers[key]
	if ok {
		delete(r.drivers, key)
	}
	r.mu.Unlock()

	if !ok {
		return domain.CleanupResult{Status: domain.CleanupStatusNotFound}, nil
	}

	result, err := drv.Cleanup(ctx)
	if err != nil {
		r.log.Warn().Err(err).Str("channel", channelID).Str("provider", string(provider)).Msg("cleanup error, entry evicted anyway")
		return domain.CleanupResult{
			Status:   domain.CleanupStatusCleanedWithErrors,
			Provider: provider,
			Detail:   err.Error(),
		}, nil
	}
	return result, nil
}

// Active returns a snapshot of every live session at call time.
func (r *Registry) Active() []domain.ActiveSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make([]domain.ActiveSession, 0, len(r.drivers))
	for key, drv := range r.drivers {
		active = append(active, domain.ActiveSession{
			ChannelID: key.ChannelID,
			Provider:  key.Provider,
			Status:    drv.Status(),
		})
	}
	return active
}

// CleanupAll tears down every driver, best-effort. Used on shutdown.
func (r *Registry) CleanupAll(ctx context.Context) {
	r.mu.Lock()
	drivers := r.drivers
	r.drivers = make(map[Key]domain.Driver)
	r.mu.Unlock()

	for key, drv := range drivers {
		if _, err := drv.Cleanup(ctx); err != nil {
			r.log.Warn().Err(err).Str("key", key.String()).Msg("cleanup failed during shutdown")
		}
	}
}
