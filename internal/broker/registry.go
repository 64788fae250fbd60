package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Factory builds an unconnected client for a kind. It returns
// ErrConfigMissing when no active config exists for the kind and
// ErrUnsupportedBroker for kinds it does not know.
type Factory func(kind Kind) (Client, error)

// Registry is a thread-safe pool of broker clients keyed by kind.
// Clients are created lazily, connected on first use, and cached.
type Registry struct {
	mu      sync.Mutex
	factory Factory
	clients map[Kind]Client
	logger  zerolog.Logger
}

// NewRegistry creates a registry around a client factory
func NewRegistry(factory Factory, logger zerolog.Logger) *Registry {
	return &Registry{
		factory: factory,
		clients: make(map[Kind]Client),
		logger:  logger.With().Str("component", "BrokerRegistry").Logger(),
	}
}

// Get returns a connected client for the kind, creating and connecting it
// on first request. A cached client that reports itself disconnected is
// reconnected rather than handed out stale.
func (r *Registry) Get(ctx context.Context, kind Kind) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[kind]; ok {
		if client.IsConnected() {
			return client, nil
		}
		if err := client.Connect(ctx); err != nil {
			return nil, fmt.Errorf("reconnecting %s: %w", kind, err)
		}
		return client, nil
	}

	client, err := r.factory(kind)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting %s: %w", kind, err)
	}
	r.clients[kind] = client
	r.logger.Info().Str("broker", string(kind)).Msg("broker client connected")
	return client, nil
}

// DisconnectAll logs out every cached client and empties the pool
func (r *Registry) DisconnectAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for kind, client := range r.clients {
		if err := client.Disconnect(ctx); err != nil {
			r.logger.Warn().Err(err).Str("broker", string(kind)).Msg("disconnect failed")
		}
		delete(r.clients, kind)
	}
}

// Clear drops all cached clients without logging out. Callers use this
// after a broker error so the next Get builds a fresh session.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = make(map[Kind]Client)
}

// Size returns the number of cached clients
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
