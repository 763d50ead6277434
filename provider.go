package linkage

import (
	"context"
	"errors"
	"sync"

	"github.com/zoobzio/zyn"
)

// Provider is a language-model backend. It matches zyn.Provider.
type Provider interface {
	Call(ctx context.Context, messages []zyn.Message, temperature float32) (*zyn.ProviderResponse, error)
	Name() string
}

// ErrNoProvider is returned when a synapse reasoner has no provider to call.
var ErrNoProvider = errors.New("no provider configured: set on the reasoner, the context, or globally")

type providerCtxKey struct{}

var (
	defaultProvider   Provider
	defaultProviderMu sync.RWMutex
)

// SetProvider sets the process-wide fallback provider.
func SetProvider(p Provider) {
	defaultProviderMu.Lock()
	defer defaultProviderMu.Unlock()
	defaultProvider = p
}

// GetProvider returns the process-wide fallback provider, or nil.
func GetProvider() Provider {
	defaultProviderMu.RLock()
	defer defaultProviderMu.RUnlock()
	return defaultProvider
}

// WithProvider returns a context carrying a provider for the calls made under it.
func WithProvider(ctx context.Context, p Provider) context.Context {
	return context.WithValue(ctx, providerCtxKey{}, p)
}

// ProviderFromContext returns the provider carried by ctx.
func ProviderFromContext(ctx context.Context) (Provider, bool) {
	p, ok := ctx.Value(providerCtxKey{}).(Provider)
	return p, ok && p != nil
}

// ResolveProvider picks the explicit provider, then the context provider,
// then the global one.
func ResolveProvider(ctx context.Context, explicit Provider) (Provider, error) {
	if explicit != nil {
		return explicit, nil
	}
	if p, ok := ProviderFromContext(ctx); ok {
		return p, nil
	}
	if p := GetProvider(); p != nil {
		return p, nil
	}
	return nil, ErrNoProvider
}
