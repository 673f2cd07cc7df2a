package identity

import (
	"github.com/counselly/edge/internal/kv"
)

// Provider hands out Resolvers for individual browsers over shared backing
// stores. The device id scopes the durable store and the tab id scopes the
// session store.
type Provider struct {
	durable kv.Store
	session kv.Store
	opts    []Option
}

// NewProvider creates a Provider. opts apply to every Resolver it builds.
func NewProvider(durable, session kv.Store, opts ...Option) *Provider {
	return &Provider{durable: durable, session: session, opts: opts}
}

// For returns the Resolver for one device and tab.
func (p *Provider) For(deviceID, tabID string, env Env) *Resolver {
	opts := append([]Option{}, p.opts...)
	opts = append(opts, WithEnv(env))
	return NewResolver(
		kv.Scoped(p.durable, "device:"+deviceID),
		kv.Scoped(p.session, "tab:"+tabID),
		opts...,
	)
}
