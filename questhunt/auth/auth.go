// Package auth carries the caller identity through the services layer.
// Quests can require a signed-in account, so the coordinator needs to know
// whether the current player is anonymous.
package auth

import "context"

// Identity describes who is performing an operation.
type Identity struct {
	UserID      string
	DisplayName string

	// Anonymous is true for device-local guest identities. Anonymous users
	// cannot join quests that require sign-in.
	Anonymous bool
}

// Provider resolves the identity attached to a request context.
type Provider interface {
	CurrentIdentity(ctx context.Context) (*Identity, error)
}

// StaticProvider returns the same identity for every call. Used by the CLI
// entrypoint and by tests.
type StaticProvider struct {
	Identity Identity
}

func (p *StaticProvider) CurrentIdentity(context.Context) (*Identity, error) {
	ident := p.Identity
	return &ident, nil
}
