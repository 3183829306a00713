// Package auth holds caller identities: customers authenticated by bearer
// token, operators by API key, and the internal actors that drive order
// transitions on their own.
package auth

import "context"

// Role is the part an actor plays in an order transition.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
	RoleGateway  Role = "gateway"
	RoleSystem   Role = "system"
)

// Identity is an authenticated caller.
type Identity struct {
	Subject string
	Roles   []string
}

// Actor is recorded on every order transition.
type Actor struct {
	ID   string
	Role Role
}

// Customer returns the actor for a customer identity.
func Customer(id Identity) Actor {
	return Actor{ID: id.Subject, Role: RoleCustomer}
}

// Admin returns the actor for an API key holder.
func Admin(key *APIKeyInfo) Actor {
	return Actor{ID: key.ID, Role: RoleAdmin}
}

var (
	// Gateway is the actor for payment callbacks.
	Gateway = Actor{ID: "payment-gateway", Role: RoleGateway}
	// System is the actor for automatic transitions such as delivery escalation.
	System = Actor{ID: "system", Role: RoleSystem}
)

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored by WithIdentity.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	if !ok || id.Subject == "" {
		return Identity{}, false
	}
	return id, true
}

type apiKeyKey struct{}

// WithAPIKey returns a copy of ctx carrying the validated key.
func WithAPIKey(ctx context.Context, key *APIKeyInfo) context.Context {
	return context.WithValue(ctx, apiKeyKey{}, key)
}

// APIKeyFrom returns the key stored by WithAPIKey.
func APIKeyFrom(ctx context.Context) (*APIKeyInfo, bool) {
	key, ok := ctx.Value(apiKeyKey{}).(*APIKeyInfo)
	return key, ok && key != nil
}
