// Package tenant carries per-request tenant identity through context.
//
// A Tenant is never persisted. Its Secret is the key material for field
// encryption and lives only for the duration of the originating request.
package tenant

import (
	"context"
	"errors"
)

var (
	// ErrUnauthenticated is returned when identity verification fails.
	ErrUnauthenticated = errors.New("identity verification failed")

	// ErrMissingTenant is returned when tenant info is missing from context.
	// This triggers fail-closed behavior - no empty results, just errors.
	ErrMissingTenant = errors.New("tenant info missing from context")

	// ErrInvalidTenant is returned when the tenant identifier is invalid.
	ErrInvalidTenant = errors.New("invalid tenant identifier")
)

// Secret wraps the per-request tenant secret so it cannot leak through
// logging or string formatting. Use Value() to access the raw bytes.
type Secret string

// String implements fmt.Stringer. Always returns a redacted value.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// GoString implements fmt.GoStringer for %#v formatting.
func (s Secret) GoString() string {
	return "Secret([REDACTED])"
}

// Value returns the actual secret value. Use sparingly.
func (s Secret) Value() string {
	return string(s)
}

// Tenant identifies the authenticated owner of a request.
type Tenant struct {
	// ID is the opaque tenant identifier (required).
	ID string

	// Secret is the per-request key material for field encryption.
	// Never cached, never logged, never reused outside the request.
	Secret Secret
}

// Validate checks that required fields are present.
func (t *Tenant) Validate() error {
	if t.ID == "" {
		return ErrInvalidTenant
	}
	return nil
}

// tenantContextKey is the context key for Tenant.
type tenantContextKey struct{}

// ContextWithTenant adds a Tenant to a context.
func ContextWithTenant(ctx context.Context, t *Tenant) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, t)
}

// FromContext extracts the Tenant from a context.
// Returns ErrMissingTenant if not present - fail closed.
func FromContext(ctx context.Context) (*Tenant, error) {
	val := ctx.Value(tenantContextKey{})
	if val == nil {
		return nil, ErrMissingTenant
	}
	t, ok := val.(*Tenant)
	if !ok || t == nil {
		return nil, ErrMissingTenant
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// HasTenant checks if a Tenant is present in context without error.
func HasTenant(ctx context.Context) bool {
	_, err := FromContext(ctx)
	return err == nil
}

// Verifier turns a bearer token into a verified Tenant.
//
// Verification itself is an external collaborator (Firebase, OIDC, ...);
// the core trusts whatever identifier the Verifier yields.
type Verifier interface {
	// Verify validates token and returns the tenant it belongs to.
	// Returns ErrUnauthenticated (possibly wrapped) on failure.
	Verify(ctx context.Context, token string) (*Tenant, error)
}

// StaticVerifier maps known tokens to tenants. Intended for tests and
// local development only.
type StaticVerifier struct {
	tenants map[string]Tenant
}

// NewStaticVerifier creates a StaticVerifier from a token -> tenant map.
func NewStaticVerifier(tenants map[string]Tenant) *StaticVerifier {
	cp := make(map[string]Tenant, len(tenants))
	for k, v := range tenants {
		cp[k] = v
	}
	return &StaticVerifier{tenants: cp}
}

// Verify implements Verifier.
func (v *StaticVerifier) Verify(ctx context.Context, token string) (*Tenant, error) {
	t, ok := v.tenants[token]
	if !ok {
		return nil, ErrUnauthenticated
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

var _ Verifier = (*StaticVerifier)(nil)
