package auth

import "context"

type contextKey struct{}

// NewContext returns a context carrying the resolved credential.
func NewContext(ctx context.Context, cred *Credential) context.Context {
	return context.WithValue(ctx, contextKey{}, cred)
}

// FromContext returns the credential stored by the auth middleware, or nil.
func FromContext(ctx context.Context) *Credential {
	cred, _ := ctx.Value(contextKey{}).(*Credential)
	return cred
}
