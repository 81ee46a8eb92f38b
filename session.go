package rill

import "context"

// Session resolves the acting principal for writes.
type Session interface {
	Principal(ctx context.Context) (string, error)
}

// SessionFunc adapts a function to Session.
type SessionFunc func(ctx context.Context) (string, error)

// Principal calls f.
func (f SessionFunc) Principal(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticSession always acts as the given principal. An empty id is unauthenticated.
func StaticSession(id string) Session {
	return SessionFunc(func(context.Context) (string, error) {
		return id, nil
	})
}

type principalKey struct{}

// WithPrincipal returns a context carrying a principal id for ContextSession.
func WithPrincipal(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, principalKey{}, id)
}

// ContextSession reads the principal stored by WithPrincipal.
var ContextSession Session = SessionFunc(func(ctx context.Context) (string, error) {
	id, _ := ctx.Value(principalKey{}).(string)
	return id, nil
})

// resolvePrincipal fails with ErrNotAuthenticated when no principal is available.
func resolvePrincipal(ctx context.Context, s Session) (string, error) {
	if s == nil {
		return "", ErrNotAuthenticated
	}
	id, err := s.Principal(ctx)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", ErrNotAuthenticated
	}
	return id, nil
}
