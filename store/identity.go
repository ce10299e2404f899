package store

import "context"

// Identity resolves the current user for an operation. It is owned by the
// session layer; the store only consumes it. An empty user id means no user
// is logged in, in which case writes fail closed and reads return empty
// results.
type Identity interface {
	CurrentUserID(ctx context.Context) string
}

// IdentityFunc adapts a plain function to the Identity interface.
type IdentityFunc func(ctx context.Context) string

func (f IdentityFunc) CurrentUserID(ctx context.Context) string {
	return f(ctx)
}

// StaticIdentity returns an Identity that always resolves to the given user.
// Useful for tests simulating multiple users against one store.
func StaticIdentity(userID string) Identity {
	return IdentityFunc(func(context.Context) string {
		return userID
	})
}
