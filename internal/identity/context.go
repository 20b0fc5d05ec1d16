package identity

import (
	"context"

	"cartoon/internal/domain"
)

type userKey struct{}

// WithUser stores the authenticated user on ctx.
func WithUser(ctx context.Context, user domain.User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the authenticated user, if any.
func UserFromContext(ctx context.Context) (domain.User, bool) {
	u, ok := ctx.Value(userKey{}).(domain.User)
	return u, ok && u.GoogleID != ""
}

// ContextIdentity reports the google id of the user stored on the context.
type ContextIdentity struct{}

func (ContextIdentity) GoogleID(ctx context.Context) (string, bool) {
	u, ok := UserFromContext(ctx)
	if !ok {
		return "", false
	}
	return u.GoogleID, true
}
