package domain

import "context"

// UserRepository persists users mirrored from the identity provider.
type UserRepository interface {
	UpsertSynced(ctx context.Context, user User) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
}
