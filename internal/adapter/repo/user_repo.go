package repo

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"cartoon/internal/domain"
	"cartoon/internal/infra"
	"cartoon/internal/sqlinline"
)

// UserRepositoryPG implements domain.UserRepository backed by PostgreSQL.
type UserRepositoryPG struct {
	db infra.SQLExecutor
}

// NewUserRepository creates a new UserRepositoryPG.
func NewUserRepository(db infra.SQLExecutor) *UserRepositoryPG {
	return &UserRepositoryPG{db: db}
}

// EnsureSchema creates the users table when missing.
func (r *UserRepositoryPG) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, sqlinline.QEnsureUsersTable); err != nil {
		return fmt.Errorf("ensure users table: %w", err)
	}
	return nil
}

// UpsertSynced inserts or refreshes a user keyed by google id. Empty profile
// fields never overwrite stored values.
func (r *UserRepositoryPG) UpsertSynced(ctx context.Context, user domain.User) (*domain.User, error) {
	if strings.TrimSpace(user.GoogleID) == "" {
		return nil, domain.NewError(domain.ErrValidation, "google id is required", nil)
	}
	row := r.db.QueryRow(ctx, sqlinline.QUpsertSyncedUser,
		user.GoogleID,
		user.Email,
		user.Name,
		user.Locale,
		user.SyncedAt,
	)
	return scanUser(row)
}

// GetByID fetches a user by UUID.
func (r *UserRepositoryPG) GetByID(ctx context.Context, id string) (*domain.User, error) {
	row := r.db.QueryRow(ctx, sqlinline.QSelectUserByID, id)
	return scanUser(row)
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.GoogleID, &u.Email, &u.Name, &u.Locale, &u.SyncedAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

var _ domain.UserRepository = (*UserRepositoryPG)(nil)
