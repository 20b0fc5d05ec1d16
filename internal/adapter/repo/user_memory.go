package repo

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cartoon/internal/domain"
)

// UserRepositoryMemory keeps users in process memory. It backs the API when no
// database is configured.
type UserRepositoryMemory struct {
	mu       sync.RWMutex
	byID     map[string]*domain.User
	byGoogle map[string]string
	now      func() time.Time
}

func NewUserRepositoryMemory() *UserRepositoryMemory {
	return &UserRepositoryMemory{
		byID:     make(map[string]*domain.User),
		byGoogle: make(map[string]string),
		now:      time.Now,
	}
}

func (r *UserRepositoryMemory) UpsertSynced(_ context.Context, user domain.User) (*domain.User, error) {
	if strings.TrimSpace(user.GoogleID) == "" {
		return nil, domain.NewError(domain.ErrValidation, "google id is required", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	if user.SyncedAt.IsZero() {
		user.SyncedAt = now
	}
	if id, ok := r.byGoogle[user.GoogleID]; ok {
		stored := r.byID[id]
		if user.Email != "" {
			stored.Email = user.Email
		}
		if user.Name != "" {
			stored.Name = user.Name
		}
		if user.Locale != "" {
			stored.Locale = user.Locale
		}
		stored.SyncedAt = user.SyncedAt
		stored.UpdatedAt = now
		out := *stored
		return &out, nil
	}

	stored := user
	stored.ID = uuid.NewString()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.byID[stored.ID] = &stored
	r.byGoogle[stored.GoogleID] = stored.ID
	out := stored
	return &out, nil
}

func (r *UserRepositoryMemory) GetByID(_ context.Context, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *u
	return &out, nil
}

var _ domain.UserRepository = (*UserRepositoryMemory)(nil)
