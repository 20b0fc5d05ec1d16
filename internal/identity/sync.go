package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"cartoon/internal/domain"
)

// SyncTracker mirrors signed-in users into a UserRepository once per sign-in.
// Entries are dropped on sign-out so a later sign-in syncs again.
type SyncTracker struct {
	store domain.UserRepository
	now   func() time.Time

	mu     sync.Mutex
	synced map[string]domain.User
	group  singleflight.Group
}

func NewSyncTracker(store domain.UserRepository) *SyncTracker {
	return &SyncTracker{
		store:  store,
		now:    time.Now,
		synced: make(map[string]domain.User),
	}
}

// Sync upserts user unless it was already synced in this sign-in. Concurrent
// calls for the same user share one upsert. The returned flag reports whether
// this call performed the write.
func (t *SyncTracker) Sync(ctx context.Context, user domain.User) (domain.User, bool, error) {
	key := user.ExternalID()
	if key == "" {
		return domain.User{}, false, domain.NewError(domain.ErrValidation, "user has no id", nil)
	}
	if u, ok := t.lookup(key); ok {
		return u, false, nil
	}

	// The shared upsert outlives any single caller; each caller may still give up.
	ch := t.group.DoChan(key, func() (any, error) {
		if u, ok := t.lookup(key); ok {
			return syncResult{user: u}, nil
		}
		user.SyncedAt = t.now().UTC()
		stored, err := t.store.UpsertSynced(context.WithoutCancel(ctx), user)
		if err != nil {
			return nil, fmt.Errorf("identity: sync user: %w", err)
		}
		t.mu.Lock()
		t.synced[key] = *stored
		t.mu.Unlock()
		return syncResult{user: *stored, wrote: true}, nil
	})
	var out singleflight.Result
	select {
	case out = <-ch:
	case <-ctx.Done():
		return domain.User{}, false, ctx.Err()
	}
	if out.Err != nil {
		return domain.User{}, false, out.Err
	}
	res := out.Val.(syncResult)
	return res.user, res.wrote && !out.Shared, nil
}

type syncResult struct {
	user  domain.User
	wrote bool
}

func (t *SyncTracker) lookup(key string) (domain.User, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.synced[key]
	return u, ok
}

// Synced reports whether the user keyed by externalID has been synced.
func (t *SyncTracker) Synced(externalID string) bool {
	_, ok := t.lookup(externalID)
	return ok
}

// Forget drops the entry for externalID.
func (t *SyncTracker) Forget(externalID string) {
	t.mu.Lock()
	delete(t.synced, externalID)
	t.mu.Unlock()
}

// Reset drops every entry.
func (t *SyncTracker) Reset() {
	t.mu.Lock()
	t.synced = make(map[string]domain.User)
	t.mu.Unlock()
}

func (t *SyncTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.synced)
}
