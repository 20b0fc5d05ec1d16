// Package sessions keeps one generation controller per signed-in user.
package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cartoon/internal/generation"
)

// Factory builds a controller for the user keyed by googleID.
type Factory func(googleID string) *generation.Controller

// Registry maps google ids to controllers. Controllers are cancelled when
// released, evicted for idleness, or when the registry closes.
type Registry struct {
	factory Factory
	idleTTL time.Duration
	logger  zerolog.Logger

	mu     sync.Mutex
	byUser map[string]*generation.Controller
	closed bool
}

func NewRegistry(factory Factory, idleTTL time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		factory: factory,
		idleTTL: idleTTL,
		logger:  logger,
		byUser:  make(map[string]*generation.Controller),
	}
}

// Get returns the user's controller, creating it on first use. It returns nil
// once the registry is closed.
func (r *Registry) Get(googleID string) *generation.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if c, ok := r.byUser[googleID]; ok {
		return c
	}
	c := r.factory(googleID)
	r.byUser[googleID] = c
	r.logger.Debug().Str("google_id", googleID).Int("sessions", len(r.byUser)).Msg("session created")
	return c
}

// Peek returns the user's controller without creating one.
func (r *Registry) Peek(googleID string) (*generation.Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byUser[googleID]
	return c, ok
}

// Release tears down and forgets the user's controller.
func (r *Registry) Release(googleID string) bool {
	r.mu.Lock()
	c, ok := r.byUser[googleID]
	delete(r.byUser, googleID)
	r.mu.Unlock()
	if ok {
		c.Cancel()
		r.logger.Debug().Str("google_id", googleID).Msg("session released")
	}
	return ok
}

// Sweep evicts controllers idle since before now-idleTTL. Controllers with an
// attempt in flight are kept. It returns the number evicted.
func (r *Registry) Sweep(now time.Time) int {
	if r.idleTTL <= 0 {
		return 0
	}
	cutoff := now.Add(-r.idleTTL)
	var evicted []*generation.Controller

	r.mu.Lock()
	for id, c := range r.byUser {
		if c.Snapshot().Busy() || c.LastActive().After(cutoff) {
			continue
		}
		delete(r.byUser, id)
		evicted = append(evicted, c)
	}
	r.mu.Unlock()

	for _, c := range evicted {
		c.Cancel()
	}
	if len(evicted) > 0 {
		r.logger.Info().Int("evicted", len(evicted)).Msg("idle sessions swept")
	}
	return len(evicted)
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// Close cancels every controller and rejects further Get calls.
func (r *Registry) Close() {
	r.mu.Lock()
	all := r.byUser
	r.byUser = make(map[string]*generation.Controller)
	r.closed = true
	r.mu.Unlock()
	for _, c := range all {
		c.Cancel()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}
