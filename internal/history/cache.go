// Package history serves a user's past generations through a short-lived
// in-memory cache.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"cartoon/internal/domain"
	"cartoon/internal/imagegen"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	// findPages bounds how far back FindResult looks.
	findPages = 5
)

// Service reads history pages from the generation backend and caches them
// per user for a TTL. Invalidate makes every cached page of a user stale.
type Service struct {
	source imagegen.HistorySource
	cache  *ristretto.Cache
	ttl    time.Duration
	logger zerolog.Logger

	mu       sync.Mutex
	versions map[string]uint64
	group    singleflight.Group
}

func NewService(source imagegen.HistorySource, ttl time.Duration, logger zerolog.Logger) (*Service, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("history: create cache: %w", err)
	}
	return &Service{
		source:   source,
		cache:    cache,
		ttl:      ttl,
		logger:   logger,
		versions: make(map[string]uint64),
	}, nil
}

// Page returns one page of googleID's history. page starts at 1.
func (s *Service) Page(ctx context.Context, googleID string, page, pageSize int) (domain.HistoryPage, error) {
	if googleID == "" {
		return domain.HistoryPage{}, domain.NewError(domain.ErrAuthRequired, "sign in to view your history", nil)
	}
	page, pageSize = normalize(page, pageSize)
	key := s.key(googleID, page, pageSize)

	if s.ttl > 0 {
		if v, ok := s.cache.Get(key); ok {
			return v.(domain.HistoryPage), nil
		}
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		p, err := s.source.History(ctx, googleID, page, pageSize)
		if err != nil {
			return nil, err
		}
		if s.ttl > 0 {
			s.cache.SetWithTTL(key, p, int64(len(p.Items)+1), s.ttl)
			s.cache.Wait()
		}
		return p, nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("google_id", googleID).Int("page", page).Msg("history: fetch failed")
		return domain.HistoryPage{}, fmt.Errorf("history: %w", err)
	}
	return v.(domain.HistoryPage), nil
}

// FindResult reports whether ref is the result image of one of googleID's
// recent generations, and which one. Pages come from the cache when warm.
func (s *Service) FindResult(ctx context.Context, googleID, ref string) (string, bool, error) {
	for page := 1; page <= findPages; page++ {
		p, err := s.Page(ctx, googleID, page, MaxPageSize)
		if err != nil {
			return "", false, err
		}
		for _, it := range p.Items {
			if it.ResultImageRef != "" && it.ResultImageRef == ref {
				return it.ID, true, nil
			}
		}
		if len(p.Items) < MaxPageSize || page*MaxPageSize >= p.Total {
			break
		}
	}
	return "", false, nil
}

// Invalidate drops every cached page for googleID.
func (s *Service) Invalidate(googleID string) {
	s.mu.Lock()
	s.versions[googleID]++
	s.mu.Unlock()
}

func (s *Service) Close() {
	s.cache.Close()
}

func (s *Service) key(googleID string, page, pageSize int) string {
	s.mu.Lock()
	v := s.versions[googleID]
	s.mu.Unlock()
	return fmt.Sprintf("%s|%d|%d|%d", googleID, v, page, pageSize)
}

func normalize(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	switch {
	case pageSize <= 0:
		pageSize = DefaultPageSize
	case pageSize > MaxPageSize:
		pageSize = MaxPageSize
	}
	return page, pageSize
}
