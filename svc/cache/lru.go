package cache

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Seen remembers (slug, viewer) pairs that already have a view record in
// storage, so repeat views skip the write transaction. It is only an
// optimisation: a miss always falls through to the store, which is the
// authority on uniqueness.
type Seen struct {
	c   *lru.Cache[seenKey, time.Time]
	mu  sync.Mutex
	now func() time.Time
	// bySlug indexes live keys so Forget does not walk the whole cache.
	bySlug map[string]map[string]struct{}
}

type seenKey struct {
	slug, viewer string
}

func NewSeen(size int) (*Seen, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 1000000 {
		return nil, errors.New("cache size too large")
	}
	s := &Seen{now: time.Now, bySlug: make(map[string]map[string]struct{})}
	c, err := lru.NewWithEvict[seenKey, time.Time](size, s.unindex)
	if err != nil {
		return nil, err
	}
	s.c = c
	return s, nil
}

// unindex runs inside cache calls made with s.mu held.
func (s *Seen) unindex(k seenKey, _ time.Time) {
	viewers := s.bySlug[k.slug]
	delete(viewers, k.viewer)
	if len(viewers) == 0 {
		delete(s.bySlug, k.slug)
	}
}

// Has reports whether the pair was marked and its paste has not yet expired.
// A nil cache never has anything.
func (s *Seen) Has(slug, viewer string) bool {
	if s == nil {
		return false
	}
	key := seenKey{slug, viewer}
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.c.Get(key)
	if !ok {
		return false
	}
	if !s.now().Before(exp) {
		s.c.Remove(key)
		return false
	}
	return true
}

// Mark records the pair until the paste expires.
func (s *Seen) Mark(slug, viewer string, expiresAt time.Time) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.Add(seenKey{slug, viewer}, expiresAt)
	viewers, ok := s.bySlug[slug]
	if !ok {
		viewers = make(map[string]struct{})
		s.bySlug[slug] = viewers
	}
	viewers[viewer] = struct{}{}
}

// Forget drops every entry for slug. Called when a paste is deleted so a stale
// entry cannot outlive it.
func (s *Seen) Forget(slug string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for viewer := range s.bySlug[slug] {
		s.c.Remove(seenKey{slug, viewer})
	}
	delete(s.bySlug, slug)
}

func (s *Seen) Len() int {
	if s == nil {
		return 0
	}
	return s.c.Len()
}
