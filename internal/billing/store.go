package billing

import (
	"context"
	"sync"
	"time"

	"github.com/celebthumb-ai/internal/apperr"
	"github.com/celebthumb-ai/internal/models"
)

// Store persists one subscription per user.
type Store interface {
	Put(ctx context.Context, sub *models.Subscription) error
	Get(ctx context.Context, id string) (*models.Subscription, error)
	// Due returns subscriptions whose renewal time is at or before now.
	Due(ctx context.Context, now time.Time) ([]*models.Subscription, error)
	// AdvanceRenewal moves RenewalAt from one value to the next. It fails
	// with apperr.ErrConflict when RenewalAt no longer equals from.
	AdvanceRenewal(ctx context.Context, id string, from, to time.Time) error
}

type MemoryStore struct {
	mu   sync.Mutex
	subs map[string]*models.Subscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*models.Subscription)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Put(_ context.Context, sub *models.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sub
	s.subs[sub.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *MemoryStore) Due(_ context.Context, now time.Time) ([]*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Subscription
	for _, sub := range s.subs {
		if !sub.RenewalAt.After(now) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) AdvanceRenewal(_ context.Context, id string, from, to time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return apperr.ErrNotFound
	}
	if !sub.RenewalAt.Equal(from) {
		return apperr.ErrConflict
	}
	sub.RenewalAt = to
	sub.UpdatedAt = to
	return nil
}
