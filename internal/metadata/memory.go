package metadata

import (
	"context"
	"sort"
	"sync"

	"github.com/celebthumb-ai/internal/apperr"
	"github.com/celebthumb-ai/internal/models"
)

type MemoryStore struct {
	mu         sync.RWMutex
	thumbnails map[string]*models.Thumbnail
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{thumbnails: make(map[string]*models.Thumbnail)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(_ context.Context, th *models.Thumbnail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.thumbnails[th.ID]; ok {
		return apperr.ErrAlreadyExists
	}
	s.thumbnails[th.ID] = stored(th)
	return nil
}

func (s *MemoryStore) Put(_ context.Context, th *models.Thumbnail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.thumbnails[th.ID] = stored(th)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Thumbnail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	th, ok := s.thumbnails[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *th
	return &cp, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]*models.Thumbnail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Thumbnail
	for _, th := range s.thumbnails {
		if th.UserID == userID {
			cp := *th
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id, requesterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.thumbnails[id]
	if !ok {
		return apperr.ErrNotFound
	}
	if th.UserID != requesterID {
		return apperr.ErrNotOwner
	}
	delete(s.thumbnails, id)
	return nil
}

// stored copies th the way it would round-trip through DynamoDB: the
// resolved URL is never persisted.
func stored(th *models.Thumbnail) *models.Thumbnail {
	cp := *th
	cp.URL = ""
	return &cp
}
