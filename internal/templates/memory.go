package templates

import (
	"context"
	"maps"
	"sync"

	"github.com/celebthumb-ai/internal/apperr"
	"github.com/celebthumb-ai/internal/models"
)

type MemoryStore struct {
	mu        sync.RWMutex
	templates map[string]*models.Template
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{templates: make(map[string]*models.Template)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(_ context.Context, tpl *models.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.templates[tpl.ID]; ok {
		return apperr.ErrAlreadyExists
	}
	s.templates[tpl.ID] = clone(tpl)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tpl, ok := s.templates[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return clone(tpl), nil
}

func (s *MemoryStore) List(_ context.Context) ([]*models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Template, 0, len(s.templates))
	for _, tpl := range s.templates {
		out = append(out, clone(tpl))
	}
	return out, nil
}

func clone(tpl *models.Template) *models.Template {
	cp := *tpl
	cp.Params = maps.Clone(tpl.Params)
	return &cp
}
