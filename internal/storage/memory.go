package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/celebthumb-ai/internal/apperr"
)

// MemoryGateway keeps artifacts in process. URLs use the mem:// scheme.
type MemoryGateway struct {
	mu      sync.RWMutex
	objects map[string][]byte
	puts    int
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{objects: make(map[string][]byte)}
}

var _ Gateway = (*MemoryGateway)(nil)

func (g *MemoryGateway) Store(_ context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", apperr.Permanent(fmt.Errorf("empty artifact"))
	}
	key, ok := Locator(data, contentType)
	if !ok {
		return "", apperr.Permanent(fmt.Errorf("unsupported content type %q", contentType))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.objects[key]; !exists {
		g.objects[key] = append([]byte(nil), data...)
		g.puts++
	}
	return key, nil
}

func (g *MemoryGateway) Retrieve(_ context.Context, locator string) (string, error) {
	if !strings.HasPrefix(locator, keyPrefix) {
		return "", apperr.Invalid("locator", "is not a thumbnail key")
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.objects[locator]; !ok {
		return "", apperr.ErrNotFound
	}
	return "mem://" + locator, nil
}

// Objects reports how many distinct artifacts have been written.
func (g *MemoryGateway) Objects() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.puts
}
