package templates

import (
	"context"

	"github.com/celebthumb-ai/internal/models"
)

// Store persists templates. Create must refuse to overwrite an existing id.
type Store interface {
	Create(ctx context.Context, tpl *models.Template) error
	Get(ctx context.Context, id string) (*models.Template, error)
	List(ctx context.Context) ([]*models.Template, error)
}
