// Package templates publishes generation styles. A template is immutable
// once created; revising one means creating a new template that supersedes it.
package templates

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/celebthumb-ai/internal/apperr"
	"github.com/celebthumb-ai/internal/logging"
	"github.com/celebthumb-ai/internal/models"
)

// DefaultCreditCost is charged when a template does not name a cost.
const DefaultCreditCost = 1

type RegistryConfig struct {
	Store  Store
	Logger *zap.Logger
	Now    func() time.Time
}

type Registry struct {
	store    Store
	logger   *zap.Logger
	validate *apperr.Validator
	now      func() time.Time
}

func NewRegistry(config RegistryConfig) *Registry {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		store:    config.Store,
		logger:   logging.OrNop(config.Logger).Named("templates"),
		validate: apperr.NewValidator(),
		now:      now,
	}
}

// Create publishes a new template under a fresh id.
func (r *Registry) Create(ctx context.Context, createdBy string, req models.TemplateRequest) (*models.Template, error) {
	if err := r.validate.Struct(req); err != nil {
		return nil, err
	}
	if req.Supersedes != "" {
		if _, err := r.store.Get(ctx, req.Supersedes); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return nil, apperr.Invalid("supersedes", "references an unknown template")
			}
			return nil, fmt.Errorf("failed to get superseded template: %w", err)
		}
	}

	cost := req.CreditCost
	if cost == 0 {
		cost = DefaultCreditCost
	}
	params := make(map[string]string, len(req.Params))
	for k, v := range req.Params {
		params[k] = v
	}
	tpl := &models.Template{
		ID:         uuid.NewString(),
		Name:       req.Name,
		CreditCost: cost,
		Params:     params,
		Supersedes: req.Supersedes,
		CreatedBy:  createdBy,
		CreatedAt:  r.now().UTC(),
	}
	if err := r.store.Create(ctx, tpl); err != nil {
		return nil, fmt.Errorf("failed to create template: %w", err)
	}
	r.logger.Info("template published",
		zap.String("template_id", tpl.ID), zap.String("name", tpl.Name), zap.Int("credit_cost", cost))
	return tpl, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*models.Template, error) {
	tpl, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get template %s: %w", id, err)
	}
	return tpl, nil
}

// List returns every template, newest first.
func (r *Registry) List(ctx context.Context) ([]*models.Template, error) {
	tpls, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	sort.SliceStable(tpls, func(i, j int) bool { return tpls[i].CreatedAt.After(tpls[j].CreatedAt) })
	return tpls, nil
}
