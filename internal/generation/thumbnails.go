package generation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/celebthumb-ai/internal/apperr"
	"github.com/celebthumb-ai/internal/models"
)

// Thumbnail returns the user's thumbnail with its URL resolved. Thumbnails
// owned by someone else are reported as not found.
func (o *Orchestrator) Thumbnail(ctx context.Context, userID, id string) (*models.Thumbnail, error) {
	th, err := o.metadata.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get thumbnail: %w", err)
	}
	if th.UserID != userID {
		return nil, fmt.Errorf("failed to get thumbnail: %w", apperr.ErrNotFound)
	}
	o.resolve(ctx, th)
	return th, nil
}

// Thumbnails lists the user's thumbnails, newest first.
func (o *Orchestrator) Thumbnails(ctx context.Context, userID string) ([]*models.Thumbnail, error) {
	list, err := o.metadata.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list thumbnails: %w", err)
	}
	for _, th := range list {
		o.resolve(ctx, th)
	}
	return list, nil
}

// Delete removes the user's thumbnail record. Stored artifacts are left in
// place since other thumbnails may share them.
func (o *Orchestrator) Delete(ctx context.Context, userID, id string) error {
	th, err := o.metadata.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete thumbnail: %w", err)
	}
	if th.UserID != userID {
		return fmt.Errorf("failed to delete thumbnail: %w", apperr.ErrNotOwner)
	}
	if !th.Status.Terminal() {
		return ErrStillProcessing
	}
	if err := o.metadata.Delete(ctx, id, userID); err != nil {
		return fmt.Errorf("failed to delete thumbnail: %w", err)
	}
	o.logger.Info("thumbnail deleted", zap.String("thumbnail_id", id), zap.String("user_id", userID))
	return nil
}

func (o *Orchestrator) resolve(ctx context.Context, th *models.Thumbnail) {
	if th.Status != models.StatusCompleted || th.Locator == "" {
		return
	}
	url, err := o.storage.Retrieve(ctx, th.Locator)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			o.logger.Warn("failed to resolve thumbnail url", zap.String("thumbnail_id", th.ID), zap.Error(err))
		}
		return
	}
	th.URL = url
}
