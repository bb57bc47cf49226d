// Package metadata persists thumbnail records and looks them up by id and by
// owner. Reads by id observe every completed write to that id; the by-owner
// listing may trail it on DynamoDB by the global secondary index's
// propagation delay.
package metadata

import (
	"context"

	"github.com/celebthumb-ai/internal/models"
)

type Store interface {
	// Create inserts a new record and fails with apperr.ErrAlreadyExists when
	// the id is taken.
	Create(ctx context.Context, th *models.Thumbnail) error
	// Put writes the record, replacing any previous version.
	Put(ctx context.Context, th *models.Thumbnail) error
	Get(ctx context.Context, id string) (*models.Thumbnail, error)
	// ListByUser returns the user's thumbnails, newest first.
	ListByUser(ctx context.Context, userID string) ([]*models.Thumbnail, error)
	// Delete removes the record when requesterID owns it. It fails with
	// apperr.ErrNotOwner otherwise and leaves the record untouched.
	Delete(ctx context.Context, id, requesterID string) error
}
