package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/celebthumb-ai/internal/models"
)

// ErrNotHeld is returned by a Store when a settlement finds the reservation
// already committed or refunded.
var ErrNotHeld = errors.New("reservation is not held")

// Store persists balances, reservations and the transaction log. Every
// method is atomic: the balance change, the reservation state change and
// the appended transaction are applied together or not at all.
type Store interface {
	// CreateUser inserts the user with a zero balance and applies opening.
	// Fails with apperr.ErrAlreadyExists when the id or email is taken.
	CreateUser(ctx context.Context, user *models.User, opening *models.CreditTransaction) error
	GetUser(ctx context.Context, userID string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	// SetPlan records the user's plan. The balance is not touched.
	SetPlan(ctx context.Context, userID, plan string) error

	// Reserve debits res.Amount when the balance covers it. It fails with
	// apperr.ErrInsufficientCredits, or apperr.ErrDuplicateRequest when a
	// reservation with the same id exists.
	Reserve(ctx context.Context, res *models.Reservation, tx *models.CreditTransaction) error
	// Settle moves a held reservation to status, crediting tx.Delta back to
	// the user. Fails with ErrNotHeld when the reservation is not held.
	Settle(ctx context.Context, res *models.Reservation, status models.ReservationStatus, tx *models.CreditTransaction) error
	GetReservation(ctx context.Context, reservationID string) (*models.Reservation, error)
	// HeldBefore returns reservations still held that were created before
	// cutoff.
	HeldBefore(ctx context.Context, cutoff time.Time) ([]*models.Reservation, error)

	// Grant credits tx.Delta, failing with apperr.ErrDuplicateRequest when
	// tx.ID was already applied.
	Grant(ctx context.Context, tx *models.CreditTransaction) error
	// ListTransactions returns the user's transactions, newest first.
	ListTransactions(ctx context.Context, userID string, limit int) ([]*models.CreditTransaction, error)
}
