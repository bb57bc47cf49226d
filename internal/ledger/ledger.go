// Package ledger owns user credit balances. Every balance change is an
// append-only CreditTransaction applied atomically with the change itself,
// and every mutation is keyed so a retried call is applied at most once.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/celebthumb-ai/internal/apperr"
	"github.com/celebthumb-ai/internal/logging"
	"github.com/celebthumb-ai/internal/models"
	"github.com/celebthumb-ai/internal/retry"
)

// ErrAlreadySettled is returned when committing a refunded reservation or
// refunding a committed one.
var ErrAlreadySettled = errors.New("reservation already settled")

type LedgerConfig struct {
	Store  Store
	Logger *zap.Logger
	// Retry governs how transaction conflicts are retried.
	Retry retry.Policy
	Now   func() time.Time
}

type Ledger struct {
	store  Store
	logger *zap.Logger
	retry  retry.Policy
	now    func() time.Time
}

func NewLedger(config LedgerConfig) *Ledger {
	policy := config.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.Policy{MaxAttempts: 5, BaseDelay: 20 * time.Millisecond, MaxDelay: time.Second}
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		store:  config.Store,
		logger: logging.OrNop(config.Logger).Named("ledger"),
		retry:  policy,
		now:    now,
	}
}

// OpenAccount creates the user and grants the opening balance, so the sum of
// the user's transactions equals the balance from the first entry on.
func (l *Ledger) OpenAccount(ctx context.Context, user *models.User, initialCredits int) error {
	if user.ID == "" {
		return apperr.Invalid("id", "is required")
	}
	if initialCredits < 0 {
		return apperr.Invalid("credits", "must not be negative")
	}
	now := l.now().UTC()
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	user.Credits = initialCredits
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	opening := &models.CreditTransaction{
		ID:        grantID(user.ID, "opening"),
		UserID:    user.ID,
		Delta:     initialCredits,
		Reason:    models.ReasonGrant,
		CreatedAt: now,
	}
	_, err := retry.Do(ctx, l.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, l.store.CreateUser(ctx, user, opening)
	})
	if err != nil {
		return fmt.Errorf("failed to open account: %w", err)
	}
	l.logger.Info("account opened", zap.String("user_id", user.ID), zap.Int("credits", initialCredits))
	return nil
}

func (l *Ledger) Account(ctx context.Context, userID string) (*models.User, error) {
	user, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return user, nil
}

func (l *Ledger) AccountByEmail(ctx context.Context, email string) (*models.User, error) {
	user, err := l.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return user, nil
}

// SetPlan records the plan the user is subscribed to.
func (l *Ledger) SetPlan(ctx context.Context, userID, plan string) error {
	if err := l.store.SetPlan(ctx, userID, plan); err != nil {
		return fmt.Errorf("failed to set plan: %w", err)
	}
	return nil
}

// Reserve provisionally debits amount from the user's balance. Replaying an
// idempotency key returns the original reservation together with
// apperr.ErrDuplicateRequest and changes nothing.
func (l *Ledger) Reserve(ctx context.Context, userID string, amount int, idempotencyKey string) (*models.Reservation, error) {
	if amount <= 0 {
		return nil, apperr.Invalid("amount", "must be positive")
	}
	if idempotencyKey == "" {
		return nil, apperr.Invalid("idempotencyKey", "is required")
	}

	now := l.now().UTC()
	res := &models.Reservation{
		ID:             models.ReservationID(userID, idempotencyKey),
		UserID:         userID,
		IdempotencyKey: idempotencyKey,
		Amount:         amount,
		Status:         models.ReservationHeld,
		CreatedAt:      now,
	}
	tx := &models.CreditTransaction{
		ID:            "reserve:" + res.ID,
		UserID:        userID,
		Delta:         -amount,
		Reason:        models.ReasonReserve,
		ReservationID: res.ID,
		CreatedAt:     now,
	}

	_, err := retry.Do(ctx, l.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, l.store.Reserve(ctx, res, tx)
	})
	switch {
	case err == nil:
		l.logger.Debug("credits reserved",
			zap.String("user_id", userID), zap.String("reservation_id", res.ID), zap.Int("amount", amount))
		return res, nil
	case errors.Is(err, apperr.ErrDuplicateRequest):
		prior, getErr := l.store.GetReservation(ctx, res.ID)
		if getErr != nil {
			return nil, fmt.Errorf("failed to load prior reservation: %w", getErr)
		}
		return prior, fmt.Errorf("reservation %s: %w", res.ID, apperr.ErrDuplicateRequest)
	default:
		return nil, fmt.Errorf("failed to reserve credits: %w", err)
	}
}

// Commit finalizes a reservation. The balance is not changed.
func (l *Ledger) Commit(ctx context.Context, res *models.Reservation) error {
	return l.settle(ctx, res, models.ReservationCommitted)
}

// Refund returns the reserved amount to the user.
func (l *Ledger) Refund(ctx context.Context, res *models.Reservation) error {
	return l.settle(ctx, res, models.ReservationRefunded)
}

func (l *Ledger) settle(ctx context.Context, res *models.Reservation, to models.ReservationStatus) error {
	_, err := retry.Do(ctx, l.retry, func(ctx context.Context) (struct{}, error) {
		current, err := l.store.GetReservation(ctx, res.ID)
		if err != nil {
			return struct{}{}, err
		}
		switch current.Status {
		case to:
			return struct{}{}, nil
		case models.ReservationHeld:
		default:
			return struct{}{}, fmt.Errorf("%w: %s is %s", ErrAlreadySettled, current.ID, current.Status)
		}

		tx := &models.CreditTransaction{
			UserID:        current.UserID,
			ReservationID: current.ID,
			CreatedAt:     l.now().UTC(),
		}
		if to == models.ReservationRefunded {
			tx.ID = "refund:" + current.ID
			tx.Reason = models.ReasonRefund
			tx.Delta = current.Amount
		} else {
			tx.ID = "commit:" + current.ID
			tx.Reason = models.ReasonCommit
		}

		err = l.store.Settle(ctx, current, to, tx)
		if errors.Is(err, ErrNotHeld) {
			// Settled concurrently; re-read and decide again.
			return struct{}{}, errors.Join(apperr.ErrConflict, err)
		}
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("failed to settle reservation %s as %s: %w", res.ID, to, err)
	}
	res.Status = to
	l.logger.Debug("reservation settled", zap.String("reservation_id", res.ID), zap.String("status", string(to)))
	return nil
}

// Reservation returns the reservation created for (userID, idempotencyKey).
func (l *Ledger) Reservation(ctx context.Context, userID, idempotencyKey string) (*models.Reservation, error) {
	res, err := l.store.GetReservation(ctx, models.ReservationID(userID, idempotencyKey))
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return res, nil
}

// HeldBefore returns the reservations created before cutoff that were
// neither committed nor refunded, oldest first when the store orders them.
func (l *Ledger) HeldBefore(ctx context.Context, cutoff time.Time) ([]*models.Reservation, error) {
	held, err := l.store.HeldBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list held reservations: %w", err)
	}
	return held, nil
}

// Grant credits amount to the user at most once per idempotency key.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int, idempotencyKey string) (*models.CreditTransaction, error) {
	if amount < 0 {
		return nil, apperr.Invalid("amount", "must not be negative")
	}
	tx := &models.CreditTransaction{
		ID:        grantID(userID, idempotencyKey),
		UserID:    userID,
		Delta:     amount,
		Reason:    models.ReasonGrant,
		CreatedAt: l.now().UTC(),
	}
	_, err := retry.Do(ctx, l.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, l.store.Grant(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to grant credits: %w", err)
	}
	l.logger.Info("credits granted", zap.String("user_id", userID), zap.Int("amount", amount), zap.String("key", idempotencyKey))
	return tx, nil
}

// History returns the user's most recent transactions, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*models.CreditTransaction, error) {
	txs, err := l.store.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}

func grantID(userID, key string) string {
	return "grant:" + userID + ":" + key
}
