package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/celebthumb-ai/internal/apperr"
	"github.com/celebthumb-ai/internal/models"
)

// MemoryStore is an in-process Store. A single mutex makes each call one
// atomic step, which is the same guarantee a DynamoDB transaction gives.
type MemoryStore struct {
	mu           sync.Mutex
	users        map[string]*models.User
	emails       map[string]string
	reservations map[string]*models.Reservation
	transactions map[string]*models.CreditTransaction
	log          []*models.CreditTransaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[string]*models.User),
		emails:       make(map[string]string),
		reservations: make(map[string]*models.Reservation),
		transactions: make(map[string]*models.CreditTransaction),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateUser(_ context.Context, user *models.User, opening *models.CreditTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; ok {
		return apperr.ErrAlreadyExists
	}
	if _, ok := s.emails[user.Email]; ok && user.Email != "" {
		return apperr.ErrAlreadyExists
	}
	cp := *user
	cp.Credits = opening.Delta
	s.users[user.ID] = &cp
	if user.Email != "" {
		s.emails[user.Email] = user.ID
	}
	s.appendLocked(opening)
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, userID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	id, ok := s.emails[email]
	s.mu.Unlock()
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return s.GetUser(ctx, id)
}

func (s *MemoryStore) SetPlan(_ context.Context, userID, plan string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return apperr.ErrNotFound
	}
	u.Plan = plan
	return nil
}

func (s *MemoryStore) Reserve(_ context.Context, res *models.Reservation, tx *models.CreditTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reservations[res.ID]; ok {
		return apperr.ErrDuplicateRequest
	}
	if _, ok := s.transactions[tx.ID]; ok {
		return apperr.ErrDuplicateRequest
	}
	u, ok := s.users[res.UserID]
	if !ok || u.Credits < res.Amount {
		return apperr.ErrInsufficientCredits
	}
	u.Credits -= res.Amount
	cp := *res
	s.reservations[res.ID] = &cp
	s.appendLocked(tx)
	return nil
}

func (s *MemoryStore) Settle(_ context.Context, res *models.Reservation, status models.ReservationStatus, tx *models.CreditTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.reservations[res.ID]
	if !ok {
		return apperr.ErrNotFound
	}
	if current.Status != models.ReservationHeld {
		return ErrNotHeld
	}
	if _, ok := s.transactions[tx.ID]; ok {
		return ErrNotHeld
	}
	u, ok := s.users[current.UserID]
	if !ok {
		return apperr.ErrNotFound
	}
	u.Credits += tx.Delta
	settledAt := tx.CreatedAt
	current.Status = status
	current.SettledAt = &settledAt
	s.appendLocked(tx)
	return nil
}

func (s *MemoryStore) GetReservation(_ context.Context, reservationID string) (*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[reservationID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) HeldBefore(_ context.Context, cutoff time.Time) ([]*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Reservation
	for _, r := range s.reservations {
		if r.Status == models.ReservationHeld && r.CreatedAt.Before(cutoff) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Grant(_ context.Context, tx *models.CreditTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[tx.ID]; ok {
		return apperr.ErrDuplicateRequest
	}
	u, ok := s.users[tx.UserID]
	if !ok {
		return apperr.ErrNotFound
	}
	u.Credits += tx.Delta
	s.appendLocked(tx)
	return nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string, limit int) ([]*models.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.CreditTransaction
	for i := len(s.log) - 1; i >= 0; i-- {
		if s.log[i].UserID == userID {
			cp := *s.log[i]
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) appendLocked(tx *models.CreditTransaction) {
	cp := *tx
	s.transactions[tx.ID] = &cp
	s.log = append(s.log, &cp)
}
