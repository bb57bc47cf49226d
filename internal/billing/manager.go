// Package billing maps plans to periodic credit grants. Subscribe records a
// user's plan and bills paid plans through the payment provider; GrantDue,
// triggered on a schedule, credits every subscription whose renewal time has
// passed and advances it by one period.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/celebthumb-ai/internal/apperr"
	"github.com/celebthumb-ai/internal/logging"
	"github.com/celebthumb-ai/internal/models"
)

// maxCatchUpPeriods bounds how many missed periods one GrantDue run credits
// for a single subscription.
const maxCatchUpPeriods = 12

var ErrPaymentsDisabled = errors.New("payment provider not configured")

// Granter is the part of the credit ledger the manager drives.
type Granter interface {
	Account(ctx context.Context, userID string) (*models.User, error)
	Grant(ctx context.Context, userID string, amount int, idempotencyKey string) (*models.CreditTransaction, error)
	SetPlan(ctx context.Context, userID, plan string) error
}

// Grant is one applied periodic credit grant.
type Grant struct {
	SubscriptionID string    `json:"subscriptionId"`
	UserID         string    `json:"userId"`
	Plan           string    `json:"plan"`
	Amount         int       `json:"amount"`
	Period         time.Time `json:"period"`
	TransactionID  string    `json:"transactionId"`
}

type ManagerConfig struct {
	Store    Store
	Ledger   Granter
	Payments PaymentProvider
	Logger   *zap.Logger
	Now      func() time.Time
}

type Manager struct {
	store    Store
	ledger   Granter
	payments PaymentProvider
	logger   *zap.Logger
	now      func() time.Time
}

func NewManager(config ManagerConfig) *Manager {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:    config.Store,
		ledger:   config.Ledger,
		payments: config.Payments,
		logger:   logging.OrNop(config.Logger).Named("billing"),
		now:      now,
	}
}

var subscriptionNamespace = uuid.MustParse("a3e5b0f4-8c1d-4e27-b6a9-5d2f7c8e1b40")

// SubscriptionID is the id of the user's single subscription record.
func SubscriptionID(userID string) string {
	return uuid.NewSHA1(subscriptionNamespace, []byte(userID)).String()
}

// Subscribe moves the user onto planID. A new subscription, or an upgrade
// from the free plan, is due for its grant immediately; switching between
// paid plans or down to free keeps the current renewal time.
func (m *Manager) Subscribe(ctx context.Context, userID, planID string) (*models.Subscription, error) {
	plan, err := LookupPlan(planID)
	if err != nil {
		return nil, err
	}
	user, err := m.ledger.Account(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	sub, err := m.store.Get(ctx, SubscriptionID(userID))
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		sub = &models.Subscription{
			ID:        SubscriptionID(userID),
			UserID:    userID,
			RenewalAt: now,
			CreatedAt: now,
		}
	case err != nil:
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	case sub.Plan == planID:
		return sub, nil
	}
	if plan.Paid() && sub.StripeSubscriptionID == "" && sub.RenewalAt.After(now) {
		// Upgrading from the free plan starts billing now, so it grants now.
		sub.RenewalAt = now
	}

	if sub.StripeSubscriptionID != "" {
		if m.payments == nil {
			return nil, apperr.Permanent(ErrPaymentsDisabled)
		}
		if err := m.payments.Cancel(ctx, sub.StripeSubscriptionID); err != nil {
			return nil, err
		}
		sub.StripeSubscriptionID = ""
	}
	if plan.Paid() {
		if m.payments == nil {
			return nil, apperr.Permanent(ErrPaymentsDisabled)
		}
		customerID, subscriptionID, err := m.payments.Subscribe(ctx, Customer{
			UserID:     userID,
			Email:      user.Email,
			CustomerID: sub.StripeCustomerID,
			Revision:   sub.Revision,
		}, plan)
		if customerID != "" {
			sub.StripeCustomerID = customerID
		}
		if err != nil {
			return nil, err
		}
		sub.StripeSubscriptionID = subscriptionID
	}

	sub.Plan = plan.ID
	sub.PeriodicCreditGrant = plan.Credits
	sub.Revision++
	sub.UpdatedAt = now
	if err := m.store.Put(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to save subscription: %w", err)
	}
	if err := m.ledger.SetPlan(ctx, userID, plan.ID); err != nil {
		return nil, err
	}
	m.logger.Info("subscription updated",
		zap.String("user_id", userID), zap.String("plan", plan.ID), zap.Time("renewal_at", sub.RenewalAt))
	return sub, nil
}

// Subscription returns the user's subscription.
func (m *Manager) Subscription(ctx context.Context, userID string) (*models.Subscription, error) {
	sub, err := m.store.Get(ctx, SubscriptionID(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// Enroll records a free subscription for a newly opened account. The opening
// balance stands in for the first period's grant, so the first renewal is one
// period out. Enrolling a user who already has a subscription is a no-op.
func (m *Manager) Enroll(ctx context.Context, userID string) (*models.Subscription, error) {
	sub, err := m.store.Get(ctx, SubscriptionID(userID))
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	plan := Plans[FreePlan]
	now := m.now().UTC()
	sub = &models.Subscription{
		ID:                  SubscriptionID(userID),
		UserID:              userID,
		Plan:                plan.ID,
		PeriodicCreditGrant: plan.Credits,
		RenewalAt:           now.AddDate(0, 1, 0),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := m.store.Put(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to save subscription: %w", err)
	}
	m.logger.Info("subscription enrolled", zap.String("user_id", userID), zap.Time("renewal_at", sub.RenewalAt))
	return sub, nil
}

// GrantDue credits every subscription whose renewal time is at or before
// now. Each period is granted under the key sub:<id>:<renewal unix>, so
// re-running for a period that was already granted applies nothing. Failures
// on one subscription do not stop the others; they are joined into the
// returned error alongside the grants that were applied.
func (m *Manager) GrantDue(ctx context.Context, now time.Time) ([]Grant, error) {
	due, err := m.store.Due(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due subscriptions: %w", err)
	}

	var grants []Grant
	var errs []error
	for _, sub := range due {
		applied, err := m.renew(ctx, sub, now)
		grants = append(grants, applied...)
		if err != nil {
			m.logger.Error("subscription renewal failed", zap.String("subscription_id", sub.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
		}
	}
	m.logger.Info("grant run finished", zap.Int("due", len(due)), zap.Int("granted", len(grants)), zap.Int("failed", len(errs)))
	return grants, errors.Join(errs...)
}

func (m *Manager) renew(ctx context.Context, sub *models.Subscription, now time.Time) ([]Grant, error) {
	plan, err := LookupPlan(sub.Plan)
	if err != nil {
		return nil, err
	}

	var grants []Grant
	for i := 0; i < maxCatchUpPeriods && !sub.RenewalAt.After(now); i++ {
		user, err := m.ledger.Account(ctx, sub.UserID)
		if err != nil {
			return grants, err
		}
		amount := plan.grantAmount(user.Credits)
		key := fmt.Sprintf("sub:%s:%d", sub.ID, sub.RenewalAt.Unix())

		tx, err := m.ledger.Grant(ctx, sub.UserID, amount, key)
		switch {
		case err == nil:
			grants = append(grants, Grant{
				SubscriptionID: sub.ID,
				UserID:         sub.UserID,
				Plan:           plan.ID,
				Amount:         amount,
				Period:         sub.RenewalAt,
				TransactionID:  tx.ID,
			})
		case errors.Is(err, apperr.ErrDuplicateRequest):
			// granted by an earlier run that stopped before advancing
		default:
			return grants, err
		}

		next := sub.RenewalAt.AddDate(0, 1, 0)
		err = m.store.AdvanceRenewal(ctx, sub.ID, sub.RenewalAt, next)
		if errors.Is(err, apperr.ErrConflict) {
			// another run advanced it
			return grants, nil
		}
		if err != nil {
			return grants, fmt.Errorf("failed to advance renewal: %w", err)
		}
		sub.RenewalAt = next
	}
	return grants, nil
}
