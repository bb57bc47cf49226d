package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/customer"
	"github.com/stripe/stripe-go/v76/subscription"

	"github.com/celebthumb-ai/internal/apperr"
)

// Customer identifies the payer of a paid plan. CustomerID is empty until
// the provider has created one. Revision identifies the plan change being
// billed: retries of one change share it, later changes do not.
type Customer struct {
	UserID     string
	Email      string
	CustomerID string
	Revision   int
}

// PaymentProvider bills paid plans.
type PaymentProvider interface {
	Subscribe(ctx context.Context, cust Customer, plan Plan) (customerID, subscriptionID string, err error)
	Cancel(ctx context.Context, subscriptionID string) error
}

type StripeConfig struct {
	Key string
	// Backend overrides the Stripe API backend. Nil uses the default.
	Backend stripe.Backend
}

type StripeProvider struct {
	customers     customer.Client
	subscriptions subscription.Client
}

func NewStripeProvider(config StripeConfig) *StripeProvider {
	backend := config.Backend
	if backend == nil {
		backend = stripe.GetBackend(stripe.APIBackend)
	}
	return &StripeProvider{
		customers:     customer.Client{B: backend, Key: config.Key},
		subscriptions: subscription.Client{B: backend, Key: config.Key},
	}
}

var _ PaymentProvider = (*StripeProvider)(nil)

// Subscribe creates the customer when needed and a subscription to the
// plan's price. The customer key is derived from the user and the
// subscription key from the user, plan and revision, so a retried Subscribe
// does not bill twice while a later change to the same plan opens a new
// subscription.
func (p *StripeProvider) Subscribe(ctx context.Context, cust Customer, plan Plan) (string, string, error) {
	customerID := cust.CustomerID
	if customerID == "" {
		params := &stripe.CustomerParams{
			Email: stripe.String(cust.Email),
			Metadata: map[string]string{
				"userId": cust.UserID,
			},
		}
		params.Context = ctx
		params.SetIdempotencyKey("customer:" + cust.UserID)

		c, err := p.customers.New(params)
		if err != nil {
			return "", "", fmt.Errorf("failed to create stripe customer: %w", classifyStripe(err))
		}
		customerID = c.ID
	}

	subParams := &stripe.SubscriptionParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(plan.PriceID)},
		},
		Metadata: map[string]string{
			"userId": cust.UserID,
			"plan":   plan.ID,
		},
	}
	subParams.Context = ctx
	subParams.SetIdempotencyKey(fmt.Sprintf("subscription:%s:%s:%d", cust.UserID, plan.ID, cust.Revision))

	sub, err := p.subscriptions.New(subParams)
	if err != nil {
		return customerID, "", fmt.Errorf("failed to create subscription: %w", classifyStripe(err))
	}
	return customerID, sub.ID, nil
}

func (p *StripeProvider) Cancel(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := p.subscriptions.Cancel(subscriptionID, params); err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", classifyStripe(err))
	}
	return nil
}

func classifyStripe(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return apperr.Transient(err)
	}
	switch {
	case se.HTTPStatusCode == http.StatusTooManyRequests,
		se.HTTPStatusCode >= 500,
		se.Type == stripe.ErrorTypeAPI:
		return apperr.Transient(err)
	default:
		return apperr.Permanent(err)
	}
}
