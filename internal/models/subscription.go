package models

import "time"

type Subscription struct {
	ID                   string    `json:"id" dynamodbav:"id"`
	UserID               string    `json:"userId" dynamodbav:"userId"`
	Plan                 string    `json:"plan" dynamodbav:"plan"`
	PeriodicCreditGrant  int       `json:"periodicCreditGrant" dynamodbav:"periodicCreditGrant"`
	RenewalAt            time.Time `json:"renewalAt" dynamodbav:"renewalAt"`
	StripeCustomerID     string    `json:"stripeCustomerId,omitempty" dynamodbav:"stripeCustomerId,omitempty"`
	StripeSubscriptionID string    `json:"stripeSubscriptionId,omitempty" dynamodbav:"stripeSubscriptionId,omitempty"`
	// Revision counts the plan changes saved for this subscription.
	Revision             int       `json:"revision" dynamodbav:"revision"`
	CreatedAt            time.Time `json:"createdAt" dynamodbav:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt" dynamodbav:"updatedAt"`
}

type SubscriptionRequest struct {
	PlanID string `json:"planId" validate:"required,oneof=free pro enterprise"`
}
