package models

import "time"

type TransactionReason string

const (
	ReasonReserve TransactionReason = "RESERVE"
	ReasonCommit  TransactionReason = "COMMIT"
	ReasonRefund  TransactionReason = "REFUND"
	ReasonGrant   TransactionReason = "GRANT"
)

// CreditTransaction is an append-only ledger entry. ID doubles as the
// idempotency key of the mutation that produced it.
type CreditTransaction struct {
	ID            string            `json:"id" dynamodbav:"id"`
	UserID        string            `json:"userId" dynamodbav:"userId"`
	Delta         int               `json:"delta" dynamodbav:"delta"`
	Reason        TransactionReason `json:"reason" dynamodbav:"reason"`
	ReservationID string            `json:"reservationId,omitempty" dynamodbav:"reservationId,omitempty"`
	CreatedAt     time.Time         `json:"createdAt" dynamodbav:"createdAt"`
}

type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "HELD"
	ReservationCommitted ReservationStatus = "COMMITTED"
	ReservationRefunded  ReservationStatus = "REFUNDED"
)

// Reservation is a provisional debit tied to one generation request.
type Reservation struct {
	ID             string            `json:"id" dynamodbav:"id"`
	UserID         string            `json:"userId" dynamodbav:"userId"`
	IdempotencyKey string            `json:"idempotencyKey" dynamodbav:"idempotencyKey"`
	Amount         int               `json:"amount" dynamodbav:"amount"`
	Status         ReservationStatus `json:"status" dynamodbav:"status"`
	CreatedAt      time.Time         `json:"createdAt" dynamodbav:"createdAt"`
	SettledAt      *time.Time        `json:"settledAt,omitempty" dynamodbav:"settledAt,omitempty"`
}

// ReservationID scopes a caller-supplied idempotency key to its user.
func ReservationID(userID, idempotencyKey string) string {
	return userID + "#" + idempotencyKey
}
