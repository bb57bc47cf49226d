package models

import "time"

type User struct {
	ID        string    `json:"id" dynamodbav:"id"`
	Email     string    `json:"email" dynamodbav:"email"`
	Plan      string    `json:"plan" dynamodbav:"plan"`
	Credits   int       `json:"credits" dynamodbav:"credits"`
	CreatedAt time.Time `json:"createdAt" dynamodbav:"createdAt"`
}
