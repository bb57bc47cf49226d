package models

import "time"

// Template is a published generation style. Templates are never updated in
// place; a revision is a new template whose Supersedes names the old one.
type Template struct {
	ID         string            `json:"id" dynamodbav:"id"`
	Name       string            `json:"name" dynamodbav:"name"`
	CreditCost int               `json:"creditCost" dynamodbav:"creditCost"`
	Params     map[string]string `json:"params" dynamodbav:"params"`
	Supersedes string            `json:"supersedes,omitempty" dynamodbav:"supersedes,omitempty"`
	CreatedBy  string            `json:"createdBy" dynamodbav:"createdBy"`
	CreatedAt  time.Time         `json:"createdAt" dynamodbav:"createdAt"`
}

type TemplateRequest struct {
	Name       string            `json:"name" validate:"required,max=100"`
	CreditCost int               `json:"creditCost" validate:"omitempty,min=1,max=1000"`
	Params     map[string]string `json:"params" validate:"max=50"`
	Supersedes string            `json:"supersedes,omitempty"`
}
