package models

import (
	"time"

	"github.com/google/uuid"
)

type ThumbnailStatus string

const (
	StatusPending    ThumbnailStatus = "PENDING"
	StatusProcessing ThumbnailStatus = "PROCESSING"
	StatusCompleted  ThumbnailStatus = "COMPLETED"
	StatusFailed     ThumbnailStatus = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s ThumbnailStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Stage is the generation state machine position of a thumbnail.
type Stage string

const (
	StagePending     Stage = "PENDING"
	StageReserving   Stage = "RESERVING"
	StageRecognizing Stage = "RECOGNIZING"
	StageRendering   Stage = "RENDERING"
	StageStoring     Stage = "STORING"
	StageCompleted   Stage = "COMPLETED"
	StageFailed      Stage = "FAILED"
)

type ThumbnailRequest struct {
	VideoTitle     string `json:"videoTitle" validate:"required,max=200"`
	Description    string `json:"description" validate:"max=5000"`
	TemplateID     string `json:"templateId" validate:"required"`
	IdempotencyKey string `json:"idempotencyKey" validate:"required,max=128"`
	// SourceImageKey optionally names an uploaded frame in the thumbnail
	// bucket that recognition runs against.
	SourceImageKey string `json:"sourceImageKey,omitempty" validate:"max=1024"`
}

type Thumbnail struct {
	ID             string          `json:"id" dynamodbav:"id"`
	UserID         string          `json:"userId" dynamodbav:"userId"`
	VideoTitle     string          `json:"videoTitle" dynamodbav:"videoTitle"`
	Description    string          `json:"description" dynamodbav:"description"`
	Style          string          `json:"style" dynamodbav:"style"`
	SourceImageKey string          `json:"sourceImageKey,omitempty" dynamodbav:"sourceImageKey,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey" dynamodbav:"idempotencyKey"`
	Locator        string          `json:"locator,omitempty" dynamodbav:"locator,omitempty"`
	URL            string          `json:"url,omitempty" dynamodbav:"-"`
	Status         ThumbnailStatus `json:"status" dynamodbav:"status"`
	Stage          Stage           `json:"stage" dynamodbav:"stage"`
	Cost           int             `json:"cost" dynamodbav:"cost"`
	FailureReason  string          `json:"failureReason,omitempty" dynamodbav:"failureReason,omitempty"`
	CreatedAt      time.Time       `json:"createdAt" dynamodbav:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt" dynamodbav:"updatedAt"`
}

var thumbnailNamespace = uuid.MustParse("6f1c7d2e-3b0a-4c55-9d7e-0e4b1f2a8c31")

// ThumbnailID derives the thumbnail id for a generation request, so every
// replay of the same (user, idempotency key) pair addresses the same record.
func ThumbnailID(userID, idempotencyKey string) string {
	return uuid.NewSHA1(thumbnailNamespace, []byte(userID+"\x00"+idempotencyKey)).String()
}

func NewThumbnail(userID string, req ThumbnailRequest, cost int, now time.Time) *Thumbnail {
	return &Thumbnail{
		ID:             ThumbnailID(userID, req.IdempotencyKey),
		UserID:         userID,
		VideoTitle:     req.VideoTitle,
		Description:    req.Description,
		Style:          req.TemplateID,
		SourceImageKey: req.SourceImageKey,
		IdempotencyKey: req.IdempotencyKey,
		Status:         StatusPending,
		Stage:          StagePending,
		Cost:           cost,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
