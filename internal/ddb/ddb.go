// Package ddb holds the DynamoDB client surface the stores depend on and the
// translation of DynamoDB failures into apperr classes.
package ddb

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/celebthumb-ai/internal/apperr"
)

// Client is the subset of the DynamoDB API used by the stores.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

var _ Client = (*dynamodb.Client)(nil)

const (
	ReasonNone                 = "None"
	ReasonConditionalCheck     = "ConditionalCheckFailed"
	ReasonTransactionConflict  = "TransactionConflict"
	ReasonThroughputExceeded   = "ProvisionedThroughputExceeded"
	ReasonThrottlingError      = "ThrottlingError"
	ReasonValidationError      = "ValidationError"
	ReasonItemCollectionTooBig = "ItemCollectionSizeLimitExceeded"
)

// IsConditionFailed reports whether err is a failed ConditionExpression on a
// single-item write.
func IsConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// CancellationReasons returns the per-item reason codes of a cancelled
// transaction, or nil when err is not a transaction cancellation.
func CancellationReasons(err error) []string {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return nil
	}
	codes := make([]string, len(tce.CancellationReasons))
	for i, r := range tce.CancellationReasons {
		codes[i] = ReasonNone
		if r.Code != nil {
			codes[i] = *r.Code
		}
	}
	return codes
}

// Classify wraps err with the apperr class a caller should act on.
// Throttling and transaction conflicts are retryable.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, code := range CancellationReasons(err) {
		switch code {
		case ReasonTransactionConflict:
			return errors.Join(apperr.ErrConflict, err)
		case ReasonThroughputExceeded, ReasonThrottlingError:
			return apperr.Transient(err)
		}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ProvisionedThroughputExceededException", "ThrottlingException",
			"RequestLimitExceeded", "InternalServerError", "TransactionInProgressException":
			return apperr.Transient(err)
		case "TransactionConflictException":
			return errors.Join(apperr.ErrConflict, err)
		}
	}
	return err
}

// Millis is the numeric sort key written next to timestamps so range keys
// order correctly regardless of string formatting.
func Millis(t time.Time) int64 { return t.UnixMilli() }

// N formats an integer as a DynamoDB number attribute.
func N(n int) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

// S builds a DynamoDB string attribute.
func S(s string) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: s}
}
