package billing

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/celebthumb-ai/internal/apperr"
	"github.com/celebthumb-ai/internal/ddb"
	"github.com/celebthumb-ai/internal/models"
)

type DynamoConfig struct {
	Client    ddb.Client
	TableName string
}

type DynamoStore struct {
	client    ddb.Client
	tableName string
}

func NewDynamoStore(config DynamoConfig) *DynamoStore {
	return &DynamoStore{client: config.Client, tableName: config.TableName}
}

var _ Store = (*DynamoStore)(nil)

type subscriptionItem struct {
	models.Subscription
	RenewalAtMs int64 `dynamodbav:"renewalAtMs"`
}

func (s *DynamoStore) Put(ctx context.Context, sub *models.Subscription) error {
	item, err := attributevalue.MarshalMap(subscriptionItem{Subscription: *sub, RenewalAtMs: ddb.Millis(sub.RenewalAt)})
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	return ddb.Classify(err)
}

func (s *DynamoStore) Get(ctx context.Context, id string) (*models.Subscription, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            map[string]types.AttributeValue{"id": ddb.S(id)},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, ddb.Classify(err)
	}
	if resp.Item == nil {
		return nil, apperr.ErrNotFound
	}
	var item subscriptionItem
	if err := attributevalue.UnmarshalMap(resp.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return &item.Subscription, nil
}

// Due scans with a filter. Grant runs are periodic and the table holds one
// row per user, so a full scan is acceptable.
func (s *DynamoStore) Due(ctx context.Context, now time.Time) ([]*models.Subscription, error) {
	var out []*models.Subscription
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                 aws.String(s.tableName),
		FilterExpression:          aws.String("renewalAtMs <= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":now": millis(now)},
		ConsistentRead:            aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, ddb.Classify(err)
		}
		var items []subscriptionItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subscriptions: %w", err)
		}
		for i := range items {
			out = append(out, &items[i].Subscription)
		}
	}
	return out, nil
}

func (s *DynamoStore) AdvanceRenewal(ctx context.Context, id string, from, to time.Time) error {
	renewalAt, err := attributevalue.Marshal(to)
	if err != nil {
		return fmt.Errorf("failed to marshal renewal time: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 map[string]types.AttributeValue{"id": ddb.S(id)},
		UpdateExpression:    aws.String("SET renewalAt = :to, renewalAtMs = :toMs, updatedAt = :to"),
		ConditionExpression: aws.String("renewalAtMs = :fromMs"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":to":     renewalAt,
			":toMs":   millis(to),
			":fromMs": millis(from),
		},
	})
	if ddb.IsConditionFailed(err) {
		return apperr.ErrConflict
	}
	return ddb.Classify(err)
}

func millis(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(ddb.Millis(t), 10)}
}
