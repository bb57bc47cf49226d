package metadata

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/celebthumb-ai/internal/apperr"
	"github.com/celebthumb-ai/internal/ddb"
	"github.com/celebthumb-ai/internal/models"
)

const byUserIndex = "byUser"

type DynamoConfig struct {
	Client    ddb.Client
	TableName string
}

// DynamoStore keeps thumbnails keyed by id with a byUser index
// (userId, createdAtMs) for per-owner listing.
type DynamoStore struct {
	client    ddb.Client
	tableName string
}

func NewDynamoStore(config DynamoConfig) *DynamoStore {
	return &DynamoStore{client: config.Client, tableName: config.TableName}
}

var _ Store = (*DynamoStore)(nil)

type thumbnailItem struct {
	models.Thumbnail
	CreatedAtMs int64 `dynamodbav:"createdAtMs"`
}

func (s *DynamoStore) marshal(th *models.Thumbnail) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(thumbnailItem{Thumbnail: *th, CreatedAtMs: ddb.Millis(th.CreatedAt)})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal thumbnail: %w", err)
	}
	return item, nil
}

func (s *DynamoStore) Create(ctx context.Context, th *models.Thumbnail) error {
	item, err := s.marshal(th)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if ddb.IsConditionFailed(err) {
		return apperr.ErrAlreadyExists
	}
	return ddb.Classify(err)
}

func (s *DynamoStore) Put(ctx context.Context, th *models.Thumbnail) error {
	item, err := s.marshal(th)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	return ddb.Classify(err)
}

func (s *DynamoStore) Get(ctx context.Context, id string) (*models.Thumbnail, error) {
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
	var item thumbnailItem
	if err := attributevalue.UnmarshalMap(resp.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal thumbnail: %w", err)
	}
	return &item.Thumbnail, nil
}

func (s *DynamoStore) ListByUser(ctx context.Context, userID string) ([]*models.Thumbnail, error) {
	var out []*models.Thumbnail
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		IndexName:                 aws.String(byUserIndex),
		KeyConditionExpression:    aws.String("userId = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":uid": ddb.S(userID)},
		ScanIndexForward:          aws.Bool(false),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, ddb.Classify(err)
		}
		var items []thumbnailItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal thumbnails: %w", err)
		}
		for i := range items {
			out = append(out, &items[i].Thumbnail)
		}
	}
	return out, nil
}

// Delete is conditional on ownership. On a failed condition DynamoDB returns
// the stored item, which tells a missing record apart from a foreign one.
func (s *DynamoStore) Delete(ctx context.Context, id, requesterID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                           aws.String(s.tableName),
		Key:                                 map[string]types.AttributeValue{"id": ddb.S(id)},
		ConditionExpression:                 aws.String("attribute_exists(id) AND userId = :uid"),
		ExpressionAttributeValues:           map[string]types.AttributeValue{":uid": ddb.S(requesterID)},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return nil
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		if len(ccf.Item) == 0 {
			return apperr.ErrNotFound
		}
		return apperr.ErrNotOwner
	}
	return ddb.Classify(err)
}
