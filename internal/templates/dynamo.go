package templates

import (
	"context"
	"fmt"

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

func (s *DynamoStore) Create(ctx context.Context, tpl *models.Template) error {
	item, err := attributevalue.MarshalMap(tpl)
	if err != nil {
		return fmt.Errorf("failed to marshal template: %w", err)
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

func (s *DynamoStore) Get(ctx context.Context, id string) (*models.Template, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       map[string]types.AttributeValue{"id": ddb.S(id)},
	})
	if err != nil {
		return nil, ddb.Classify(err)
	}
	if resp.Item == nil {
		return nil, apperr.ErrNotFound
	}
	var tpl models.Template
	if err := attributevalue.UnmarshalMap(resp.Item, &tpl); err != nil {
		return nil, fmt.Errorf("failed to unmarshal template: %w", err)
	}
	return &tpl, nil
}

// List scans the table. The catalog is small and changes rarely.
func (s *DynamoStore) List(ctx context.Context) ([]*models.Template, error) {
	var out []*models.Template
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName: aws.String(s.tableName),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, ddb.Classify(err)
		}
		var tpls []*models.Template
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &tpls); err != nil {
			return nil, fmt.Errorf("failed to unmarshal templates: %w", err)
		}
		out = append(out, tpls...)
	}
	return out, nil
}
