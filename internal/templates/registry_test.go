package templates

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celebthumb-ai/internal/apperr"
	"github.com/celebthumb-ai/internal/ddb"
	"github.com/celebthumb-ai/internal/models"
)

func newTestRegistry() *Registry {
	clock := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	return NewRegistry(RegistryConfig{
		Store: NewMemoryStore(),
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	})
}

func TestCreateAssignsFreshIDAndDefaultCost(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	tpl, err := r.Create(ctx, "u1", models.TemplateRequest{
		Name:   "Neon",
		Params: map[string]string{"palette": "neon"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, tpl.ID)
	assert.Equal(t, DefaultCreditCost, tpl.CreditCost)
	assert.Equal(t, "u1", tpl.CreatedBy)

	got, err := r.Get(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, tpl, got)
}

func TestRevisionIsANewTemplate(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	v1, err := r.Create(ctx, "u1", models.TemplateRequest{Name: "Bold", CreditCost: 2})
	require.NoError(t, err)
	v2, err := r.Create(ctx, "u1", models.TemplateRequest{Name: "Bold", CreditCost: 3, Supersedes: v1.ID})
	require.NoError(t, err)
	assert.NotEqual(t, v1.ID, v2.ID)

	old, err := r.Get(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, old.CreditCost, "published templates are never overwritten")

	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, v2.ID, list[0].ID)
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	_, err := r.Create(ctx, "u1", models.TemplateRequest{})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = r.Create(ctx, "u1", models.TemplateRequest{Name: "x", CreditCost: -1})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = r.Create(ctx, "u1", models.TemplateRequest{Name: "x", Supersedes: "missing"})
	var ve apperr.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "supersedes", ve.Field)
}

func TestCallerCannotMutateStoredParams(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	params := map[string]string{"font": "Impact"}

	tpl, err := r.Create(ctx, "u1", models.TemplateRequest{Name: "Classic", Params: params})
	require.NoError(t, err)
	params["font"] = "Comic Sans"
	tpl.Params["font"] = "Papyrus"

	got, err := r.Get(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "Impact", got.Params["font"])
}

type stubDynamo struct {
	ddb.Client
	putErr error
	puts   []*dynamodb.PutItemInput
}

func (s *stubDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	s.puts = append(s.puts, in)
	return &dynamodb.PutItemOutput{}, s.putErr
}

func (s *stubDynamo) GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{}, nil
}

func TestDynamoCreateIsConditional(t *testing.T) {
	client := &stubDynamo{}
	store := NewDynamoStore(DynamoConfig{Client: client, TableName: "templates"})

	require.NoError(t, store.Create(context.Background(), &models.Template{ID: "t1", Name: "Neon", CreditCost: 1}))
	assert.Equal(t, "attribute_not_exists(id)", aws.ToString(client.puts[0].ConditionExpression))

	client.putErr = &types.ConditionalCheckFailedException{Message: aws.String("exists")}
	err := store.Create(context.Background(), &models.Template{ID: "t1"})
	assert.ErrorIs(t, err, apperr.ErrAlreadyExists)

	_, err = store.Get(context.Background(), "t2")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
