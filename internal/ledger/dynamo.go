package ledger

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

const (
	byEmailIndex = "byEmail"
	byUserIndex  = "byUser"
	// heldIndex is keyed on heldSinceMs, which only held reservations carry,
	// so the index holds exactly the unsettled reservations.
	heldIndex   = "held"
	emailPrefix = "email#"
)

type DynamoConfig struct {
	Client            ddb.Client
	UsersTable        string
	ReservationsTable string
	TransactionsTable string
}

// DynamoStore keeps balances on the users table and relies on
// TransactWriteItems with condition expressions for atomicity. Concurrent
// writers never block each other; a losing writer sees a cancelled
// transaction and the Ledger retries it.
type DynamoStore struct {
	client            ddb.Client
	usersTable        string
	reservationsTable string
	transactionsTable string
}

func NewDynamoStore(config DynamoConfig) *DynamoStore {
	return &DynamoStore{
		client:            config.Client,
		usersTable:        config.UsersTable,
		reservationsTable: config.ReservationsTable,
		transactionsTable: config.TransactionsTable,
	}
}

var _ Store = (*DynamoStore)(nil)

type transactionItem struct {
	models.CreditTransaction
	CreatedAtMs int64 `dynamodbav:"createdAtMs"`
}

type reservationItem struct {
	models.Reservation
	HeldSinceMs int64 `dynamodbav:"heldSinceMs"`
}

type emailClaim struct {
	ID     string `dynamodbav:"id"`
	UserID string `dynamodbav:"userId"`
}

func (s *DynamoStore) CreateUser(ctx context.Context, user *models.User, opening *models.CreditTransaction) error {
	u := *user
	u.Credits = opening.Delta
	userItem, err := attributevalue.MarshalMap(u)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	txItem, err := s.marshalTransaction(opening)
	if err != nil {
		return err
	}

	items := []types.TransactWriteItem{
		{Put: &types.Put{
			TableName:           aws.String(s.usersTable),
			Item:                userItem,
			ConditionExpression: aws.String("attribute_not_exists(id)"),
		}},
		{Put: &types.Put{
			TableName:           aws.String(s.transactionsTable),
			Item:                txItem,
			ConditionExpression: aws.String("attribute_not_exists(id)"),
		}},
	}
	if u.Email != "" {
		claim, err := attributevalue.MarshalMap(emailClaim{ID: emailPrefix + u.Email, UserID: u.ID})
		if err != nil {
			return fmt.Errorf("failed to marshal email claim: %w", err)
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:           aws.String(s.usersTable),
			Item:                claim,
			ConditionExpression: aws.String("attribute_not_exists(id)"),
		}})
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err == nil {
		return nil
	}
	for _, code := range ddb.CancellationReasons(err) {
		if code == ddb.ReasonConditionalCheck {
			return apperr.ErrAlreadyExists
		}
	}
	return ddb.Classify(err)
}

func (s *DynamoStore) GetUser(ctx context.Context, userID string) (*models.User, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.usersTable),
		Key:            map[string]types.AttributeValue{"id": ddb.S(userID)},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, ddb.Classify(err)
	}
	if resp.Item == nil {
		return nil, apperr.ErrNotFound
	}
	var user models.User
	if err := attributevalue.UnmarshalMap(resp.Item, &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &user, nil
}

func (s *DynamoStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.usersTable),
		IndexName:                 aws.String(byEmailIndex),
		KeyConditionExpression:    aws.String("email = :email"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":email": ddb.S(email)},
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return nil, ddb.Classify(err)
	}
	if len(resp.Items) == 0 {
		return nil, apperr.ErrNotFound
	}
	var user models.User
	if err := attributevalue.UnmarshalMap(resp.Items[0], &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &user, nil
}

func (s *DynamoStore) SetPlan(ctx context.Context, userID, plan string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.usersTable),
		Key:                       map[string]types.AttributeValue{"id": ddb.S(userID)},
		UpdateExpression:          aws.String("SET #plan = :plan"),
		ConditionExpression:       aws.String("attribute_exists(id)"),
		ExpressionAttributeNames:  map[string]string{"#plan": "plan"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":plan": ddb.S(plan)},
	})
	if ddb.IsConditionFailed(err) {
		return apperr.ErrNotFound
	}
	return ddb.Classify(err)
}

func (s *DynamoStore) Reserve(ctx context.Context, res *models.Reservation, tx *models.CreditTransaction) error {
	resItem, err := attributevalue.MarshalMap(reservationItem{Reservation: *res, HeldSinceMs: ddb.Millis(res.CreatedAt)})
	if err != nil {
		return fmt.Errorf("failed to marshal reservation: %w", err)
	}
	txItem, err := s.marshalTransaction(tx)
	if err != nil {
		return err
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Update: &types.Update{
				TableName:                 aws.String(s.usersTable),
				Key:                       map[string]types.AttributeValue{"id": ddb.S(res.UserID)},
				UpdateExpression:          aws.String("SET credits = credits - :amount"),
				ConditionExpression:       aws.String("attribute_exists(id) AND credits >= :amount"),
				ExpressionAttributeValues: map[string]types.AttributeValue{":amount": ddb.N(res.Amount)},
			}},
			{Put: &types.Put{
				TableName:           aws.String(s.reservationsTable),
				Item:                resItem,
				ConditionExpression: aws.String("attribute_not_exists(id)"),
			}},
			{Put: &types.Put{
				TableName:           aws.String(s.transactionsTable),
				Item:                txItem,
				ConditionExpression: aws.String("attribute_not_exists(id)"),
			}},
		},
	})
	if err == nil {
		return nil
	}
	reasons := ddb.CancellationReasons(err)
	switch {
	case reasonAt(reasons, 1) == ddb.ReasonConditionalCheck, reasonAt(reasons, 2) == ddb.ReasonConditionalCheck:
		return apperr.ErrDuplicateRequest
	case reasonAt(reasons, 0) == ddb.ReasonConditionalCheck:
		return apperr.ErrInsufficientCredits
	}
	return ddb.Classify(err)
}

func (s *DynamoStore) Settle(ctx context.Context, res *models.Reservation, status models.ReservationStatus, tx *models.CreditTransaction) error {
	settledAt, err := attributevalue.Marshal(tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to marshal settlement time: %w", err)
	}
	txItem, err := s.marshalTransaction(tx)
	if err != nil {
		return err
	}

	items := []types.TransactWriteItem{
		{Update: &types.Update{
			TableName:                aws.String(s.reservationsTable),
			Key:                      map[string]types.AttributeValue{"id": ddb.S(res.ID)},
			UpdateExpression:         aws.String("SET #status = :to, settledAt = :at REMOVE heldSinceMs"),
			ConditionExpression:      aws.String("#status = :held"),
			ExpressionAttributeNames: map[string]string{"#status": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":to":   ddb.S(string(status)),
				":held": ddb.S(string(models.ReservationHeld)),
				":at":   settledAt,
			},
		}},
		{Put: &types.Put{
			TableName:           aws.String(s.transactionsTable),
			Item:                txItem,
			ConditionExpression: aws.String("attribute_not_exists(id)"),
		}},
	}
	if tx.Delta != 0 {
		items = append(items, types.TransactWriteItem{Update: &types.Update{
			TableName:                 aws.String(s.usersTable),
			Key:                       map[string]types.AttributeValue{"id": ddb.S(res.UserID)},
			UpdateExpression:          aws.String("SET credits = credits + :delta"),
			ConditionExpression:       aws.String("attribute_exists(id)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{":delta": ddb.N(tx.Delta)},
		}})
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err == nil {
		return nil
	}
	reasons := ddb.CancellationReasons(err)
	switch {
	case reasonAt(reasons, 0) == ddb.ReasonConditionalCheck, reasonAt(reasons, 1) == ddb.ReasonConditionalCheck:
		return ErrNotHeld
	case reasonAt(reasons, 2) == ddb.ReasonConditionalCheck:
		return apperr.ErrNotFound
	}
	return ddb.Classify(err)
}

func (s *DynamoStore) GetReservation(ctx context.Context, reservationID string) (*models.Reservation, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.reservationsTable),
		Key:            map[string]types.AttributeValue{"id": ddb.S(reservationID)},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, ddb.Classify(err)
	}
	if resp.Item == nil {
		return nil, apperr.ErrNotFound
	}
	var res models.Reservation
	if err := attributevalue.UnmarshalMap(resp.Item, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reservation: %w", err)
	}
	return &res, nil
}

// HeldBefore scans the sparse held index, which settlement empties.
func (s *DynamoStore) HeldBefore(ctx context.Context, cutoff time.Time) ([]*models.Reservation, error) {
	var out []*models.Reservation
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                 aws.String(s.reservationsTable),
		IndexName:                 aws.String(heldIndex),
		FilterExpression:          aws.String("heldSinceMs < :cutoff"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cutoff": &types.AttributeValueMemberN{Value: strconv.FormatInt(ddb.Millis(cutoff), 10)},
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, ddb.Classify(err)
		}
		var items []reservationItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reservations: %w", err)
		}
		for i := range items {
			out = append(out, &items[i].Reservation)
		}
	}
	return out, nil
}

func (s *DynamoStore) Grant(ctx context.Context, tx *models.CreditTransaction) error {
	txItem, err := s.marshalTransaction(tx)
	if err != nil {
		return err
	}
	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(s.transactionsTable),
				Item:                txItem,
				ConditionExpression: aws.String("attribute_not_exists(id)"),
			}},
			{Update: &types.Update{
				TableName:                 aws.String(s.usersTable),
				Key:                       map[string]types.AttributeValue{"id": ddb.S(tx.UserID)},
				UpdateExpression:          aws.String("SET credits = credits + :delta"),
				ConditionExpression:       aws.String("attribute_exists(id)"),
				ExpressionAttributeValues: map[string]types.AttributeValue{":delta": ddb.N(tx.Delta)},
			}},
		},
	})
	if err == nil {
		return nil
	}
	reasons := ddb.CancellationReasons(err)
	switch {
	case reasonAt(reasons, 0) == ddb.ReasonConditionalCheck:
		return apperr.ErrDuplicateRequest
	case reasonAt(reasons, 1) == ddb.ReasonConditionalCheck:
		return apperr.ErrNotFound
	}
	return ddb.Classify(err)
}

func (s *DynamoStore) ListTransactions(ctx context.Context, userID string, limit int) ([]*models.CreditTransaction, error) {
	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.transactionsTable),
		IndexName:                 aws.String(byUserIndex),
		KeyConditionExpression:    aws.String("userId = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":uid": ddb.S(userID)},
		ScanIndexForward:          aws.Bool(false),
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}

	var out []*models.CreditTransaction
	paginator := dynamodb.NewQueryPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, ddb.Classify(err)
		}
		var items []transactionItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transactions: %w", err)
		}
		for i := range items {
			out = append(out, &items[i].CreditTransaction)
		}
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
	}
	return out, nil
}

func (s *DynamoStore) marshalTransaction(tx *models.CreditTransaction) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(transactionItem{
		CreditTransaction: *tx,
		CreatedAtMs:       ddb.Millis(tx.CreatedAt),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transaction: %w", err)
	}
	return item, nil
}

func reasonAt(reasons []string, i int) string {
	if i < len(reasons) {
		return reasons[i]
	}
	return ""
}
