package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
	"github.com/sicko7947/stepflow"
)

// DynamoDBStore implements stepflow.OutcomeStore using AWS DynamoDB
type DynamoDBStore struct {
	client    DynamoDBClient
	tableName string
	retry     RetryConfig
	logger    zerolog.Logger
	now       func() time.Time
}

// DynamoDBOption configures a DynamoDBStore or DynamoDBSequencer
type DynamoDBOption func(*dynamoSettings)

type dynamoSettings struct {
	retry  RetryConfig
	logger zerolog.Logger
}

// WithRetry overrides the throttling retry bounds
func WithRetry(cfg RetryConfig) DynamoDBOption {
	return func(s *dynamoSettings) { s.retry = cfg }
}

// WithStoreLogger sets the logger used for retry warnings
func WithStoreLogger(logger zerolog.Logger) DynamoDBOption {
	return func(s *dynamoSettings) { s.logger = logger }
}

func applyDynamoOptions(opts []DynamoDBOption) dynamoSettings {
	s := dynamoSettings{retry: DefaultRetryConfig(), logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// NewDynamoDBStore creates a new DynamoDB-backed outcome store
func NewDynamoDBStore(client DynamoDBClient, tableName string, opts ...DynamoDBOption) *DynamoDBStore {
	s := applyDynamoOptions(opts)
	return &DynamoDBStore{
		client:    client,
		tableName: tableName,
		retry:     s.retry,
		logger:    s.logger,
		now:       time.Now,
	}
}

func (s *DynamoDBStore) Append(ctx context.Context, outcome *stepflow.Outcome) error {
	item, err := attributevalue.MarshalMap(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	sortKey := outcomeSortKey(outcome.CreatedAt, outcome.ReferenceID)
	item[AttrPK] = &types.AttributeValueMemberS{Value: outcomePK(outcome.ReferenceID)}
	item[AttrSK] = &types.AttributeValueMemberS{Value: outcomeSK()}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeOutcome}
	item[AttrGSI1PK] = &types.AttributeValueMemberS{Value: outcomeGSI1PK()}
	item[AttrGSI1SK] = &types.AttributeValueMemberS{Value: sortKey}
	item[AttrGSI2PK] = &types.AttributeValueMemberS{Value: outcomeGSI2PK(string(outcome.WorkflowType))}
	item[AttrGSI2SK] = &types.AttributeValueMemberS{Value: sortKey}

	_, err = retryThrottled(ctx, s.retry, s.logger, "put_outcome", func() (*dynamodb.PutItemOutput, error) {
		return s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		})
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("outcome %s: %w", outcome.ReferenceID, stepflow.ErrDuplicateReference)
		}
		return fmt.Errorf("failed to append outcome: %w", err)
	}

	return nil
}

func (s *DynamoDBStore) Get(ctx context.Context, reference string) (*stepflow.Outcome, error) {
	result, err := retryThrottled(ctx, s.retry, s.logger, "get_outcome", func() (*dynamodb.GetItemOutput, error) {
		return s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.tableName),
			Key: map[string]types.AttributeValue{
				AttrPK: &types.AttributeValueMemberS{Value: outcomePK(reference)},
				AttrSK: &types.AttributeValueMemberS{Value: outcomeSK()},
			},
			ConsistentRead: aws.Bool(true),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get outcome: %w", err)
	}

	if result.Item == nil {
		return nil, fmt.Errorf("outcome %s: %w", reference, stepflow.ErrNotFound)
	}

	var outcome stepflow.Outcome
	if err := attributevalue.UnmarshalMap(result.Item, &outcome); err != nil {
		return nil, fmt.Errorf("failed to unmarshal outcome: %w", err)
	}

	return &outcome, nil
}

// List queries GSI2 when a workflow type is set and GSI1 otherwise, newest
// first. Status is applied as a filter expression; Limit counts yielded items.
func (s *DynamoDBStore) List(ctx context.Context, filter stepflow.OutcomeFilter) iter.Seq2[*stepflow.Outcome, error] {
	return func(yield func(*stepflow.Outcome, error) bool) {
		input := s.listQuery(filter)
		yielded := 0

		for {
			result, err := retryThrottled(ctx, s.retry, s.logger, "list_outcomes", func() (*dynamodb.QueryOutput, error) {
				return s.client.Query(ctx, input)
			})
			if err != nil {
				yield(nil, fmt.Errorf("failed to query outcomes: %w", err))
				return
			}

			for _, item := range result.Items {
				var outcome stepflow.Outcome
				if err := attributevalue.UnmarshalMap(item, &outcome); err != nil {
					yield(nil, fmt.Errorf("failed to unmarshal outcome: %w", err))
					return
				}
				if !yield(&outcome, nil) {
					return
				}
				yielded++
				if filter.Limit > 0 && yielded >= filter.Limit {
					return
				}
			}

			if result.LastEvaluatedKey == nil {
				return
			}
			input.ExclusiveStartKey = result.LastEvaluatedKey
		}
	}
}

func (s *DynamoDBStore) listQuery(filter stepflow.OutcomeFilter) *dynamodb.QueryInput {
	index, pkAttr, skAttr, pk := IndexAllOutcomes, AttrGSI1PK, AttrGSI1SK, outcomeGSI1PK()
	if filter.WorkflowType != "" {
		index, pkAttr, skAttr, pk = IndexTypeOutcomes, AttrGSI2PK, AttrGSI2SK, outcomeGSI2PK(string(filter.WorkflowType))
	}

	names := map[string]string{"#pk": pkAttr}
	values := map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: pk},
	}
	keyCond := "#pk = :pk"
	if !filter.Since.IsZero() {
		names["#sk"] = skAttr
		values[":since"] = &types.AttributeValueMemberS{Value: sortKeyLowerBound(filter.Since)}
		keyCond += " AND #sk >= :since"
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		IndexName:                 aws.String(index),
		KeyConditionExpression:    aws.String(keyCond),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(false),
	}
	if filter.Status != "" {
		names["#status"] = "status"
		values[":status"] = &types.AttributeValueMemberS{Value: string(filter.Status)}
		input.FilterExpression = aws.String("#status = :status")
	}
	return input
}

func (s *DynamoDBStore) UpdateStatus(ctx context.Context, reference string, status stepflow.OutcomeStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("unknown outcome status %q", status)
	}

	updatedAt, err := attributevalue.Marshal(s.now())
	if err != nil {
		return fmt.Errorf("failed to marshal timestamp: %w", err)
	}

	_, err = retryThrottled(ctx, s.retry, s.logger, "update_status", func() (*dynamodb.UpdateItemOutput, error) {
		return s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.tableName),
			Key: map[string]types.AttributeValue{
				AttrPK: &types.AttributeValueMemberS{Value: outcomePK(reference)},
				AttrSK: &types.AttributeValueMemberS{Value: outcomeSK()},
			},
			ConditionExpression: aws.String("attribute_exists(PK)"),
			UpdateExpression:    aws.String("SET #status = :status, updated_at = :updated"),
			ExpressionAttributeNames: map[string]string{
				"#status": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":status":  &types.AttributeValueMemberS{Value: string(status)},
				":updated": updatedAt,
			},
		})
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("outcome %s: %w", reference, stepflow.ErrNotFound)
		}
		return fmt.Errorf("failed to update outcome status: %w", err)
	}
	return nil
}

// DynamoDBSequencer allocates reference numbers with an atomic ADD on a
// per-year counter item
type DynamoDBSequencer struct {
	client    DynamoDBClient
	tableName string
	prefix    string
	retry     RetryConfig
	logger    zerolog.Logger
}

// NewDynamoDBSequencer creates a sequencer sharing the outcome table
func NewDynamoDBSequencer(client DynamoDBClient, tableName string, opts ...DynamoDBOption) *DynamoDBSequencer {
	s := applyDynamoOptions(opts)
	return &DynamoDBSequencer{
		client:    client,
		tableName: tableName,
		prefix:    stepflow.ReferencePrefix,
		retry:     s.retry,
		logger:    s.logger,
	}
}

func (s *DynamoDBSequencer) Next(ctx context.Context, year int) (int64, error) {
	result, err := retryThrottled(ctx, s.retry, s.logger, "next_sequence", func() (*dynamodb.UpdateItemOutput, error) {
		return s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.tableName),
			Key: map[string]types.AttributeValue{
				AttrPK: &types.AttributeValueMemberS{Value: sequencePK(s.prefix, year)},
				AttrSK: &types.AttributeValueMemberS{Value: sequenceSK()},
			},
			UpdateExpression: aws.String("ADD #value :one SET #entity = :entity"),
			ExpressionAttributeNames: map[string]string{
				"#value":  AttrValue,
				"#entity": AttrEntityType,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":one":    &types.AttributeValueMemberN{Value: "1"},
				":entity": &types.AttributeValueMemberS{Value: EntityTypeSequence},
			},
			ReturnValues: types.ReturnValueUpdatedNew,
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence: %w", err)
	}

	n, ok := result.Attributes[AttrValue].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("sequence update returned no counter")
	}
	v, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse sequence: %w", err)
	}
	return v, nil
}

var (
	_ stepflow.OutcomeStore = (*DynamoDBStore)(nil)
	_ stepflow.Sequencer    = (*DynamoDBSequencer)(nil)
)
