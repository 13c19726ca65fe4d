package eventstore

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ConditionalCheckFailed is const for DB error
const ConditionalCheckFailed = "ConditionalCheckFailed"

// DynamoDBStorage is a Storage implementation using DynamoDB.
// The version slot check rides on conditional writes: a transaction that
// touches an occupied (aggregate_id, version) item is canceled and surfaces
// as ErrConcurrencyConflict. DynamoDB keeps no global commit order, so this
// storage does not support Replay.
type DynamoDBStorage struct {
	tableName string
	hashKey   string
	rangeKey  string
	api       *dynamodb.Client
}

// GetDynamoDBStorage returns a new DB storage instance
func GetDynamoDBStorage(tableName, partitionKey, rangeKey string, db *dynamodb.Client) *DynamoDBStorage {
	storage := DynamoDBStorage{
		tableName: tableName,
		hashKey:   partitionKey,
		rangeKey:  rangeKey,
	}
	storage.api = db
	return &storage
}

// Load implements the Storage interface and reads events for a specific aggregateID
func (s *DynamoDBStorage) Load(ctx context.Context, aggregateID string, fromVersion, toVersion int) (History, error) {
	input := &dynamodb.QueryInput{
		TableName:      aws.String(s.tableName),
		Select:         types.SelectAllAttributes,
		ConsistentRead: aws.Bool(true),
		ExpressionAttributeNames: map[string]string{
			"#key": s.hashKey,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":key": &types.AttributeValueMemberS{Value: aggregateID},
		},
	}

	if toVersion > 0 {
		input.KeyConditionExpression = aws.String("#key = :key AND #partition BETWEEN :from AND :to")
		input.ExpressionAttributeNames["#partition"] = s.rangeKey
		input.ExpressionAttributeValues[":from"] = &types.AttributeValueMemberN{Value: strconv.Itoa(fromVersion)}
		input.ExpressionAttributeValues[":to"] = &types.AttributeValueMemberN{Value: strconv.Itoa(toVersion)}
	} else if fromVersion > 0 {
		input.KeyConditionExpression = aws.String("#key = :key AND #partition >= :from")
		input.ExpressionAttributeNames["#partition"] = s.rangeKey
		input.ExpressionAttributeValues[":from"] = &types.AttributeValueMemberN{Value: strconv.Itoa(fromVersion)}
	} else {
		input.KeyConditionExpression = aws.String("#key = :key")
	}

	history := make(History, 0, toVersion)
	out, err := s.api.Query(ctx, input)
	if err != nil {
		return nil, err
	}
	var records []Record
	if err = attributevalue.UnmarshalListOfMaps(out.Items, &records); err != nil {
		return nil, err
	}
	return append(history, records...), nil
}

// Save implements the Storage interface and stores events in DynamoDB.
// DynamoDB tracks no global commit order, so the returned positions are nil.
func (s *DynamoDBStorage) Save(ctx context.Context, aggregateID string, records ...Record) ([]int64, error) {
	if len(records) == 0 {
		return nil, nil
	}

	if len(records) > 25 {
		return nil, fmt.Errorf("not implemented: can't save more than 25 events at a time")
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Version < records[j].Version
	})

	for i := len(records) - 2; i >= 0; i-- {
		if records[i].Version == records[i+1].Version {
			return nil, fmt.Errorf("duplicate version detected")
		}
	}

	input := &dynamodb.TransactWriteItemsInput{}

	for _, e := range records {
		keyClause := map[string]types.AttributeValue{}
		keyClause[s.hashKey] = &types.AttributeValueMemberS{Value: aggregateID}
		keyClause[s.rangeKey] = &types.AttributeValueMemberN{Value: strconv.Itoa(e.Version)}

		twi := types.TransactWriteItem{
			Update: &types.Update{
				TableName: aws.String(s.tableName),
				Key:       keyClause,
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":r": &types.AttributeValueMemberB{Value: e.Data},
					":k": &types.AttributeValueMemberS{Value: e.Kind},
				},
				ConditionExpression: aws.String(
					fmt.Sprintf("attribute_not_exists(%s)", s.rangeKey),
				),
				UpdateExpression: aws.String("set event_data = :r, event_kind = :k"),
			},
		}
		input.TransactItems = append(input.TransactItems, twi)
	}

	_, err := s.api.TransactWriteItems(ctx, input)
	if err != nil {
		var txnCanceled *types.TransactionCanceledException
		if errors.As(err, &txnCanceled) {
			for _, reason := range txnCanceled.CancellationReasons {
				if reason.Code != nil && *reason.Code == ConditionalCheckFailed {
					return nil, s.ensureIdempotent(ctx, aggregateID, records...)
				}
			}
		}
		return nil, err
	}
	return nil, nil
}

// ensureIdempotent treats re-saving identical records as success; anything
// else on an occupied version slot is a concurrency conflict.
func (s *DynamoDBStorage) ensureIdempotent(ctx context.Context, aggregateID string, records ...Record) error {
	if len(records) == 0 {
		return nil
	}

	version := records[len(records)-1].Version
	history, err := s.Load(ctx, aggregateID, 0, version)
	if err != nil {
		return err
	}
	if len(history) < len(records) {
		return fmt.Errorf("%w: version slot already taken for aggregate %s", ErrConcurrencyConflict, aggregateID)
	}

	recent := history[len(history)-len(records):]
	if !reflect.DeepEqual(recent, History(records)) {
		return fmt.Errorf("%w: version slot already taken for aggregate %s", ErrConcurrencyConflict, aggregateID)
	}
	return nil
}
