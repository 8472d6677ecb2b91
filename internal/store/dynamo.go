package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/telemyapp/dwarf-link/internal/model"
)

const (
	dynamoBatchLimit   = 25
	dynamoBatchRetries = 3

	statePrefix = "state#"
	eventPrefix = "event#"
)

// DynamoAPI is the subset of the DynamoDB client the store calls.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DynamoStore keeps every device in one partition (device_address) with
// state rows and audit events distinguished by the item_key prefix.
type DynamoStore struct {
	client      DynamoAPI
	table       string
	log         *slog.Logger
	retry       retryPolicy
	eventExpiry time.Duration
}

type stateItem struct {
	Address   string `dynamodbav:"device_address"`
	ItemKey   string `dynamodbav:"item_key"`
	Key       string `dynamodbav:"state_key"`
	Value     string `dynamodbav:"state_value"`
	UpdatedAt int64  `dynamodbav:"updated_at"`
}

type eventItem struct {
	model.ConnectionEvent
	ItemKey   string `dynamodbav:"item_key"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
}

type itemKey struct {
	Address string `dynamodbav:"device_address"`
	ItemKey string `dynamodbav:"item_key"`
}

func NewDynamoStore(client DynamoAPI, table string, eventRetention time.Duration, log *slog.Logger) *DynamoStore {
	return &DynamoStore{
		client:      client,
		table:       table,
		log:         log,
		retry:       defaultRetry,
		eventExpiry: eventRetention,
	}
}

// NewDynamoStoreFromConfig builds a client from the default AWS credential
// chain for region.
func NewDynamoStoreFromConfig(ctx context.Context, region, table string, eventRetention time.Duration, log *slog.Logger) (*DynamoStore, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return NewDynamoStore(dynamodb.NewFromConfig(cfg), table, eventRetention, log), nil
}

func (d *DynamoStore) PutState(ctx context.Context, address, key, value string) error {
	item, err := attributevalue.MarshalMap(stateItem{
		Address:   address,
		ItemKey:   statePrefix + key,
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal state item: %w", err)
	}
	err = retryAWS(ctx, d.log, d.retry, "put_item", func(callCtx context.Context) error {
		_, putErr := d.client.PutItem(callCtx, &dynamodb.PutItemInput{
			TableName: aws.String(d.table),
			Item:      item,
		})
		return putErr
	})
	countWrite(BackendDynamoDB, err)
	if err != nil {
		return fmt.Errorf("put state: %w", err)
	}
	return nil
}

func (d *DynamoStore) LoadState(ctx context.Context, address string) (map[string]string, error) {
	items, err := d.query(ctx, address, statePrefix, true, 0)
	if err != nil {
		return nil, err
	}
	var rows []stateItem
	if err := attributevalue.UnmarshalListOfMaps(items, &rows); err != nil {
		return nil, fmt.Errorf("unmarshal state items: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

func (d *DynamoStore) DeleteDevice(ctx context.Context, address string) error {
	items, err := d.query(ctx, address, "", true, 0)
	if err != nil {
		return err
	}
	var keys []itemKey
	if err := attributevalue.UnmarshalListOfMaps(items, &keys); err != nil {
		return fmt.Errorf("unmarshal item keys: %w", err)
	}
	hasState := false
	for _, k := range keys {
		if strings.HasPrefix(k.ItemKey, statePrefix) {
			hasState = true
			break
		}
	}
	if !hasState {
		return ErrNotFound
	}

	for i := 0; i < len(keys); i += dynamoBatchLimit {
		end := min(i+dynamoBatchLimit, len(keys))
		requests := make([]types.WriteRequest, 0, end-i)
		for _, k := range keys[i:end] {
			key, err := attributevalue.MarshalMap(k)
			if err != nil {
				return fmt.Errorf("marshal item key: %w", err)
			}
			requests = append(requests, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: key}})
		}
		if err := d.writeBatch(ctx, requests); err != nil {
			return err
		}
	}
	return nil
}

func (d *DynamoStore) RecordConnectionEvent(ctx context.Context, ev model.ConnectionEvent) error {
	ev = normalizeEvent(ev)
	item, err := attributevalue.MarshalMap(eventItem{
		ConnectionEvent: ev,
		ItemKey:         eventPrefix + ev.CreatedAt.UTC().Format(time.RFC3339Nano) + "#" + ev.ID,
		ExpiresAt:       ev.CreatedAt.Add(d.eventExpiry).Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal event item: %w", err)
	}
	err = retryAWS(ctx, d.log, d.retry, "put_item", func(callCtx context.Context) error {
		_, putErr := d.client.PutItem(callCtx, &dynamodb.PutItemInput{
			TableName: aws.String(d.table),
			Item:      item,
		})
		return putErr
	})
	if err != nil {
		return fmt.Errorf("record connection event: %w", err)
	}
	return nil
}

func (d *DynamoStore) ListConnectionEvents(ctx context.Context, address string, limit int) ([]model.ConnectionEvent, error) {
	items, err := d.query(ctx, address, eventPrefix, false, limit)
	if err != nil {
		return nil, err
	}
	var rows []eventItem
	if err := attributevalue.UnmarshalListOfMaps(items, &rows); err != nil {
		return nil, fmt.Errorf("unmarshal event items: %w", err)
	}
	out := make([]model.ConnectionEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ConnectionEvent)
	}
	return out, nil
}

// query pages through one device partition. An empty prefix selects every
// item; limit <= 0 means no limit.
func (d *DynamoStore) query(ctx context.Context, address, prefix string, forward bool, limit int) ([]map[string]types.AttributeValue, error) {
	cond := "device_address = :a"
	values := map[string]types.AttributeValue{
		":a": &types.AttributeValueMemberS{Value: address},
	}
	if prefix != "" {
		cond += " AND begins_with(item_key, :p)"
		values[":p"] = &types.AttributeValueMemberS{Value: prefix}
	}

	var out []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue
	for {
		in := &dynamodb.QueryInput{
			TableName:                 aws.String(d.table),
			KeyConditionExpression:    aws.String(cond),
			ExpressionAttributeValues: values,
			ScanIndexForward:          aws.Bool(forward),
			ExclusiveStartKey:         startKey,
		}
		if limit > 0 {
			in.Limit = aws.Int32(int32(limit - len(out)))
		}
		var page *dynamodb.QueryOutput
		err := retryAWS(ctx, d.log, d.retry, "query", func(callCtx context.Context) error {
			var qErr error
			page, qErr = d.client.Query(callCtx, in)
			return qErr
		})
		if err != nil {
			return nil, fmt.Errorf("query device %s: %w", address, err)
		}
		out = append(out, page.Items...)
		if len(page.LastEvaluatedKey) == 0 || (limit > 0 && len(out) >= limit) {
			return out, nil
		}
		startKey = page.LastEvaluatedKey
	}
}

// writeBatch writes one chunk and retries any unprocessed items.
func (d *DynamoStore) writeBatch(ctx context.Context, requests []types.WriteRequest) error {
	pending := requests
	for attempt := 0; attempt <= dynamoBatchRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		out, err := d.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{d.table: pending},
		})
		if err != nil {
			return fmt.Errorf("batch write attempt %d: %w", attempt+1, err)
		}
		pending = out.UnprocessedItems[d.table]
		if len(pending) == 0 {
			return nil
		}
	}
	return fmt.Errorf("batch write: %d items still unprocessed after %d retries", len(pending), dynamoBatchRetries)
}
