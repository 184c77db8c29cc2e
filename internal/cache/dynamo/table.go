// Package dynamo backs the weather cache with a DynamoDB table.
package dynamo

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/namefreezers/serverless-weather-api/internal/cache"
	"github.com/namefreezers/serverless-weather-api/internal/config"
)

// API is the part of the DynamoDB client the table uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Table implements cache.Table on DynamoDB.
type Table struct {
	api    API
	name   string
	logger *zap.Logger
}

// NewClient builds a DynamoDB client from the default AWS credential chain.
// The SDK's own retries are disabled; cache.Store retries with its own policy.
func NewClient(ctx context.Context, cfg *config.Config) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.AWSRegion),
		awsconfig.WithRetryMaxAttempts(1),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoDBEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoDBEndpoint)
		}
	}), nil
}

func NewTable(api API, tableName string, logger *zap.Logger) *Table {
	return &Table{api: api, name: tableName, logger: logger}
}

func (t *Table) GetItem(ctx context.Context, key cache.Key) (*cache.Item, error) {
	av, err := attributevalue.MarshalMap(key)
	if err != nil {
		return nil, &cache.StoreError{Op: "get", Code: cache.CodeValidation, Err: err}
	}
	out, err := t.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(t.name),
		Key:       av,
	})
	if err != nil {
		return nil, storeError("get", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	var item cache.Item
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, &cache.StoreError{Op: "get", Code: cache.CodeValidation, Err: err}
	}
	return &item, nil
}

func (t *Table) PutItem(ctx context.Context, item cache.Item) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return &cache.StoreError{Op: "put", Code: cache.CodeValidation, Err: err}
	}
	if _, err := t.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(t.name),
		Item:      av,
	}); err != nil {
		return storeError("put", err)
	}
	return nil
}

// BatchGetItems issues one BatchGetItem request. Keys DynamoDB leaves
// unprocessed are treated as misses.
func (t *Table) BatchGetItems(ctx context.Context, keys []cache.Key) ([]cache.Item, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if len(keys) > cache.MaxBatchGet {
		return nil, &cache.StoreError{Op: "batch_get", Code: cache.CodeValidation,
			Err: fmt.Errorf("%d keys exceeds limit of %d", len(keys), cache.MaxBatchGet)}
	}

	avKeys := make([]map[string]ddbtypes.AttributeValue, 0, len(keys))
	for _, k := range keys {
		av, err := attributevalue.MarshalMap(k)
		if err != nil {
			return nil, &cache.StoreError{Op: "batch_get", Code: cache.CodeValidation, Err: err}
		}
		avKeys = append(avKeys, av)
	}

	out, err := t.api.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
		RequestItems: map[string]ddbtypes.KeysAndAttributes{
			t.name: {Keys: avKeys},
		},
	})
	if err != nil {
		return nil, storeError("batch_get", err)
	}
	if unprocessed, ok := out.UnprocessedKeys[t.name]; ok && len(unprocessed.Keys) > 0 {
		t.logger.Warn("batch get left keys unprocessed", zap.Int("count", len(unprocessed.Keys)))
	}

	var items []cache.Item
	if err := attributevalue.UnmarshalListOfMaps(out.Responses[t.name], &items); err != nil {
		return nil, &cache.StoreError{Op: "batch_get", Code: cache.CodeValidation, Err: err}
	}
	return items, nil
}

// BatchPutItems issues one BatchWriteItem request and reports how many puts
// DynamoDB accepted.
func (t *Table) BatchPutItems(ctx context.Context, items []cache.Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	if len(items) > cache.MaxBatchWrite {
		return 0, &cache.StoreError{Op: "batch_put", Code: cache.CodeValidation,
			Err: fmt.Errorf("%d items exceeds limit of %d", len(items), cache.MaxBatchWrite)}
	}

	writes := make([]ddbtypes.WriteRequest, 0, len(items))
	for _, item := range items {
		av, err := attributevalue.MarshalMap(item)
		if err != nil {
			return 0, &cache.StoreError{Op: "batch_put", Code: cache.CodeValidation, Err: err}
		}
		writes = append(writes, ddbtypes.WriteRequest{PutRequest: &ddbtypes.PutRequest{Item: av}})
	}

	out, err := t.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]ddbtypes.WriteRequest{t.name: writes},
	})
	if err != nil {
		return 0, storeError("batch_put", err)
	}

	written := len(items)
	if unprocessed := len(out.UnprocessedItems[t.name]); unprocessed > 0 {
		t.logger.Warn("batch write left items unprocessed", zap.Int("count", unprocessed))
		written -= unprocessed
	}
	return written, nil
}

func (t *Table) Describe(ctx context.Context) (cache.Description, error) {
	out, err := t.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(t.name)})
	if err != nil {
		return cache.Description{}, storeError("describe", err)
	}
	desc := cache.Description{Name: t.name}
	if out.Table != nil {
		desc.Name = aws.ToString(out.Table.TableName)
		desc.Status = string(out.Table.TableStatus)
	}
	return desc, nil
}

// storeError tags SDK failures with the service error code. Errors without one
// (transport failures, cancellation) pass through for the predicate to judge.
func storeError(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &cache.StoreError{Op: op, Code: apiErr.ErrorCode(), Err: err}
	}
	return fmt.Errorf("dynamodb %s: %w", op, err)
}
