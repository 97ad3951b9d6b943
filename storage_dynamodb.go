package drivewatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/shogo82148/go-retry"
)

// DynamoDBClient is the subset of the Amazon DynamoDB API used by DynamoDBStorage.
// This is satisfied by *dynamodb.Client.
type DynamoDBClient interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

func GetAttributeValueAs[T types.AttributeValue](key string, values map[string]types.AttributeValue) (T, bool) {
	var empty T
	value, ok := values[key]
	if !ok {
		return empty, false
	}
	if v, ok := value.(T); ok {
		return v, true
	}
	return empty, false
}

func getAttributeString(key string, values map[string]types.AttributeValue) string {
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberS](key, values); ok {
		return v.Value
	}
	return ""
}

func getAttributeInt64(key string, values map[string]types.AttributeValue) int64 {
	v, ok := GetAttributeValueAs[*types.AttributeValueMemberN](key, values)
	if !ok {
		return 0
	}
	n, err := strconv.ParseFloat(v.Value, 64)
	if err != nil {
		return 0
	}
	return int64(n)
}

func formatAttributeInt64(v int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func NewSyncStateWithDynamoDBAttributeValues(values map[string]types.AttributeValue) *SyncState {
	state := &SyncState{
		ScopeKey:           getAttributeString("ScopeKey", values),
		ChannelID:          getAttributeString("ChannelID", values),
		ResourceID:         getAttributeString("ResourceID", values),
		Expiration:         fromUnixMilli(getAttributeInt64("Expiration", values)),
		StartPageToken:     getAttributeString("StartPageToken", values),
		WebhookURL:         getAttributeString("WebhookURL", values),
		DriveID:            getAttributeString("DriveID", values),
		PageTokenFetchedAt: fromUnixMilli(getAttributeInt64("PageTokenFetchedAt", values)),
		CreatedAt:          fromUnixMilli(getAttributeInt64("CreatedAt", values)),
		UpdatedAt:          fromUnixMilli(getAttributeInt64("UpdatedAt", values)),
		Revision:           getAttributeInt64("Revision", values),
	}
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberBOOL]("Stopped", values); ok {
		state.Stopped = v.Value
	}
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberL]("WatchedFiles", values); ok {
		state.WatchedFiles = make([]string, 0, len(v.Value))
		for _, av := range v.Value {
			if s, ok := av.(*types.AttributeValueMemberS); ok {
				state.WatchedFiles = append(state.WatchedFiles, s.Value)
			}
		}
	}
	return state
}

func (s *SyncState) ToDynamoDBAttributeValues() map[string]types.AttributeValue {
	values := map[string]types.AttributeValue{
		"ScopeKey":           &types.AttributeValueMemberS{Value: s.ScopeKey},
		"ChannelID":          &types.AttributeValueMemberS{Value: s.ChannelID},
		"ResourceID":         &types.AttributeValueMemberS{Value: s.ResourceID},
		"Expiration":         formatAttributeInt64(unixMilli(s.Expiration)),
		"StartPageToken":     &types.AttributeValueMemberS{Value: s.StartPageToken},
		"WebhookURL":         &types.AttributeValueMemberS{Value: s.WebhookURL},
		"DriveID":            &types.AttributeValueMemberS{Value: s.DriveID},
		"Stopped":            &types.AttributeValueMemberBOOL{Value: s.Stopped},
		"PageTokenFetchedAt": formatAttributeInt64(unixMilli(s.PageTokenFetchedAt)),
		"CreatedAt":          formatAttributeInt64(unixMilli(s.CreatedAt)),
		"UpdatedAt":          formatAttributeInt64(unixMilli(s.UpdatedAt)),
		"Revision":           formatAttributeInt64(s.Revision),
	}
	if s.WatchedFiles != nil {
		values["WatchedFiles"] = &types.AttributeValueMemberL{
			Value: Map(s.WatchedFiles, func(id string) types.AttributeValue {
				return &types.AttributeValueMemberS{Value: id}
			}),
		}
	}
	return values
}

type DynamoDBStorage struct {
	client    DynamoDBClient
	tableName string
}

func NewDynamoDBStorage(ctx context.Context, cfg StorageOption) (*DynamoDBStorage, error) {
	awsCfg, err := loadAWSConfig()
	if err != nil {
		return nil, err
	}
	s := NewDynamoDBStorageWithClient(dynamodb.NewFromConfig(awsCfg), cfg.TableName)
	slog.InfoContext(ctx, "check describe dynamodb table", "table_name", s.tableName)
	exists, err := s.tableExists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists && cfg.AutoCreate {
		if err := s.createTable(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func NewDynamoDBStorageWithClient(client DynamoDBClient, tableName string) *DynamoDBStorage {
	return &DynamoDBStorage{
		client:    client,
		tableName: tableName,
	}
}

func (s *DynamoDBStorage) tableExists(ctx context.Context) (bool, error) {
	table, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "ResourceNotFoundException" {
			return false, nil
		}
		slog.DebugContext(ctx, "DescribeTable failed", "table_name", s.tableName, "error", err)
		return false, err
	}
	slog.DebugContext(ctx, "exists table", "table_name", s.tableName, "status", table.Table.TableStatus)
	if table.Table.TableStatus == types.TableStatusActive || table.Table.TableStatus == types.TableStatusUpdating {
		return true, nil
	}
	return false, nil
}

func (s *DynamoDBStorage) waitTableActive(ctx context.Context) error {
	policy := retry.Policy{
		MinDelay: 200 * time.Millisecond,
		MaxDelay: 2 * time.Second,
		MaxCount: 20,
		Jitter:   100 * time.Millisecond,
	}

	retrier := policy.Start(ctx)
	var err error
	var exists bool
	slog.DebugContext(ctx, "start wait dynamodb table active", "table_name", s.tableName)
	for retrier.Continue() {
		exists, err = s.tableExists(ctx)
		if err == nil && exists {
			return nil
		}
	}
	slog.DebugContext(ctx, "timeout wait dynamodb table active", "table_name", s.tableName)
	if err == nil {
		return fmt.Errorf("table not active")
	}
	return fmt.Errorf("table not active: %w", err)
}

func (s *DynamoDBStorage) createTable(ctx context.Context) error {
	slog.DebugContext(ctx, "create dynamodb table", "table_name", s.tableName)
	output, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("ScopeKey"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("ScopeKey"),
				KeyType:       types.KeyTypeHash,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "ResourceInUseException" {
			slog.DebugContext(ctx, "create dynamodb table ResourceInUseException, wait table active", "table_name", s.tableName)
			return s.waitTableActive(ctx)
		}
		return fmt.Errorf("create table %s: %w", s.tableName, err)
	}
	slog.InfoContext(ctx, "create dynamodb table", "table_arn", aws.ToString(output.TableDescription.TableArn))
	return s.waitTableActive(ctx)
}

func (s *DynamoDBStorage) scan(ctx context.Context, startKey map[string]types.AttributeValue) (*dynamodb.ScanOutput, error) {
	return s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:         aws.String(s.tableName),
		Select:            types.SelectAllAttributes,
		ConsistentRead:    aws.Bool(false),
		ExclusiveStartKey: startKey,
	})
}

func (s *DynamoDBStorage) FindAll(ctx context.Context) (<-chan []*SyncState, error) {
	output, err := s.scan(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("scan table %s: %w", s.tableName, err)
	}
	slog.DebugContext(ctx, "scan dynamodb table success", "table_name", s.tableName, "item_count", output.Count)
	ch := make(chan []*SyncState, 10)
	ch <- Map(output.Items, NewSyncStateWithDynamoDBAttributeValues)
	if output.LastEvaluatedKey == nil {
		close(ch)
		return ch, nil
	}
	go func() {
		defer close(ch)
		for output.LastEvaluatedKey != nil {
			output, err = s.scan(ctx, output.LastEvaluatedKey)
			if err != nil {
				slog.ErrorContext(ctx, "background scan dynamodb table failed", "table_name", s.tableName, "error", err)
				return
			}
			slog.DebugContext(ctx, "background scan dynamodb table success", "table_name", s.tableName, "item_count", output.Count)
			ch <- Map(output.Items, NewSyncStateWithDynamoDBAttributeValues)
		}
	}()
	return ch, nil
}

func (s *DynamoDBStorage) Load(ctx context.Context, scopeKey string) (*SyncState, error) {
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"ScopeKey": &types.AttributeValueMemberS{Value: scopeKey},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item scope=%s: %w", scopeKey, err)
	}
	if len(output.Item) == 0 {
		return nil, &StateNotFound{ScopeKey: scopeKey}
	}
	return NewSyncStateWithDynamoDBAttributeValues(output.Item), nil
}

func (s *DynamoDBStorage) Save(ctx context.Context, state *SyncState) error {
	next := state.Clone()
	next.Revision = state.Revision + 1
	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      next.ToDynamoDBAttributeValues(),
	}
	if state.Revision == 0 {
		input.ConditionExpression = aws.String("attribute_not_exists(ScopeKey)")
	} else {
		input.ConditionExpression = aws.String("#Revision = :Revision")
		input.ExpressionAttributeNames = map[string]string{
			"#Revision": "Revision",
		}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":Revision": formatAttributeInt64(state.Revision),
		}
	}
	if _, err := s.client.PutItem(ctx, input); err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "ConditionalCheckFailedException" {
			slog.DebugContext(ctx, "conditional put item failed", "scope", state.ScopeKey, "revision", state.Revision)
			return &StateConflict{ScopeKey: state.ScopeKey, Revision: state.Revision}
		}
		return fmt.Errorf("put item scope=%s: %w", state.ScopeKey, err)
	}
	state.Revision = next.Revision
	slog.DebugContext(ctx, "put item", "scope", state.ScopeKey, "revision", state.Revision, "table_name", s.tableName)
	return nil
}

func (s *DynamoDBStorage) Delete(ctx context.Context, state *SyncState) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"ScopeKey": &types.AttributeValueMemberS{Value: state.ScopeKey},
		},
	})
	if err != nil {
		return fmt.Errorf("delete item scope=%s: %w", state.ScopeKey, err)
	}
	slog.InfoContext(ctx, "delete item", "scope", state.ScopeKey, "table_name", s.tableName)
	return nil
}
