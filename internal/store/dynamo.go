// Package store adapts the ledger's durable-store and blob-store contracts
// onto DynamoDB and S3. It is the only package that touches the network.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nuibits/userbase/internal/ledger"
)

const (
	attrUserID      = "user-id"
	attrSequenceNo  = "sequence-no"
	attrCommand     = "command"
	attrUsername    = "username"
	attrBundleSeqNo = "bundle-seq-no"

	userIDIndexName = "user-id-index"
)

var (
	errMissingClient           = errors.New("store: dynamodb client is required")
	errMissingTransactionTable = errors.New("store: transaction table name is required")
	errMissingUserTable        = errors.New("store: user table name is required")
)

// DynamoAPI is the slice of the DynamoDB client the store uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoConfig describes the tables the store operates on.
type DynamoConfig struct {
	Client           DynamoAPI
	TransactionTable string
	UserTable        string
}

// DynamoStore implements ledger.DurableStore against DynamoDB. Transactions
// live under partition key user-id and sort key sequence-no; user records
// live in a separate table under partition key username with a user-id GSI.
type DynamoStore struct {
	client           DynamoAPI
	transactionTable string
	userTable        string
}

type transactionItem struct {
	UserID     string `dynamodbav:"user-id"`
	SequenceNo int64  `dynamodbav:"sequence-no"`
	ItemID     string `dynamodbav:"item-id"`
	Command    string `dynamodbav:"command"`
	Record     []byte `dynamodbav:"record,omitempty"`
}

type userItem struct {
	Username    string `dynamodbav:"username"`
	UserID      string `dynamodbav:"user-id"`
	BundleSeqNo int64  `dynamodbav:"bundle-seq-no"`
	PublicKey   []byte `dynamodbav:"public-key,omitempty"`
}

// NewDynamoStore validates the configuration and constructs the store.
func NewDynamoStore(cfg DynamoConfig) (*DynamoStore, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	if cfg.TransactionTable == "" {
		return nil, errMissingTransactionTable
	}
	if cfg.UserTable == "" {
		return nil, errMissingUserTable
	}
	return &DynamoStore{
		client:           cfg.Client,
		transactionTable: cfg.TransactionTable,
		userTable:        cfg.UserTable,
	}, nil
}

// PutTransaction writes one log entry under the requested conditional
// predicate. A refused predicate surfaces as ledger.ErrConflict, every other
// failure as ledger.ErrTransient.
func (s *DynamoStore) PutTransaction(ctx context.Context, tx ledger.Transaction, condition ledger.PutCondition) error {
	item, err := attributevalue.MarshalMap(transactionItem{
		UserID:     tx.UserID.String(),
		SequenceNo: tx.SequenceNo.Int64(),
		ItemID:     tx.ItemID.String(),
		Command:    string(tx.Command),
		Record:     tx.Record,
	})
	if err != nil {
		return fmt.Errorf("%w: marshal transaction: %v", ledger.ErrTransient, err)
	}

	conditionBuilder := expression.AttributeNotExists(expression.Name(attrUserID))
	if condition == ledger.PutIfAbsentOrRolledBack {
		conditionBuilder = conditionBuilder.Or(
			expression.Name(attrCommand).Equal(expression.Value(string(ledger.CommandRollback))))
	}
	expr, err := expression.NewBuilder().WithCondition(conditionBuilder).Build()
	if err != nil {
		return fmt.Errorf("%w: build condition: %v", ledger.ErrTransient, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.transactionTable),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
		}
		return fmt.Errorf("%w: %v", ledger.ErrTransient, err)
	}
	return nil
}

// UpdateUserBundleSeqNo unconditionally sets the user's bundle watermark.
func (s *DynamoStore) UpdateUserBundleSeqNo(ctx context.Context, username string, bundleSeqNo ledger.SequenceNo) error {
	update := expression.Set(expression.Name(attrBundleSeqNo), expression.Value(bundleSeqNo.Int64()))
	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return fmt.Errorf("%w: build update: %v", ledger.ErrTransient, err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.userTable),
		Key:                       map[string]types.AttributeValue{attrUsername: &types.AttributeValueMemberS{Value: username}},
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrTransient, err)
	}
	return nil
}

// LoadUserLog reads the user's full log in ascending sequence order with
// strongly consistent pagination. It backs memcache reconstruction.
func (s *DynamoStore) LoadUserLog(ctx context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	keyCondition := expression.Key(attrUserID).Equal(expression.Value(userID.String()))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCondition).Build()
	if err != nil {
		return nil, fmt.Errorf("%w: build key condition: %v", ledger.ErrTransient, err)
	}

	var transactions []ledger.Transaction
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.transactionTable),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ConsistentRead:            aws.Bool(true),
			ScanIndexForward:          aws.Bool(true),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ledger.ErrTransient, err)
		}

		var items []transactionItem
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
			return nil, fmt.Errorf("%w: unmarshal transactions: %v", ledger.ErrTransient, err)
		}
		for _, item := range items {
			tx, err := item.toTransaction()
			if err != nil {
				return nil, err
			}
			transactions = append(transactions, tx)
		}

		if len(out.LastEvaluatedKey) == 0 {
			return transactions, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// LookupUsername resolves the username owning a user id through the user-id
// GSI. The mapping is immutable, so the eventually consistent index read is
// safe to cache.
func (s *DynamoStore) LookupUsername(ctx context.Context, userID ledger.UserID) (string, error) {
	keyCondition := expression.Key(attrUserID).Equal(expression.Value(userID.String()))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCondition).Build()
	if err != nil {
		return "", fmt.Errorf("%w: build key condition: %v", ledger.ErrTransient, err)
	}

	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.userTable),
		IndexName:                 aws.String(userIDIndexName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ledger.ErrTransient, err)
	}
	if len(out.Items) == 0 {
		return "", fmt.Errorf("%w: user %s", ledger.ErrNotFound, userID)
	}

	var item userItem
	if err := attributevalue.UnmarshalMap(out.Items[0], &item); err != nil {
		return "", fmt.Errorf("%w: unmarshal user: %v", ledger.ErrTransient, err)
	}
	return item.Username, nil
}

// GetUser reads the authoritative user record with a consistent read.
func (s *DynamoStore) GetUser(ctx context.Context, username string) (ledger.UserRecord, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.userTable),
		Key:            map[string]types.AttributeValue{attrUsername: &types.AttributeValueMemberS{Value: username}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return ledger.UserRecord{}, fmt.Errorf("%w: %v", ledger.ErrTransient, err)
	}
	if len(out.Item) == 0 {
		return ledger.UserRecord{}, fmt.Errorf("%w: user %s", ledger.ErrNotFound, username)
	}

	var item userItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return ledger.UserRecord{}, fmt.Errorf("%w: unmarshal user: %v", ledger.ErrTransient, err)
	}
	return item.toUserRecord()
}

func (item transactionItem) toTransaction() (ledger.Transaction, error) {
	userID, err := ledger.NewUserID(item.UserID)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("%w: stored transaction: %v", ledger.ErrTransient, err)
	}
	sequenceNo, err := ledger.NewSequenceNo(item.SequenceNo)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("%w: stored transaction: %v", ledger.ErrTransient, err)
	}
	command, err := ledger.ParseCommand(item.Command)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("%w: stored transaction: %v", ledger.ErrTransient, err)
	}
	itemID, err := ledger.NewItemID(item.ItemID)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("%w: stored transaction: %v", ledger.ErrTransient, err)
	}
	return ledger.Transaction{
		UserID:     userID,
		SequenceNo: sequenceNo,
		ItemID:     itemID,
		Command:    command,
		Record:     item.Record,
	}, nil
}

func (item userItem) toUserRecord() (ledger.UserRecord, error) {
	userID, err := ledger.NewUserID(item.UserID)
	if err != nil {
		return ledger.UserRecord{}, fmt.Errorf("%w: stored user: %v", ledger.ErrTransient, err)
	}
	bundleSeqNo, err := ledger.NewSequenceNo(item.BundleSeqNo)
	if err != nil {
		return ledger.UserRecord{}, fmt.Errorf("%w: stored user: %v", ledger.ErrTransient, err)
	}
	return ledger.UserRecord{
		Username:    item.Username,
		UserID:      userID,
		BundleSeqNo: bundleSeqNo,
		PublicKey:   item.PublicKey,
	}, nil
}
