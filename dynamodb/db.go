package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Clever/tokenbucket"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

var (
	errBucketNotFound = errors.New("bucket not found")
	errConflict       = errors.New("bucket was modified concurrently")
)

// dbMaxVersion is an arbitrary constant to prevent the version field from overflowing
const dbMaxVersion uint = 2 << 28

type bucketDB struct {
	ddb       *dynamodb.Client
	tableName string
	ttl       time.Duration
}

type ddbBucketStatePrimaryKey struct {
	Name string `dynamodbav:"name"`
}

func (d ddbBucketStatePrimaryKey) AttributeDefinitions() []types.AttributeDefinition {
	return []types.AttributeDefinition{
		{
			AttributeName: aws.String("name"),
			AttributeType: types.ScalarAttributeTypeS,
		},
	}
}

func (d ddbBucketStatePrimaryKey) KeySchema() []types.KeySchemaElement {
	return []types.KeySchemaElement{
		{
			AttributeName: aws.String("name"),
			KeyType:       types.KeyTypeHash,
		},
	}
}

// ddbBucket is the item a bucket is stored as. Times are microseconds since the epoch and
// zero BlockedUntil means not blocked.
type ddbBucket struct {
	ddbBucketStatePrimaryKey
	Tokens       float64 `dynamodbav:"tokens"`
	LastRefill   int64   `dynamodbav:"last_refill"`
	BlockedUntil int64   `dynamodbav:"blocked_until"`
	// Version guards every write: an item is only replaced if nobody wrote it since it was read
	Version uint `dynamodbav:"version"`
	// TTL is when the item stops being served. DynamoDB deletes items some time after their
	// _ttl, sometimes days later, so reads check it too.
	TTL time.Time `dynamodbav:"_ttl,unixtime"`
}

func newDDBBucket(name string, st tokenbucket.State, version uint, expires time.Time) ddbBucket {
	b := ddbBucket{
		ddbBucketStatePrimaryKey: ddbBucketStatePrimaryKey{Name: name},
		Tokens:                   st.Tokens,
		LastRefill:               st.LastRefill.UnixMicro(),
		Version:                  version,
		TTL:                      expires,
	}
	if !st.BlockedUntil.IsZero() {
		b.BlockedUntil = st.BlockedUntil.UnixMicro()
	}
	return b
}

func (b *ddbBucket) state() tokenbucket.State {
	st := tokenbucket.State{
		Tokens:     b.Tokens,
		LastRefill: time.UnixMicro(b.LastRefill),
	}
	if b.BlockedUntil != 0 {
		st.BlockedUntil = time.UnixMicro(b.BlockedUntil)
	}
	return st
}

func (b *ddbBucket) expired() bool {
	return !time.Now().Before(b.TTL)
}

func (b *ddbBucket) nextVersion() uint {
	if b.Version+1 > dbMaxVersion {
		return 0
	}
	return b.Version + 1
}

func decodeBucket(b map[string]types.AttributeValue) (*ddbBucket, error) {
	var bs ddbBucket
	if err := attributevalue.UnmarshalMap(b, &bs); err != nil {
		return nil, err
	}
	return &bs, nil
}

func encodeBucket(b ddbBucket) (map[string]types.AttributeValue, error) {
	return attributevalue.MarshalMap(b)
}

func (db bucketDB) key(name string) (map[string]types.AttributeValue, error) {
	return attributevalue.MarshalMap(ddbBucketStatePrimaryKey{
		Name: name,
	})
}

// bucket fetches the item under name, expired or not.
func (db bucketDB) bucket(ctx context.Context, name string) (*ddbBucket, error) {
	key, err := db.key(name)
	if err != nil {
		return nil, err
	}
	res, err := db.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		Key:            key,
		TableName:      aws.String(db.tableName),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	} else if len(res.Item) == 0 {
		return nil, errBucketNotFound
	}
	return decodeBucket(res.Item)
}

// putBucket writes b if the stored item is still prev, or if there is no item when prev is
// nil. It returns errConflict when another writer got there first.
func (db bucketDB) putBucket(ctx context.Context, b ddbBucket, prev *ddbBucket) error {
	data, err := encodeBucket(b)
	if err != nil {
		return err
	}
	input := &dynamodb.PutItemInput{
		TableName: aws.String(db.tableName),
		Item:      data,
	}
	if prev == nil {
		input.ExpressionAttributeNames = map[string]string{
			"#N": "name",
		}
		input.ConditionExpression = aws.String("attribute_not_exists(#N)")
	} else {
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{
				Value: fmt.Sprintf("%d", prev.Version),
			},
		}
		input.ConditionExpression = aws.String("version = :v")
	}
	if _, err := db.ddb.PutItem(ctx, input); err != nil {
		if isConditionalCheckFailedError(err) {
			return errConflict
		}
		return err
	}
	return nil
}

func (db bucketDB) deleteBucket(ctx context.Context, name string) error {
	key, err := db.key(name)
	if err != nil {
		return err
	}
	_, err = db.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		Key:       key,
		TableName: aws.String(db.tableName),
	})
	return err
}

func (db bucketDB) describe(ctx context.Context) error {
	_, err := db.ddb.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(db.tableName),
	})
	if isResourceNotFoundError(err) {
		return fmt.Errorf("table %s: %w", db.tableName, err)
	}
	return err
}

func isResourceNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	var rnfe *types.ResourceNotFoundException
	return errors.As(err, &rnfe)
}

func isConditionalCheckFailedError(err error) bool {
	if err == nil {
		return false
	}
	var ccfe *types.ConditionalCheckFailedException
	return errors.As(err, &ccfe)
}
