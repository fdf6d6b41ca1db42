package dynamodb

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const tableWait = 30 * time.Second

// createTable creates the bucket table with _ttl expiry enabled and waits for it.
func createTable(db bucketDB) error {
	ctx := context.Background()
	table := aws.String(db.tableName)
	if _, err := db.ddb.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:            table,
		BillingMode:          types.BillingModePayPerRequest,
		AttributeDefinitions: ddbBucketStatePrimaryKey{}.AttributeDefinitions(),
		KeySchema:            ddbBucketStatePrimaryKey{}.KeySchema(),
	}); err != nil {
		return err
	}
	if err := dynamodb.NewTableExistsWaiter(db.ddb).Wait(ctx, &dynamodb.DescribeTableInput{TableName: table}, tableWait); err != nil {
		return err
	}

	_, err := db.ddb.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: table,
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String("_ttl"),
			Enabled:       aws.Bool(true),
		},
	})
	return err
}

// deleteTable drops the bucket table, if any, and waits until it is gone.
func deleteTable(db bucketDB) error {
	ctx := context.Background()
	table := aws.String(db.tableName)
	if _, err := db.ddb.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: table}); err != nil {
		if isResourceNotFoundError(err) {
			return nil
		}
		return err
	}
	return dynamodb.NewTableNotExistsWaiter(db.ddb).Wait(ctx, &dynamodb.DescribeTableInput{TableName: table}, tableWait)
}
