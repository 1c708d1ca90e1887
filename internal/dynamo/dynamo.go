// Package dynamo stores supernets and allocations in DynamoDB tables using
// a Cidr-keyed attribute layout compatible with existing allocation tables.
package dynamo

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/pkg/errors"
)

// DB is our local alias for the dynamo interface
type DB dynamodbiface.DynamoDBAPI

// Layout of DateTime attributes.
const dateTimeLayout = "2006-01-02:15:04:05"

// Conditions on the Cidr hash key.
const (
	condCidrAbsent  = "attribute_not_exists(Cidr)"
	condCidrPresent = "attribute_exists(Cidr)"
)

// cidrKey is the primary key of both tables
type cidrKey struct {
	Cidr string `dynamodbav:"Cidr"`
}

// isConditionFailed reports whether err is a failed condition expression
func isConditionFailed(err error) bool {
	aerr, ok := err.(awserr.Error)
	return ok && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException
}

// put an item into the table, mapping a failed condition to condErr
func put(ctx context.Context, db DB, table string, item interface{}, cond string, condErr error) error {
	it, err := dynamodbattribute.MarshalMap(item)
	if err != nil {
		return errors.Wrap(err, "failed to marshal item map")
	}

	inp := &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      it,
	}
	if cond != "" {
		inp.ConditionExpression = aws.String(cond)
	}

	if _, err = db.PutItemWithContext(ctx, inp); err != nil {
		if isConditionFailed(err) && condErr != nil {
			return condErr
		}
		return errors.Wrap(err, "failed to put item")
	}

	return nil
}

// get an item by cidr and deserialize it into item, returning errItemNil when absent
func get(ctx context.Context, db DB, table, cidr string, item interface{}, errItemNil error) error {
	ipk, err := dynamodbattribute.MarshalMap(cidrKey{Cidr: cidr})
	if err != nil {
		return errors.Wrap(err, "failed to marshal primary key")
	}

	out, err := db.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            ipk,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return errors.Wrap(err, "failed to get item")
	}

	if out.Item == nil {
		return errItemNil
	}

	if err = dynamodbattribute.UnmarshalMap(out.Item, item); err != nil {
		return errors.Wrap(err, "failed to unmarshal item")
	}

	return nil
}

// remove an item by cidr on the condition it exists
func remove(ctx context.Context, db DB, table, cidr string, condErr error) error {
	ipk, err := dynamodbattribute.MarshalMap(cidrKey{Cidr: cidr})
	if err != nil {
		return errors.Wrap(err, "failed to marshal primary key")
	}

	if _, err = db.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(table),
		Key:                 ipk,
		ConditionExpression: aws.String(condCidrPresent),
	}); err != nil {
		if isConditionFailed(err) {
			return condErr
		}
		return errors.Wrap(err, "failed to delete item")
	}

	return nil
}

// scanAll follows every page of a consistent scan and hands each item to fn
func scanAll(ctx context.Context, db DB, inp *dynamodb.ScanInput, fn func(map[string]*dynamodb.AttributeValue) error) error {
	inp.ConsistentRead = aws.Bool(true)

	var itemErr error
	err := db.ScanPagesWithContext(ctx, inp, func(page *dynamodb.ScanOutput, lastPage bool) bool {
		for _, item := range page.Items {
			if itemErr = fn(item); itemErr != nil {
				return false
			}
		}
		return true
	})
	if err != nil {
		return errors.Wrap(err, "failed to scan table")
	}
	return itemErr
}

// scopeFilter selects the items of a region and environment
func scopeFilter(table, region, environment string) *dynamodb.ScanInput {
	return &dynamodb.ScanInput{
		TableName:        aws.String(table),
		FilterExpression: aws.String("#region = :region AND #env = :env"),
		ExpressionAttributeNames: map[string]*string{
			"#region": aws.String("Region"),
			"#env":    aws.String("Env"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":region": {S: aws.String(region)},
			":env":    {S: aws.String(environment)},
		},
	}
}
