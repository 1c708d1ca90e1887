package dynamo

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
)

type item = map[string]*dynamodb.AttributeValue

// fakeDB keeps one in-process table per name and understands the small
// expression language this package writes.
type fakeDB struct {
	dynamodbiface.DynamoDBAPI

	mu       sync.Mutex
	tables   map[string]map[string]item
	pageSize int
	pages    int
	scanErr  error
}

func newFakeDB(pageSize int) *fakeDB {
	return &fakeDB{tables: make(map[string]map[string]item), pageSize: pageSize}
}

func (f *fakeDB) table(name string) map[string]item {
	t, ok := f.tables[name]
	if !ok {
		t = make(map[string]item)
		f.tables[name] = t
	}
	return t
}

func conditionFailed() error {
	return awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "The conditional request failed", nil)
}

func checkCondition(cond *string, exists bool) error {
	switch aws.StringValue(cond) {
	case condCidrAbsent:
		if exists {
			return conditionFailed()
		}
	case condCidrPresent:
		if !exists {
			return conditionFailed()
		}
	}
	return nil
}

func (f *fakeDB) PutItemWithContext(_ aws.Context, in *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.table(aws.StringValue(in.TableName))
	key := aws.StringValue(in.Item["Cidr"].S)
	_, exists := t[key]
	if err := checkCondition(in.ConditionExpression, exists); err != nil {
		return nil, err
	}
	t[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDB) GetItemWithContext(_ aws.Context, in *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.table(aws.StringValue(in.TableName))[aws.StringValue(in.Key["Cidr"].S)]}, nil
}

func (f *fakeDB) DeleteItemWithContext(_ aws.Context, in *dynamodb.DeleteItemInput, _ ...request.Option) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.table(aws.StringValue(in.TableName))
	key := aws.StringValue(in.Key["Cidr"].S)
	_, exists := t[key]
	if err := checkCondition(in.ConditionExpression, exists); err != nil {
		return nil, err
	}
	delete(t, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDB) UpdateItemWithContext(_ aws.Context, in *dynamodb.UpdateItemInput, _ ...request.Option) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.table(aws.StringValue(in.TableName))
	key := aws.StringValue(in.Key["Cidr"].S)
	current, exists := t[key]
	if err := checkCondition(in.ConditionExpression, exists); err != nil {
		return nil, err
	}

	updated := item{}
	for k, v := range current {
		updated[k] = v
	}
	for _, assignment := range strings.Split(strings.TrimPrefix(aws.StringValue(in.UpdateExpression), "SET "), ",") {
		name, value, _ := strings.Cut(strings.TrimSpace(assignment), " = ")
		updated[aws.StringValue(in.ExpressionAttributeNames[name])] = in.ExpressionAttributeValues[value]
	}
	t[key] = updated
	return &dynamodb.UpdateItemOutput{Attributes: updated}, nil
}

func (f *fakeDB) ScanPagesWithContext(_ aws.Context, in *dynamodb.ScanInput, fn func(*dynamodb.ScanOutput, bool) bool, _ ...request.Option) error {
	f.mu.Lock()
	if f.scanErr != nil {
		f.mu.Unlock()
		return f.scanErr
	}
	t := f.table(aws.StringValue(in.TableName))
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var matched []item
	for _, k := range keys {
		if matches(t[k], in) {
			matched = append(matched, t[k])
		}
	}
	f.mu.Unlock()

	for start := 0; ; start += f.pageSize {
		end := min(start+f.pageSize, len(matched))
		f.pages++
		last := end == len(matched)
		if !fn(&dynamodb.ScanOutput{Items: matched[start:end]}, last) || last {
			return nil
		}
	}
}

// matches evaluates filters of the form "#a = :a AND #b = :b"
func matches(it item, in *dynamodb.ScanInput) bool {
	if in.FilterExpression == nil {
		return true
	}
	for _, clause := range strings.Split(aws.StringValue(in.FilterExpression), " AND ") {
		name, value, _ := strings.Cut(strings.TrimSpace(clause), " = ")
		got, ok := it[aws.StringValue(in.ExpressionAttributeNames[name])]
		if !ok {
			return false
		}
		want := in.ExpressionAttributeValues[value]
		if aws.StringValue(got.S) != aws.StringValue(want.S) || aws.StringValue(got.N) != aws.StringValue(want.N) {
			return false
		}
	}
	return true
}

var _ DB = (*fakeDB)(nil)

func bg() context.Context { return context.Background() }
