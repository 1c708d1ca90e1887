package dynamo

import (
	"context"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/pkg/errors"

	"github.com/jbweber/homelab/cidrd/internal/domain"
	"github.com/jbweber/homelab/cidrd/internal/repository"
)

// allocationItem is the stored form of an allocation
type allocationItem struct {
	Cidr        string `dynamodbav:"Cidr"`
	AccountID   int64  `dynamodbav:"AccountId"`
	Requestor   string `dynamodbav:"Requestor"`
	Reason      string `dynamodbav:"Reason"`
	Region      string `dynamodbav:"Region"`
	Env         string `dynamodbav:"Env"`
	ProjectCode string `dynamodbav:"ProjectCode,omitempty"`
	StackID     string `dynamodbav:"StackId,omitempty"`
	VpcID       string `dynamodbav:"VpcId,omitempty"`
	DateTime    string `dynamodbav:"DateTime"`
}

func toAllocationItem(a domain.Allocation) allocationItem {
	return allocationItem{
		Cidr:        a.CIDR,
		AccountID:   a.AccountID,
		Requestor:   a.Requestor,
		Reason:      a.Reason,
		Region:      a.Region,
		Env:         a.Environment,
		ProjectCode: a.ProjectCode,
		StackID:     a.CorrelationID,
		VpcID:       a.AttachedResourceID,
		DateTime:    a.CreatedAt.UTC().Format(dateTimeLayout),
	}
}

func (i allocationItem) allocation() domain.Allocation {
	// records written by other tools may carry an unparsable DateTime
	created, _ := time.Parse(dateTimeLayout, i.DateTime)
	return domain.Allocation{
		CIDR:               i.Cidr,
		AccountID:          i.AccountID,
		Requestor:          i.Requestor,
		Reason:             i.Reason,
		Region:             i.Region,
		Environment:        i.Env,
		ProjectCode:        i.ProjectCode,
		CorrelationID:      i.StackID,
		AttachedResourceID: i.VpcID,
		CreatedAt:          created,
	}
}

// AllocationTable persists allocations keyed by Cidr
type AllocationTable struct {
	db    DB
	table string
}

// NewAllocationTable sets up a new allocation table
func NewAllocationTable(db DB, table string) *AllocationTable {
	return &AllocationTable{db: db, table: table}
}

// Create inserts the allocation on the condition its Cidr is not taken yet
func (t *AllocationTable) Create(ctx context.Context, a domain.Allocation) (domain.Allocation, error) {
	if a.CIDR == "" {
		return domain.Allocation{}, errors.Wrap(repository.ErrInvalidEntity, "allocation cidr is required")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	// DateTime has second precision
	a.CreatedAt = a.CreatedAt.UTC().Truncate(time.Second)

	err := put(ctx, t.db, t.table, toAllocationItem(a), condCidrAbsent,
		errors.Wrapf(repository.ErrDuplicate, "allocation %s", a.CIDR))
	if err != nil {
		return domain.Allocation{}, err
	}
	return a, nil
}

// FindByID gets an allocation by Cidr
func (t *AllocationTable) FindByID(ctx context.Context, cidr string) (domain.Allocation, error) {
	var item allocationItem
	if err := get(ctx, t.db, t.table, cidr, &item, errors.Wrapf(repository.ErrNotFound, "allocation %s", cidr)); err != nil {
		return domain.Allocation{}, err
	}
	return item.allocation(), nil
}

// DeleteByID deletes an allocation on the condition it exists
func (t *AllocationTable) DeleteByID(ctx context.Context, cidr string) error {
	return remove(ctx, t.db, t.table, cidr, errors.Wrapf(repository.ErrNotFound, "allocation %s", cidr))
}

// FindByScope scans every page of the table for the allocations of a scope
func (t *AllocationTable) FindByScope(ctx context.Context, region, environment string) ([]domain.Allocation, error) {
	return t.scan(ctx, scopeFilter(t.table, region, environment))
}

// FindByCorrelationID scans for allocations with the StackId and returns the lowest Cidr
func (t *AllocationTable) FindByCorrelationID(ctx context.Context, correlationID string) (domain.Allocation, error) {
	if correlationID == "" {
		return domain.Allocation{}, errors.Wrap(repository.ErrInvalidEntity, "correlation id is required")
	}

	matches, err := t.scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(t.table),
		FilterExpression: aws.String("#stack = :stack"),
		ExpressionAttributeNames: map[string]*string{
			"#stack": aws.String("StackId"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":stack": {S: aws.String(correlationID)},
		},
	})
	if err != nil {
		return domain.Allocation{}, err
	}
	if len(matches) == 0 {
		return domain.Allocation{}, errors.Wrapf(repository.ErrNotFound, "allocation with correlation id %s", correlationID)
	}
	return matches[0], nil
}

// UpdateAttachedResource sets VpcId on the condition the allocation exists
func (t *AllocationTable) UpdateAttachedResource(ctx context.Context, cidr, resourceID string) (domain.Allocation, error) {
	ipk, err := dynamodbattribute.MarshalMap(cidrKey{Cidr: cidr})
	if err != nil {
		return domain.Allocation{}, errors.Wrap(err, "failed to marshal primary key")
	}

	out, err := t.db.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(t.table),
		Key:                 ipk,
		UpdateExpression:    aws.String("SET #vpc = :vpc"),
		ConditionExpression: aws.String(condCidrPresent),
		ExpressionAttributeNames: map[string]*string{
			"#vpc": aws.String("VpcId"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":vpc": {S: aws.String(resourceID)},
		},
		ReturnValues: aws.String(dynamodb.ReturnValueAllNew),
	})
	if err != nil {
		if isConditionFailed(err) {
			return domain.Allocation{}, errors.Wrapf(repository.ErrNotFound, "allocation %s", cidr)
		}
		return domain.Allocation{}, errors.Wrap(err, "failed to update item")
	}

	var item allocationItem
	if err := dynamodbattribute.UnmarshalMap(out.Attributes, &item); err != nil {
		return domain.Allocation{}, errors.Wrap(err, "failed to unmarshal item")
	}
	return item.allocation(), nil
}

func (t *AllocationTable) scan(ctx context.Context, inp *dynamodb.ScanInput) ([]domain.Allocation, error) {
	var allocations []domain.Allocation
	err := scanAll(ctx, t.db, inp, func(raw map[string]*dynamodb.AttributeValue) error {
		var item allocationItem
		if err := dynamodbattribute.UnmarshalMap(raw, &item); err != nil {
			return errors.Wrap(err, "failed to unmarshal allocation")
		}
		allocations = append(allocations, item.allocation())
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(allocations, func(i, j int) bool {
		return domain.CompareCIDR(allocations[i].CIDR, allocations[j].CIDR) < 0
	})
	return allocations, nil
}
