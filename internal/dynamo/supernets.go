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

// supernetItem is the stored form of a supernet
type supernetItem struct {
	Cidr        string `dynamodbav:"Cidr"`
	Region      string `dynamodbav:"Region"`
	Env         string `dynamodbav:"Env"`
	Description string `dynamodbav:"Description,omitempty"`
	DateTime    string `dynamodbav:"DateTime,omitempty"`
}

func (i supernetItem) supernet() domain.Supernet {
	// supernets are often seeded by hand without a DateTime
	created, _ := time.Parse(dateTimeLayout, i.DateTime)
	return domain.Supernet{
		CIDR:        i.Cidr,
		Region:      i.Region,
		Environment: i.Env,
		Description: i.Description,
		CreatedAt:   created,
	}
}

// SupernetTable persists supernets keyed by Cidr
type SupernetTable struct {
	db    DB
	table string
}

// NewSupernetTable sets up a new supernet table
func NewSupernetTable(db DB, table string) *SupernetTable {
	return &SupernetTable{db: db, table: table}
}

// Save inserts the supernet on the condition its Cidr is not registered yet
func (t *SupernetTable) Save(ctx context.Context, s domain.Supernet) (domain.Supernet, error) {
	if s.CIDR == "" || s.Region == "" || s.Environment == "" {
		return domain.Supernet{}, errors.Wrap(repository.ErrInvalidEntity, "supernet cidr, region and environment are required")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	s.CreatedAt = s.CreatedAt.UTC().Truncate(time.Second)

	item := supernetItem{
		Cidr:        s.CIDR,
		Region:      s.Region,
		Env:         s.Environment,
		Description: s.Description,
		DateTime:    s.CreatedAt.Format(dateTimeLayout),
	}
	if err := put(ctx, t.db, t.table, item, condCidrAbsent, errors.Wrapf(repository.ErrDuplicate, "supernet %s", s.CIDR)); err != nil {
		return domain.Supernet{}, err
	}
	return s, nil
}

// FindByID gets a supernet by Cidr
func (t *SupernetTable) FindByID(ctx context.Context, cidr string) (domain.Supernet, error) {
	var item supernetItem
	if err := get(ctx, t.db, t.table, cidr, &item, errors.Wrapf(repository.ErrNotFound, "supernet %s", cidr)); err != nil {
		return domain.Supernet{}, err
	}
	return item.supernet(), nil
}

// FindAll scans every supernet
func (t *SupernetTable) FindAll(ctx context.Context) ([]domain.Supernet, error) {
	return t.scan(ctx, &dynamodb.ScanInput{TableName: aws.String(t.table)})
}

// FindByScope scans for the supernets of a region and environment
func (t *SupernetTable) FindByScope(ctx context.Context, region, environment string) ([]domain.Supernet, error) {
	return t.scan(ctx, scopeFilter(t.table, region, environment))
}

// DeleteByID deletes a supernet on the condition it exists
func (t *SupernetTable) DeleteByID(ctx context.Context, cidr string) error {
	return remove(ctx, t.db, t.table, cidr, errors.Wrapf(repository.ErrNotFound, "supernet %s", cidr))
}

// ExistsByID checks if a supernet exists
func (t *SupernetTable) ExistsByID(ctx context.Context, cidr string) (bool, error) {
	_, err := t.FindByID(ctx, cidr)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (t *SupernetTable) scan(ctx context.Context, inp *dynamodb.ScanInput) ([]domain.Supernet, error) {
	var supernets []domain.Supernet
	err := scanAll(ctx, t.db, inp, func(raw map[string]*dynamodb.AttributeValue) error {
		var item supernetItem
		if err := dynamodbattribute.UnmarshalMap(raw, &item); err != nil {
			return errors.Wrap(err, "failed to unmarshal supernet")
		}
		supernets = append(supernets, item.supernet())
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(supernets, func(i, j int) bool { return supernets[i].CIDR < supernets[j].CIDR })
	return supernets, nil
}
