// Package datastore opens the supernet and allocation stores for the
// configured backend.
package datastore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"go.uber.org/zap"

	"github.com/jbweber/homelab/cidrd/internal/config"
	"github.com/jbweber/homelab/cidrd/internal/dynamo"
	"github.com/jbweber/homelab/cidrd/internal/repository"
)

// Datastore bundles the stores of one backend
type Datastore struct {
	Backend     string
	Supernets   repository.SupernetRepository
	Allocations repository.AllocationRepository

	// DB is set for the sqlite backend only
	DB *sql.DB

	closers []func() error
}

// Open connects to the backend named by cfg.Backend. The AWS session is
// only required for the dynamodb backend.
func Open(cfg *config.Config, sess *session.Session, logger *zap.Logger) (*Datastore, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		db, err := cfg.InitializeDatabase()
		if err != nil {
			return nil, err
		}
		logger.Info("opened sqlite datastore", zap.String("path", cfg.DBPath))
		return NewSQL(db, cfg.ScanPageSize), nil

	case config.BackendDynamoDB:
		if sess == nil {
			return nil, fmt.Errorf("aws session is required for the %s backend", cfg.Backend)
		}
		var overrides []*aws.Config
		if cfg.DynamoDBEndpoint != "" {
			overrides = append(overrides, &aws.Config{Endpoint: aws.String(cfg.DynamoDBEndpoint)})
		}
		logger.Info("opened dynamodb datastore",
			zap.String("allocation_table", cfg.AllocationTable),
			zap.String("supernet_table", cfg.SupernetTable),
			zap.String("endpoint", cfg.DynamoDBEndpoint))
		return NewDynamo(dynamodb.New(sess, overrides...), cfg.SupernetTable, cfg.AllocationTable), nil

	case config.BackendMemory:
		logger.Warn("using in-memory datastore, allocations are lost on restart")
		return NewMemory(), nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// NewSQL wraps an open and migrated sqlite database
func NewSQL(db *sql.DB, pageSize int) *Datastore {
	allocations := repository.NewAllocationRepository(db, pageSize)
	ds := &Datastore{
		Backend:     config.BackendSQLite,
		Supernets:   repository.NewSupernetRepository(db),
		Allocations: allocations,
		DB:          db,
	}
	if c, ok := allocations.(interface{ Close() error }); ok {
		ds.closers = append(ds.closers, c.Close)
	}
	ds.closers = append(ds.closers, db.Close)
	return ds
}

// NewDynamo uses the given tables through db
func NewDynamo(db dynamo.DB, supernetTable, allocationTable string) *Datastore {
	return &Datastore{
		Backend:     config.BackendDynamoDB,
		Supernets:   dynamo.NewSupernetTable(db, supernetTable),
		Allocations: dynamo.NewAllocationTable(db, allocationTable),
	}
}

// NewMemory creates empty process-local stores
func NewMemory() *Datastore {
	return &Datastore{
		Backend:     config.BackendMemory,
		Supernets:   repository.NewMemorySupernetRepository(),
		Allocations: repository.NewMemoryAllocationRepository(),
	}
}

// NewAWSSession creates a session using the default credential chain
func NewAWSSession(region string) (*session.Session, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("failed to setup aws session: %w", err)
	}
	return sess, nil
}

// Close releases the resources held by the backend
func (ds *Datastore) Close() error {
	var errs []error
	for _, c := range ds.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	ds.closers = nil
	return errors.Join(errs...)
}
