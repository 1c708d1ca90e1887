package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// errStatementCacheClosed is returned by Get after Close
var errStatementCacheClosed = errors.New("statement cache is closed")

// StatementCache prepares each query once and hands out the same *sql.Stmt
// on every later call. A *sql.Stmt is safe for concurrent use, so one cache
// serves all callers of a repository.
type StatementCache struct {
	mu     sync.Mutex
	db     *sql.DB
	stmts  map[string]*sql.Stmt
	closed bool
}

// NewStatementCache creates an empty statement cache for db
func NewStatementCache(db *sql.DB) *StatementCache {
	return &StatementCache{
		db:    db,
		stmts: make(map[string]*sql.Stmt),
	}
}

// Get returns the prepared statement for query, preparing it on first use
func (c *StatementCache) Get(ctx context.Context, query string) (*sql.Stmt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errStatementCacheClosed
	}
	if stmt, ok := c.stmts[query]; ok {
		return stmt, nil
	}

	stmt, err := c.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	c.stmts[query] = stmt
	return stmt, nil
}

// Len returns the number of prepared statements held
func (c *StatementCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stmts)
}

// Close closes every prepared statement. Later calls to Get fail.
func (c *StatementCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for query, stmt := range c.stmts {
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(c.stmts, query)
	}
	c.closed = true
	return errors.Join(errs...)
}
