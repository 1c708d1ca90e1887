package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jbweber/homelab/cidrd/internal/domain"
)

// DefaultPageSize is the number of rows fetched per page when scanning allocations
const DefaultPageSize = 500

// AllocationRepository defines domain-specific operations for allocations.
// Allocations are keyed by their CIDR.
type AllocationRepository interface {
	// Create inserts the allocation only if no allocation with the same CIDR exists.
	// Returns ErrDuplicate when the key is already taken.
	Create(ctx context.Context, allocation domain.Allocation) (domain.Allocation, error)

	FindByID(ctx context.Context, cidr string) (domain.Allocation, error)
	DeleteByID(ctx context.Context, cidr string) error

	// FindByScope returns every allocation for the region and environment,
	// following pagination until the table is exhausted.
	FindByScope(ctx context.Context, region, environment string) ([]domain.Allocation, error)

	// FindByCorrelationID returns the first allocation carrying the correlation id.
	// Returns ErrNotFound if none matches.
	FindByCorrelationID(ctx context.Context, correlationID string) (domain.Allocation, error)

	// UpdateAttachedResource sets the attached resource id.
	// Returns ErrNotFound if the allocation doesn't exist.
	UpdateAttachedResource(ctx context.Context, cidr, resourceID string) (domain.Allocation, error)
}

// allocationRepositoryImpl implements AllocationRepository
type allocationRepositoryImpl struct {
	db       *sql.DB
	stmts    *StatementCache
	pageSize int
}

// NewAllocationRepository creates a new allocation repository. Scope scans
// read pageSize rows at a time; a non-positive value selects DefaultPageSize.
func NewAllocationRepository(db *sql.DB, pageSize int) AllocationRepository {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &allocationRepositoryImpl{
		db:       db,
		stmts:    NewStatementCache(db),
		pageSize: pageSize,
	}
}

const allocationColumns = `cidr, account_id, requestor, reason, region, environment,
	project_code, correlation_id, attached_resource_id, created_at`

const (
	insertAllocationSQL = `
		INSERT INTO allocations (` + allocationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cidr) DO NOTHING`

	scopePageSQL = `
		SELECT ` + allocationColumns + `
		FROM allocations
		WHERE region = ? AND environment = ? AND cidr > ?
		ORDER BY cidr
		LIMIT ?`
)

// Create inserts an allocation unless its CIDR is already allocated
func (r *allocationRepositoryImpl) Create(ctx context.Context, a domain.Allocation) (domain.Allocation, error) {
	if a.CIDR == "" {
		return domain.Allocation{}, fmt.Errorf("%w: allocation cidr is required", ErrInvalidEntity)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	stmt, err := r.stmts.Get(ctx, insertAllocationSQL)
	if err != nil {
		return domain.Allocation{}, fmt.Errorf("allocation insert: %w", err)
	}

	result, err := stmt.ExecContext(ctx,
		a.CIDR, a.AccountID, a.Requestor, a.Reason, a.Region, a.Environment,
		a.ProjectCode, a.CorrelationID, a.AttachedResourceID, a.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return domain.Allocation{}, fmt.Errorf("failed to create allocation: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return domain.Allocation{}, fmt.Errorf("failed to check allocation insert: %w", err)
	}
	if n == 0 {
		return domain.Allocation{}, fmt.Errorf("allocation %s: %w", a.CIDR, ErrDuplicate)
	}

	return a, nil
}

// FindByID finds an allocation by CIDR
func (r *allocationRepositoryImpl) FindByID(ctx context.Context, cidr string) (domain.Allocation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+allocationColumns+` FROM allocations WHERE cidr = ?`, cidr)
	a, err := scanAllocation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Allocation{}, fmt.Errorf("allocation %s: %w", cidr, ErrNotFound)
		}
		return domain.Allocation{}, fmt.Errorf("failed to find allocation: %w", err)
	}
	return a, nil
}

// FindByScope walks the scope a page at a time using the cidr as the cursor
func (r *allocationRepositoryImpl) FindByScope(ctx context.Context, region, environment string) ([]domain.Allocation, error) {
	stmt, err := r.stmts.Get(ctx, scopePageSQL)
	if err != nil {
		return nil, fmt.Errorf("allocation scan: %w", err)
	}

	var allocations []domain.Allocation
	cursor := ""
	for {
		page, err := r.scanPage(ctx, stmt, region, environment, cursor)
		if err != nil {
			return nil, err
		}
		allocations = append(allocations, page...)
		if len(page) < r.pageSize {
			return allocations, nil
		}
		cursor = page[len(page)-1].CIDR
	}
}

func (r *allocationRepositoryImpl) scanPage(ctx context.Context, stmt *sql.Stmt, region, environment, cursor string) ([]domain.Allocation, error) {
	rows, err := stmt.QueryContext(ctx, region, environment, cursor, r.pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to scan allocations: %w", err)
	}
	return collectAllocations(rows)
}

// FindByCorrelationID finds the allocation with the lowest network address
// carrying the correlation id. SQLite orders cidr text lexically, so the pick
// happens on the parsed prefixes.
func (r *allocationRepositoryImpl) FindByCorrelationID(ctx context.Context, correlationID string) (domain.Allocation, error) {
	if correlationID == "" {
		return domain.Allocation{}, fmt.Errorf("%w: correlation id is required", ErrInvalidEntity)
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+allocationColumns+`
		FROM allocations WHERE correlation_id = ?`, correlationID)
	if err != nil {
		return domain.Allocation{}, fmt.Errorf("failed to find allocation: %w", err)
	}
	matches, err := collectAllocations(rows)
	if err != nil {
		return domain.Allocation{}, err
	}
	if len(matches) == 0 {
		return domain.Allocation{}, fmt.Errorf("allocation with correlation id %s: %w", correlationID, ErrNotFound)
	}
	return slices.MinFunc(matches, func(a, b domain.Allocation) int {
		return domain.CompareCIDR(a.CIDR, b.CIDR)
	}), nil
}

// UpdateAttachedResource records the resource attached to an allocation
func (r *allocationRepositoryImpl) UpdateAttachedResource(ctx context.Context, cidr, resourceID string) (domain.Allocation, error) {
	result, err := r.db.ExecContext(ctx,
		"UPDATE allocations SET attached_resource_id = ? WHERE cidr = ?", resourceID, cidr)
	if err != nil {
		return domain.Allocation{}, fmt.Errorf("failed to update allocation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return domain.Allocation{}, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.Allocation{}, fmt.Errorf("allocation %s: %w", cidr, ErrNotFound)
	}

	return r.FindByID(ctx, cidr)
}

// DeleteByID deletes an allocation by CIDR
func (r *allocationRepositoryImpl) DeleteByID(ctx context.Context, cidr string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM allocations WHERE cidr = ?", cidr)
	if err != nil {
		return fmt.Errorf("failed to delete allocation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("allocation %s: %w", cidr, ErrNotFound)
	}

	return nil
}

// Close releases the cached prepared statements
func (r *allocationRepositoryImpl) Close() error {
	return r.stmts.Close()
}

func scanAllocation(row rowScanner) (domain.Allocation, error) {
	var a domain.Allocation
	var createdAt string
	err := row.Scan(
		&a.CIDR, &a.AccountID, &a.Requestor, &a.Reason, &a.Region, &a.Environment,
		&a.ProjectCode, &a.CorrelationID, &a.AttachedResourceID, &createdAt)
	if err != nil {
		return domain.Allocation{}, err
	}
	ts, err := parseTimestamp(createdAt)
	if err != nil {
		return domain.Allocation{}, err
	}
	a.CreatedAt = ts
	return a, nil
}

func collectAllocations(rows *sql.Rows) ([]domain.Allocation, error) {
	defer rows.Close()

	var allocations []domain.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		allocations = append(allocations, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating allocations: %w", err)
	}

	return allocations, nil
}
