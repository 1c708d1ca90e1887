package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jbweber/homelab/cidrd/internal/domain"
)

// SupernetRepository defines domain-specific operations for supernets.
// Supernets are keyed by their CIDR.
type SupernetRepository interface {
	Repository[domain.Supernet, string]
	FindByScope(ctx context.Context, region, environment string) ([]domain.Supernet, error)
}

// supernetRepositoryImpl implements SupernetRepository
type supernetRepositoryImpl struct {
	db *sql.DB
}

// NewSupernetRepository creates a new supernet repository
func NewSupernetRepository(db *sql.DB) SupernetRepository {
	return &supernetRepositoryImpl{
		db: db,
	}
}

const supernetColumns = `cidr, region, environment, description, created_at`

// Save registers a supernet. Supernets are immutable once registered.
func (r *supernetRepositoryImpl) Save(ctx context.Context, s domain.Supernet) (domain.Supernet, error) {
	if s.CIDR == "" {
		return domain.Supernet{}, fmt.Errorf("%w: supernet cidr is required", ErrInvalidEntity)
	}
	if s.Region == "" || s.Environment == "" {
		return domain.Supernet{}, fmt.Errorf("%w: supernet region and environment are required", ErrInvalidEntity)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO supernets (`+supernetColumns+`)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(cidr) DO NOTHING`,
		s.CIDR, s.Region, s.Environment, s.Description, s.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return domain.Supernet{}, fmt.Errorf("failed to create supernet: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return domain.Supernet{}, fmt.Errorf("failed to check supernet insert: %w", err)
	}
	if n == 0 {
		return domain.Supernet{}, fmt.Errorf("supernet %s: %w", s.CIDR, ErrDuplicate)
	}

	return s, nil
}

// FindByID finds a supernet by CIDR
func (r *supernetRepositoryImpl) FindByID(ctx context.Context, cidr string) (domain.Supernet, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+supernetColumns+` FROM supernets WHERE cidr = ?`, cidr)
	s, err := scanSupernet(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Supernet{}, fmt.Errorf("supernet %s: %w", cidr, ErrNotFound)
		}
		return domain.Supernet{}, fmt.Errorf("failed to find supernet: %w", err)
	}
	return s, nil
}

// FindAll finds all supernets
func (r *supernetRepositoryImpl) FindAll(ctx context.Context) ([]domain.Supernet, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+supernetColumns+` FROM supernets ORDER BY cidr`)
	if err != nil {
		return nil, fmt.Errorf("failed to find supernets: %w", err)
	}
	return collectSupernets(rows)
}

// FindByScope finds the supernets serving a region and environment
func (r *supernetRepositoryImpl) FindByScope(ctx context.Context, region, environment string) ([]domain.Supernet, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+supernetColumns+`
		FROM supernets WHERE region = ? AND environment = ?
		ORDER BY cidr`, region, environment)
	if err != nil {
		return nil, fmt.Errorf("failed to find supernets: %w", err)
	}
	return collectSupernets(rows)
}

// DeleteByID deletes a supernet by CIDR
func (r *supernetRepositoryImpl) DeleteByID(ctx context.Context, cidr string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM supernets WHERE cidr = ?", cidr)
	if err != nil {
		return fmt.Errorf("failed to delete supernet: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("supernet %s: %w", cidr, ErrNotFound)
	}

	return nil
}

// ExistsByID checks if a supernet exists by CIDR
func (r *supernetRepositoryImpl) ExistsByID(ctx context.Context, cidr string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM supernets WHERE cidr = ?", cidr).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check supernet existence: %w", err)
	}
	return count > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSupernet(row rowScanner) (domain.Supernet, error) {
	var s domain.Supernet
	var createdAt string
	if err := row.Scan(&s.CIDR, &s.Region, &s.Environment, &s.Description, &createdAt); err != nil {
		return domain.Supernet{}, err
	}
	ts, err := parseTimestamp(createdAt)
	if err != nil {
		return domain.Supernet{}, err
	}
	s.CreatedAt = ts
	return s, nil
}

func collectSupernets(rows *sql.Rows) ([]domain.Supernet, error) {
	defer rows.Close()

	var supernets []domain.Supernet
	for rows.Next() {
		s, err := scanSupernet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan supernet: %w", err)
		}
		supernets = append(supernets, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating supernets: %w", err)
	}

	return supernets, nil
}

func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", value, err)
	}
	return ts, nil
}
