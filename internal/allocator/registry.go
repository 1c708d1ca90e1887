package allocator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jbweber/homelab/cidrd/internal/domain"
)

// SupernetStore is the administrative view of the supernet table.
type SupernetStore interface {
	SupernetCatalog
	Save(ctx context.Context, supernet domain.Supernet) (domain.Supernet, error)
	FindByID(ctx context.Context, cidr string) (domain.Supernet, error)
	FindAll(ctx context.Context) ([]domain.Supernet, error)
	DeleteByID(ctx context.Context, cidr string) error
}

// SupernetRegistry registers and removes supernets while keeping the pool
// free of overlaps and never orphaning allocations.
type SupernetRegistry struct {
	supernets   SupernetStore
	allocations AllocationStore
	logger      *zap.Logger
}

// NewSupernetRegistry creates a registry
func NewSupernetRegistry(supernets SupernetStore, allocations AllocationStore, logger *zap.Logger) *SupernetRegistry {
	return &SupernetRegistry{
		supernets:   supernets,
		allocations: allocations,
		logger:      logger,
	}
}

// Register adds a supernet. The CIDR must have no host bits set and must not
// overlap any registered supernet in any scope.
func (r *SupernetRegistry) Register(ctx context.Context, s domain.Supernet) (domain.Supernet, error) {
	if s.Region == "" || s.Environment == "" {
		return domain.Supernet{}, fmt.Errorf("%w: region and environment are required", ErrInvalidRequest)
	}
	p, err := domain.ParsePrefix(s.CIDR)
	if err != nil {
		return domain.Supernet{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	s.CIDR = p.String()

	existing, err := r.supernets.FindAll(ctx)
	if err != nil {
		return domain.Supernet{}, fmt.Errorf("failed to read supernets: %w", err)
	}
	for _, other := range existing {
		q, err := other.Prefix()
		if err != nil {
			continue
		}
		if p.Overlaps(q) {
			return domain.Supernet{}, fmt.Errorf("%w: %s overlaps %s (%s/%s)",
				ErrSupernetOverlap, s.CIDR, other.CIDR, other.Region, other.Environment)
		}
	}

	saved, err := r.supernets.Save(ctx, s)
	if err != nil {
		return domain.Supernet{}, fmt.Errorf("failed to register supernet %s: %w", s.CIDR, err)
	}

	r.logger.Info("supernet registered",
		zap.String("cidr", saved.CIDR),
		zap.String("region", saved.Region),
		zap.String("environment", saved.Environment))
	return saved, nil
}

// Deregister removes a supernet. It refuses while any allocation of the
// supernet's scope lies inside it.
func (r *SupernetRegistry) Deregister(ctx context.Context, cidr string) error {
	s, err := r.supernets.FindByID(ctx, cidr)
	if err != nil {
		return fmt.Errorf("failed to find supernet %s: %w", cidr, err)
	}
	p, err := s.Prefix()
	if err != nil {
		return fmt.Errorf("supernet record %q: %w", s.CIDR, ErrInvalidRange)
	}

	allocations, err := r.allocations.FindByScope(ctx, s.Region, s.Environment)
	if err != nil {
		return fmt.Errorf("failed to read allocations: %w", err)
	}
	inside := 0
	for _, a := range allocations {
		ap, err := a.Prefix()
		if err != nil || p.Overlaps(ap) {
			inside++
		}
	}
	if inside > 0 {
		return fmt.Errorf("%w: %s has %d allocation(s)", ErrSupernetInUse, s.CIDR, inside)
	}

	if err := r.supernets.DeleteByID(ctx, s.CIDR); err != nil {
		return fmt.Errorf("failed to deregister supernet %s: %w", s.CIDR, err)
	}

	r.logger.Info("supernet deregistered",
		zap.String("cidr", s.CIDR),
		zap.String("region", s.Region),
		zap.String("environment", s.Environment))
	return nil
}

// List returns every registered supernet.
func (r *SupernetRegistry) List(ctx context.Context) ([]domain.Supernet, error) {
	supernets, err := r.supernets.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list supernets: %w", err)
	}
	return supernets, nil
}

// ListScope returns the supernets of a region and environment.
func (r *SupernetRegistry) ListScope(ctx context.Context, region, environment string) ([]domain.Supernet, error) {
	supernets, err := r.supernets.FindByScope(ctx, region, environment)
	if err != nil {
		return nil, fmt.Errorf("failed to list supernets: %w", err)
	}
	return supernets, nil
}
