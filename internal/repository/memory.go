package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jbweber/homelab/cidrd/internal/domain"
)

// MemorySupernetRepository is a process-local SupernetRepository. State is
// lost on restart; it backs the memory backend and tests.
type MemorySupernetRepository struct {
	mu        sync.RWMutex
	supernets map[string]domain.Supernet
}

// NewMemorySupernetRepository creates an empty in-memory supernet repository
func NewMemorySupernetRepository() *MemorySupernetRepository {
	return &MemorySupernetRepository{supernets: make(map[string]domain.Supernet)}
}

func (r *MemorySupernetRepository) Save(_ context.Context, s domain.Supernet) (domain.Supernet, error) {
	if s.CIDR == "" {
		return domain.Supernet{}, fmt.Errorf("%w: supernet cidr is required", ErrInvalidEntity)
	}
	if s.Region == "" || s.Environment == "" {
		return domain.Supernet{}, fmt.Errorf("%w: supernet region and environment are required", ErrInvalidEntity)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.supernets[s.CIDR]; ok {
		return domain.Supernet{}, fmt.Errorf("supernet %s: %w", s.CIDR, ErrDuplicate)
	}
	r.supernets[s.CIDR] = s
	return s, nil
}

func (r *MemorySupernetRepository) FindByID(_ context.Context, cidr string) (domain.Supernet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.supernets[cidr]
	if !ok {
		return domain.Supernet{}, fmt.Errorf("supernet %s: %w", cidr, ErrNotFound)
	}
	return s, nil
}

func (r *MemorySupernetRepository) FindAll(_ context.Context) ([]domain.Supernet, error) {
	return r.filter(func(domain.Supernet) bool { return true }), nil
}

func (r *MemorySupernetRepository) FindByScope(_ context.Context, region, environment string) ([]domain.Supernet, error) {
	return r.filter(func(s domain.Supernet) bool {
		return s.Region == region && s.Environment == environment
	}), nil
}

func (r *MemorySupernetRepository) DeleteByID(_ context.Context, cidr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.supernets[cidr]; !ok {
		return fmt.Errorf("supernet %s: %w", cidr, ErrNotFound)
	}
	delete(r.supernets, cidr)
	return nil
}

func (r *MemorySupernetRepository) ExistsByID(_ context.Context, cidr string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.supernets[cidr]
	return ok, nil
}

func (r *MemorySupernetRepository) filter(keep func(domain.Supernet) bool) []domain.Supernet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Supernet
	for _, s := range r.supernets {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return domain.CompareCIDR(out[i].CIDR, out[j].CIDR) < 0 })
	return out
}

// MemoryAllocationRepository is a process-local AllocationRepository whose
// Create is atomic under a mutex, matching the conditional insert of the
// durable backends.
type MemoryAllocationRepository struct {
	mu          sync.RWMutex
	allocations map[string]domain.Allocation
}

// NewMemoryAllocationRepository creates an empty in-memory allocation repository
func NewMemoryAllocationRepository() *MemoryAllocationRepository {
	return &MemoryAllocationRepository{allocations: make(map[string]domain.Allocation)}
}

func (r *MemoryAllocationRepository) Create(_ context.Context, a domain.Allocation) (domain.Allocation, error) {
	if a.CIDR == "" {
		return domain.Allocation{}, fmt.Errorf("%w: allocation cidr is required", ErrInvalidEntity)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.allocations[a.CIDR]; ok {
		return domain.Allocation{}, fmt.Errorf("allocation %s: %w", a.CIDR, ErrDuplicate)
	}
	r.allocations[a.CIDR] = a
	return a, nil
}

func (r *MemoryAllocationRepository) FindByID(_ context.Context, cidr string) (domain.Allocation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.allocations[cidr]
	if !ok {
		return domain.Allocation{}, fmt.Errorf("allocation %s: %w", cidr, ErrNotFound)
	}
	return a, nil
}

func (r *MemoryAllocationRepository) FindByScope(_ context.Context, region, environment string) ([]domain.Allocation, error) {
	return r.filter(func(a domain.Allocation) bool {
		return a.Region == region && a.Environment == environment
	}), nil
}

func (r *MemoryAllocationRepository) FindByCorrelationID(_ context.Context, correlationID string) (domain.Allocation, error) {
	if correlationID == "" {
		return domain.Allocation{}, fmt.Errorf("%w: correlation id is required", ErrInvalidEntity)
	}
	matches := r.filter(func(a domain.Allocation) bool { return a.CorrelationID == correlationID })
	if len(matches) == 0 {
		return domain.Allocation{}, fmt.Errorf("allocation with correlation id %s: %w", correlationID, ErrNotFound)
	}
	return matches[0], nil
}

func (r *MemoryAllocationRepository) UpdateAttachedResource(_ context.Context, cidr, resourceID string) (domain.Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.allocations[cidr]
	if !ok {
		return domain.Allocation{}, fmt.Errorf("allocation %s: %w", cidr, ErrNotFound)
	}
	a.AttachedResourceID = resourceID
	r.allocations[cidr] = a
	return a, nil
}

func (r *MemoryAllocationRepository) DeleteByID(_ context.Context, cidr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.allocations[cidr]; !ok {
		return fmt.Errorf("allocation %s: %w", cidr, ErrNotFound)
	}
	delete(r.allocations, cidr)
	return nil
}

// Len returns the number of stored allocations
func (r *MemoryAllocationRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.allocations)
}

func (r *MemoryAllocationRepository) filter(keep func(domain.Allocation) bool) []domain.Allocation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Allocation
	for _, a := range r.allocations {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return domain.CompareCIDR(out[i].CIDR, out[j].CIDR) < 0 })
	return out
}
