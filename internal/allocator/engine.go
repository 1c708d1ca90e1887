// Package allocator carves subnets out of registered supernets and records
// them through a store with conditional inserts.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jbweber/homelab/cidrd/internal/addrset"
	"github.com/jbweber/homelab/cidrd/internal/domain"
	"github.com/jbweber/homelab/cidrd/internal/metrics"
	"github.com/jbweber/homelab/cidrd/internal/repository"
)

// DefaultMaxAttempts is the number of compute-and-insert rounds before giving up
const DefaultMaxAttempts = 3

// SupernetCatalog reads the supernets registered for a scope.
type SupernetCatalog interface {
	FindByScope(ctx context.Context, region, environment string) ([]domain.Supernet, error)
}

// AllocationStore persists allocations. Create must fail with
// repository.ErrDuplicate when the CIDR is already taken, and FindByScope
// must return every allocation of the scope.
type AllocationStore interface {
	Create(ctx context.Context, allocation domain.Allocation) (domain.Allocation, error)
	FindByID(ctx context.Context, cidr string) (domain.Allocation, error)
	DeleteByID(ctx context.Context, cidr string) error
	FindByScope(ctx context.Context, region, environment string) ([]domain.Allocation, error)
	FindByCorrelationID(ctx context.Context, correlationID string) (domain.Allocation, error)
	UpdateAttachedResource(ctx context.Context, cidr, resourceID string) (domain.Allocation, error)
}

// Request asks for a subnet of PrefixLength bits in a region and environment.
type Request struct {
	Region       string
	Environment  string
	PrefixLength int
	Owner        domain.Owner
}

// Validate checks the required fields.
func (r Request) Validate() error {
	var missing []string
	if r.Region == "" {
		missing = append(missing, "region")
	}
	if r.Environment == "" {
		missing = append(missing, "environment")
	}
	if r.Owner.Requestor == "" {
		missing = append(missing, "requestor")
	}
	if r.Owner.Reason == "" {
		missing = append(missing, "reason")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	if r.Owner.AccountID <= 0 {
		return fmt.Errorf("%w: accountId must be a positive integer", ErrInvalidRequest)
	}
	if r.PrefixLength < 0 || r.PrefixLength > 128 {
		return fmt.Errorf("%w: prefix length %d out of range", ErrInvalidRequest, r.PrefixLength)
	}
	return nil
}

func (r Request) allocation(cidr netip.Prefix, now time.Time) domain.Allocation {
	return domain.Allocation{
		CIDR:          cidr.String(),
		AccountID:     r.Owner.AccountID,
		Requestor:     r.Owner.Requestor,
		Reason:        r.Owner.Reason,
		Region:        r.Region,
		Environment:   r.Environment,
		ProjectCode:   r.Owner.ProjectCode,
		CorrelationID: r.Owner.CorrelationID,
		CreatedAt:     now,
	}
}

// Engine allocates and releases subnets. It holds no allocation state of its
// own; every call works from a fresh read of the catalog and the store.
type Engine struct {
	supernets   SupernetCatalog
	allocations AllocationStore
	monitor     *CapacityMonitor
	logger      *zap.Logger
	maxAttempts int
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxAttempts sets the number of compute-and-insert rounds per allocation.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithClock overrides the time source used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an engine. monitor may be nil to skip capacity checks.
func NewEngine(supernets SupernetCatalog, allocations AllocationStore, monitor *CapacityMonitor, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		supernets:   supernets,
		allocations: allocations,
		monitor:     monitor,
		logger:      logger,
		maxAttempts: DefaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// snapshot is the pool and free space of a scope as read at one instant.
type snapshot struct {
	pool *addrset.Set
	free *addrset.Set
	used int
}

// Allocate finds the lowest free subnet of the requested size and records it.
// When a concurrent writer takes the candidate first, the whole computation
// is repeated from a fresh read, up to the attempt budget.
func (e *Engine) Allocate(ctx context.Context, req Request) (domain.Allocation, error) {
	start := time.Now()
	defer func() {
		metrics.AllocationDuration.Observe(time.Since(start).Seconds())
	}()

	if err := req.Validate(); err != nil {
		metrics.AllocationAttempts.WithLabelValues(metrics.OutcomeInvalid).Inc()
		return domain.Allocation{}, err
	}

	log := e.logger.With(
		zap.String("region", req.Region),
		zap.String("environment", req.Environment),
		zap.Int("prefix_length", req.PrefixLength))

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		log.Debug("computing candidate", zap.Int("attempt", attempt))

		snap, err := e.snapshot(ctx, req.Region, req.Environment)
		if err != nil {
			metrics.AllocationAttempts.WithLabelValues(outcomeFor(err)).Inc()
			return domain.Allocation{}, err
		}

		candidate, err := snap.free.FirstSubnetOfSize(req.PrefixLength)
		if err != nil {
			metrics.AllocationAttempts.WithLabelValues(metrics.OutcomeExhausted).Inc()
			log.Info("pool exhausted", zap.Int("attempt", attempt))
			return domain.Allocation{}, fmt.Errorf("%s/%s: %w", req.Region, req.Environment, err)
		}
		if !snap.pool.Contains(candidate) {
			metrics.AllocationAttempts.WithLabelValues(metrics.OutcomeError).Inc()
			return domain.Allocation{}, fmt.Errorf("candidate %s is outside the registered supernets: %w", candidate, ErrInvalidRange)
		}

		log.Debug("proposing candidate", zap.Int("attempt", attempt), zap.Stringer("cidr", candidate))

		created, err := e.allocations.Create(ctx, req.allocation(candidate, e.now()))
		if err == nil {
			metrics.AllocationAttempts.WithLabelValues(metrics.OutcomeCommitted).Inc()
			log.Info("allocation committed",
				zap.String("cidr", created.CIDR),
				zap.Int64("account_id", created.AccountID),
				zap.String("requestor", created.Requestor),
				zap.Int("attempt", attempt))
			e.evaluateCapacity(ctx, snap.pool, req.Region, req.Environment)
			return created, nil
		}
		if !errors.Is(err, repository.ErrDuplicate) {
			metrics.AllocationAttempts.WithLabelValues(metrics.OutcomeError).Inc()
			return domain.Allocation{}, fmt.Errorf("failed to record allocation %s: %w", candidate, err)
		}

		metrics.AllocationAttempts.WithLabelValues(metrics.OutcomeConflict).Inc()
		log.Info("candidate already allocated, recomputing",
			zap.Stringer("cidr", candidate),
			zap.Int("attempt", attempt))
	}

	metrics.AllocationAttempts.WithLabelValues(metrics.OutcomeBudgetSpent).Inc()
	return domain.Allocation{}, fmt.Errorf("%w: gave up after %d attempts", ErrAllocationConflict, e.maxAttempts)
}

// snapshot reads the scope's supernets and allocations concurrently and
// derives the free address set.
func (e *Engine) snapshot(ctx context.Context, region, environment string) (snapshot, error) {
	var (
		supernets   []domain.Supernet
		allocations []domain.Allocation
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		supernets, err = e.supernets.FindByScope(gctx, region, environment)
		if err != nil {
			return fmt.Errorf("failed to read supernets: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		allocations, err = e.allocations.FindByScope(gctx, region, environment)
		if err != nil {
			return fmt.Errorf("failed to read allocations: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return snapshot{}, err
	}

	if len(supernets) == 0 {
		return snapshot{}, fmt.Errorf("%w: %s/%s", ErrNoSupernet, region, environment)
	}

	pool, err := poolOf(supernets)
	if err != nil {
		return snapshot{}, err
	}
	free, err := freeOf(pool, allocations)
	if err != nil {
		return snapshot{}, err
	}

	return snapshot{pool: pool, free: free, used: len(allocations)}, nil
}

func poolOf(supernets []domain.Supernet) (*addrset.Set, error) {
	prefixes := make([]netip.Prefix, 0, len(supernets))
	for _, s := range supernets {
		p, err := s.Prefix()
		if err != nil {
			return nil, fmt.Errorf("supernet record %q: %w", s.CIDR, ErrInvalidRange)
		}
		prefixes = append(prefixes, p)
	}
	return addrset.FromRanges(prefixes)
}

func freeOf(pool *addrset.Set, allocations []domain.Allocation) (*addrset.Set, error) {
	used := make([]netip.Prefix, 0, len(allocations))
	for _, a := range allocations {
		p, err := a.Prefix()
		if err != nil {
			return nil, fmt.Errorf("allocation record %q: %w", a.CIDR, ErrInvalidRange)
		}
		used = append(used, p)
	}
	free, err := pool.Subtract(used)
	if err != nil {
		return nil, fmt.Errorf("allocations inconsistent with registered supernets: %w", err)
	}
	return free, nil
}

// evaluateCapacity recomputes free space after a commit and hands it to the
// monitor. Failures are logged only; the allocation already succeeded.
func (e *Engine) evaluateCapacity(ctx context.Context, pool *addrset.Set, region, environment string) {
	if e.monitor == nil {
		return
	}

	allocations, err := e.allocations.FindByScope(ctx, region, environment)
	if err != nil {
		e.logger.Warn("failed to rescan allocations for capacity check", zap.Error(err))
		return
	}
	free, err := freeOf(pool, allocations)
	if err != nil {
		e.logger.Warn("failed to compute free space for capacity check", zap.Error(err))
		return
	}

	e.monitor.Evaluate(ctx, pool.TotalAddressCount(), free.TotalAddressCount(), region, environment)
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ErrNoSupernet):
		return metrics.OutcomeNoSupernet
	default:
		return metrics.OutcomeError
	}
}

// Release deletes the allocation with the given CIDR.
func (e *Engine) Release(ctx context.Context, cidr string) error {
	if cidr == "" {
		return fmt.Errorf("%w: missing cidr", ErrInvalidRequest)
	}
	if err := e.allocations.DeleteByID(ctx, cidr); err != nil {
		return fmt.Errorf("failed to release %s: %w", cidr, err)
	}

	metrics.Releases.WithLabelValues("cidr").Inc()
	e.logger.Info("allocation released", zap.String("cidr", cidr))
	return nil
}

// ReleaseByCorrelationID deletes the allocation carrying the correlation id
// and returns it.
func (e *Engine) ReleaseByCorrelationID(ctx context.Context, correlationID string) (domain.Allocation, error) {
	if correlationID == "" {
		return domain.Allocation{}, fmt.Errorf("%w: missing stackId", ErrInvalidRequest)
	}

	a, err := e.allocations.FindByCorrelationID(ctx, correlationID)
	if err != nil {
		return domain.Allocation{}, fmt.Errorf("failed to find allocation for %s: %w", correlationID, err)
	}
	if err := e.allocations.DeleteByID(ctx, a.CIDR); err != nil {
		return domain.Allocation{}, fmt.Errorf("failed to release %s: %w", a.CIDR, err)
	}

	metrics.Releases.WithLabelValues("correlation_id").Inc()
	e.logger.Info("allocation released",
		zap.String("cidr", a.CIDR),
		zap.String("correlation_id", correlationID))
	return a, nil
}

// AttachResource records the resource (for example a VPC id) using an allocation.
func (e *Engine) AttachResource(ctx context.Context, cidr, resourceID string) (domain.Allocation, error) {
	if cidr == "" || resourceID == "" {
		return domain.Allocation{}, fmt.Errorf("%w: cidr and resourceId are required", ErrInvalidRequest)
	}

	a, err := e.allocations.UpdateAttachedResource(ctx, cidr, resourceID)
	if err != nil {
		return domain.Allocation{}, fmt.Errorf("failed to update %s: %w", cidr, err)
	}

	e.logger.Info("resource attached", zap.String("cidr", cidr), zap.String("resource_id", resourceID))
	return a, nil
}

// Describe returns the allocation with the given CIDR.
func (e *Engine) Describe(ctx context.Context, cidr string) (domain.Allocation, error) {
	if cidr == "" {
		return domain.Allocation{}, fmt.Errorf("%w: missing cidr", ErrInvalidRequest)
	}
	a, err := e.allocations.FindByID(ctx, cidr)
	if err != nil {
		return domain.Allocation{}, fmt.Errorf("failed to describe %s: %w", cidr, err)
	}
	return a, nil
}

// List returns the allocations of a scope.
func (e *Engine) List(ctx context.Context, region, environment string) ([]domain.Allocation, error) {
	if region == "" || environment == "" {
		return nil, fmt.Errorf("%w: region and environment are required", ErrInvalidRequest)
	}
	allocations, err := e.allocations.FindByScope(ctx, region, environment)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	return allocations, nil
}

// Utilization describes how much of a scope's pool is allocated.
type Utilization struct {
	Region         string `json:"region"`
	Environment    string `json:"environment"`
	TotalAddresses string `json:"totalAddresses"`
	FreeAddresses  string `json:"freeAddresses"`
	UsedPercent    int    `json:"usedPercent"`
	Allocations    int    `json:"allocations"`
}

// Utilization reports the pool usage of a scope. Address counts are decimal
// strings since IPv6 pools exceed 64 bits.
func (e *Engine) Utilization(ctx context.Context, region, environment string) (Utilization, error) {
	if region == "" || environment == "" {
		return Utilization{}, fmt.Errorf("%w: region and environment are required", ErrInvalidRequest)
	}

	snap, err := e.snapshot(ctx, region, environment)
	if err != nil {
		return Utilization{}, err
	}

	total, free := snap.pool.TotalAddressCount(), snap.free.TotalAddressCount()
	return Utilization{
		Region:         region,
		Environment:    environment,
		TotalAddresses: total.String(),
		FreeAddresses:  free.String(),
		UsedPercent:    UsedPercent(total, free),
		Allocations:    snap.used,
	}, nil
}
