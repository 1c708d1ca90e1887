package allocator

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jbweber/homelab/cidrd/internal/domain"
	"github.com/jbweber/homelab/cidrd/internal/repository"
	"github.com/jbweber/homelab/cidrd/internal/testutil"
)

type recordingAlerter struct {
	mu       sync.Mutex
	subjects []string
	messages []string
	err      error
}

func (a *recordingAlerter) Alert(_ context.Context, subject, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subjects = append(a.subjects, subject)
	a.messages = append(a.messages, message)
	return a.err
}

func (a *recordingAlerter) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.messages)
}

type fixture struct {
	engine      *Engine
	supernets   *repository.MemorySupernetRepository
	allocations *repository.MemoryAllocationRepository
	alerter     *recordingAlerter
	monitor     *CapacityMonitor
}

func newFixture(t *testing.T, supernets ...string) *fixture {
	t.Helper()
	f := &fixture{
		supernets:   repository.NewMemorySupernetRepository(),
		allocations: repository.NewMemoryAllocationRepository(),
		alerter:     &recordingAlerter{},
	}
	for _, cidr := range supernets {
		_, err := f.supernets.Save(context.Background(), domain.Supernet{CIDR: cidr, Region: "us-east", Environment: "prod"})
		require.NoError(t, err)
	}
	logger := testutil.NewLogger(t)
	f.monitor = NewCapacityMonitor(f.alerter, DefaultAlertThreshold, logger)
	t.Cleanup(f.monitor.Close)
	f.engine = NewEngine(f.supernets, f.allocations, f.monitor, logger)
	return f
}

func request(prefixLength int) Request {
	return Request{
		Region:       "us-east",
		Environment:  "prod",
		PrefixLength: prefixLength,
		Owner: domain.Owner{
			AccountID: 123456789012,
			Requestor: "alice",
			Reason:    "new vpc",
		},
	}
}

func TestAllocate_FirstFitScenario(t *testing.T) {
	f := newFixture(t, "10.0.0.0/24")
	ctx := context.Background()

	first, err := f.engine.Allocate(ctx, request(28))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/28", first.CIDR)

	second, err := f.engine.Allocate(ctx, request(28))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.16/28", second.CIDR)

	// describe returns exactly what allocate returned
	described, err := f.engine.Describe(ctx, second.CIDR)
	require.NoError(t, err)
	assert.Equal(t, second.CIDR, described.CIDR)
	assert.Equal(t, int64(123456789012), described.AccountID)
	assert.Equal(t, "us-east", described.Region)
	assert.Equal(t, "prod", described.Environment)
}

func TestAllocate_RecordsOwner(t *testing.T) {
	f := newFixture(t, "10.0.0.0/24")
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.engine = NewEngine(f.supernets, f.allocations, nil, zap.NewNop(), WithClock(func() time.Time { return fixed }))

	req := request(26)
	req.Owner.ProjectCode = "PRJ-7"
	req.Owner.CorrelationID = "stack-7"

	a, err := f.engine.Allocate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "PRJ-7", a.ProjectCode)
	assert.Equal(t, "stack-7", a.CorrelationID)
	assert.Equal(t, fixed, a.CreatedAt)
}

func TestAllocate_NoSupernet(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Allocate(context.Background(), request(28))
	assert.ErrorIs(t, err, ErrNoSupernet)
	assert.Zero(t, f.allocations.Len())
}

func TestAllocate_ScopeIsolation(t *testing.T) {
	f := newFixture(t, "10.0.0.0/24")
	_, err := f.supernets.Save(context.Background(), domain.Supernet{CIDR: "10.1.0.0/24", Region: "us-east", Environment: "dev"})
	require.NoError(t, err)

	req := request(28)
	req.Environment = "dev"
	a, err := f.engine.Allocate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.0/28", a.CIDR)

	req.Region = "eu-west"
	_, err = f.engine.Allocate(context.Background(), req)
	assert.ErrorIs(t, err, ErrNoSupernet)
}

func TestAllocate_Validation(t *testing.T) {
	f := newFixture(t, "10.0.0.0/24")

	tests := []struct {
		name   string
		modify func(*Request)
	}{
		{name: "missing region", modify: func(r *Request) { r.Region = "" }},
		{name: "missing environment", modify: func(r *Request) { r.Environment = "" }},
		{name: "missing requestor", modify: func(r *Request) { r.Owner.Requestor = "" }},
		{name: "missing reason", modify: func(r *Request) { r.Owner.Reason = "" }},
		{name: "zero account", modify: func(r *Request) { r.Owner.AccountID = 0 }},
		{name: "negative prefix", modify: func(r *Request) { r.PrefixLength = -1 }},
		{name: "prefix too long", modify: func(r *Request) { r.PrefixLength = 129 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request(28)
			tt.modify(&req)
			_, err := f.engine.Allocate(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Zero(t, f.allocations.Len())
}

func TestAllocate_ExhaustsOnlyWhenCapacityRunsOut(t *testing.T) {
	f := newFixture(t, "10.0.0.0/26")
	ctx := context.Background()

	var got []string
	for i := 0; i < 4; i++ {
		a, err := f.engine.Allocate(ctx, request(28))
		require.NoError(t, err, "allocation %d", i)
		got = append(got, a.CIDR)
	}
	assert.Equal(t, []string{"10.0.0.0/28", "10.0.0.16/28", "10.0.0.32/28", "10.0.0.48/28"}, got)

	_, err := f.engine.Allocate(ctx, request(28))
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestAllocate_LargerRequestSkipsFragments(t *testing.T) {
	f := newFixture(t, "10.0.0.0/24")
	ctx := context.Background()

	_, err := f.engine.Allocate(ctx, request(28))
	require.NoError(t, err)

	// 10.0.0.16/28 and 10.0.0.32/27 are free but too small for a /26
	a, err := f.engine.Allocate(ctx, request(26))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.64/26", a.CIDR)

	a, err = f.engine.Allocate(ctx, request(25))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.128/25", a.CIDR)

	_, err = f.engine.Allocate(ctx, request(25))
	assert.ErrorIs(t, err, ErrExhausted)

	// the fragments are still usable for smaller requests
	a, err = f.engine.Allocate(ctx, request(27))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.32/27", a.CIDR)
}

func TestAllocate_ReleasedSpaceIsReused(t *testing.T) {
	f := newFixture(t, "10.0.0.0/24")
	ctx := context.Background()

	first, err := f.engine.Allocate(ctx, request(28))
	require.NoError(t, err)
	_, err = f.engine.Allocate(ctx, request(28))
	require.NoError(t, err)

	require.NoError(t, f.engine.Release(ctx, first.CIDR))

	again, err := f.engine.Allocate(ctx, request(28))
	require.NoError(t, err)
	assert.Equal(t, first.CIDR, again.CIDR)
}

func TestAllocate_MultipleSupernets(t *testing.T) {
	f := newFixture(t, "10.0.1.0/28", "10.0.0.0/28")
	ctx := context.Background()

	a, err := f.engine.Allocate(ctx, request(28))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/28", a.CIDR)

	a, err = f.engine.Allocate(ctx, request(28))
	require.NoError(t, err)
	assert.Equal(t, "10.0.1.0/28", a.CIDR)

	_, err = f.engine.Allocate(ctx, request(28))
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestAllocate_IPv6(t *testing.T) {
	f := newFixture(t, "fd00::/56")
	ctx := context.Background()

	a, err := f.engine.Allocate(ctx, request(64))
	require.NoError(t, err)
	assert.Equal(t, "fd00::/64", a.CIDR)

	a, err = f.engine.Allocate(ctx, request(64))
	require.NoError(t, err)
	assert.Equal(t, "fd00:0:0:1::/64", a.CIDR)
}

// racingStore lets another writer claim the candidate between the engine's
// read and its insert, the first time Create is called.
type racingStore struct {
	*repository.MemoryAllocationRepository
	raced   atomic.Bool
	creates atomic.Int32
}

func (s *racingStore) Create(ctx context.Context, a domain.Allocation) (domain.Allocation, error) {
	s.creates.Add(1)
	if s.raced.CompareAndSwap(false, true) {
		rival := a
		rival.Requestor = "rival"
		if _, err := s.MemoryAllocationRepository.Create(ctx, rival); err != nil {
			return domain.Allocation{}, err
		}
	}
	return s.MemoryAllocationRepository.Create(ctx, a)
}

func TestAllocate_StaleSnapshotRetriesWithFreshCandidate(t *testing.T) {
	f := newFixture(t, "10.0.0.0/24")
	store := &racingStore{MemoryAllocationRepository: f.allocations}
	engine := NewEngine(f.supernets, store, nil, testutil.NewLogger(t))

	a, err := engine.Allocate(context.Background(), request(28))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.16/28", a.CIDR)
	assert.Equal(t, "alice", a.Requestor)
	assert.Equal(t, int32(2), store.creates.Load())

	rival, err := f.allocations.FindByID(context.Background(), "10.0.0.0/28")
	require.NoError(t, err)
	assert.Equal(t, "rival", rival.Requestor)
}

type conflictingStore struct {
	*repository.MemoryAllocationRepository
	err     error
	creates atomic.Int32
}

func (s *conflictingStore) Create(_ context.Context, a domain.Allocation) (domain.Allocation, error) {
	s.creates.Add(1)
	return domain.Allocation{}, s.err
}

func TestAllocate_ConflictBudget(t *testing.T) {
	f := newFixture(t, "10.0.0.0/24")

	store := &conflictingStore{MemoryAllocationRepository: f.allocations, err: repository.ErrDuplicate}
	engine := NewEngine(f.supernets, store, nil, zap.NewNop())

	_, err := engine.Allocate(context.Background(), request(28))
	assert.ErrorIs(t, err, ErrAllocationConflict)
	assert.Equal(t, int32(DefaultMaxAttempts), store.creates.Load())

	store.creates.Store(0)
	engine = NewEngine(f.supernets, store, nil, zap.NewNop(), WithMaxAttempts(5))
	_, err = engine.Allocate(context.Background(), request(28))
	assert.ErrorIs(t, err, ErrAllocationConflict)
	assert.Equal(t, int32(5), store.creates.Load())
}

func TestAllocate_StoreErrorIsNotRetried(t *testing.T) {
	f := newFixture(t, "10.0.0.0/24")

	boom := errors.New("table unavailable")
	store := &conflictingStore{MemoryAllocationRepository: f.allocations, err: boom}
	engine := NewEngine(f.supernets, store, nil, zap.NewNop())

	_, err := engine.Allocate(context.Background(), request(28))
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrAllocationConflict)
	assert.Equal(t, int32(1), store.creates.Load())
}

func TestAllocate_InconsistentStore(t *testing.T) {
	f := newFixture(t, "10.0.0.0/24")

	stray := domain.Allocation{CIDR: "192.168.0.0/28", Region: "us-east", Environment: "prod"}
	_, err := f.allocations.Create(context.Background(), stray)
	require.NoError(t, err)

	_, err = f.engine.Allocate(context.Background(), request(28))
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestAllocate_ConcurrentCallersNeverOverlap(t *testing.T) {
	f := newFixture(t, "10.0.0.0/24")
	engine := NewEngine(f.supernets, f.allocations, nil, zap.NewNop())

	const callers = 24
	var wg sync.WaitGroup
	results := make(chan domain.Allocation, callers)
	failures := make(chan error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := engine.Allocate(context.Background(), request(28))
			if err != nil {
				failures <- err
				return
			}
			results <- a
		}()
	}
	wg.Wait()
	close(results)
	close(failures)

	for err := range failures {
		assert.True(t, errors.Is(err, ErrAllocationConflict) || errors.Is(err, ErrExhausted), "unexpected error: %v", err)
	}

	var committed []netip.Prefix
	for a := range results {
		p := netip.MustParsePrefix(a.CIDR)
		for _, other := range committed {
			assert.False(t, p.Overlaps(other), "%s overlaps %s", p, other)
		}
		committed = append(committed, p)
	}
	assert.NotEmpty(t, committed)
	assert.LessOrEqual(t, len(committed), 16)
	assert.Equal(t, len(committed), f.allocations.Len())
}

func TestAllocate_CapacityAlert(t *testing.T) {
	f := newFixture(t, "10.0.0.0/24")
	ctx := context.Background()

	// 50% then 75%: below threshold
	_, err := f.engine.Allocate(ctx, request(25))
	require.NoError(t, err)
	_, err = f.engine.Allocate(ctx, request(26))
	require.NoError(t, err)
	f.monitor.Wait()
	assert.Zero(t, f.alerter.calls())

	// 87%
	_, err = f.engine.Allocate(ctx, request(27))
	require.NoError(t, err)
	f.monitor.Wait()
	require.Equal(t, 1, f.alerter.calls())
	assert.Contains(t, f.alerter.messages[0], "us-east")
	assert.Contains(t, f.alerter.messages[0], "prod")
	assert.Contains(t, f.alerter.messages[0], "87%")
}

func TestAllocate_AlertFailureDoesNotFailAllocation(t *testing.T) {
	f := newFixture(t, "10.0.0.0/28")
	f.alerter.err = errors.New("sns down")

	a, err := f.engine.Allocate(context.Background(), request(28))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/28", a.CIDR)
	f.monitor.Wait()
	assert.Equal(t, 1, f.alerter.calls())
}

// slowAlerter takes delay to deliver and records whether delivery finished.
type slowAlerter struct {
	delay     time.Duration
	delivered chan error
}

func (a *slowAlerter) Alert(ctx context.Context, _, _ string) error {
	select {
	case <-time.After(a.delay):
		a.delivered <- nil
		return nil
	case <-ctx.Done():
		a.delivered <- ctx.Err()
		return ctx.Err()
	}
}

func TestAllocate_SlowAlerterDoesNotDelayResponse(t *testing.T) {
	supernets := repository.NewMemorySupernetRepository()
	_, err := supernets.Save(context.Background(), domain.Supernet{CIDR: "10.0.0.0/28", Region: "us-east", Environment: "prod"})
	require.NoError(t, err)

	alerter := &slowAlerter{delay: 500 * time.Millisecond, delivered: make(chan error, 1)}
	logger := testutil.NewLogger(t)
	monitor := NewCapacityMonitor(alerter, DefaultAlertThreshold, logger)
	defer monitor.Close()
	engine := NewEngine(supernets, repository.NewMemoryAllocationRepository(), monitor, logger)

	// The caller's deadline is far shorter than the alert delivery
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	a, err := engine.Allocate(ctx, request(28))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/28", a.CIDR)
	assert.Less(t, time.Since(start), alerter.delay)

	// Delivery completes after the caller's context has expired
	select {
	case err := <-alerter.delivered:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("alert was never delivered")
	}
}

func TestRelease(t *testing.T) {
	f := newFixture(t, "10.0.0.0/24")
	ctx := context.Background()

	a, err := f.engine.Allocate(ctx, request(28))
	require.NoError(t, err)

	require.NoError(t, f.engine.Release(ctx, a.CIDR))

	_, err = f.engine.Describe(ctx, a.CIDR)
	assert.ErrorIs(t, err, ErrNotFound)

	err = f.engine.Release(ctx, a.CIDR)
	assert.ErrorIs(t, err, ErrNotFound)

	err = f.engine.Release(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestReleaseByCorrelationID(t *testing.T) {
	f := newFixture(t, "10.0.0.0/24")
	ctx := context.Background()

	req := request(28)
	req.Owner.CorrelationID = "stack-1"
	a, err := f.engine.Allocate(ctx, req)
	require.NoError(t, err)

	released, err := f.engine.ReleaseByCorrelationID(ctx, "stack-1")
	require.NoError(t, err)
	assert.Equal(t, a.CIDR, released.CIDR)

	_, err = f.engine.Describe(ctx, a.CIDR)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.engine.ReleaseByCorrelationID(ctx, "stack-1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.engine.ReleaseByCorrelationID(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestAttachResource(t *testing.T) {
	f := newFixture(t, "10.0.0.0/24")
	ctx := context.Background()

	a, err := f.engine.Allocate(ctx, request(28))
	require.NoError(t, err)

	updated, err := f.engine.AttachResource(ctx, a.CIDR, "vpc-0123")
	require.NoError(t, err)
	assert.Equal(t, "vpc-0123", updated.AttachedResourceID)

	described, err := f.engine.Describe(ctx, a.CIDR)
	require.NoError(t, err)
	assert.Equal(t, "vpc-0123", described.AttachedResourceID)

	_, err = f.engine.AttachResource(ctx, "10.9.9.0/28", "vpc-0123")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.engine.AttachResource(ctx, a.CIDR, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestList(t *testing.T) {
	f := newFixture(t, "10.0.0.0/24")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.engine.Allocate(ctx, request(28))
		require.NoError(t, err)
	}

	list, err := f.engine.List(ctx, "us-east", "prod")
	require.NoError(t, err)
	assert.Len(t, list, 3)

	_, err = f.engine.List(ctx, "", "prod")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestUtilization(t *testing.T) {
	f := newFixture(t, "10.0.0.0/24")
	ctx := context.Background()

	_, err := f.engine.Allocate(ctx, request(25))
	require.NoError(t, err)
	_, err = f.engine.Allocate(ctx, request(28))
	require.NoError(t, err)

	u, err := f.engine.Utilization(ctx, "us-east", "prod")
	require.NoError(t, err)
	assert.Equal(t, "256", u.TotalAddresses)
	assert.Equal(t, "112", u.FreeAddresses)
	assert.Equal(t, 56, u.UsedPercent)
	assert.Equal(t, 2, u.Allocations)

	_, err = f.engine.Utilization(ctx, "eu-west", "prod")
	assert.ErrorIs(t, err, ErrNoSupernet)
}
