package allocator

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jbweber/homelab/cidrd/internal/metrics"
)

// DefaultAlertThreshold is the used percentage above which an alert is raised
const DefaultAlertThreshold = 80

// Alert queue defaults
const (
	DefaultAlertQueueSize = 64
	DefaultAlertTimeout   = time.Minute
)

// Alerter delivers capacity alerts.
type Alerter interface {
	Alert(ctx context.Context, subject, message string) error
}

// MonitorOption configures a CapacityMonitor.
type MonitorOption func(*CapacityMonitor)

// WithAlertQueueSize bounds the number of alerts waiting for delivery.
func WithAlertQueueSize(n int) MonitorOption {
	return func(m *CapacityMonitor) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// WithAlertTimeout bounds the delivery of a single alert.
func WithAlertTimeout(d time.Duration) MonitorOption {
	return func(m *CapacityMonitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

type pendingAlert struct {
	ctx         context.Context
	subject     string
	message     string
	region      string
	environment string
}

// CapacityMonitor raises an alert when a scope's pool is nearly used up.
// Alerts are delivered by a background worker from a bounded queue, so a slow
// destination never holds up the allocation that triggered it. When the
// queue is full the alert is dropped.
type CapacityMonitor struct {
	alerter   Alerter
	threshold int
	logger    *zap.Logger
	queueSize int
	timeout   time.Duration

	mu      sync.Mutex
	closed  bool
	queue   chan pendingAlert
	pending sync.WaitGroup
	done    chan struct{}
}

// NewCapacityMonitor creates a monitor alerting through alerter once usage
// exceeds threshold percent and starts its delivery worker. A nil alerter
// disables alerting but keeps the utilization metrics.
func NewCapacityMonitor(alerter Alerter, threshold int, logger *zap.Logger, opts ...MonitorOption) *CapacityMonitor {
	m := &CapacityMonitor{
		alerter:   alerter,
		threshold: threshold,
		logger:    logger,
		queueSize: DefaultAlertQueueSize,
		timeout:   DefaultAlertTimeout,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.queue = make(chan pendingAlert, m.queueSize)
	go m.deliver()
	return m
}

// Evaluate computes the used percentage of a pool and queues an alert when it
// is above the threshold. alerted reports whether an alert was queued.
// Delivery failures are logged, never returned.
func (m *CapacityMonitor) Evaluate(ctx context.Context, total, free *big.Int, region, environment string) (usedPercent int, alerted bool) {
	if total == nil || total.Sign() <= 0 {
		return 0, false
	}

	usedPercent = UsedPercent(total, free)
	metrics.PoolUtilization.WithLabelValues(region, environment).Set(float64(usedPercent))
	metrics.PoolAddresses.WithLabelValues(region, environment, "total").Set(toFloat(total))
	metrics.PoolAddresses.WithLabelValues(region, environment, "free").Set(toFloat(free))

	if usedPercent <= m.threshold {
		return usedPercent, false
	}

	m.logger.Warn("pool utilization above threshold",
		zap.String("region", region),
		zap.String("environment", environment),
		zap.Int("used_percent", usedPercent),
		zap.Int("threshold", m.threshold))

	if m.alerter == nil {
		return usedPercent, false
	}

	return usedPercent, m.enqueue(pendingAlert{
		// The alert outlives the request that triggered it.
		ctx:         context.WithoutCancel(ctx),
		subject:     fmt.Sprintf("CIDR pool capacity alert: %s/%s", region, environment),
		message:     fmt.Sprintf("The supernet pool for region %s and environment %s is %d%% allocated.", region, environment, usedPercent),
		region:      region,
		environment: environment,
	})
}

func (m *CapacityMonitor) enqueue(a pendingAlert) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		m.drop(a, "monitor closed")
		return false
	}

	m.pending.Add(1)
	select {
	case m.queue <- a:
		return true
	default:
		m.pending.Done()
		m.drop(a, "alert queue full")
		return false
	}
}

func (m *CapacityMonitor) drop(a pendingAlert, reason string) {
	metrics.CapacityAlerts.WithLabelValues("queue", "dropped").Inc()
	m.logger.Warn("capacity alert dropped",
		zap.String("reason", reason),
		zap.String("region", a.region),
		zap.String("environment", a.environment))
}

func (m *CapacityMonitor) deliver() {
	defer close(m.done)
	for a := range m.queue {
		ctx, cancel := context.WithTimeout(a.ctx, m.timeout)
		if err := m.alerter.Alert(ctx, a.subject, a.message); err != nil {
			m.logger.Error("failed to deliver capacity alert",
				zap.String("region", a.region),
				zap.String("environment", a.environment),
				zap.Error(err))
		}
		cancel()
		m.pending.Done()
	}
}

// Wait blocks until every queued alert has been delivered or has failed.
func (m *CapacityMonitor) Wait() {
	m.pending.Wait()
}

// Close stops accepting alerts, delivers the ones already queued and stops
// the worker. It is safe to call more than once.
func (m *CapacityMonitor) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()
	<-m.done
}

// UsedPercent returns the used share of total as a whole percentage,
// truncated. It returns 0 for an empty pool.
func UsedPercent(total, free *big.Int) int {
	if total == nil || total.Sign() <= 0 {
		return 0
	}
	used := new(big.Int).Sub(total, free)
	used.Mul(used, big.NewInt(100))
	used.Quo(used, total)
	return int(used.Int64())
}

func toFloat(n *big.Int) float64 {
	f, _ := new(big.Float).SetInt(n).Float64()
	return f
}
