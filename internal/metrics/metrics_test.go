package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegistered(t *testing.T) {
	// promauto registers with the default registry; touch each metric so it
	// shows up when gathered.
	AllocationAttempts.WithLabelValues(OutcomeCommitted).Inc()
	AllocationDuration.Observe(0.01)
	Releases.WithLabelValues("cidr").Inc()
	PoolUtilization.WithLabelValues("us-east-1", "prod").Set(42)
	PoolAddresses.WithLabelValues("us-east-1", "prod", "total").Set(256)
	CapacityAlerts.WithLabelValues("log", "success").Inc()
	APIRequests.WithLabelValues("POST", "/cidr", "200").Inc()
	APIRequestDuration.WithLabelValues("POST", "/cidr").Observe(0.02)
	ServerInfo.WithLabelValues("dev", "memory").Set(1)

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	found := 0
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), namespace+"_") {
			found++
		}
	}
	assert.Equal(t, 9, found)
}

func TestPoolUtilizationGauge(t *testing.T) {
	PoolUtilization.WithLabelValues("eu-west-1", "dev").Set(85)
	assert.Equal(t, float64(85), testutil.ToFloat64(PoolUtilization.WithLabelValues("eu-west-1", "dev")))
}
