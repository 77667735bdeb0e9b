package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/penwyp/route-gateway/internal/core/loadbalancer"
	"github.com/penwyp/route-gateway/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.InitTestLogger()
}

func instanceOf(t *testing.T, rawURL string) loadbalancer.InstanceConfig {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return loadbalancer.InstanceConfig{Host: host, Port: port}
}

func TestHealthChecker_FiltersUnhealthyInstances(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ready", r.URL.Path)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer flaky.Close()
	stable := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer stable.Close()

	registry := loadbalancer.NewStaticRegistry(map[string][]loadbalancer.InstanceConfig{
		"orders": {instanceOf(t, flaky.URL), instanceOf(t, stable.URL)},
	})
	checker := NewHealthChecker(registry, []string{"orders"}, Config{
		Path:               "/ready",
		Timeout:            time.Second,
		UnhealthyThreshold: 2,
	})
	ctx := context.Background()

	instances, err := checker.Instances(ctx, "orders")
	require.NoError(t, err)
	assert.Len(t, instances, 2, "unprobed instances count as healthy")

	healthy.Store(false)
	checker.CheckNow(ctx)
	instances, _ = checker.Instances(ctx, "orders")
	assert.Len(t, instances, 2, "one failure is below the threshold")

	checker.CheckNow(ctx)
	instances, _ = checker.Instances(ctx, "orders")
	require.Len(t, instances, 1)
	assert.Equal(t, instanceOf(t, stable.URL).Port, instances[0].Port)

	healthy.Store(true)
	checker.CheckNow(ctx)
	instances, _ = checker.Instances(ctx, "orders")
	assert.Len(t, instances, 2, "a successful probe restores the instance")

	stats := checker.GetAllStats()
	require.Len(t, stats, 2)
	for _, s := range stats {
		assert.Equal(t, "orders", s.ServiceID)
		assert.Equal(t, int64(3), s.ProbeRequestCount)
		assert.True(t, s.Healthy)
	}
}

func TestHealthChecker_DropsRemovedInstances(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	registry := loadbalancer.NewStaticRegistry(map[string][]loadbalancer.InstanceConfig{
		"orders": {instanceOf(t, srv.URL)},
	})
	checker := NewHealthChecker(registry, []string{"orders"}, Config{})
	checker.CheckNow(context.Background())
	require.Len(t, checker.GetAllStats(), 1)

	registry.Update(nil)
	checker.CheckNow(context.Background())
	assert.Empty(t, checker.GetAllStats())

	checker.SetServices(nil)
	checker.ResetAllStats()
	assert.Empty(t, checker.GetAllStats())
}
