package loadbalancer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instances(addrs ...string) []ServiceInstance {
	out := make([]ServiceInstance, len(addrs))
	for i, a := range addrs {
		out[i] = ServiceInstance{ServiceID: "svc", Host: a, Port: 8080}
	}
	return out
}

func TestRoundRobin_Select(t *testing.T) {
	tests := []struct {
		name      string
		instances []ServiceInstance
		want      string
	}{
		{
			name:      "Empty instances",
			instances: nil,
			want:      "",
		},
		{
			name:      "Single instance",
			instances: instances("10.0.0.1"),
			want:      "10.0.0.1:8080",
		},
		{
			name:      "Multiple instances",
			instances: instances("10.0.0.1", "10.0.0.2", "10.0.0.3"),
			want:      "10.0.0.1:8080", // 第一次请求
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := NewRoundRobin()
			got := rr.Select(context.Background(), "svc", tt.instances)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Address())
		})
	}
}

func TestRoundRobin_RoundRobinBehavior(t *testing.T) {
	rr := NewRoundRobin()
	list := instances("10.0.0.1", "10.0.0.2", "10.0.0.3")

	expectedOrder := []string{
		"10.0.0.1:8080",
		"10.0.0.2:8080",
		"10.0.0.3:8080",
		"10.0.0.1:8080", // 循环回到第一个
	}
	for i, want := range expectedOrder {
		got := rr.Select(context.Background(), "svc", list)
		require.NotNil(t, got)
		assert.Equal(t, want, got.Address(), "request %d", i)
	}
}

func TestRoundRobin_IndependentPerService(t *testing.T) {
	rr := NewRoundRobin()
	list := instances("10.0.0.1", "10.0.0.2")

	assert.Equal(t, "10.0.0.1:8080", rr.Select(context.Background(), "a", list).Address())
	assert.Equal(t, "10.0.0.1:8080", rr.Select(context.Background(), "b", list).Address())
	assert.Equal(t, "10.0.0.2:8080", rr.Select(context.Background(), "a", list).Address())
}
