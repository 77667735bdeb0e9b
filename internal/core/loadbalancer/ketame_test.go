package loadbalancer

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKetama_Select(t *testing.T) {
	tests := []struct {
		name      string
		instances []ServiceInstance
		want      string
	}{
		{
			name:      "Empty instances",
			instances: nil,
		},
		{
			name:      "Single instance",
			instances: instances("10.0.0.1"),
			want:      "10.0.0.1:8080",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := NewKetama(160)
			ctx := WithHashKey(context.Background(), "192.168.1.1")
			got := k.Select(ctx, "svc", tt.instances)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Address())
		})
	}
}

func TestKetama_Consistency(t *testing.T) {
	k := NewKetama(160)
	list := instances("10.0.0.1", "10.0.0.2", "10.0.0.3")
	ctx := WithHashKey(context.Background(), "192.168.1.1")

	first := k.Select(ctx, "svc", list)
	require.NotNil(t, first)
	for i := 0; i < 10; i++ {
		next := k.Select(ctx, "svc", list)
		assert.Equal(t, first.Address(), next.Address())
	}
}

func TestKetama_SpreadsKeys(t *testing.T) {
	k := NewKetama(160)
	list := instances("10.0.0.1", "10.0.0.2", "10.0.0.3")

	seen := make(map[string]int)
	for i := 0; i < 300; i++ {
		ctx := WithHashKey(context.Background(), fmt.Sprintf("client-%d", i))
		seen[k.Select(ctx, "svc", list).Address()]++
	}
	assert.Len(t, seen, 3)
}

func TestKetama_RebuildsWhenInstancesChange(t *testing.T) {
	k := NewKetama(160)
	ctx := WithHashKey(context.Background(), "192.168.1.1")

	_ = k.Select(ctx, "svc", instances("10.0.0.1", "10.0.0.2"))
	got := k.Select(ctx, "svc", instances("10.0.0.9"))
	assert.Equal(t, "10.0.0.9:8080", got.Address())
}

func TestFindNearestWrapsAround(t *testing.T) {
	r := &ketamaRing{points: []uint32{10, 20, 30}}
	assert.Equal(t, 0, r.nearest(5))
	assert.Equal(t, 1, r.nearest(20))
	assert.Equal(t, 0, r.nearest(31))
}
