package filter

import (
	"net/http"
	"testing"

	"github.com/penwyp/route-gateway/internal/core/gwerr"
	"github.com/penwyp/route-gateway/internal/core/route"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteToRequestURLFilter(t *testing.T) {
	tests := []struct {
		name       string
		routeURI   string
		target     string
		wantURL    string
		wantPrefix string
	}{
		{
			name:     "Plain http route",
			routeURI: "http://backend:8080",
			target:   "/orders/1?x=1",
			wantURL:  "http://backend:8080/orders/1?x=1",
		},
		{
			name:     "Load balanced route",
			routeURI: "lb://orders",
			target:   "/orders/1",
			wantURL:  "lb://orders/orders/1",
		},
		{
			name:       "Scheme prefix",
			routeURI:   "lb:https://orders",
			target:     "/a",
			wantURL:    "https://orders/a",
			wantPrefix: "lb",
		},
		{
			name:     "Route path is ignored",
			routeURI: "http://backend/ignored",
			target:   "/kept",
			wantURL:  "http://backend/kept",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := newTestExchange(http.MethodGet, tt.target)
			ex.Route = &route.RouteDefinition{ID: "r", URI: tt.routeURI}

			called := false
			require.NoError(t, (&RouteToRequestURLFilter{}).Filter(ex, terminal(&called)))

			assert.True(t, called)
			require.NotNil(t, ex.RequestURL)
			assert.Equal(t, tt.wantURL, ex.RequestURL.String())
			assert.Equal(t, tt.wantPrefix, ex.SchemePrefix)
		})
	}
}

func TestRouteToRequestURLFilter_NoRoute(t *testing.T) {
	ex := newTestExchange(http.MethodGet, "/a")
	called := false
	require.NoError(t, (&RouteToRequestURLFilter{}).Filter(ex, terminal(&called)))
	assert.True(t, called)
	assert.Nil(t, ex.RequestURL)
}

func TestRouteToRequestURLFilter_InvalidURI(t *testing.T) {
	ex := newTestExchange(http.MethodGet, "/a")
	ex.Route = &route.RouteDefinition{ID: "r", URI: "no-host"}

	called := false
	err := (&RouteToRequestURLFilter{}).Filter(ex, terminal(&called))
	assert.True(t, gwerr.Is(err, gwerr.KindInvalidArgument))
	assert.False(t, called)
}
