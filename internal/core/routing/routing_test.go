package routing

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/penwyp/route-gateway/internal/core/filter/factory"
	"github.com/penwyp/route-gateway/internal/core/loadbalancer"
	"github.com/penwyp/route-gateway/internal/core/route"
	"github.com/penwyp/route-gateway/internal/core/routing/proxy"
	"github.com/penwyp/route-gateway/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
	logger.InitTestLogger()
}

func definition(id, uri string, order int, predicates []string, filters ...string) route.RouteDefinition {
	def := route.RouteDefinition{ID: id, URI: uri, Order: order}
	for _, p := range predicates {
		def.Predicates = append(def.Predicates, route.ParsePredicateDefinition(p))
	}
	for _, f := range filters {
		def.Filters = append(def.Filters, route.ParseFilterDefinition(f))
	}
	return def
}

type testGateway struct {
	engine   *gin.Engine
	gateway  *Gateway
	repo     *route.InMemoryRepository
	registry *loadbalancer.StaticRegistry
}

func newTestGateway(t *testing.T, timeout time.Duration, defs ...route.RouteDefinition) *testGateway {
	t.Helper()
	repo := route.NewInMemoryRepository()
	for _, def := range defs {
		require.NoError(t, repo.Save(context.Background(), def))
	}
	registry := loadbalancer.NewStaticRegistry(nil)
	gw := New(Options{
		Repository:      repo,
		Filters:         factory.Defaults(factory.Config{}),
		LoadBalancer:    loadbalancer.NewDiscoveryClient(registry, loadbalancer.NewRoundRobin()),
		Clients:         proxy.NewHTTPConnectionPool(proxy.PoolConfig{ReadTimeout: 5 * time.Second}),
		ResponseTimeout: timeout,
	})
	require.NoError(t, gw.Locator.Refresh(context.Background()))

	engine := gin.New()
	gw.Setup(engine, "/admin")
	return &testGateway{engine: engine, gateway: gw, repo: repo, registry: registry}
}

func (g *testGateway) do(method, target string, body io.Reader) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	g.engine.ServeHTTP(rec, httptest.NewRequest(method, target, body))
	return rec
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

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestRouteLocator_OrderAndSkips(t *testing.T) {
	repo := route.NewInMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, definition("late", "http://a", 10, []string{"Path=/**"})))
	require.NoError(t, repo.Save(ctx, definition("unknown-predicate", "http://a", 0, []string{"Cookie=x,y"})))
	require.NoError(t, repo.Save(ctx, definition("unknown-filter", "http://a", 0, nil, "Rewrite=x")))
	require.NoError(t, repo.Save(ctx, definition("early", "http://a", 1, []string{"Path=/**"})))
	require.NoError(t, repo.Save(ctx, definition("early-tie", "http://a", 1, []string{"Path=/**"})))

	locator := NewRouteLocator(repo, factory.Defaults(factory.Config{}))
	require.NoError(t, locator.Refresh(ctx))

	var ids []string
	for _, r := range locator.Routes() {
		ids = append(ids, r.Definition.ID)
	}
	assert.Equal(t, []string{"early", "early-tie", "late"}, ids)
}

func TestRouteLocator_Lookup(t *testing.T) {
	repo := route.NewInMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, definition("orders-write", "http://a", 0, []string{"Path=/orders/**", "Method=post,put"})))
	require.NoError(t, repo.Save(ctx, definition("orders", "http://a", 1, []string{"Path=/orders/**"})))
	require.NoError(t, repo.Save(ctx, definition("carts", "http://a", 2, []string{"Path=/carts/*,/basket/*"})))

	locator := NewRouteLocator(repo, factory.Defaults(factory.Config{}))
	require.NoError(t, locator.Refresh(ctx))

	tests := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodPost, "/orders/1", "orders-write"},
		{http.MethodGet, "/orders/1/items", "orders"},
		{http.MethodGet, "/basket/7", "carts"},
		{http.MethodGet, "/carts/7/items", ""},
		{http.MethodGet, "/users", ""},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			r, ok := locator.Lookup(ctx, httptest.NewRequest(tt.method, tt.path, nil))
			if tt.want == "" {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, r.Definition.ID)
		})
	}
}

func TestRouteLocator_InvalidPathPattern(t *testing.T) {
	repo := route.NewInMemoryRepository()
	require.NoError(t, repo.Save(context.Background(), definition("bad", "http://a", 0, []string{"Path=/[a"})))

	locator := NewRouteLocator(repo, factory.Defaults(factory.Config{}))
	require.NoError(t, locator.Refresh(context.Background()))
	assert.Empty(t, locator.Routes())
}

func TestGateway_ProxiesToBackend(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Seen-Path", r.URL.Path)
		w.Header().Set("X-Seen-Header", r.Header.Get("X-Route"))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write(append([]byte("echo:"), body...))
	}))
	defer backend.Close()

	gw := newTestGateway(t, time.Second,
		definition("api", backend.URL, 0, []string{"Path=/api/**"},
			"StripPrefix=1", "AddRequestHeader=X-Route,api", "AddResponseHeader=X-Gateway,route-gateway"))

	rec := gw.do(http.MethodPost, "/api/orders?x=1", strings.NewReader("hello"))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "echo:hello", rec.Body.String())
	assert.Equal(t, "/orders", rec.Header().Get("X-Seen-Path"))
	assert.Equal(t, "api", rec.Header().Get("X-Seen-Header"))
	assert.Equal(t, "route-gateway", rec.Header().Get("X-Gateway"))
}

func TestGateway_EmptyBackendNotFound(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusNotFound)
	}))
	defer backend.Close()

	gw := newTestGateway(t, time.Second, definition("api", backend.URL, 0, []string{"Path=/**"}))
	rec := gw.do(http.MethodGet, "/missing", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, rec.Body.String(), "backend status is passed through without a gateway body")
}

func TestGateway_NoRoute(t *testing.T) {
	gw := newTestGateway(t, time.Second)
	rec := gw.do(http.MethodGet, "/nothing", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Route not found", errorBody(t, rec))
}

func TestGateway_LoadBalancedRoute(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("from instance " + r.URL.Path))
	}))
	defer backend.Close()

	gw := newTestGateway(t, time.Second, definition("orders", "lb://orders", 0, []string{"Path=/orders/**"}))
	gw.registry.Update(map[string][]loadbalancer.InstanceConfig{
		"orders": {instanceOf(t, backend.URL)},
	})

	rec := gw.do(http.MethodGet, "/orders/42", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "from instance /orders/42", rec.Body.String())
}

func TestGateway_NoInstance(t *testing.T) {
	gw := newTestGateway(t, time.Second, definition("orders", "lb://orders", 0, []string{"Path=/orders/**"}))

	rec := gw.do(http.MethodGet, "/orders/42", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, errorBody(t, rec), "Unable to find instance for orders")
}

func TestGateway_ResponseTimeout(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(backend.Close)
	t.Cleanup(func() { close(release) })

	gw := newTestGateway(t, 100*time.Millisecond, definition("slow", backend.URL, 0, nil))

	rec := gw.do(http.MethodGet, "/slow", nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, errorBody(t, rec), "Response took longer than timeout")
}

func TestGateway_BadGateway(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	gw := newTestGateway(t, time.Second, definition("down", "http://"+addr, 0, nil))
	rec := gw.do(http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Bad Gateway", body["error"])
	assert.Equal(t, "BadGateway", body["kind"])
	assert.NotContains(t, rec.Body.String(), addr, "backend address stays in the logs")
}

func TestGateway_SetupAdminMiddleware(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("proxied"))
	}))
	defer backend.Close()

	repo := route.NewInMemoryRepository()
	require.NoError(t, repo.Save(context.Background(), definition("all", backend.URL, 0, []string{"Path=/api/**"})))
	gw := New(Options{
		Repository:   repo,
		LoadBalancer: loadbalancer.NewDiscoveryClient(loadbalancer.NewStaticRegistry(nil), loadbalancer.NewRoundRobin()),
		Clients:      proxy.NewHTTPConnectionPool(proxy.PoolConfig{}),
	})
	require.NoError(t, gw.Locator.Refresh(context.Background()))

	engine := gin.New()
	deny := func(c *gin.Context) { c.AbortWithStatus(http.StatusUnauthorized) }
	admin := gw.Setup(engine, "/admin", deny)
	require.NotNil(t, admin)

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/routes", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "proxied", rec.Body.String())

	assert.Nil(t, New(Options{Repository: repo}).Setup(gin.New(), ""))
}

func TestAdminAPI(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("added"))
	}))
	defer backend.Close()

	gw := newTestGateway(t, time.Second)
	assert.Equal(t, http.StatusNotFound, gw.do(http.MethodGet, "/new/1", nil).Code)

	payload := `{"uri":"` + backend.URL + `","predicates":[{"name":"Path","args":{"_genkey_0":"/new/**"}}],"filters":[],"order":0}`
	rec := gw.do(http.MethodPost, "/admin/routes/new", strings.NewReader(payload))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = gw.do(http.MethodGet, "/new/1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "added", rec.Body.String())

	rec = gw.do(http.MethodGet, "/admin/routes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var defs []route.RouteDefinition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &defs))
	require.Len(t, defs, 1)
	assert.Equal(t, "new", defs[0].ID)

	rec = gw.do(http.MethodGet, "/admin/routes/new", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = gw.do(http.MethodDelete, "/admin/routes/new", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNotFound, gw.do(http.MethodGet, "/new/1", nil).Code)

	rec = gw.do(http.MethodDelete, "/admin/routes/new", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, errorBody(t, rec), "RouteDefinition not found: new")

	rec = gw.do(http.MethodGet, "/admin/routes/new", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminAPI_InvalidPayload(t *testing.T) {
	gw := newTestGateway(t, time.Second)
	rec := gw.do(http.MethodPost, "/admin/routes", strings.NewReader(`{"uri":"http://a"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorBody(t, rec), "id may not be empty")

	rec = gw.do(http.MethodPost, "/admin/routes", strings.NewReader(`not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
