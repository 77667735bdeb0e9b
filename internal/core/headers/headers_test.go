package headers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/penwyp/route-gateway/internal/core/exchange"
	"github.com/stretchr/testify/assert"
)

func newExchange(h map[string]string) *exchange.Exchange {
	req := httptest.NewRequest(http.MethodGet, "http://gw.local:8080/a", nil)
	req.RemoteAddr = "192.168.1.10:5555"
	for k, v := range h {
		req.Header.Set(k, v)
	}
	return exchange.New(httptest.NewRecorder(), req)
}

func TestRemoveHopByHopHeadersFilter(t *testing.T) {
	ex := newExchange(map[string]string{
		"Connection":        "keep-alive, X-Custom-Hop",
		"Keep-Alive":        "timeout=5",
		"Transfer-Encoding": "chunked",
		"X-Custom-Hop":      "1",
		"X-Kept":            "yes",
	})

	h := FilterRequest([]HeadersFilter{NewRemoveHopByHopHeadersFilter()}, ex)

	assert.Empty(t, h.Get("Connection"))
	assert.Empty(t, h.Get("Keep-Alive"))
	assert.Empty(t, h.Get("Transfer-Encoding"))
	assert.Empty(t, h.Get("X-Custom-Hop"))
	assert.Equal(t, "yes", h.Get("X-Kept"))
	// 入站请求头不受影响
	assert.Equal(t, "chunked", ex.Request.Header.Get("Transfer-Encoding"))
}

func TestXForwardedHeadersFilter(t *testing.T) {
	tests := []struct {
		name    string
		append  bool
		prior   string
		wantFor string
	}{
		{"No prior value", true, "", "192.168.1.10"},
		{"Append to prior", true, "10.0.0.1", "10.0.0.1, 192.168.1.10"},
		{"Overwrite prior", false, "10.0.0.1", "192.168.1.10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hdr := map[string]string{}
			if tt.prior != "" {
				hdr[XForwardedFor] = tt.prior
			}
			ex := newExchange(hdr)
			h := FilterRequest([]HeadersFilter{&XForwardedHeadersFilter{Append: tt.append}}, ex)

			assert.Equal(t, tt.wantFor, h.Get(XForwardedFor))
			assert.Equal(t, "http", h.Get(XForwardedProto))
			assert.Equal(t, "gw.local:8080", h.Get(XForwardedHost))
			assert.Equal(t, "8080", h.Get(XForwardedPort))
		})
	}
}

func TestFilter_RespectsDirection(t *testing.T) {
	ex := newExchange(nil)
	h := http.Header{}
	h.Set("Connection", "close")

	out := Filter(Defaults(), h, ex, Response)

	assert.Empty(t, out.Get("Connection"))
	assert.Empty(t, out.Get(XForwardedFor), "x-forwarded headers are request only")
}
