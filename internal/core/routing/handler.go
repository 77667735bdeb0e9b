package routing

import (
	"strconv"
	"time"

	"github.com/penwyp/route-gateway/internal/core/exchange"
	"github.com/penwyp/route-gateway/internal/core/filter"
	"github.com/penwyp/route-gateway/internal/core/gwerr"
	"github.com/penwyp/route-gateway/internal/core/observability"
	"go.uber.org/zap"
)

// FilteringHandler 把全局过滤器和路由过滤器合并排序后执行
type FilteringHandler struct {
	globals []filter.GlobalFilter
}

func NewFilteringHandler(globals ...filter.GlobalFilter) *FilteringHandler {
	return &FilteringHandler{globals: globals}
}

// Handle 执行过滤器链并把 exchange 置为 Completed 或 Failed，资源由调用方释放
func (h *FilteringHandler) Handle(ex *exchange.Exchange, r *Route) error {
	var routeFilters []filter.GatewayFilter
	if r != nil {
		routeFilters = r.Filters
	}
	combined := filter.Combine(h.globals, routeFilters)

	ex.Logger().Debug("Sorted filters",
		zap.String("route", ex.RouteID()),
		zap.Int("count", len(combined)))

	start := time.Now()
	err := filter.NewChain(combined).Filter(ex)

	status := ex.Response.StatusCode()
	if err != nil {
		ex.Transition(exchange.StateFailed)
		status = gwerr.StatusOf(err)
	} else {
		ex.Transition(exchange.StateCompleted)
	}
	if status == 0 {
		status = 200
	}

	observability.RequestsTotal.WithLabelValues(ex.Request.Method, ex.RouteID(), strconv.Itoa(status)).Inc()
	observability.RequestDuration.WithLabelValues(ex.Request.Method, ex.RouteID()).Observe(time.Since(start).Seconds())
	return err
}
