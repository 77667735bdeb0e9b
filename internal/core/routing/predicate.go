package routing

import (
	"net/http"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/penwyp/route-gateway/internal/core/gwerr"
	"github.com/penwyp/route-gateway/internal/core/route"
	"github.com/samber/lo"
)

// Predicate 判断请求是否属于某条路由
type Predicate func(r *http.Request) bool

// PredicateFactory 根据谓词定义创建 Predicate
type PredicateFactory func(def route.PredicateDefinition) (Predicate, error)

// defaultPredicates 内置谓词，只支持 Path 和 Method
func defaultPredicates() map[string]PredicateFactory {
	return map[string]PredicateFactory{
		"Path":   pathPredicate,
		"Method": methodPredicate,
	}
}

// pathPredicate Path=/orders/**,/carts/* 任一模式匹配即可，模式使用 doublestar 语法
func pathPredicate(def route.PredicateDefinition) (Predicate, error) {
	patterns := def.Values()
	if len(patterns) == 0 {
		return nil, gwerr.InvalidArgument("Path predicate requires at least one pattern")
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, gwerr.InvalidArgument("invalid path pattern %q", p)
		}
	}
	return func(r *http.Request) bool {
		path := r.URL.Path
		if path == "" {
			path = "/"
		}
		return lo.SomeBy(patterns, func(p string) bool {
			ok, _ := doublestar.Match(p, path)
			return ok
		})
	}, nil
}

// methodPredicate Method=GET,POST
func methodPredicate(def route.PredicateDefinition) (Predicate, error) {
	methods := lo.Map(def.Values(), func(m string, _ int) string {
		return strings.ToUpper(m)
	})
	if len(methods) == 0 {
		return nil, gwerr.InvalidArgument("Method predicate requires at least one method")
	}
	return func(r *http.Request) bool {
		return lo.Contains(methods, r.Method)
	}, nil
}
