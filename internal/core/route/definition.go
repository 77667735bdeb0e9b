package route

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/penwyp/route-gateway/internal/core/gwerr"
)

const genKeyPrefix = "_genkey_"

// GenerateName 生成紧凑文本形式中第 i 个参数的合成 key
func GenerateName(i int) string {
	return genKeyPrefix + strconv.Itoa(i)
}

// FilterDefinition 描述一个路由过滤器：Name 对应过滤器工厂，Args 用于构造工厂配置
type FilterDefinition struct {
	Name string `json:"name" yaml:"name"`
	Args *Args  `json:"args" yaml:"args"`
}

// PredicateDefinition 与 FilterDefinition 结构相同，谓词的匹配不在本模块处理
type PredicateDefinition struct {
	Name string `json:"name" yaml:"name"`
	Args *Args  `json:"args" yaml:"args"`
}

// ParseFilterDefinition 解析 "<name>=<v0>,<v1>,..." 形式的文本
//
// 没有 '=' 或 '=' 在首位时整个文本就是名称；否则 '=' 之后按 ',' 切分，
// 每个 token 去掉首尾空白，空 token 忽略，依次赋予 _genkey_0, _genkey_1 ...
func ParseFilterDefinition(text string) FilterDefinition {
	name, args := parseCompact(text)
	return FilterDefinition{Name: name, Args: args}
}

// ParsePredicateDefinition 规则与 ParseFilterDefinition 一致
func ParsePredicateDefinition(text string) PredicateDefinition {
	name, args := parseCompact(text)
	return PredicateDefinition{Name: name, Args: args}
}

func parseCompact(text string) (string, *Args) {
	args := NewArgs()
	eqIdx := strings.IndexByte(text, '=')
	if eqIdx <= 0 {
		return text, args
	}
	i := 0
	for _, token := range strings.Split(text[eqIdx+1:], ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		args.Put(GenerateName(i), token)
		i++
	}
	return text[:eqIdx], args
}

// Equal 结构相等：名称一致且参数键值一致
func (d FilterDefinition) Equal(o FilterDefinition) bool {
	return d.Name == o.Name && d.Args.Equal(o.Args)
}

// Hash 与 Equal 一致的哈希值，参数按 key 排序后参与计算
func (d FilterDefinition) Hash() uint64 {
	return hashDefinition(d.Name, d.Args)
}

func (d FilterDefinition) String() string {
	return fmt.Sprintf("FilterDefinition{name='%s', args=%s}", d.Name, d.Args)
}

// Clone 深拷贝
func (d FilterDefinition) Clone() FilterDefinition {
	return FilterDefinition{Name: d.Name, Args: d.Args.Clone()}
}

func (d PredicateDefinition) Equal(o PredicateDefinition) bool {
	return d.Name == o.Name && d.Args.Equal(o.Args)
}

func (d PredicateDefinition) Hash() uint64 {
	return hashDefinition(d.Name, d.Args)
}

func (d PredicateDefinition) Clone() PredicateDefinition {
	return PredicateDefinition{Name: d.Name, Args: d.Args.Clone()}
}

// Values 按插入顺序返回参数值
func (d PredicateDefinition) Values() []string {
	values := make([]string, 0, d.Args.Len())
	for _, k := range d.Args.Keys() {
		v, _ := d.Args.Get(k)
		values = append(values, v)
	}
	return values
}

func hashDefinition(name string, args *Args) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(name)
	keys := args.Keys()
	sort.Strings(keys)
	for _, k := range keys {
		v, _ := args.Get(k)
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(k)
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(v)
	}
	return h.Sum64()
}

// RouteDefinition 声明式路由：目标 URI (可以是 lb:// 这类逻辑地址)、谓词、过滤器和排序值
type RouteDefinition struct {
	ID         string                `json:"id" yaml:"id"`
	URI        string                `json:"uri" yaml:"uri"`
	Predicates []PredicateDefinition `json:"predicates" yaml:"predicates"`
	Filters    []FilterDefinition    `json:"filters" yaml:"filters"`
	Order      int                   `json:"order" yaml:"order"`
	Metadata   map[string]any        `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Validate 保存前的校验，id 不能为空
func (r RouteDefinition) Validate() error {
	if r.ID == "" {
		return gwerr.InvalidArgument("id may not be empty")
	}
	return nil
}

// ParsedURI 解析目标 URI
func (r RouteDefinition) ParsedURI() (*url.URL, error) {
	if r.URI == "" {
		return nil, gwerr.InvalidArgument("route %s has no uri", r.ID)
	}
	u, err := url.Parse(r.URI)
	if err != nil {
		return nil, gwerr.InvalidArgument("route %s has invalid uri %q: %v", r.ID, r.URI, err)
	}
	return u, nil
}

// Clone 深拷贝，仓库保存的副本不会被调用方后续修改影响
func (r RouteDefinition) Clone() RouteDefinition {
	c := r
	c.Predicates = make([]PredicateDefinition, len(r.Predicates))
	for i, p := range r.Predicates {
		c.Predicates[i] = p.Clone()
	}
	c.Filters = make([]FilterDefinition, len(r.Filters))
	for i, f := range r.Filters {
		c.Filters[i] = f.Clone()
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}
