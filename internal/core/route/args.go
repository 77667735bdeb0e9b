package route

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v2"
)

// Args 保持插入顺序的参数表，_genkey_<i> 这类合成 key 依赖顺序映射到工厂配置的字段
type Args struct {
	keys   []string
	values map[string]string
}

// NewArgs 创建空参数表
func NewArgs() *Args {
	return &Args{values: make(map[string]string)}
}

// Put 写入参数，已存在的 key 保留原位置只更新值
func (a *Args) Put(key, value string) {
	if a.values == nil {
		a.values = make(map[string]string)
	}
	if _, ok := a.values[key]; !ok {
		a.keys = append(a.keys, key)
	}
	a.values[key] = value
}

// Get 读取参数
func (a *Args) Get(key string) (string, bool) {
	if a == nil {
		return "", false
	}
	v, ok := a.values[key]
	return v, ok
}

// Keys 按插入顺序返回所有 key
func (a *Args) Keys() []string {
	if a == nil {
		return nil
	}
	return append([]string(nil), a.keys...)
}

func (a *Args) Len() int {
	if a == nil {
		return 0
	}
	return len(a.keys)
}

// Equal 与 map 相同的语义：顺序无关，键值完全一致即相等
func (a *Args) Equal(o *Args) bool {
	if a.Len() != o.Len() {
		return false
	}
	for _, k := range a.Keys() {
		ov, ok := o.Get(k)
		if !ok {
			return false
		}
		if v, _ := a.Get(k); v != ov {
			return false
		}
	}
	return true
}

// Clone 深拷贝
func (a *Args) Clone() *Args {
	c := NewArgs()
	for _, k := range a.Keys() {
		v, _ := a.Get(k)
		c.Put(k, v)
	}
	return c
}

func (a *Args) String() string {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range a.Keys() {
		if i > 0 {
			buf.WriteString(", ")
		}
		v, _ := a.Get(k)
		fmt.Fprintf(&buf, "%s=%s", k, v)
	}
	buf.WriteByte('}')
	return buf.String()
}

// MarshalJSON 按插入顺序输出 JSON 对象
func (a *Args) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range a.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		v, _ := a.Get(k)
		vb, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON 按文档中的顺序还原参数，encoding/json 解到 map 会丢失顺序
func (a *Args) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid args json: %s", data)
	}
	result := gjson.ParseBytes(data)
	if !result.IsObject() {
		return fmt.Errorf("args must be a json object, got %s", result.Type)
	}
	a.keys = nil
	a.values = make(map[string]string)
	result.ForEach(func(key, value gjson.Result) bool {
		a.Put(key.String(), value.String())
		return true
	})
	return nil
}

// MarshalYAML 导出路由配置时保持参数顺序
func (a *Args) MarshalYAML() (interface{}, error) {
	out := make(yaml.MapSlice, 0, a.Len())
	for _, k := range a.Keys() {
		v, _ := a.Get(k)
		out = append(out, yaml.MapItem{Key: k, Value: v})
	}
	return out, nil
}
