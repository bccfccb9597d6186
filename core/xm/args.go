package xm

import (
	"encoding/json"
	"fmt"
)

type argItem struct {
	keyword bool
	name    string
	value   interface{}
}

//
// Args is an ordered mix of positional and keyword arguments for an entry point.
// Keyword values given again later override in place; new ones are appended.
//
type Args struct {
	items  []argItem
	values map[string]interface{}
}

func NewArgs() Args {
	return Args{values: make(map[string]interface{})}
}

// KV is a single keyword argument, used to build Args in a fixed order.
type KV struct {
	Name  string
	Value interface{}
}

func Keywords(kvs ...KV) Args {
	a := NewArgs()
	for _, kv := range kvs {
		a = a.Set(kv.Name, kv.Value)
	}
	return a
}

func Positional(values ...interface{}) Args {
	a := NewArgs()
	for _, v := range values {
		a = a.Append(v)
	}
	return a
}

// FromMap adds keywords sorted by name since map iteration order is random.
func FromMap(m map[string]interface{}) Args {
	a := NewArgs()
	for _, k := range sortedKeys(m) {
		a = a.Set(k, m[k])
	}
	return a
}

func (a Args) clone() Args {
	c := Args{
		items:  make([]argItem, len(a.items)),
		values: make(map[string]interface{}, len(a.values)),
	}
	copy(c.items, a.items)
	for k, v := range a.values {
		c.values[k] = v
	}
	return c
}

func (a Args) Set(name string, value interface{}) Args {
	c := a.clone()
	if _, ok := c.values[name]; !ok {
		c.items = append(c.items, argItem{keyword: true, name: name})
	}
	c.values[name] = value
	return c
}

func (a Args) Append(value interface{}) Args {
	c := a.clone()
	c.items = append(c.items, argItem{value: value})
	return c
}

// Merge returns a new Args with the operands folded in left to right.
func (a Args) Merge(others ...Args) Args {
	c := a.clone()
	for _, o := range others {
		for _, item := range o.items {
			if item.keyword {
				c = c.Set(item.name, o.values[item.name])
			} else {
				c = c.Append(item.value)
			}
		}
	}
	return c
}

func (a Args) Get(name string) (interface{}, bool) {
	v, ok := a.values[name]
	return v, ok
}

func (a Args) Len() int {
	return len(a.items)
}

// ToList renders the arguments for an exec form command line.
func (a Args) ToList() []string {
	out := make([]string, 0, len(a.items))
	for _, item := range a.items {
		if !item.keyword {
			out = append(out, formatValue(item.value))
			continue
		}
		value := a.values[item.name]
		if b, ok := value.(bool); ok {
			if b {
				out = append(out, fmt.Sprintf("--%s", item.name))
			} else {
				out = append(out, fmt.Sprintf("--no%s", item.name))
			}
			continue
		}
		out = append(out, fmt.Sprintf("--%s=%s", item.name, formatValue(value)))
	}
	return out
}

// ToMap exports keyword arguments only.
func (a Args) ToMap() map[string]interface{} {
	m := make(map[string]interface{}, len(a.values))
	for k, v := range a.values {
		m[k] = v
	}
	return m
}

// Keys lists keyword names in argument order.
func (a Args) Keys() []string {
	var keys []string
	for _, item := range a.items {
		if item.keyword {
			keys = append(keys, item.name)
		}
	}
	return keys
}

func (a Args) Equal(other Args) bool {
	l, r := a.ToList(), other.ToList()
	if len(l) != len(r) {
		return false
	}
	for i := range l {
		if l[i] != r[i] {
			return false
		}
	}
	return true
}

func (a Args) String() string {
	return fmt.Sprintf("%v", a.ToList())
}

// MarshalJSON keeps argument order, it is used for fingerprints and registry records.
func (a Args) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.ToList())
}

func formatValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%g", t)
	case float32:
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
