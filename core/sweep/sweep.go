// Package sweep expands hyperparameter candidate lists into one argument set per
// element of their Cartesian product.
package sweep

import (
	"fmt"
	"github.com/alienrobotwizard/xmanager/core/exceptions"
	"github.com/alienrobotwizard/xmanager/core/xm"
	"gopkg.in/yaml.v3"
)

type Param struct {
	Name   string
	Values []interface{}
}

func Values(name string, values ...interface{}) Param {
	return Param{Name: name, Values: values}
}

//
// Product is an ordered set of parameters. The first parameter varies slowest.
//
type Product struct {
	params []Param
}

func NewProduct(params ...Param) Product {
	return Product{params: append([]Param(nil), params...)}
}

func (p Product) Params() []Param {
	return append([]Param(nil), p.params...)
}

// Len is the number of combinations the product yields.
func (p Product) Len() int {
	n := 1
	for _, param := range p.params {
		n *= len(param.Values)
	}
	return n
}

// Iterator starts a fresh enumeration; products can be iterated any number of times.
func (p Product) Iterator() *Iterator {
	return &Iterator{params: p.params, total: p.Len()}
}

// All materializes the product.
func (p Product) All() []xm.Args {
	out := make([]xm.Args, 0, p.Len())
	for it := p.Iterator(); it.Next(); {
		out = append(out, it.Args())
	}
	return out
}

type Iterator struct {
	params  []Param
	total   int
	pos     int
	current xm.Args
}

func (it *Iterator) Next() bool {
	if it.pos >= it.total {
		return false
	}
	// decode pos as a mixed radix number, last parameter is the least significant digit
	indexes := make([]int, len(it.params))
	rem := it.pos
	for i := len(it.params) - 1; i >= 0; i-- {
		n := len(it.params[i].Values)
		indexes[i] = rem % n
		rem /= n
	}
	args := xm.NewArgs()
	for i, param := range it.params {
		args = args.Set(param.Name, param.Values[indexes[i]])
	}
	it.current = args
	it.pos++
	return true
}

func (it *Iterator) Args() xm.Args {
	return it.current
}

// FromYAML reads a mapping of parameter name to candidate list, preserving key order.
func FromYAML(node *yaml.Node) (Product, error) {
	if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return Product{}, fmt.Errorf("%w: sweep must be a mapping", exceptions.ErrMalformedInput)
	}
	var params []Param
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if value.Kind != yaml.SequenceNode {
			return Product{}, fmt.Errorf(
				"%w: sweep parameter [%s] must be a list", exceptions.ErrMalformedInput, key.Value)
		}
		var values []interface{}
		if err := value.Decode(&values); err != nil {
			return Product{}, fmt.Errorf("%w: sweep parameter [%s]: %v", exceptions.ErrMalformedInput, key.Value, err)
		}
		params = append(params, Param{Name: key.Value, Values: values})
	}
	return NewProduct(params...), nil
}
