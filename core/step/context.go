package step

import (
	"fmt"
	"sort"
)

// Context is an immutable snapshot of named parameters. With returns a new
// Context; the receiver is never modified.
type Context struct {
	vals map[string]any
}

// NewContext builds a Context from key/value pairs.
func NewContext(kv map[string]any) Context {
	c := Context{vals: make(map[string]any, len(kv))}
	for k, v := range kv {
		c.vals[k] = v
	}
	return c
}

// With returns a copy of c with key set to v.
func (c Context) With(key string, v any) Context {
	out := Context{vals: make(map[string]any, len(c.vals)+1)}
	for k, old := range c.vals {
		out.vals[k] = old
	}
	out.vals[key] = v
	return out
}

// Get returns the raw value stored under key.
func (c Context) Get(key string) (any, bool) {
	v, ok := c.vals[key]
	return v, ok
}

// Has reports whether key is set.
func (c Context) Has(key string) bool {
	_, ok := c.vals[key]
	return ok
}

// Keys lists the parameter names in order.
func (c Context) Keys() []string {
	out := make([]string, 0, len(c.vals))
	for k := range c.vals {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Missing returns the keys of required that are not set.
func (c Context) Missing(required []string) []string {
	var out []string
	for _, k := range required {
		if !c.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// Value returns the parameter key as a T.
func Value[T any](c Context, key string) (T, error) {
	var zero T
	raw, ok := c.vals[key]
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrMissingParameter, key)
	}
	v, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T", ErrParameterType, key, raw)
	}
	return v, nil
}

// ValueOr returns the parameter key as a T, or def when it is absent.
func ValueOr[T any](c Context, key string, def T) T {
	if v, err := Value[T](c, key); err == nil {
		return v
	}
	return def
}
