package step

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/kilianp07/flexplan/core/factory"
)

// Step is one pluggable piece of business logic.
type Step interface {
	// Requires lists the parameters that must be present before Invoke runs.
	Requires() []string
	Invoke(ctx context.Context, in Context) (Context, error)
}

// Func adapts a function to Step.
type Func struct {
	Required []string
	Fn       func(ctx context.Context, in Context) (Context, error)
}

func (f Func) Requires() []string { return f.Required }

func (f Func) Invoke(ctx context.Context, in Context) (Context, error) { return f.Fn(ctx, in) }

var registry = factory.NewRegistry[Step]()

// Register adds a step implementation under a stable name.
func Register(name string, f factory.Factory[Step]) error {
	return registry.Register(name, f)
}

// Implementations lists the registered implementation names.
func Implementations() []string { return registry.Names() }

// Bindings maps step keys to the implementation serving them.
type Bindings map[string]factory.ModuleConfig

// Resolve instantiates one implementation per bound key. Every key in
// required must be bound. Any failure is a ConfigurationError.
func Resolve(b Bindings, required ...string) (map[string]Step, error) {
	for _, k := range required {
		if _, ok := b[k]; !ok {
			return nil, &ConfigurationError{Step: k, Err: fmt.Errorf("%w: key not bound", ErrUnknownStep)}
		}
	}
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]Step, len(b))
	for _, k := range keys {
		cfg := b[k]
		s, err := registry.Create(cfg)
		if err != nil {
			if errors.Is(err, factory.ErrUnknownType) {
				err = fmt.Errorf("%w: implementation %q", ErrUnknownStep, cfg.Type)
			}
			return nil, &ConfigurationError{Step: k, Err: err}
		}
		out[k] = s
	}
	return out, nil
}
