package task

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"sync"
)

// Func is a task body. Cron tasks receive an empty kwargs map.
type Func func(ctx context.Context, kwargs map[string]any) error

// Definition pairs a registered function with its name.
type Definition struct {
	Name string
	Fn   Func
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Registry maps stable task names to functions. It is populated at start-up
// and only read afterwards; it is safe for concurrent use either way.
type Registry struct {
	mu        sync.RWMutex
	byName    map[string]Func
	byPtr     map[uintptr]string
	ambiguous map[uintptr]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:    make(map[string]Func),
		byPtr:     make(map[uintptr]string),
		ambiguous: make(map[uintptr]bool),
	}
}

// Register adds fn under name.
func (r *Registry) Register(name string, fn Func) (*Definition, error) {
	if !namePattern.MatchString(name) {
		return nil, fmt.Errorf("invalid task name %q", name)
	}
	if fn == nil {
		return nil, fmt.Errorf("task %q: nil function", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return nil, fmt.Errorf("task %q already registered", name)
	}
	r.byName[name] = fn
	// Closures from one factory and method values of one method share a code
	// pointer, so a pointer seen under two names cannot be reversed.
	ptr := funcPtr(fn)
	if _, ok := r.byPtr[ptr]; ok {
		r.ambiguous[ptr] = true
	} else {
		r.byPtr[ptr] = name
	}
	return &Definition{Name: name, Fn: fn}, nil
}

// MustRegister is Register for start-up code; it panics on error.
func (r *Registry) MustRegister(name string, fn Func) *Definition {
	def, err := r.Register(name, fn)
	if err != nil {
		panic(err)
	}
	return def
}

// Resolve returns the function registered under name.
func (r *Registry) Resolve(name string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnresolvableTask, name)
	}
	return fn, nil
}

// NameOf returns the name a function value was registered under. It fails
// when the function's code is registered under more than one name; callers
// then have to pass the *Definition or the name instead.
func (r *Registry) NameOf(fn Func) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("%w: nil function", ErrUnresolvableTask)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ptr := funcPtr(fn)
	if r.ambiguous[ptr] {
		return "", fmt.Errorf("%w: ambiguous function reference, pass the *task.Definition or the name", ErrUnresolvableTask)
	}
	name, ok := r.byPtr[ptr]
	if !ok {
		return "", fmt.Errorf("%w: function is not registered", ErrUnresolvableTask)
	}
	return name, nil
}

// Names lists registered task names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func funcPtr(fn Func) uintptr {
	return reflect.ValueOf(fn).Pointer()
}
