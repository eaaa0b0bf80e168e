// Package isolate models parallel execution domains. Each domain owns
// private storage that only code running in that domain touches; the
// process-wide main domain is used when no other domain is in scope.
package isolate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Domain is an independently scheduled execution context.
type Domain struct {
	id   uint32
	name string

	mu     sync.Mutex
	locals map[any]any
	closed bool
}

var (
	nextID   atomic.Uint32
	regMu    sync.Mutex
	registry = map[uint32]*Domain{}

	mainOnce   sync.Once
	mainDomain *Domain
)

// Main returns the process domain.
func Main() *Domain {
	mainOnce.Do(func() {
		mainDomain = register("main")
	})
	return mainDomain
}

// New creates and registers a domain.
func New(name string) *Domain {
	Main()
	return register(name)
}

func register(name string) *Domain {
	d := &Domain{
		id:     nextID.Add(1),
		name:   name,
		locals: make(map[any]any),
	}
	regMu.Lock()
	registry[d.id] = d
	regMu.Unlock()
	return d
}

// ID returns the domain's unique identifier. Main has ID 1.
func (d *Domain) ID() uint32 { return d.id }

// Name returns the name the domain was created with.
func (d *Domain) Name() string { return d.name }

func (d *Domain) String() string {
	return fmt.Sprintf("%s#%d", d.name, d.id)
}

// Close unregisters the domain and drops its local storage. Main cannot be
// closed.
func (d *Domain) Close() {
	if d == Main() {
		return
	}
	regMu.Lock()
	delete(registry, d.id)
	regMu.Unlock()

	d.mu.Lock()
	d.locals = map[any]any{}
	d.closed = true
	d.mu.Unlock()
}

// Closed reports whether Close was called.
func (d *Domain) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Each visits every registered domain in ID order until fn returns false.
func Each(fn func(d *Domain) bool) {
	regMu.Lock()
	list := make([]*Domain, 0, len(registry))
	for _, d := range registry {
		list = append(list, d)
	}
	regMu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	for _, d := range list {
		if !fn(d) {
			return
		}
	}
}

// Local returns the domain-local value stored under key.
func (d *Domain) Local(key any) (any, bool) {
	d.mu.Lock()
	v, ok := d.locals[key]
	d.mu.Unlock()
	return v, ok
}

// LoadOrStoreLocal returns the value under key, storing the result of init
// first when the key is absent.
func (d *Domain) LoadOrStoreLocal(key any, init func() any) any {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := d.locals[key]; ok {
		return v
	}
	v := init()
	d.locals[key] = v
	return v
}

// SetLocal stores v under key.
func (d *Domain) SetLocal(key, v any) {
	d.mu.Lock()
	d.locals[key] = v
	d.mu.Unlock()
}

// DeleteLocal removes key.
func (d *Domain) DeleteLocal(key any) {
	d.mu.Lock()
	delete(d.locals, key)
	d.mu.Unlock()
}

// EachLocal visits the domain's local values. It is meant for the collector
// and runs fn with the domain's storage locked.
func (d *Domain) EachLocal(fn func(key, v any) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range d.locals {
		if !fn(k, v) {
			return
		}
	}
}

type ctxKey struct{}

// WithDomain returns a context running in d.
func WithDomain(ctx context.Context, d *Domain) context.Context {
	return context.WithValue(ctx, ctxKey{}, d)
}

// FromContext returns the domain of ctx, or Main when none is set.
func FromContext(ctx context.Context) *Domain {
	if ctx != nil {
		if d, ok := ctx.Value(ctxKey{}).(*Domain); ok && d != nil {
			return d
		}
	}
	return Main()
}
