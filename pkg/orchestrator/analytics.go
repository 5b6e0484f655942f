package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// AnalyticsFunc is an externally supplied analysis routine. Its input and
// output are opaque to the orchestrator.
type AnalyticsFunc func(ctx context.Context, input any) (any, error)

type analyticsRegistry struct {
	mu    sync.RWMutex
	funcs map[string]AnalyticsFunc
}

func (r *analyticsRegistry) register(name string, fn AnalyticsFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("analytics function needs a name and a body")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.funcs == nil {
		r.funcs = make(map[string]AnalyticsFunc)
	}
	r.funcs[name] = fn
	return nil
}

func (r *analyticsRegistry) lookup(name string) (AnalyticsFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

func (r *analyticsRegistry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
