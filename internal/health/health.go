// Package health runs the named dependency checks behind /health.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status represents the health of a single dependency.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Checker probes one dependency.
type Checker func(ctx context.Context) Status

// Registry holds named checkers. Checks run concurrently so one slow
// dependency does not hide the others.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named checker. Results are reported in registration order.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker and reports whether all passed. A checker that
// panics is reported unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = run(ctx, nc)
		}()
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func run(ctx context.Context, nc namedChecker) (st Status) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			st = Status{Healthy: false, Detail: fmt.Sprintf("check panicked: %v", p)}
		}
		st.Name = nc.name
		st.LatencyMs = time.Since(start).Milliseconds()
	}()
	return nc.check(ctx)
}
