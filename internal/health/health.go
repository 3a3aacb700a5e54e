// Package health provides a registry of named subsystem health checkers.
//
// Checkers are either critical (the database) or advisory (payment
// providers). A failing advisory checker degrades the service without
// failing readiness, since the failover manager can route around a
// single gateway outage.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Report is the aggregate result of CheckAll.
type Report struct {
	// Healthy is false when any critical checker failed.
	Healthy bool `json:"healthy"`
	// Degraded is true when any advisory checker failed.
	Degraded bool     `json:"degraded"`
	Checks   []Status `json:"checks"`
}

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name     string
	critical bool
	check    Checker
}

// NewRegistry creates a new health check registry. Each checker gets
// timeout to answer; zero means 5s.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Register adds a critical health checker.
func (r *Registry) Register(name string, check Checker) {
	r.add(name, true, check)
}

// RegisterAdvisory adds a checker whose failure only degrades the service.
func (r *Registry) RegisterAdvisory(name string, check Checker) {
	r.add(name, false, check)
}

func (r *Registry) add(name string, critical bool, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, critical: critical, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and aggregates them.
// Results keep registration order.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses := make([]Status, len(checkers))
	var g errgroup.Group
	for i, nc := range checkers {
		i, nc := i, nc
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			st := nc.check(cctx)
			if st.Name == "" {
				st.Name = nc.name
			}
			st.Critical = nc.critical
			statuses[i] = st
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Healthy: true, Checks: statuses}
	for _, st := range statuses {
		if st.Healthy {
			continue
		}
		if st.Critical {
			report.Healthy = false
		} else {
			report.Degraded = true
		}
	}
	return report
}
