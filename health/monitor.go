package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Check computes the current status of one component.
type Check func(ctx context.Context) Status

// DefaultCheckTimeout bounds a Refresh triggered by HealthFunc.
const DefaultCheckTimeout = 2 * time.Second

// Monitor tracks health of multiple components in a thread-safe manner.
// Statuses are either pushed with Update or pulled from registered checks by
// Refresh.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	checks   map[string]Check
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		checks:   make(map[string]Check),
	}
}

// Update updates the health status for a named component
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// UpdateHealthy is a convenience method to update a component as healthy
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateDegraded is a convenience method to update a component as degraded
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Register adds a check that Refresh evaluates for name. Registering a name
// twice replaces the earlier check.
func (m *Monitor) Register(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Refresh runs every registered check and stores the results. A check that
// panics marks its component unhealthy.
func (m *Monitor) Refresh(ctx context.Context) {
	m.mu.RLock()
	checks := make(map[string]Check, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	m.mu.RUnlock()

	for name, check := range checks {
		m.Update(name, runCheck(ctx, name, check))
	}
}

func runCheck(ctx context.Context, name string, check Check) (status Status) {
	defer func() {
		if r := recover(); r != nil {
			status = FromError(name, fmt.Errorf("check panicked: %v", r))
		}
	}()
	return check(ctx)
}

// Get retrieves the health status for a named component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[name]
	return status, exists
}

// Remove removes a component and its check from monitoring
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.statuses, name)
	delete(m.checks, name)
}

// AggregateHealth returns an aggregated health status for the entire system.
// Sub-statuses are ordered by component name.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	subStatuses := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subStatuses = append(subStatuses, status)
	}
	m.mu.RUnlock()

	sort.Slice(subStatuses, func(i, j int) bool {
		return subStatuses[i].Component < subStatuses[j].Component
	})
	return Aggregate(systemName, subStatuses)
}

// HealthFunc returns a function suitable for the metrics server /health
// endpoint. Each call refreshes the checks and reports the aggregate; only an
// unhealthy aggregate counts as failing.
func (m *Monitor) HealthFunc(systemName string) func() (any, bool) {
	return func() (any, bool) {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultCheckTimeout)
		defer cancel()
		m.Refresh(ctx)
		status := m.AggregateHealth(systemName)
		return status, !status.IsUnhealthy()
	}
}

// ListComponents returns the sorted names of all monitored components
func (m *Monitor) ListComponents() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.statuses))
	for name := range m.statuses {
		names = append(names, name)
	}
	m.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Count returns the number of components being monitored
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.statuses)
}

// Clear removes all statuses. Registered checks are kept.
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statuses = make(map[string]Status)
}
