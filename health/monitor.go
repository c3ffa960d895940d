// Package health tracks whether the databases a node writes to are reachable.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mevdschee/tqdbsync/logging"
)

// Pinger is implemented by *sql.DB
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Monitor periodically pings a set of named databases
type Monitor struct {
	targets map[string]Pinger
	healthy map[string]bool
	timeout time.Duration
	mu      sync.RWMutex
	log     zerolog.Logger
}

// NewMonitor creates a monitor. Targets start out healthy.
func NewMonitor(targets map[string]Pinger, timeout time.Duration) *Monitor {
	m := &Monitor{
		targets: make(map[string]Pinger, len(targets)),
		healthy: make(map[string]bool, len(targets)),
		timeout: timeout,
		log:     logging.New("health"),
	}
	for name, p := range targets {
		m.targets[name] = p
		m.healthy[name] = true
	}
	return m
}

// UpdateTargets replaces the monitored databases on config reload.
// Targets that remain keep their status.
func (m *Monitor) UpdateTargets(targets map[string]Pinger) {
	m.mu.Lock()
	defer m.mu.Unlock()

	healthy := make(map[string]bool, len(targets))
	for name := range targets {
		if status, ok := m.healthy[name]; ok {
			healthy[name] = status
		} else {
			healthy[name] = true
		}
	}
	m.targets = make(map[string]Pinger, len(targets))
	for name, p := range targets {
		m.targets[name] = p
	}
	m.healthy = healthy
}

// MarkUnhealthy marks a target as unhealthy
func (m *Monitor) MarkUnhealthy(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if was, ok := m.healthy[name]; ok {
		m.healthy[name] = false
		if was {
			m.log.Warn().Str("target", name).Err(err).Msg("Database unreachable")
		}
	}
}

// MarkHealthy marks a target as healthy
func (m *Monitor) MarkHealthy(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if was, ok := m.healthy[name]; ok {
		m.healthy[name] = true
		if !was {
			m.log.Info().Str("target", name).Msg("Database reachable again")
		}
	}
}

// IsHealthy returns whether a target is healthy
func (m *Monitor) IsHealthy(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy[name]
}

// Unhealthy returns the names of the unhealthy targets in sorted order
func (m *Monitor) Unhealthy() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for name, ok := range m.healthy {
		if !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// PingContext checks every target now and fails when any is unreachable,
// so a Monitor can back the health endpoint
func (m *Monitor) PingContext(ctx context.Context) error {
	m.CheckAll(ctx)
	if down := m.Unhealthy(); len(down) > 0 {
		return &UnreachableError{Targets: down}
	}
	return nil
}

// StartHealthChecks checks all targets every interval until ctx is done
func (m *Monitor) StartHealthChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.CheckAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll pings every target concurrently and waits for the results
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.RLock()
	targets := make(map[string]Pinger, len(m.targets))
	for name, p := range m.targets {
		targets[name] = p
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for name, p := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.check(ctx, name, p)
		}()
	}
	wg.Wait()
}

func (m *Monitor) check(ctx context.Context, name string, p Pinger) {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	if err := p.PingContext(ctx); err != nil {
		m.MarkUnhealthy(name, err)
		return
	}
	m.MarkHealthy(name)
}
