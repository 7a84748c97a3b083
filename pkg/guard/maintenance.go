package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultMaintenanceSchedule = "@every 1m"

// maintenance runs the guard's periodic housekeeping: evicting retired runs
// whose grace window elapsed and probing a degraded persistence backend.
type maintenance struct {
	guard *Guard
	cron  *cron.Cron

	mu      sync.Mutex
	running bool
}

func startMaintenance(g *Guard, schedule string) (*maintenance, error) {
	m := &maintenance{guard: g}
	if schedule == "" {
		schedule = defaultMaintenanceSchedule
	}
	if schedule == "-" {
		return m, nil
	}
	m.cron = cron.New()
	if _, err := m.cron.AddFunc(schedule, m.run); err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", schedule, err)
	}
	m.cron.Start()
	m.running = true
	g.logger.Debug("maintenance started", "schedule", schedule)
	return m, nil
}

func (m *maintenance) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if evicted := m.guard.tracker.EvictRetired(); evicted > 0 {
		m.guard.logger.Debug("retired runs evicted", "count", evicted)
	}
	m.guard.tracker.RecoverStore(ctx)
}

func (m *maintenance) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil && m.running {
		<-m.cron.Stop().Done()
		m.running = false
		m.guard.logger.Debug("maintenance stopped")
	}
}
