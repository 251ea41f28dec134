package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Manager runs registered checkers on demand and in the background.
type Manager struct {
	checkers    map[string]Checker
	lastResults map[string]CheckResult
	interval    time.Duration
	cancel      context.CancelFunc
	done        chan struct{}
	logger      *zap.Logger
	mu          sync.RWMutex
}

// NewManager creates a manager that refreshes results every interval once started.
func NewManager(interval time.Duration, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers:    make(map[string]Checker),
		lastResults: make(map[string]CheckResult),
		interval:    interval,
		logger:      logger,
	}
}

// RegisterChecker adds a checker. Names must be unique.
func (m *Manager) RegisterChecker(checker Checker) error {
	name := checker.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = checker
	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", checker.IsCritical()),
		zap.Duration("timeout", checker.Timeout()),
	)
	return nil
}

// Names returns the registered checker names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetOverallHealth runs every check and returns only the aggregate.
func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	start := time.Now()
	detailed := m.GetDetailedHealth(ctx)
	overall := detailed.Overall
	overall.Timestamp = detailed.Timestamp
	overall.Duration = time.Since(start)
	return overall
}

// GetDetailedHealth runs every check concurrently and aggregates the results.
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	timestamp := time.Now()
	components := m.runAll(ctx)

	summary := HealthSummary{Total: len(components)}
	for _, result := range components {
		switch result.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
		case StatusUnhealthy:
			summary.Unhealthy++
		}
		if result.Critical {
			summary.Critical++
		} else {
			summary.NonCritical++
		}
	}

	m.mu.Lock()
	for name, result := range components {
		m.lastResults[name] = result
	}
	m.mu.Unlock()

	overall := calculateOverallStatus(components, summary)
	overall.Timestamp = timestamp
	return DetailedHealth{
		Overall:    overall,
		Components: components,
		Summary:    summary,
		Timestamp:  timestamp,
	}
}

func (m *Manager) runAll(ctx context.Context) map[string]CheckResult {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		i, c := i, c
		g.Go(func() error {
			results[i] = runSingleCheck(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]CheckResult, len(results))
	for _, r := range results {
		out[r.Component] = r
	}
	return out
}

func runSingleCheck(ctx context.Context, checker Checker) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, checker.Timeout())
	defer cancel()

	start := time.Now()
	result := checker.Check(checkCtx)
	if checkCtx.Err() == context.DeadlineExceeded && result.Status == StatusHealthy {
		result.Status = StatusUnhealthy
		result.Error = "check timed out"
	}
	result.Component = checker.Name()
	result.Critical = checker.IsCritical()
	result.Duration = time.Since(start)
	result.Timestamp = start
	return result
}

func calculateOverallStatus(components map[string]CheckResult, summary HealthSummary) OverallHealth {
	if summary.Total == 0 {
		return OverallHealth{Status: StatusUnknown, Message: "No health checks registered", Live: true}
	}

	criticalFailures, nonCriticalFailures, degraded := 0, 0, 0
	for _, result := range components {
		switch {
		case result.Status == StatusDegraded:
			degraded++
		case result.Status == StatusUnhealthy && result.Critical:
			criticalFailures++
		case result.Status == StatusUnhealthy:
			nonCriticalFailures++
		}
	}

	switch {
	case criticalFailures > 0:
		// Alive but not ready.
		return OverallHealth{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("%d critical component(s) failing", criticalFailures),
			Live:    true,
		}
	case degraded > 0:
		return OverallHealth{
			Status:   StatusDegraded,
			Message:  fmt.Sprintf("%d component(s) degraded", degraded),
			Degraded: true,
			Ready:    true,
			Live:     true,
		}
	case nonCriticalFailures > 0:
		return OverallHealth{
			Status:   StatusDegraded,
			Message:  fmt.Sprintf("%d non-critical component(s) failing", nonCriticalFailures),
			Degraded: true,
			Ready:    true,
			Live:     true,
		}
	default:
		return OverallHealth{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("All %d components healthy", summary.Total),
			Ready:   true,
			Live:    true,
		}
	}
}

// IsReady reports whether no critical dependency is failing.
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Ready
}

// GetLastResults returns a copy of the most recent results.
func (m *Manager) GetLastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CheckResult, len(m.lastResults))
	for k, v := range m.lastResults {
		out[k] = v
	}
	return out
}

// Start refreshes results in the background until Stop or ctx is done.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	m.logger.Info("Health manager started",
		zap.Duration("check_interval", m.interval),
		zap.Int("registered_checkers", len(m.Names())),
	)

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				overall := m.GetOverallHealth(ctx)
				if overall.Status != StatusHealthy {
					m.logger.Warn("Health check degraded",
						zap.String("status", overall.Status.String()),
						zap.String("message", overall.Message),
					)
				}
			}
		}
	}()
}

// Stop halts background checking and waits for the loop to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("Health manager stopped")
}
