package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-cache/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Manager aggregates the health checkers registered by the cache tiers and
// other components into one report. Checks run concurrently under a shared
// timeout.
type Manager struct {
	logger       types.Logger
	serviceName  string
	version      string
	checkers     map[string]types.HealthChecker
	results      map[string]types.HealthCheck
	startTime    time.Time
	mu           sync.RWMutex
	state        atomic.Value
	checkTimeout time.Duration
}

func NewManager(logger types.Logger, serviceName, version string, config *types.HealthConfig) *Manager {
	checkTimeout := 5 * time.Second
	if config != nil && config.Timeout > 0 {
		checkTimeout = config.Timeout
	}

	manager := &Manager{
		logger:       logger,
		serviceName:  serviceName,
		version:      version,
		checkers:     make(map[string]types.HealthChecker),
		results:      make(map[string]types.HealthCheck),
		checkTimeout: checkTimeout,
	}

	manager.state.Store(StateStopped)

	return manager
}

func (hm *Manager) RegisterChecker(name string, checker types.HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.checkers[name] = checker
}

func (hm *Manager) Check(ctx context.Context) types.HealthReport {
	hm.mu.RLock()
	checkers := make(map[string]types.HealthChecker, len(hm.checkers))
	for name, checker := range hm.checkers {
		checkers[name] = checker
	}
	hm.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, hm.checkTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(checkCtx)
	results := make(map[string]types.HealthCheck, len(checkers))
	var resultMu sync.Mutex

	for name, checker := range checkers {
		name, checker := name, checker
		g.Go(func() error {
			result := hm.executeCheck(gCtx, name, checker)

			resultMu.Lock()
			results[name] = result
			resultMu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		hm.logger.Warn("Health checks did not all complete", zap.Error(err))
	}

	hm.mu.Lock()
	hm.results = results
	hm.mu.Unlock()

	return hm.buildReport(results)
}

func (hm *Manager) Start() error {
	if !hm.state.CompareAndSwap(StateStopped, StateStarting) {
		return types.ErrComponentAlreadyRunning
	}

	hm.startTime = time.Now()
	hm.state.Store(StateRunning)

	hm.logger.Info("Health manager started")
	return nil
}

func (hm *Manager) Stop() error {
	if !hm.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrComponentNotRunning
	}

	hm.state.Store(StateStopped)

	hm.logger.Info("Health manager stopped")
	return nil
}

func (hm *Manager) IsRunning() bool {
	return hm.state.Load().(State) == StateRunning
}

func (hm *Manager) executeCheck(ctx context.Context, name string, checker types.HealthChecker) types.HealthCheck {
	start := time.Now()

	done := make(chan types.HealthCheck, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				hm.logger.Error("Health checker panicked", zap.String("checker", name), zap.Any("panic", r))
				done <- types.HealthCheck{
					Name:    name,
					Status:  types.StatusUnhealthy,
					Message: "checker panicked",
				}
			}
		}()
		done <- checker(ctx)
	}()

	var check types.HealthCheck
	select {
	case check = <-done:
	case <-ctx.Done():
		check = types.HealthCheck{
			Name:    name,
			Status:  types.StatusUnknown,
			Message: types.ErrHealthCheckTimeout.Error(),
		}
	}

	check.Name = name
	check.LastCheck = time.Now()
	check.Duration = time.Since(start)

	return check
}

func (hm *Manager) buildReport(results map[string]types.HealthCheck) types.HealthReport {
	report := types.HealthReport{
		Status:    types.StatusHealthy,
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime),
		Service: types.ServiceInfo{
			Name:    hm.serviceName,
			Version: hm.version,
		},
		Checks: results,
	}

	for _, check := range results {
		report.Summary.Total++
		switch check.Status {
		case types.StatusHealthy:
			report.Summary.Healthy++
		case types.StatusUnhealthy:
			report.Summary.Unhealthy++
			report.Status = types.StatusUnhealthy
		default:
			report.Summary.Unknown++
			if report.Status == types.StatusHealthy {
				report.Status = types.StatusUnknown
			}
		}
	}

	return report
}
