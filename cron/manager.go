package cron

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Manager schedules the cache maintenance jobs (index pruning, expired
// entry sweeps) on cron expressions with seconds precision.
type Manager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	cron            *cron.Cron
	timezone        *time.Location
	jobs            map[string]*jobRecord
	state           atomic.Value
	mu              sync.RWMutex
	shutdownTimeout time.Duration
}

type jobRecord struct {
	id    cron.EntryID
	entry types.JobEntry
}

func NewManager(ctx context.Context, logger types.Logger, metrics types.MetricsManager, config *types.CronConfig) (types.CronManager, error) {
	timezone := time.UTC
	if config != nil && config.Timezone != "" {
		loc, err := time.LoadLocation(config.Timezone)
		if err != nil {
			logger.Warn("Unknown cron timezone, falling back to UTC",
				zap.String("timezone", config.Timezone))
		} else {
			timezone = loc
		}
	}

	cronLog := safeCronLogger{logger: logger}

	managerCtx, cancel := context.WithCancel(ctx)

	manager := &Manager{
		ctx:     managerCtx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		cron: cron.New(
			cron.WithLocation(timezone),
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cronLog)),
		),
		timezone:        timezone,
		jobs:            make(map[string]*jobRecord),
		shutdownTimeout: 10 * time.Second,
	}

	manager.state.Store(StateStopped)

	return manager, nil
}

func (m *Manager) Add(jobName, spec string, job func()) error {
	if jobName == "" {
		return types.ErrCronJobNameIsEmpty
	}
	if job == nil {
		return types.ErrCronJobIsNil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[jobName]; exists {
		return types.Errorf(types.ErrCronJobExists, "job: %s", jobName)
	}

	record := &jobRecord{
		entry: types.JobEntry{
			Name:    jobName,
			Spec:    spec,
			AddedAt: time.Now(),
		},
	}

	id, err := m.cron.AddFunc(spec, m.wrapJob(jobName, record, job))
	if err != nil {
		return types.Errorf(types.ErrCronExpressionInvalid, "spec %q: %v", spec, err)
	}

	record.id = id
	record.entry.ID = id
	m.jobs[jobName] = record

	m.logger.Info("Cron job added",
		zap.String("job", jobName), zap.String("spec", spec))
	return nil
}

func (m *Manager) Remove(jobName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, exists := m.jobs[jobName]
	if !exists {
		return types.Errorf(types.ErrCronJobNameIsEmpty, "job not found: %s", jobName)
	}

	m.cron.Remove(record.id)
	delete(m.jobs, jobName)

	m.logger.Info("Cron job removed", zap.String("job", jobName))
	return nil
}

func (m *Manager) Jobs() []types.JobEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]types.JobEntry, 0, len(m.jobs))
	for _, record := range m.jobs {
		entry := record.entry
		entry.NextRun = m.cron.Entry(record.id).Next
		entries = append(entries, entry)
	}
	return entries
}

func (m *Manager) Start() error {
	if !m.state.CompareAndSwap(StateStopped, StateStarting) {
		return types.ErrComponentAlreadyRunning
	}

	m.cron.Start()
	m.state.Store(StateRunning)

	m.logger.Info("Cron manager started", zap.String("timezone", m.timezone.String()))
	return nil
}

func (m *Manager) Stop() error {
	if !m.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrComponentNotRunning
	}

	defer func() {
		m.state.Store(StateStopped)
	}()

	m.cancel()

	stopCtx := m.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(m.shutdownTimeout):
		m.logger.Warn("Cron jobs did not finish before shutdown")
	}

	m.logger.Info("Cron manager stopped")
	return nil
}

func (m *Manager) IsRunning() bool {
	return m.state.Load().(State) == StateRunning
}

func (m *Manager) wrapJob(jobName string, record *jobRecord, job func()) func() {
	return func() {
		if m.state.Load().(State) != StateRunning {
			return
		}

		start := time.Now()
		job()
		elapsed := time.Since(start)

		m.mu.Lock()
		record.entry.LastRun = start
		record.entry.LastDuration = elapsed
		record.entry.RunCount++
		m.mu.Unlock()

		if m.metrics != nil {
			m.metrics.Counter("cron_job_runs_total", map[string]string{"job": jobName}).Inc()
			m.metrics.Histogram("cron_job_duration_seconds",
				[]float64{0.001, 0.01, 0.1, 1.0, 10.0}, map[string]string{"job": jobName}).Observe(elapsed.Seconds())
		}

		m.logger.Debug("Cron job completed",
			zap.String("job", jobName), zap.Duration("duration", elapsed))
	}
}

// safeCronLogger adapts the service logger to the cron recovery chain.
type safeCronLogger struct {
	logger types.Logger
}

func (l safeCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l safeCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
