package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/cache"
	"github.com/saiset-co/sai-cache/config"
	"github.com/saiset-co/sai-cache/cron"
	"github.com/saiset-co/sai-cache/events"
	"github.com/saiset-co/sai-cache/health"
	"github.com/saiset-co/sai-cache/logger"
	"github.com/saiset-co/sai-cache/metrics"
	"github.com/saiset-co/sai-cache/policy"
	"github.com/saiset-co/sai-cache/provider"
	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const (
	pruneIndexSpec = "0 */5 * * * *"
	cleanupSpec    = "30 */1 * * * *"
	purgeSpec      = "0 0 * * * *"
)

// Service composes the cache stack from a config file. Every component is
// wired explicitly; consumers reach the cache through Cache() and the
// observation surface through Monitor().
type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.LoggerManager
	config          *types.ServiceConfig
	policies        *policy.Registry
	providers       []types.CacheProvider
	manager         *cache.Manager
	monitor         *cache.Monitor
	metrics         types.MetricsManager
	exporter        *metrics.Exporter
	health          *health.Manager
	dispatcher      *events.Dispatcher
	cron            types.CronManager
	done            chan struct{}
	doneOnce        sync.Once
	wg              sync.WaitGroup
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewService(ctx context.Context, configPath string) (*Service, error) {
	configManager, err := config.NewConfigurationManager(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to load configuration")
	}
	serviceConfig := configManager.GetConfig()

	loggerManager, err := logger.NewManager(serviceConfig.Logger)
	if err != nil {
		return nil, types.WrapError(err, "failed to create logger")
	}

	serviceCtx, cancel := context.WithCancel(ctx)

	s := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		logger:          loggerManager,
		config:          serviceConfig,
		done:            make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
	}

	s.state.Store(StateStopped)

	if err := s.buildComponents(); err != nil {
		cancel()
		return nil, err
	}

	return s, nil
}

func (s *Service) buildComponents() error {
	cfg := s.config

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		metricsManager, err := metrics.NewMetricsManager(s.logger, cfg.Metrics)
		if err != nil {
			return types.WrapError(err, "failed to create metrics manager")
		}
		s.metrics = metricsManager
	}

	if cfg.Health != nil && cfg.Health.Enabled {
		s.health = health.NewManager(s.logger, cfg.Name, cfg.Version, cfg.Health)
	}

	if s.metrics != nil {
		exporter, err := metrics.NewExporter(s.logger, cfg.Metrics, s.metrics, s.health)
		if err != nil {
			return types.WrapError(err, "failed to create metrics exporter")
		}
		s.exporter = exporter
	}

	if cfg.Events != nil && cfg.Events.Enabled {
		dispatcher, err := events.NewDispatcher(s.ctx, s.logger, s.metrics, cfg.Events)
		if err != nil {
			return types.WrapError(err, "failed to create event dispatcher")
		}
		s.dispatcher = dispatcher
	}

	if cfg.Cache == nil || !cfg.Cache.Enabled {
		return types.ErrCacheIsDisabled
	}

	var healthManager types.HealthManager
	if s.health != nil {
		healthManager = s.health
	}

	for _, tier := range cfg.Cache.Tiers {
		p, err := provider.NewProvider(s.ctx, s.logger, tier, healthManager)
		if err != nil {
			return types.WrapError(err, "failed to create provider "+tier.Type)
		}
		s.providers = append(s.providers, p)
	}

	s.policies = policy.NewRegistry()
	if err := s.policies.FromConfig(cfg.Cache); err != nil {
		return types.WrapError(err, "failed to load cache policies")
	}

	var broker types.EventBroker
	if s.dispatcher != nil {
		broker = s.dispatcher
	}

	manager, err := cache.NewManager(s.ctx, s.logger, cfg.Cache, s.providers, s.policies, broker)
	if err != nil {
		return types.WrapError(err, "failed to create cache manager")
	}
	s.manager = manager
	s.monitor = cache.NewMonitor(manager, s.metrics)

	if s.dispatcher != nil {
		if err := s.subscribePeerEvents(); err != nil {
			return types.WrapError(err, "failed to subscribe to peer events")
		}
	}

	if cfg.Cron != nil && cfg.Cron.Enabled {
		cronManager, err := cron.NewManager(s.ctx, s.logger, s.metrics, cfg.Cron)
		if err != nil {
			return types.WrapError(err, "failed to create cron manager")
		}
		s.cron = cronManager

		if err := s.scheduleMaintenance(); err != nil {
			return types.WrapError(err, "failed to schedule maintenance jobs")
		}
	}

	return nil
}

// subscribePeerEvents applies invalidation events published by other cache
// instances to the local tiers. Remote events are applied without
// republishing so peers do not echo events back and forth.
func (s *Service) subscribePeerEvents() error {
	apply := func(message *types.EventMessage) error {
		payload := &types.InvalidationEvent{}
		if err := utils.UnmarshalConfig(message.Payload, payload); err != nil {
			return err
		}
		return s.manager.ApplyRemoteInvalidation(s.ctx, payload)
	}

	for _, event := range []string{
		types.EventInvalidateKey,
		types.EventInvalidateTag,
		types.EventInvalidateDependency,
		types.EventClearPattern,
	} {
		if err := s.dispatcher.Subscribe(event, apply); err != nil {
			return err
		}
	}

	return nil
}

func (s *Service) scheduleMaintenance() error {
	if err := s.cron.Add("cache_index_prune", pruneIndexSpec, func() {
		s.manager.PruneIndex(s.ctx)
	}); err != nil {
		return err
	}

	for _, p := range s.providers {
		p := p
		switch impl := p.(type) {
		case interface{ Cleanup() int }:
			name := "cache_cleanup_" + p.Name()
			if err := s.cron.Add(name, cleanupSpec, func() {
				impl.Cleanup()
			}); err != nil {
				return err
			}
		case interface {
			Purge(ctx context.Context) (int, error)
		}:
			name := "cache_purge_" + p.Name()
			if err := s.cron.Add(name, purgeSpec, func() {
				if _, err := impl.Purge(s.ctx); err != nil {
					s.logger.Warn("Expired entry purge failed",
						zap.String("provider", p.Name()), zap.Error(err))
				}
			}); err != nil {
				return err
			}
		}
	}

	return nil
}

// Start brings the components up in dependency order and blocks until the
// service is stopped by signal, Stop, or context cancellation.
func (s *Service) Start() error {
	if !s.state.CompareAndSwap(StateStopped, StateStarting) {
		return types.ErrComponentAlreadyRunning
	}

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				runErr = fmt.Errorf("service panic: %v", r)
				s.logger.Error("Service run panic", zap.String("stack", string(buf[:n])))
				s.state.Store(StateStopped)
			}
		}()

		runErr = s.run()
	}()

	return runErr
}

func (s *Service) run() error {
	s.logger.Info("Starting service",
		zap.String("name", s.config.Name),
		zap.String("version", s.config.Version))

	if err := s.startComponents(); err != nil {
		s.stopComponents()
		s.state.Store(StateStopped)
		return types.WrapError(err, "failed to start components")
	}

	s.state.Store(StateRunning)
	s.setupSignalHandling()

	s.wg.Add(1)
	go s.contextMonitor()

	s.logger.Info("Service started")

	<-s.done

	s.stopComponents()
	s.wg.Wait()
	s.state.Store(StateStopped)

	s.logger.Info("Service stopped")
	return nil
}

func (s *Service) Stop() error {
	if !s.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrComponentNotRunning
	}

	s.logger.Info("Stopping service")
	s.cancel()

	return nil
}

func (s *Service) IsRunning() bool {
	return s.state.Load().(State) == StateRunning
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Cache returns the cache surface with monitoring attached.
func (s *Service) Cache() types.CacheMonitor {
	return s.monitor
}

func (s *Service) Monitor() *cache.Monitor {
	return s.monitor
}

func (s *Service) Policies() *policy.Registry {
	return s.policies
}

func (s *Service) Health() types.HealthManager {
	if s.health == nil {
		return nil
	}
	return s.health
}

func (s *Service) Events() *events.Dispatcher {
	return s.dispatcher
}

func (s *Service) startComponents() error {
	if s.metrics != nil {
		if err := s.metrics.Start(); err != nil {
			return types.WrapError(err, "failed to start metrics manager")
		}
	}

	if s.health != nil {
		if err := s.health.Start(); err != nil {
			return types.WrapError(err, "failed to start health manager")
		}
	}

	if s.dispatcher != nil {
		if err := s.dispatcher.Start(); err != nil {
			s.logger.Error("Failed to start event dispatcher", zap.Error(err))
		}
	}

	if err := s.monitor.Start(); err != nil {
		return types.WrapError(err, "failed to start cache manager")
	}

	if s.cron != nil {
		if err := s.cron.Start(); err != nil {
			return types.WrapError(err, "failed to start cron manager")
		}
	}

	if s.exporter != nil {
		if err := s.exporter.Start(); err != nil {
			return types.WrapError(err, "failed to start metrics exporter")
		}
	}

	return nil
}

func (s *Service) stopComponents() {
	if s.exporter != nil && s.exporter.IsRunning() {
		if err := s.exporter.Stop(); err != nil {
			s.logger.Error("Failed to stop metrics exporter", zap.Error(err))
		}
	}

	if s.cron != nil && s.cron.IsRunning() {
		if err := s.cron.Stop(); err != nil {
			s.logger.Error("Failed to stop cron manager", zap.Error(err))
		}
	}

	if s.monitor != nil && s.monitor.IsRunning() {
		if err := s.monitor.Stop(); err != nil {
			s.logger.Error("Failed to stop cache manager", zap.Error(err))
		}
	}

	if s.dispatcher != nil && s.dispatcher.IsRunning() {
		if err := s.dispatcher.Stop(); err != nil {
			s.logger.Error("Failed to stop event dispatcher", zap.Error(err))
		}
	}

	if s.health != nil && s.health.IsRunning() {
		if err := s.health.Stop(); err != nil {
			s.logger.Error("Failed to stop health manager", zap.Error(err))
		}
	}

	if s.metrics != nil && s.metrics.IsRunning() {
		if err := s.metrics.Stop(); err != nil {
			s.logger.Error("Failed to stop metrics manager", zap.Error(err))
		}
	}

	if syncer, ok := s.logger.(interface{ Sync() error }); ok {
		_ = syncer.Sync()
	}
}

func (s *Service) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case sig := <-sigChan:
			s.logger.Info("Received signal", zap.String("signal", sig.String()))
			s.cancel()
		case <-s.ctx.Done():
		}

		signal.Stop(sigChan)
	}()
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()

	<-s.ctx.Done()
	s.doneOnce.Do(func() {
		close(s.done)
	})
}
