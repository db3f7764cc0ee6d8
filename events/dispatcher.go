package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
)

// Dispatcher fans cache invalidation events out to the configured sinks:
// a websocket broker linking cache instances and webhook subscribers. Sink
// failures are logged, never propagated into the cache path.
type Dispatcher struct {
	logger   types.Logger
	metrics  types.MetricsManager
	broker   types.EventDispatcher
	webhooks *WebhookManager
	mu       sync.RWMutex
	running  int32
}

func NewDispatcher(ctx context.Context, logger types.Logger, metrics types.MetricsManager, config *types.EventsConfig) (*Dispatcher, error) {
	if config == nil || !config.Enabled {
		return nil, types.ErrEventsNotInitialized
	}

	dispatcher := &Dispatcher{
		logger:  logger,
		metrics: metrics,
	}

	if config.Webhook {
		webhooks, err := NewWebhookManager(ctx, logger, metrics, config)
		if err != nil {
			return nil, types.WrapError(err, "failed to create webhook manager")
		}
		dispatcher.webhooks = webhooks
	}

	if config.WebSocket {
		broker, err := NewWebSocketBroker(ctx, logger, metrics, config)
		if err != nil {
			return nil, types.WrapError(err, "failed to create websocket broker")
		}
		dispatcher.broker = broker
	}

	return dispatcher, nil
}

// Webhooks exposes the webhook subscription store for registration.
func (d *Dispatcher) Webhooks() *WebhookManager {
	return d.webhooks
}

func (d *Dispatcher) Publish(event string, payload interface{}) error {
	if !d.IsRunning() {
		return types.ErrEventsNotInitialized
	}

	start := time.Now()

	var wg sync.WaitGroup
	var failed int32

	d.mu.RLock()
	broker := d.broker
	webhooks := d.webhooks
	d.mu.RUnlock()

	if broker != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := broker.Publish(event, payload); err != nil {
				atomic.AddInt32(&failed, 1)
				d.logger.Error("Broker publish failed",
					zap.String("event", event), zap.Error(err))
			}
		}()
	}

	if webhooks != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := webhooks.Notify(event, payload); err != nil {
				atomic.AddInt32(&failed, 1)
				d.logger.Error("Webhook notification failed",
					zap.String("event", event), zap.Error(err))
			}
		}()
	}

	wg.Wait()

	result := "success"
	if atomic.LoadInt32(&failed) > 0 {
		result = "partial"
	}
	d.recordMetric("publish", result, event, time.Since(start))

	return nil
}

func (d *Dispatcher) Subscribe(event string, handler types.EventHandler) error {
	d.mu.RLock()
	broker := d.broker
	d.mu.RUnlock()

	if broker == nil {
		return types.NewErrorf("no broker available for subscriptions")
	}

	return broker.Subscribe(event, handler)
}

func (d *Dispatcher) Unsubscribe(event string) error {
	if !d.IsRunning() {
		return types.ErrEventsNotInitialized
	}

	d.mu.RLock()
	broker := d.broker
	d.mu.RUnlock()

	if broker == nil {
		return types.NewErrorf("no broker available for unsubscriptions")
	}

	return broker.Unsubscribe(event)
}

func (d *Dispatcher) Start() error {
	if !atomic.CompareAndSwapInt32(&d.running, 0, 1) {
		return types.ErrComponentAlreadyRunning
	}

	if d.webhooks != nil {
		if err := d.webhooks.Start(); err != nil {
			atomic.StoreInt32(&d.running, 0)
			return types.WrapError(err, "failed to start webhook manager")
		}
	}

	if d.broker != nil {
		if err := d.broker.Start(); err != nil {
			d.logger.Error("Failed to start websocket broker", zap.Error(err))
		}
	}

	d.logger.Info("Event dispatcher started")
	return nil
}

func (d *Dispatcher) Stop() error {
	if !atomic.CompareAndSwapInt32(&d.running, 1, 0) {
		return types.ErrComponentNotRunning
	}

	if d.webhooks != nil {
		if err := d.webhooks.Stop(); err != nil {
			d.logger.Error("Failed to stop webhook manager", zap.Error(err))
		}
	}

	if d.broker != nil {
		if err := d.broker.Stop(); err != nil {
			d.logger.Error("Failed to stop websocket broker", zap.Error(err))
		}
	}

	d.logger.Info("Event dispatcher stopped")
	return nil
}

func (d *Dispatcher) IsRunning() bool {
	return atomic.LoadInt32(&d.running) == 1
}

func (d *Dispatcher) recordMetric(operation, result, event string, duration time.Duration) {
	if d.metrics == nil {
		return
	}

	d.metrics.Counter("event_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
		"event":     event,
	}).Inc()

	d.metrics.Histogram("event_operation_duration_seconds",
		[]float64{0.001, 0.01, 0.1, 1.0, 5.0},
		map[string]string{"operation": operation, "event": event},
	).Observe(duration.Seconds())
}
