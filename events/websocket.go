package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

type BrokerState int32

const (
	BrokerStateStopped BrokerState = iota
	BrokerStateStarting
	BrokerStateRunning
	BrokerStateStopping
	BrokerStateReconnecting
)

type WebSocketConfig struct {
	URL            string        `yaml:"url" json:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	PingInterval   time.Duration `yaml:"ping_interval" json:"ping_interval"`
	PongWait       time.Duration `yaml:"pong_wait" json:"pong_wait"`
	WriteWait      time.Duration `yaml:"write_wait" json:"write_wait"`
}

// WebSocketBroker links cache instances through a shared relay. Locally
// published invalidation events go out over the socket; events arriving
// from peers are handed to the subscribed handlers so this instance can
// drop its own copies.
type WebSocketBroker struct {
	ctx               context.Context
	cancel            context.CancelFunc
	logger            types.Logger
	metrics           types.MetricsManager
	config            *WebSocketConfig
	conn              *websocket.Conn
	connMu            sync.RWMutex
	subscriptions     map[string][]types.EventHandler
	subsMu            sync.RWMutex
	send              chan *types.EventMessage
	reconnectCh       chan struct{}
	state             atomic.Value
	shutdownTimeout   time.Duration
	reconnectAttempts int32
}

func NewWebSocketBroker(ctx context.Context, logger types.Logger, metrics types.MetricsManager, config *types.EventsConfig) (types.EventDispatcher, error) {
	wsConfig := &WebSocketConfig{
		URL:            "ws://localhost:8081/ws",
		ReconnectDelay: 5 * time.Second,
		MaxRetries:     10,
		PingInterval:   54 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
	}

	if config != nil && config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, wsConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal websocket config")
		}
	}

	brokerCtx, cancel := context.WithCancel(ctx)

	broker := &WebSocketBroker{
		ctx:             brokerCtx,
		cancel:          cancel,
		logger:          logger,
		metrics:         metrics,
		config:          wsConfig,
		subscriptions:   make(map[string][]types.EventHandler),
		send:            make(chan *types.EventMessage, 256),
		reconnectCh:     make(chan struct{}, 1),
		shutdownTimeout: 10 * time.Second,
	}

	broker.state.Store(BrokerStateStopped)

	logger.Info("WebSocket broker initialized",
		zap.String("url", wsConfig.URL),
		zap.Duration("reconnect_delay", wsConfig.ReconnectDelay),
		zap.Int("max_retries", wsConfig.MaxRetries))

	return broker, nil
}

func (w *WebSocketBroker) Publish(event string, payload interface{}) error {
	if !w.IsRunning() {
		return types.ErrEventsNotInitialized
	}

	start := time.Now()

	message := &types.EventMessage{
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now(),
		Source:    "sai-cache",
		MessageID: uuid.NewString(),
	}

	select {
	case w.send <- message:
		w.recordMetric("publish", "success", event, time.Since(start))
		return nil
	case <-w.ctx.Done():
		w.recordMetric("publish", "canceled", event, time.Since(start))
		return types.ErrEventsNotInitialized
	default:
		w.logger.Error("Send channel is full, dropping message",
			zap.String("event", event),
			zap.String("message_id", message.MessageID))
		w.recordMetric("publish", "dropped", event, time.Since(start))
		return types.ErrEventPublishFailed
	}
}

// Subscribe registers a handler for peer events. Subscriptions must be in
// place before Start.
func (w *WebSocketBroker) Subscribe(event string, handler types.EventHandler) error {
	if event == "" || handler == nil {
		return types.NewErrorf("event name and handler are required")
	}

	if w.IsRunning() {
		return types.ErrComponentAlreadyRunning
	}

	w.subsMu.Lock()
	defer w.subsMu.Unlock()

	w.subscriptions[event] = append(w.subscriptions[event], w.wrapHandler(event, handler))

	w.logger.Debug("Subscribed to event",
		zap.String("event", event),
		zap.Int("total_handlers", len(w.subscriptions[event])))

	return nil
}

func (w *WebSocketBroker) Unsubscribe(event string) error {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()

	handlersCount := len(w.subscriptions[event])
	delete(w.subscriptions, event)

	w.logger.Debug("Unsubscribed from event",
		zap.String("event", event),
		zap.Int("removed_handlers", handlersCount))

	return nil
}

func (w *WebSocketBroker) Start() error {
	if !w.state.CompareAndSwap(BrokerStateStopped, BrokerStateStarting) {
		return types.ErrComponentAlreadyRunning
	}

	if err := w.connect(); err != nil {
		w.state.Store(BrokerStateStopped)
		return types.WrapError(err, "failed to establish initial connection")
	}

	w.state.Store(BrokerStateRunning)

	go w.readPump()
	go w.writePump()
	go w.reconnectLoop()

	w.logger.Info("WebSocket broker started")
	return nil
}

func (w *WebSocketBroker) Stop() error {
	if !w.state.CompareAndSwap(BrokerStateRunning, BrokerStateStopping) &&
		!w.state.CompareAndSwap(BrokerStateReconnecting, BrokerStateStopping) {
		return types.ErrComponentNotRunning
	}

	defer func() {
		w.state.Store(BrokerStateStopped)
	}()

	w.cancel()

	w.connMu.Lock()
	if w.conn != nil {
		if err := w.conn.Close(); err != nil {
			w.logger.Error("Failed to close connection", zap.Error(err))
		}
		w.conn = nil
	}
	w.connMu.Unlock()

	w.logger.Info("WebSocket broker stopped")
	return nil
}

func (w *WebSocketBroker) IsRunning() bool {
	state := w.state.Load().(BrokerState)
	return state == BrokerStateRunning || state == BrokerStateReconnecting
}

func (w *WebSocketBroker) getState() BrokerState {
	return w.state.Load().(BrokerState)
}

func (w *WebSocketBroker) connect() error {
	w.logger.Debug("Connecting to WebSocket relay", zap.String("url", w.config.URL))

	dialCtx, cancel := context.WithTimeout(w.ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, w.config.URL, nil)
	if err != nil {
		return types.WrapError(err, "failed to dial WebSocket relay")
	}

	w.connMu.Lock()
	if w.conn != nil {
		_ = w.conn.Close()
	}
	w.conn = conn
	w.connMu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(w.config.PongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(w.config.PongWait))
		return nil
	})

	atomic.StoreInt32(&w.reconnectAttempts, 0)

	w.logger.Info("Connected to WebSocket relay")
	return nil
}

func (w *WebSocketBroker) reconnectLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.reconnectCh:
			if !w.IsRunning() {
				return
			}

			w.state.CompareAndSwap(BrokerStateRunning, BrokerStateReconnecting)

			retryCount := atomic.LoadInt32(&w.reconnectAttempts)
			if int(retryCount) >= w.config.MaxRetries {
				w.logger.Error("Max reconnection attempts reached, stopping broker")
				if w.state.CompareAndSwap(BrokerStateReconnecting, BrokerStateStopping) {
					w.cancel()
				}
				return
			}

			select {
			case <-time.After(w.config.ReconnectDelay):
			case <-w.ctx.Done():
				return
			}

			atomic.AddInt32(&w.reconnectAttempts, 1)

			if err := w.connect(); err != nil {
				w.logger.Error("Reconnection attempt failed",
					zap.Int32("attempt", atomic.LoadInt32(&w.reconnectAttempts)),
					zap.Error(err))
				w.triggerReconnect()
				continue
			}

			w.state.CompareAndSwap(BrokerStateReconnecting, BrokerStateRunning)
			w.logger.Info("Reconnected to WebSocket relay")

			go w.readPump()
			go w.writePump()
		}
	}
}

func (w *WebSocketBroker) triggerReconnect() {
	select {
	case w.reconnectCh <- struct{}{}:
	case <-w.ctx.Done():
	default:
	}
}

func (w *WebSocketBroker) readPump() {
	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			if !w.IsRunning() {
				return
			}

			success := w.withConnection(func(conn *websocket.Conn) error {
				_, messageData, err := conn.ReadMessage()
				if err != nil {
					if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
						w.logger.Debug("WebSocket connection closed", zap.Error(err))
					}
					return err
				}

				var message types.EventMessage
				if err := utils.Unmarshal(messageData, &message); err != nil {
					w.logger.Error("Failed to unmarshal message", zap.Error(err))
					return nil
				}

				w.handleIncomingMessage(&message)
				return nil
			})

			if !success {
				if w.IsRunning() {
					w.triggerReconnect()
				}
				return
			}
		}
	}
}

func (w *WebSocketBroker) writePump() {
	ticker := time.NewTicker(w.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case message := <-w.send:
			if !w.IsRunning() {
				return
			}

			success := w.withConnection(func(conn *websocket.Conn) error {
				_ = conn.SetWriteDeadline(time.Now().Add(w.config.WriteWait))

				data, err := utils.Marshal(message)
				if err != nil {
					w.logger.Error("Failed to marshal outgoing message",
						zap.Error(err), zap.String("event", message.Event))
					return nil
				}

				return conn.WriteMessage(websocket.TextMessage, data)
			})

			if !success && w.IsRunning() {
				w.triggerReconnect()
				return
			}

		case <-ticker.C:
			if !w.IsRunning() {
				return
			}

			success := w.withConnection(func(conn *websocket.Conn) error {
				_ = conn.SetWriteDeadline(time.Now().Add(w.config.WriteWait))
				return conn.WriteMessage(websocket.PingMessage, nil)
			})

			if !success && w.IsRunning() {
				w.triggerReconnect()
				return
			}
		}
	}
}

func (w *WebSocketBroker) withConnection(fn func(*websocket.Conn) error) bool {
	w.connMu.RLock()
	defer w.connMu.RUnlock()

	if w.conn == nil {
		return false
	}

	if err := fn(w.conn); err != nil {
		w.logger.Error("WebSocket operation failed", zap.Error(err))
		return false
	}

	return true
}

func (w *WebSocketBroker) handleIncomingMessage(message *types.EventMessage) {
	start := time.Now()

	w.subsMu.RLock()
	handlers := make([]types.EventHandler, len(w.subscriptions[message.Event]))
	copy(handlers, w.subscriptions[message.Event])
	w.subsMu.RUnlock()

	if len(handlers) == 0 {
		w.recordMetric("handle", "no_handlers", message.Event, time.Since(start))
		return
	}

	ctx, cancel := context.WithTimeout(w.ctx, 30*time.Second)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	for _, handler := range handlers {
		h := handler
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				return h(message)
			}
		})
	}

	if err := g.Wait(); err != nil {
		w.logger.Error("Event handler failed",
			zap.String("event", message.Event),
			zap.String("message_id", message.MessageID),
			zap.Error(err))
		w.recordMetric("handle", "error", message.Event, time.Since(start))
	} else {
		w.recordMetric("handle", "success", message.Event, time.Since(start))
	}
}

func (w *WebSocketBroker) wrapHandler(event string, handler types.EventHandler) types.EventHandler {
	return func(message *types.EventMessage) error {
		start := time.Now()

		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("Handler panicked",
					zap.String("event", event), zap.Any("panic", r))
				w.recordMetric("handle", "panic", event, time.Since(start))
			}
		}()

		return handler(message)
	}
}

func (w *WebSocketBroker) recordMetric(operation, result, event string, duration time.Duration) {
	if w.metrics == nil {
		return
	}

	w.metrics.Counter("websocket_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
		"event":     event,
	}).Inc()

	w.metrics.Histogram("websocket_operation_duration_seconds",
		[]float64{0.001, 0.01, 0.1, 1.0, 5.0},
		map[string]string{"operation": operation, "event": event},
	).Observe(duration.Seconds())
}
