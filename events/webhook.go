package events

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

type WebhookState int32

const (
	WebhookStateStopped WebhookState = iota
	WebhookStateStarting
	WebhookStateRunning
	WebhookStateStopping
)

type WebhookConfig struct {
	DatabasePath    string        `yaml:"database_path" json:"database_path"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" json:"delivery_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// WebhookManager keeps webhook subscriptions in SQLite and delivers
// invalidation events to them, signing payloads with a per-webhook secret.
type WebhookManager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	db              *sql.DB
	client          *http.Client
	state           atomic.Value
	deliveryTimeout time.Duration
	requestTimeout  time.Duration
}

type Webhook struct {
	ID        string            `json:"id"`
	Event     string            `json:"event"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	Secret    string            `json:"secret"`
	Enabled   bool              `json:"enabled"`
	CreatedAt time.Time         `json:"created_at"`
}

func NewWebhookManager(ctx context.Context, logger types.Logger, metrics types.MetricsManager, config *types.EventsConfig) (*WebhookManager, error) {
	webhookConfig := &WebhookConfig{
		DatabasePath:    "./webhooks.db",
		DeliveryTimeout: 30 * time.Second,
		RequestTimeout:  5 * time.Second,
	}

	if config != nil && config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, webhookConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal webhook config")
		}
	}

	db, err := sql.Open("sqlite3", webhookConfig.DatabasePath)
	if err != nil {
		return nil, types.WrapError(err, "failed to open SQLite database")
	}

	webhookCtx, cancel := context.WithCancel(ctx)

	wm := &WebhookManager{
		ctx:     webhookCtx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		db:      db,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		deliveryTimeout: webhookConfig.DeliveryTimeout,
		requestTimeout:  webhookConfig.RequestTimeout,
	}

	wm.state.Store(WebhookStateStopped)

	if err := wm.initDatabase(); err != nil {
		cancel()
		if closeErr := db.Close(); closeErr != nil {
			logger.Error("Failed to close database during cleanup", zap.Error(closeErr))
		}
		return nil, types.WrapError(err, "failed to initialize database")
	}

	return wm, nil
}

func (wm *WebhookManager) Start() error {
	if !wm.state.CompareAndSwap(WebhookStateStopped, WebhookStateStarting) {
		return types.ErrComponentAlreadyRunning
	}

	wm.state.Store(WebhookStateRunning)
	wm.logger.Info("Webhook manager started")
	return nil
}

func (wm *WebhookManager) Stop() error {
	if !wm.state.CompareAndSwap(WebhookStateRunning, WebhookStateStopping) {
		return types.ErrComponentNotRunning
	}

	defer func() {
		wm.state.Store(WebhookStateStopped)
		wm.cancel()
	}()

	if err := wm.db.Close(); err != nil {
		wm.logger.Error("Failed to close webhook database", zap.Error(err))
		return err
	}

	wm.logger.Info("Webhook manager stopped")
	return nil
}

func (wm *WebhookManager) IsRunning() bool {
	return wm.state.Load().(WebhookState) == WebhookStateRunning
}

func (wm *WebhookManager) initDatabase() error {
	query := `
	CREATE TABLE IF NOT EXISTS webhooks (
		id TEXT PRIMARY KEY,
		event TEXT NOT NULL,
		url TEXT NOT NULL,
		headers TEXT,
		secret TEXT,
		enabled BOOLEAN DEFAULT true,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_webhooks_event ON webhooks(event);
	CREATE INDEX IF NOT EXISTS idx_webhooks_enabled ON webhooks(enabled);
	`

	_, err := wm.db.Exec(query)
	if err != nil {
		return types.WrapError(err, "failed to create webhooks table")
	}

	return nil
}

// Register stores a webhook subscription for an event and returns it with
// a generated id and signing secret.
func (wm *WebhookManager) Register(event, url string, headers map[string]string) (*Webhook, error) {
	if event == "" || url == "" {
		return nil, types.NewErrorf("webhook event and url are required")
	}

	var count int
	if err := wm.db.QueryRow(`SELECT COUNT(*) FROM webhooks WHERE event = ? AND url = ?`, event, url).Scan(&count); err != nil {
		return nil, types.WrapError(err, "failed to check webhook existence")
	}
	if count > 0 {
		return nil, types.NewErrorf("webhook already registered for %s at %s", event, url)
	}

	webhook := &Webhook{
		ID:        uuid.NewString(),
		Event:     event,
		URL:       url,
		Headers:   headers,
		Secret:    wm.generateSecret(),
		Enabled:   true,
		CreatedAt: time.Now(),
	}

	headersJSON, _ := utils.Marshal(webhook.Headers)

	_, err := wm.db.Exec(
		`INSERT INTO webhooks (id, event, url, headers, secret, enabled, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		webhook.ID, webhook.Event, webhook.URL, string(headersJSON), webhook.Secret, webhook.Enabled, webhook.CreatedAt)
	if err != nil {
		return nil, types.WrapError(err, "failed to insert webhook")
	}

	wm.logger.Info("Webhook registered",
		zap.String("id", webhook.ID),
		zap.String("event", webhook.Event),
		zap.String("url", webhook.URL))

	return webhook, nil
}

func (wm *WebhookManager) List() ([]*Webhook, error) {
	return wm.queryWebhooks(`SELECT id, event, url, headers, secret, enabled, created_at FROM webhooks ORDER BY created_at DESC`)
}

func (wm *WebhookManager) Remove(id string) error {
	result, err := wm.db.Exec(`DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return types.WrapError(err, "failed to delete webhook")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return types.WrapError(err, "failed to get rows affected")
	}
	if affected == 0 {
		return types.NewErrorf("webhook not found: %s", id)
	}

	wm.logger.Info("Webhook removed", zap.String("id", id))
	return nil
}

// Notify delivers the event to every enabled webhook subscribed to it.
// Deliveries run concurrently under a shared timeout.
func (wm *WebhookManager) Notify(event string, payload interface{}) error {
	if !wm.IsRunning() {
		return types.ErrEventsNotInitialized
	}

	start := time.Now()

	webhooks, err := wm.queryWebhooks(
		`SELECT id, event, url, headers, secret, enabled, created_at FROM webhooks WHERE event = ? AND enabled = true`, event)
	if err != nil {
		wm.recordMetric("notify", "error", event, time.Since(start))
		return types.WrapError(err, "failed to get webhooks")
	}

	if len(webhooks) == 0 {
		return nil
	}

	notifyCtx, cancel := context.WithTimeout(wm.ctx, wm.deliveryTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(notifyCtx)

	var successCount int32

	for _, webhook := range webhooks {
		wh := webhook
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := wm.deliver(wh, event, payload); err != nil {
					wm.logger.Error("Webhook delivery failed",
						zap.String("webhook_id", wh.ID),
						zap.String("event", event),
						zap.String("url", wh.URL),
						zap.Error(err))
					return err
				}
				atomic.AddInt32(&successCount, 1)
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		if atomic.LoadInt32(&successCount) > 0 {
			wm.recordMetric("notify", "partial", event, time.Since(start))
			return nil
		}
		wm.recordMetric("notify", "error", event, time.Since(start))
		return types.Errorf(types.ErrEventPublishFailed, "all webhook deliveries failed for %s", event)
	}

	wm.recordMetric("notify", "success", event, time.Since(start))
	return nil
}

func (wm *WebhookManager) deliver(webhook *Webhook, event string, payload interface{}) error {
	start := time.Now()

	body := map[string]interface{}{
		"event":     event,
		"timestamp": time.Now().Unix(),
		"data":      payload,
	}

	jsonData, err := utils.Marshal(body)
	if err != nil {
		wm.recordMetric("delivery", "marshal_error", event, time.Since(start))
		return types.WrapError(err, "failed to marshal webhook payload")
	}

	deliveryCtx, cancel := context.WithTimeout(wm.ctx, wm.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(deliveryCtx, "POST", webhook.URL, strings.NewReader(string(jsonData)))
	if err != nil {
		wm.recordMetric("delivery", "request_error", event, time.Since(start))
		return types.WrapError(err, "failed to create HTTP request")
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "SAI-Cache-Webhook/1.0")

	for key, value := range webhook.Headers {
		req.Header.Set(key, value)
	}

	if webhook.Secret != "" {
		signature := signPayload(webhook.Secret, jsonData)
		req.Header.Set("X-Signature", fmt.Sprintf("sha256=%s", signature))
	}

	resp, err := wm.client.Do(req)
	if err != nil {
		select {
		case <-deliveryCtx.Done():
			wm.recordMetric("delivery", "timeout", event, time.Since(start))
			return types.NewErrorf("webhook delivery timeout for webhook %s", webhook.ID)
		default:
			wm.recordMetric("delivery", "http_error", event, time.Since(start))
			return types.WrapError(err, "HTTP request failed")
		}
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			wm.logger.Error("Failed to close response body", zap.Error(err))
		}
	}(resp.Body)

	if resp.StatusCode >= 400 {
		wm.recordMetric("delivery", "http_error", event, time.Since(start))
		return types.NewErrorf("webhook returned error status: %d", resp.StatusCode)
	}

	wm.recordMetric("delivery", "success", event, time.Since(start))
	return nil
}

func (wm *WebhookManager) queryWebhooks(query string, args ...interface{}) ([]*Webhook, error) {
	rows, err := wm.db.Query(query, args...)
	if err != nil {
		return nil, types.WrapError(err, "failed to query webhooks")
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			wm.logger.Error("Failed to close database rows", zap.Error(err))
		}
	}(rows)

	var webhooks []*Webhook
	for rows.Next() {
		webhook := &Webhook{}
		var headersJSON string

		err := rows.Scan(&webhook.ID, &webhook.Event, &webhook.URL,
			&headersJSON, &webhook.Secret, &webhook.Enabled, &webhook.CreatedAt)
		if err != nil {
			return nil, types.WrapError(err, "failed to scan webhook")
		}

		webhook.Headers = make(map[string]string)
		if headersJSON != "" {
			if err := utils.Unmarshal([]byte(headersJSON), &webhook.Headers); err != nil {
				wm.logger.Warn("Failed to parse webhook headers",
					zap.String("webhook_id", webhook.ID), zap.Error(err))
			}
		}

		webhooks = append(webhooks, webhook)
	}

	return webhooks, rows.Err()
}

func (wm *WebhookManager) generateSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		wm.logger.Error("Failed to generate random bytes for secret", zap.Error(err))
	}
	return hex.EncodeToString(bytes)
}

func (wm *WebhookManager) recordMetric(operation, result, event string, duration time.Duration) {
	if wm.metrics == nil {
		return
	}

	wm.metrics.Counter("webhook_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
		"event":     event,
	}).Inc()

	wm.metrics.Histogram("webhook_operation_duration_seconds",
		[]float64{0.001, 0.01, 0.1, 1.0, 5.0, 10.0, 30.0},
		map[string]string{"operation": operation, "event": event},
	).Observe(duration.Seconds())
}

func signPayload(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
