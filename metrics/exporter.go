package metrics

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

type ExporterState int32

const (
	ExporterStateStopped ExporterState = iota
	ExporterStateStarting
	ExporterStateRunning
	ExporterStateStopping
)

type ExporterConfig struct {
	Listen      string `yaml:"listen" json:"listen"`
	MetricsPath string `yaml:"metrics_path" json:"metrics_path"`
	JSONPath    string `yaml:"json_path" json:"json_path"`
	HealthPath  string `yaml:"health_path" json:"health_path"`
}

// Exporter serves the scrape surface: Prometheus text at MetricsPath, the
// JSON snapshot at JSONPath and the health report at HealthPath.
type Exporter struct {
	logger          types.Logger
	config          *ExporterConfig
	metrics         types.MetricsManager
	health          types.HealthManager
	server          *fasthttp.Server
	listener        net.Listener
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewExporter(logger types.Logger, config *types.MetricsConfig, metrics types.MetricsManager, health types.HealthManager) (*Exporter, error) {
	exporterConfig := &ExporterConfig{
		Listen:      ":2112",
		MetricsPath: "/metrics",
		JSONPath:    "/metrics/json",
		HealthPath:  "/health",
	}

	if config != nil && config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, exporterConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal exporter config")
		}
	}

	exporter := &Exporter{
		logger:          logger,
		config:          exporterConfig,
		metrics:         metrics,
		health:          health,
		shutdownTimeout: 10 * time.Second,
	}

	exporter.server = &fasthttp.Server{
		Handler:      exporter.handleRequest,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		Name:         "sai-cache-metrics",
	}

	exporter.state.Store(ExporterStateStopped)

	return exporter, nil
}

func (e *Exporter) Start() error {
	if !e.state.CompareAndSwap(ExporterStateStopped, ExporterStateStarting) {
		return types.ErrComponentAlreadyRunning
	}

	listener, err := net.Listen("tcp", e.config.Listen)
	if err != nil {
		e.state.Store(ExporterStateStopped)
		return types.WrapError(err, "failed to listen on "+e.config.Listen)
	}
	e.listener = listener

	go func() {
		if serveErr := e.server.Serve(listener); serveErr != nil {
			if e.state.Load().(ExporterState) == ExporterStateRunning {
				e.logger.Error("Metrics exporter serve failed", zap.Error(serveErr))
			}
		}
	}()

	e.state.Store(ExporterStateRunning)
	e.logger.Info("Metrics exporter started", zap.String("listen", e.config.Listen))
	return nil
}

func (e *Exporter) Stop() error {
	if !e.state.CompareAndSwap(ExporterStateRunning, ExporterStateStopping) {
		return types.ErrComponentNotRunning
	}

	defer func() {
		e.state.Store(ExporterStateStopped)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), e.shutdownTimeout)
	defer cancel()

	if err := e.server.ShutdownWithContext(ctx); err != nil {
		return types.WrapError(err, "failed to shut down metrics exporter")
	}

	e.logger.Info("Metrics exporter stopped")
	return nil
}

func (e *Exporter) IsRunning() bool {
	return e.state.Load().(ExporterState) == ExporterStateRunning
}

func (e *Exporter) handleRequest(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case e.config.MetricsPath:
		e.handleMetrics(ctx)
	case e.config.JSONPath:
		e.handleJSON(ctx)
	case e.config.HealthPath:
		e.handleHealth(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (e *Exporter) handleMetrics(ctx *fasthttp.RequestCtx) {
	body, err := e.metrics.Expose()
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}

	ctx.SetContentType("text/plain; version=0.0.4; charset=utf-8")
	ctx.SetBody(body)
}

func (e *Exporter) handleJSON(ctx *fasthttp.RequestCtx) {
	body, err := e.metrics.GetMetrics()
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}

	ctx.SetContentType("application/json; charset=utf-8")
	ctx.SetBody(body)
}

func (e *Exporter) handleHealth(ctx *fasthttp.RequestCtx) {
	if e.health == nil {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}

	report := e.health.Check(ctx)

	body, err := utils.Marshal(report)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}

	if report.Status != types.StatusHealthy {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	}

	ctx.SetContentType("application/json; charset=utf-8")
	ctx.SetBody(body)
}
