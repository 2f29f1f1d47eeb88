package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kilianp07/cpsim/api"
	"github.com/kilianp07/cpsim/auth"
	"github.com/kilianp07/cpsim/config"
	"github.com/kilianp07/cpsim/core/charging"
	"github.com/kilianp07/cpsim/core/engine"
	coremon "github.com/kilianp07/cpsim/core/monitoring"
	"github.com/kilianp07/cpsim/core/smartcharging"
	"github.com/kilianp07/cpsim/infra/logger"
	"github.com/kilianp07/cpsim/infra/metrics"
	"github.com/kilianp07/cpsim/infra/monitoring"
	"github.com/kilianp07/cpsim/infra/mqtt"
	"github.com/kilianp07/cpsim/infra/recorder"
	"github.com/kilianp07/cpsim/infra/redisstore"
	"github.com/kilianp07/cpsim/infra/ws"
	"github.com/kilianp07/cpsim/internal/broadcast"
)

const shutdownTimeout = 5 * time.Second

// Service wires the session engine to its transport, storage, broadcasters
// and the REST surface.
type Service struct {
	Engine *engine.Engine
	Hub    *broadcast.Hub

	cfg     *config.Config
	log     logger.Logger
	mgr     *ws.Manager
	mqtt    *mqtt.Broadcaster
	rec     *recorder.FileRecorder
	sink    metrics.SampleSink
	redis   *redisstore.Store
	prom    *metrics.PromCollectors
	monitor coremon.Monitor
	cancel  context.CancelFunc
}

// New creates a Service from the configuration. Sessions found in the
// repository are restored disconnected.
func New(ctx context.Context, cfg *config.Config) (_ *Service, err error) {
	cfg.Logging.Apply()
	bg, cancel := context.WithCancel(context.Background())
	svc := &Service{
		cfg:     cfg,
		log:     logger.New("service"),
		Hub:     broadcast.New(),
		rec:     recorder.New(),
		monitor: coremon.NopMonitor{},
		cancel:  cancel,
	}
	defer func() {
		if err != nil {
			svc.Close()
		}
	}()

	opts := engine.Options{
		Config:      cfg.EngineConfig(),
		Logger:      logger.New("engine"),
		Broadcaster: svc.Hub,
		Recorder:    svc.rec,
	}
	mon, err := monitoring.NewSentryMonitor(cfg.Sentry)
	if err != nil {
		return nil, fmt.Errorf("sentry: %w", err)
	}
	svc.monitor, opts.Monitor = mon, mon

	var wsOpts []ws.Option
	if cfg.Metrics.PrometheusEnabled {
		svc.prom, err = metrics.NewPromCollectors()
		if err != nil {
			return nil, fmt.Errorf("prometheus collectors: %w", err)
		}
		opts.Metrics = svc.prom
		opts.CorrelatorMetrics = svc.prom
		opts.TelemetryMetrics = svc.prom
		wsOpts = append(wsOpts, ws.WithMetrics(svc.prom))
	}

	if cfg.Store.Backend == "redis" {
		svc.redis, err = redisstore.New(ctx, cfg.Store.Redis)
		if err != nil {
			return nil, err
		}
		opts.Repository = svc.redis
	}

	if cfg.MQTT.Enabled {
		svc.mqtt, err = mqtt.NewBroadcaster(cfg.MQTT, logger.New("mqtt"))
		if err != nil {
			return nil, fmt.Errorf("mqtt broadcaster: %w", err)
		}
		svc.Hub.AddSink(svc.mqtt)
	}

	if cfg.Recorder.Enabled {
		if err = svc.rec.Start(cfg.Recorder.Path); err != nil {
			return nil, fmt.Errorf("recorder: %w", err)
		}
	}

	svc.sink = metrics.NewSampleSink(cfg.Metrics)
	metrics.StartSampleCollector(bg, svc.Hub, svc.sink, logger.New("samples"))

	var cat *charging.Catalog
	if cfg.Simulation.CatalogPath != "" {
		cat, err = charging.LoadCatalog(cfg.Simulation.CatalogPath)
		if err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		opts.Catalog = cat
	}
	opts.Limits = smartcharging.NewStore()
	opts.Simulator, err = charging.NewSimulator(cfg.Simulation.Simulator(cat), opts.Limits, nil)
	if err != nil {
		return nil, fmt.Errorf("simulator: %w", err)
	}

	if cfg.Auth.Enabled() {
		opts.Tokens = auth.NewClientCred(cfg.Auth)
	}

	svc.mgr = ws.NewManager(nil, logger.New("ws"), wsOpts...)
	svc.Engine = engine.New(svc.mgr, opts)
	svc.mgr.SetHandler(svc.Engine)

	n, err := svc.Engine.Restore(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore sessions: %w", err)
	}
	if n > 0 {
		svc.log.Infof("restored %d sessions", n)
	}
	return svc, nil
}

// Handler returns the REST surface.
func (s *Service) Handler() http.Handler {
	opts := api.Options{
		Token:        s.cfg.HTTP.Token,
		Recorder:     s.rec,
		RecorderPath: s.cfg.Recorder.Path,
		Logger:       logger.New("api"),
	}
	if s.prom != nil {
		opts.Metrics = promhttp.Handler()
		opts.MetricsPath = s.cfg.Metrics.PrometheusPath
	}
	return api.NewServer(s.Engine, opts).Routes()
}

// Run serves the REST surface and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTP.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", s.cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close disconnects every session and releases the resources held by the
// service.
func (s *Service) Close() {
	if s.Engine != nil {
		s.Engine.Close()
	}
	s.cancel()
	s.Hub.Close()
	if s.mqtt != nil {
		s.mqtt.Close()
	}
	if err := s.rec.Stop(); err != nil {
		s.log.Warnf("recorder stop: %v", err)
	}
	if c, ok := s.sink.(interface{ Close() }); ok {
		c.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.log.Warnf("redis close: %v", err)
		}
	}
	s.monitor.Flush(2 * time.Second)
}
