package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/geosentinel/internal/api"
	"github.com/e7canasta/geosentinel/internal/capture"
	"github.com/e7canasta/geosentinel/internal/capture/gstcapture"
	"github.com/e7canasta/geosentinel/internal/config"
	"github.com/e7canasta/geosentinel/internal/control"
	"github.com/e7canasta/geosentinel/internal/emitter"
	"github.com/e7canasta/geosentinel/internal/eventbus"
	"github.com/e7canasta/geosentinel/internal/indicator"
	"github.com/e7canasta/geosentinel/internal/inference"
	"github.com/e7canasta/geosentinel/internal/metrics"
	"github.com/e7canasta/geosentinel/internal/session"
)

// Service is the rockfall monitoring daemon orchestrator
type Service struct {
	cfg *config.Config

	// Built by New
	metrics   *metrics.Metrics
	source    capture.Source
	inference *inference.Client

	// Built by Run, they need the broker or the database
	mqttClient     mqtt.Client
	indicator      indicator.Store
	controller     *session.Controller
	dispatcher     *emitter.Dispatcher
	lastEvent      *eventbus.Receiver
	controlHandler *control.Handler
	api            *api.Server

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	isRunning bool
	cancelCtx context.CancelFunc
}

// New creates a service from a validated configuration. Nothing is opened
// or connected until Run.
func New(cfg *config.Config) (*Service, error) {
	source, err := newSource(cfg.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture source: %w", err)
	}

	client, err := inference.NewClient(inference.Config{
		BaseURL: cfg.Inference.BaseURL,
		Timeout: cfg.InferenceTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create inference client: %w", err)
	}

	slog.Info("service configured",
		"instance_id", cfg.InstanceID,
		"site_id", cfg.SiteID,
		"capture_source", cfg.Capture.Source,
		"inference", client.Endpoint(),
		"tick_interval", cfg.TickInterval(),
	)

	return &Service{
		cfg:       cfg,
		metrics:   metrics.New(),
		source:    source,
		inference: client,
	}, nil
}

func newSource(cfg config.CaptureConfig) (capture.Source, error) {
	if cfg.Source == config.SourceMock {
		slog.Info("using mock camera (capture.source=mock)")
		return capture.NewMockSource(cfg.Width, cfg.Height, cfg.JPEGQuality), nil
	}

	return gstcapture.New(gstcapture.Config{
		Kind:            gstcapture.Kind(cfg.Source),
		Device:          cfg.Device,
		Width:           cfg.Width,
		Height:          cfg.Height,
		JPEGQuality:     cfg.JPEGQuality,
		StartTimeout:    time.Duration(cfg.StartTimeoutS) * time.Second,
		SnapshotTimeout: time.Duration(cfg.SnapshotTimeoutMS) * time.Millisecond,
	})
}

// Run starts every component and blocks until ctx is cancelled or the HTTP
// server fails. Call Shutdown afterwards.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	s.cancelCtx = cancel
	s.mu.Unlock()
	defer cancel()

	slog.Info("rockfall service starting", "instance_id", s.cfg.InstanceID)

	if s.cfg.MQTTEnabled() {
		client, err := emitter.ConnectMQTT(ctx, s.cfg.MQTT, "rockfalld-"+s.cfg.InstanceID)
		if err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}
		s.mu.Lock()
		s.mqttClient = client
		s.mu.Unlock()
	}

	store, err := s.newIndicator()
	if err != nil {
		return fmt.Errorf("failed to create indicator: %w", err)
	}

	sinks, err := s.newSinks(ctx)
	if err != nil {
		return fmt.Errorf("failed to create emitters: %w", err)
	}

	controller, dispatcher, err := s.startPipeline(store, sinks)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.indicator = store
	s.controller = controller
	s.dispatcher = dispatcher
	s.mu.Unlock()

	lastEvent, err := controller.Bus().SubscribeLatest("status")
	if err != nil {
		return fmt.Errorf("failed to subscribe to session events: %w", err)
	}

	server := api.New(s.cfg.HTTP.Addr, api.Deps{
		Sessions:  controller,
		Health:    s,
		Indicator: store,
		Metrics:   s.metrics,
	})

	s.mu.Lock()
	s.lastEvent = lastEvent
	s.api = server
	s.mu.Unlock()

	if s.mqttClient != nil {
		handler := control.NewHandler(s.mqttClient, control.Topics{
			Control: s.cfg.MQTT.Topics.Control,
			Status:  s.cfg.MQTT.Topics.Status,
		}, s.cfg.QoS("control"), control.CommandCallbacks{
			OnStartSession: controller.Start,
			OnStopSession:  controller.Stop,
			OnClearResults: s.clearResults,
			OnGetStatus:    s.getStatus,
		})
		if err := handler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}
		s.mu.Lock()
		s.controlHandler = handler
		s.mu.Unlock()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	if s.cfg.Session.AutoStart {
		if err := controller.Start(ctx); err != nil {
			slog.Warn("auto-start failed, waiting for an explicit start", "error", err)
		}
	}

	slog.Info("rockfall service running",
		"http_addr", s.cfg.HTTP.Addr,
		"mqtt", s.mqttClient != nil,
		"sinks", len(sinks),
		"auto_start", s.cfg.Session.AutoStart,
	)

	select {
	case <-ctx.Done():
		slog.Info("rockfall service run loop exiting")
		return nil
	case err := <-serveErr:
		return err
	}
}

func (s *Service) newIndicator() (indicator.Store, error) {
	switch s.cfg.Indicator.Backend {
	case config.IndicatorFile:
		return indicator.NewFileStore(s.cfg.Indicator.Path)
	case config.IndicatorMQTT:
		return indicator.NewMQTTStore(s.mqttClient, s.cfg.MQTT.Topics.Indicator, s.cfg.QoS("indicator"))
	default:
		return &indicator.Nop{}, nil
	}
}

func (s *Service) newSinks(ctx context.Context) ([]emitter.Sink, error) {
	var sinks []emitter.Sink

	if s.mqttClient != nil {
		sinks = append(sinks, emitter.NewMQTTEmitter(s.mqttClient, emitter.MQTTTopics{
			Detections: s.cfg.MQTT.Topics.Detections,
			Alerts:     s.cfg.MQTT.Topics.Alerts,
			Status:     s.cfg.MQTT.Topics.Status,
		}, s.cfg.QoS, s.cfg.SiteID))
	}

	if s.cfg.KafkaEnabled() {
		writer := emitter.NewKafkaWriter(s.cfg.Kafka.Brokers, s.cfg.Kafka.Topic)
		sinks = append(sinks, emitter.NewKafkaSink(writer, s.cfg.SiteID))
		slog.Info("kafka detection stream enabled",
			"brokers", s.cfg.Kafka.Brokers,
			"topic", s.cfg.Kafka.Topic,
		)
	}

	if s.cfg.JournalEnabled() {
		journal, err := emitter.OpenJournal(ctx, s.cfg.Journal.DSN, s.cfg.Journal.MaxOpenConns, s.cfg.SiteID)
		if err != nil {
			closeSinks(sinks)
			return nil, err
		}
		sinks = append(sinks, journal)
	}

	return sinks, nil
}

// startPipeline creates the session controller and starts forwarding its
// events to sinks. Every sink is closed when it fails.
func (s *Service) startPipeline(store indicator.Store, sinks []emitter.Sink) (*session.Controller, *emitter.Dispatcher, error) {
	controller, err := session.New(session.Config{
		TickInterval:      s.cfg.TickInterval(),
		DetectionHistory:  s.cfg.Session.DetectionHistory,
		ConfidenceHistory: s.cfg.Session.ConfidenceHistory,
	}, session.Deps{
		Source:    s.source,
		Submitter: s.inference,
		Indicator: store,
		Metrics:   s.metrics,
	})
	if err != nil {
		closeSinks(sinks)
		return nil, nil, fmt.Errorf("failed to create session controller: %w", err)
	}

	// Dispatcher outlives the run context so the final session events are
	// still emitted
	dispatcher := emitter.NewDispatcher(s.metrics, sinks...)
	if err := dispatcher.Start(context.Background(), controller.Bus()); err != nil {
		controller.Close(context.Background())
		closeSinks(sinks)
		return nil, nil, fmt.Errorf("failed to start emitters: %w", err)
	}

	return controller, dispatcher, nil
}

// closeSinks releases sinks that never reached a dispatcher.
func closeSinks(sinks []emitter.Sink) {
	for _, sink := range sinks {
		if err := sink.Close(); err != nil {
			slog.Warn("failed to close sink", "sink", sink.Name(), "error", err)
		}
	}
}

// Shutdown performs graceful shutdown of all components
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	if s.cancelCtx != nil {
		s.cancelCtx()
	}
	server, handler := s.api, s.controlHandler
	controller, dispatcher := s.controller, s.dispatcher
	client := s.mqttClient
	uptime := time.Since(s.started)
	s.mu.Unlock()

	slog.Info("shutting down rockfall service")

	var errs []error

	// 1. Stop accepting requests
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	if handler != nil {
		handler.Stop()
	}

	// 2. Stop the session and release the camera
	if controller != nil {
		if err := controller.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session: %w", err))
		}
	}

	// 3. Flush the last events and close the sinks
	if dispatcher != nil {
		if err := dispatcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("emitters: %w", err))
		}
	}

	// 4. Disconnect MQTT last, the sinks publish through it
	if client != nil {
		client.Disconnect(250)
	}

	slog.Info("rockfall service shutdown complete", "uptime", uptime)

	return errors.Join(errs...)
}

// Controller returns the session controller, nil before Run.
func (s *Service) Controller() *session.Controller {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.controller
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (s *Service) ShutdownTimeout() time.Duration {
	timeout := s.cfg.ShutdownTimeout()
	if timeout == 0 {
		return 5 * time.Second
	}
	return timeout
}
