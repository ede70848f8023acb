package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"notifier/internal/clock"
	"notifier/internal/config"
	"notifier/internal/cooldown"
	"notifier/internal/dispatch"
	"notifier/internal/ingest"
	"notifier/internal/logging"
	"notifier/internal/state"
	"notifier/internal/throttle"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable notifier service.
type Service struct {
	source    config.ConfigSource
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	store     state.Store
	manager   *Manager
	httpSrv   *http.Server
	natsSub   interface{ Close() error }
	producer  dispatch.Producer
	readyFlag atomic.Bool
	clock     clock.Clock
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(cfg)
	if err != nil {
		closeLog()
		return nil, err
	}

	cooldownGate := cooldown.NewGate(config.BuildCooldownRules(cfg), logger, clk.Now)
	throttleGate := throttle.NewGate(config.BuildThrottleLimits(cfg), logger, clk.Now)
	manager := NewManager(cfg, cooldownGate, throttleGate, logger, clk)

	service := &Service{
		source:   source,
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		store:    store,
		manager:  manager,
		clock:    clk,
	}

	if err := service.buildProducer(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildHTTPServer(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildNATSSubscriber(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}

	return service, nil
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	shutdownCtx, shutdownCancel := context.WithCancel(ctx)
	defer shutdownCancel()

	if imported, err := s.manager.RestoreSnapshot(shutdownCtx, s.store); err != nil {
		s.logger.Warn("cooldown snapshot restore failed", "error", err.Error())
	} else if imported > 0 {
		s.logger.Info("cooldown snapshot restored", "imported", imported)
	}

	s.manager.cooldownGate.StartSweeper(time.Duration(s.cfg.Cooldown.SweepIntervalSec) * time.Second)
	s.manager.throttleGate.StartMaintenance(time.Duration(s.cfg.Throttle.MaintenanceSec) * time.Second)

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.Ingest.HTTP.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	drainTicker := time.NewTicker(time.Duration(s.cfg.Service.DrainIntervalSec) * time.Second)
	defer drainTicker.Stop()
	go func() {
		for {
			select {
			case <-shutdownCtx.Done():
				return
			case <-drainTicker.C:
				if dispatched := s.manager.DrainTick(shutdownCtx); dispatched > 0 {
					s.logger.Debug("delayed candidates re-dispatched", "count", dispatched)
				}
			}
		}
	}()

	snapshotTicker := time.NewTicker(time.Duration(s.cfg.Service.SnapshotIntervalSec) * time.Second)
	defer snapshotTicker.Stop()
	go func() {
		for {
			select {
			case <-shutdownCtx.Done():
				return
			case <-snapshotTicker.C:
				if err := s.manager.SaveSnapshot(shutdownCtx, s.store); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error("snapshot save failed", "error", err.Error())
				}
			}
		}
	}()

	if s.cfg.Service.ReloadEnabled {
		reloadTicker := time.NewTicker(time.Duration(s.cfg.Service.ReloadIntervalSec) * time.Second)
		defer reloadTicker.Stop()
		go func() {
			for {
				select {
				case <-shutdownCtx.Done():
					return
				case <-reloadTicker.C:
					if err := s.reloadConfig(); err != nil {
						s.logger.Error("reload failed", "error", err.Error())
					}
				}
			}
		}()
	}

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		return s.shutdown()
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("nats subscriber close failed", "error", err.Error())
			markErr(fmt.Errorf("nats subscriber close: %w", err))
		}
	}

	s.manager.cooldownGate.StopSweeper()
	s.manager.throttleGate.StopMaintenance()

	if err := s.manager.SaveSnapshot(ctx, s.store); err != nil {
		s.logger.Error("final snapshot save failed", "error", err.Error())
		markErr(fmt.Errorf("final snapshot: %w", err))
	}

	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			s.logger.Error("dispatch producer close failed", "error", err.Error())
			markErr(fmt.Errorf("dispatch producer close: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", "error", err.Error())
		markErr(fmt.Errorf("store close: %w", err))
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.producer != nil {
		_ = s.producer.Close()
		s.producer = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildProducer wires the dispatch producer for the active service mode.
// Params: none.
// Returns: setup error.
func (s *Service) buildProducer() error {
	if isSingleMode(s.cfg) {
		producer := dispatch.NewInprocProducer(func(_ context.Context, job dispatch.Job) error {
			s.logger.Info("notification admitted",
				"job_id", job.ID,
				"source", job.Source,
				"candidate_id", job.Candidate.ID,
				"event_type", job.Candidate.EventType,
				"channel", job.Candidate.Channel,
			)
			return nil
		})
		s.producer = producer
		s.manager.SetProducer(producer)
		return nil
	}

	producer, err := dispatch.NewNATSProducer(s.cfg.Dispatch)
	if err != nil {
		return err
	}
	s.producer = producer
	s.manager.SetProducer(producer)
	return nil
}

// buildHTTPServer wires router with ingest, status, admin, and health endpoints.
// Params: none.
// Returns: setup error.
func (s *Service) buildHTTPServer() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Ingest.HTTP.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(s.cfg.Ingest.HTTP.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})

	if s.cfg.Ingest.HTTP.Enabled {
		handler := ingest.NewHTTPHandler(s.manager, s.cfg.Ingest.HTTP.MaxBodyBytes)
		mux.Handle(s.cfg.Ingest.HTTP.NotifyPath, handler)
	}
	mux.Handle(s.cfg.Ingest.HTTP.StatusPath, newStatusHandler(s.manager))
	mux.Handle(adminCooldownPath, newAdminCooldownHandler(s.manager))

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Ingest.HTTP.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// buildNATSSubscriber starts NATS ingest when enabled.
// Params: none.
// Returns: initialization error.
func (s *Service) buildNATSSubscriber() error {
	if isSingleMode(s.cfg) {
		return nil
	}
	if !s.cfg.Ingest.NATS.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, s.manager, s.logger)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

// reloadConfig reloads and applies a fresh config snapshot.
// Params: none.
// Returns: reload or apply error.
func (s *Service) reloadConfig() error {
	nextCfg, err := config.LoadSnapshot(s.source)
	if err != nil {
		return err
	}
	if isSingleMode(nextCfg) != isSingleMode(s.cfg) {
		return fmt.Errorf("service.mode change requires restart")
	}
	s.manager.ApplyConfig(nextCfg)
	s.cfg = nextCfg
	return nil
}

// buildStore creates the runtime snapshot backend from config.
// Params: root config snapshot.
// Returns: selected store backend.
func buildStore(cfg config.Config) (state.Store, error) {
	if isSingleMode(cfg) {
		return state.NewFileStore(cfg.Service.SnapshotPath), nil
	}
	urls, bucket := config.DeriveStateNATS(cfg)
	return state.NewNATSStore(urls, bucket)
}

func isSingleMode(cfg config.Config) bool {
	return config.NormalizeServiceMode(cfg.Service.Mode) == config.ServiceModeSingle
}
