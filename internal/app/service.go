package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"linkroute/internal/api"
	"linkroute/internal/clock"
	"linkroute/internal/config"
	"linkroute/internal/logging"
	"linkroute/internal/state"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Service composes runtime dependencies and process lifecycle.
// Params: config snapshot and shared runtime components.
// Returns: runnable link routing service.
type Service struct {
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	backend   state.Backend
	router    *Router
	httpSrv   *http.Server
	listener  net.Listener
	nc        *nats.Conn
	ownsNC    bool
	responder interface{ Close() error }
	watcher   interface{ Close() error }
	readyFlag atomic.Bool
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
	service, err := newServiceWithLogger(cfg, logger, clk)
	if err != nil {
		closeLog()
		return nil, err
	}
	service.closeLog = closeLog
	return service, nil
}

// newServiceWithLogger builds service from a loaded config.
// Params: validated config, logger, and clock.
// Returns: service with rules loaded and transports bound, or setup error.
func newServiceWithLogger(cfg config.Config, logger *slog.Logger, clk clock.Clock) (*Service, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	service := &Service{cfg: cfg, logger: logger}

	backend, err := buildBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	service.backend = backend
	service.router = NewRouter(backend, logger, clk, cfg.Store.PersistTimeout())

	// Watch before loading so writes landing between the two are not missed;
	// Hydrate and Apply both keep the newer version.
	if err := service.buildWatcher(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	if err := service.router.Hydrate(ctx, backend); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if _, err := service.router.Seed(ctx, cfg.Account); err != nil {
		service.cleanupInitResources()
		return nil, err
	}

	if err := service.buildNATSResponder(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildHTTPServer(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	return service, nil
}

// Router returns the service router.
func (s *Service) Router() *Router {
	return s.router
}

// HTTPAddr returns bound HTTP address, or empty when HTTP API is disabled.
func (s *Service) HTTPAddr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(runCtx)
	if s.httpSrv != nil {
		group.Go(func() error {
			s.logger.Info("http server starting", "listen", s.HTTPAddr())
			if err := s.httpSrv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server failed: %w", err)
			}
			return nil
		})
	}
	s.readyFlag.Store(true)
	s.logger.Info("service ready", "name", s.cfg.Service.Name, "backend", s.cfg.Store.Backend)

	group.Go(func() error {
		<-groupCtx.Done()
		return s.shutdown()
	})
	return group.Wait()
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown failed", "error", err.Error())
			markErr(fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.responder != nil {
		if err := s.responder.Close(); err != nil {
			s.logger.Error("nats responder close failed", "error", err.Error())
			markErr(fmt.Errorf("nats responder close: %w", err))
		}
	}
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			s.logger.Error("rule watcher close failed", "error", err.Error())
			markErr(fmt.Errorf("rule watcher close: %w", err))
		}
	}
	if s.ownsNC && s.nc != nil {
		s.nc.Close()
	}
	if err := s.backend.Close(); err != nil {
		s.logger.Error("store close failed", "error", err.Error())
		markErr(fmt.Errorf("store close: %w", err))
	}
	s.logger.Info("service stopped")
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	if s.responder != nil {
		_ = s.responder.Close()
		s.responder = nil
	}
	if s.watcher != nil {
		_ = s.watcher.Close()
		s.watcher = nil
	}
	if s.ownsNC && s.nc != nil {
		s.nc.Close()
		s.nc = nil
	}
	if s.backend != nil {
		_ = s.backend.Close()
		s.backend = nil
	}
}

// buildHTTPServer binds listener and wires API with health endpoints.
// Params: none.
// Returns: setup error.
func (s *Service) buildHTTPServer() error {
	httpCfg := s.cfg.API.HTTP
	if !httpCfg.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc(httpCfg.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(httpCfg.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	api.NewHTTPHandler(s.router, api.HTTPOptions{
		ResolvePath:  httpCfg.ResolvePath,
		RememberPath: httpCfg.RememberPath,
		RulesPath:    httpCfg.RulesPath,
		MaxBodyBytes: httpCfg.MaxBodyBytes,
	}, s.logger).Register(mux)

	listener, err := net.Listen("tcp", httpCfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %q: %w", httpCfg.Listen, err)
	}
	s.listener = listener
	s.httpSrv = &http.Server{
		Handler:           api.WithRequestID(mux, s.logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// buildNATSResponder starts request/reply API when enabled.
// Params: none.
// Returns: connect or subscribe error.
func (s *Service) buildNATSResponder() error {
	if !s.cfg.API.NATS.Enabled {
		return nil
	}
	nc, err := s.natsConn()
	if err != nil {
		return err
	}
	responder, err := api.NewNATSResponder(nc, s.router, api.NATSOptions{
		SubjectPrefix:  s.cfg.API.NATS.SubjectPrefix,
		QueueGroup:     s.cfg.API.NATS.QueueGroup,
		RequestTimeout: s.cfg.Store.PersistTimeout(),
	}, s.logger)
	if err != nil {
		return err
	}
	s.responder = responder
	return nil
}

// buildWatcher applies rule sets written by other instances sharing the KV bucket.
// Params: none.
// Returns: watch setup error.
func (s *Service) buildWatcher() error {
	kvStore, ok := s.backend.(*state.NATSStore)
	if !ok || !s.cfg.Store.WatchReplicas() {
		return nil
	}
	watcher, err := kvStore.Watch(s.router.ApplyReplica)
	if err != nil {
		return fmt.Errorf("watch rules bucket: %w", err)
	}
	s.watcher = watcher
	return nil
}

// natsConn reuses the KV backend connection or dials a dedicated one.
func (s *Service) natsConn() (*nats.Conn, error) {
	if s.nc != nil {
		return s.nc, nil
	}
	if kvStore, ok := s.backend.(*state.NATSStore); ok {
		s.nc = kvStore.Conn()
		return s.nc, nil
	}
	nc, err := nats.Connect(strings.Join(s.cfg.NATS.URL, ","), nats.Name(s.cfg.Service.Name+"-api"))
	if err != nil {
		return nil, fmt.Errorf("connect nats api: %w", err)
	}
	s.nc = nc
	s.ownsNC = true
	return nc, nil
}

// buildBackend creates persistence backend from config.
// Params: root config snapshot and logger.
// Returns: selected backend.
func buildBackend(cfg config.Config, logger *slog.Logger) (state.Backend, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendSQLite:
		return state.NewSQLiteStore(cfg.Store.Path, logger)
	case config.StoreBackendNATS:
		return state.NewNATSStore(state.NATSSettings{
			URL:               cfg.NATS.URL,
			Bucket:            cfg.Store.Bucket,
			AllowCreateBucket: cfg.Store.CreateBucket(),
			Name:              cfg.Service.Name,
		})
	default:
		return state.NewMemoryStore(), nil
	}
}
