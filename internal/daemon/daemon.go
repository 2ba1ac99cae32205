package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/patternservice/patternd/internal/buildinfo"
	"github.com/patternservice/patternd/internal/collection"
	"github.com/patternservice/patternd/internal/config"
	"github.com/patternservice/patternd/internal/controller"
	"github.com/patternservice/patternd/internal/db"
	"github.com/patternservice/patternd/internal/observability"
)

const shutdownTimeout = 5 * time.Second

// Service wires the API listener, the optional metrics listener and the
// task dispatcher.
type Service struct {
	cfg             config.Config
	store           *db.Store
	logger          *log.Logger
	apiListener     net.Listener
	metricsListener net.Listener
	apiServer       *http.Server
	metricsServer   *http.Server
	dispatcher      *Dispatcher
}

// Run opens the store, starts tracing, binds listeners, and serves until ctx
// is canceled.
func Run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := log.Default()
	shutdownTracing, err := observability.Init(ctx, "patternd", buildinfo.Version, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Printf("patternd: flush traces: %v", err)
		}
	}()
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	service, err := NewService(cfg, store, logger)
	if err != nil {
		_ = store.Close()
		return err
	}
	logger.Printf("patternd: %s controller=%s workers=%d", buildinfo.String(), cfg.ControllerURL, cfg.Workers)
	return service.Serve(ctx)
}

// NewService constructs a service with bound listeners. The store is owned by
// the service from here on and closed on shutdown.
func NewService(cfg config.Config, store *db.Store, logger *log.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("db store is nil")
	}
	if logger == nil {
		logger = log.Default()
	}
	auth, err := LoadControlAuth(cfg.JWTPublicKeyPath)
	if err != nil {
		return nil, err
	}
	if auth == nil {
		logger.Printf("patternd: jwt_public_key_path not set; API authentication disabled")
	}

	metrics := NewMetrics()
	client, err := controller.NewClient(controller.Options{
		BaseURL:   cfg.ControllerURL,
		Username:  cfg.ControllerUsername,
		Password:  cfg.ControllerPassword,
		VerifyTLS: cfg.ControllerVerifyTLS,
		CAPath:    cfg.ControllerCAPath,
		Timeout:   cfg.ControllerTimeout(),
		UserAgent: buildinfo.UserAgent(),
		RateLimit: cfg.ControllerRateLimit,
		RateBurst: cfg.ControllerRateBurst,
		Observer:  metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("controller client: %w", err)
	}
	fetcher := &collection.Fetcher{
		RegistryURL: cfg.EffectiveRegistryURL(),
		ScratchDir:  cfg.ScratchDir,
		MaxBytes:    cfg.MaxCollectionBytes,
		NewSession:  func() collection.Opener { return client.NewSession() },
		Observer:    metrics,
		Logger:      logger,
	}
	syncOpts := controller.SyncOptions{
		MaxRetries:   cfg.SyncMaxRetries,
		InitialDelay: cfg.SyncInitialDelay(),
		MaxDelay:     cfg.SyncMaxDelay(),
		Timeout:      cfg.SyncTimeout(),
		Logger:       logger,
	}

	redactor := NewRedactor(nil)
	redactor.AddValues(cfg.ControllerPassword)
	tasks := NewTaskManager(store, logger).WithMetrics(metrics).WithRedactor(redactor)
	runner := NewTaskRunner(store, tasks, fetcher, client, syncOpts, logger)
	dispatcher := NewDispatcher(runner, store, cfg.Workers, cfg.QueueSize, logger).
		WithMetrics(metrics).
		WithRescan(cfg.TaskRescanInterval())
	api := NewControlAPI(store, tasks, dispatcher, auth, logger).
		WithRateLimiter(NewIPRateLimiter(cfg.APIRateLimit, cfg.APIRateBurst))

	apiListener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen api %s: %w", cfg.Listen, err)
	}
	var metricsListener net.Listener
	var metricsServer *http.Server
	if cfg.MetricsListen != "" {
		metricsListener, err = net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			_ = apiListener.Close()
			return nil, fmt.Errorf("listen metrics %s: %w", cfg.MetricsListen, err)
		}
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsMux.HandleFunc("/healthz", healthHandler)
		metricsServer = newHTTPServer(metricsMux)
	}

	return &Service{
		cfg:             cfg,
		store:           store,
		logger:          logger,
		apiListener:     apiListener,
		metricsListener: metricsListener,
		apiServer:       newHTTPServer(api.Routes()),
		metricsServer:   metricsServer,
		dispatcher:      dispatcher,
	}, nil
}

// Addr reports the bound API address.
func (s *Service) Addr() net.Addr {
	return s.apiListener.Addr()
}

// Serve blocks until shutdown or a listener error occurs.
func (s *Service) Serve(ctx context.Context) error {
	s.logger.Printf("patternd: listening on api=%s", s.apiListener.Addr())
	s.dispatcher.Start(ctx)

	errCh := make(chan error, 2)
	remaining := 1
	go func() { errCh <- s.apiServer.Serve(s.apiListener) }()
	if s.metricsServer != nil {
		s.logger.Printf("patternd: listening on metrics=%s", s.metricsListener.Addr())
		remaining++
		go func() { errCh <- s.metricsServer.Serve(s.metricsListener) }()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		// graceful shutdown
	case err := <-errCh:
		remaining--
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	s.shutdown()
	for i := 0; i < remaining; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) && serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.apiServer.Shutdown(ctx)
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}
	s.dispatcher.Stop()
	if s.store != nil {
		_ = s.store.Close()
	}
}

func newHTTPServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
