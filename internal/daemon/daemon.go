package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clawup/clawup/internal/config"
	"github.com/clawup/clawup/internal/db"
	"github.com/clawup/clawup/internal/provision"
	"github.com/clawup/clawup/internal/remote"
	"github.com/clawup/clawup/internal/validate"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
	idleTimeout       = 2 * time.Minute
	interruptedReason = "daemon restarted before the run finished"
)

// Service wires the API and metrics listeners to the run manager.
type Service struct {
	cfg             config.Config
	store           *db.Store
	runs            *RunManager
	metrics         *Metrics
	logger          *log.Logger
	apiListener     net.Listener
	metricsListener net.Listener
	apiServer       *http.Server
	metricsServer   *http.Server
}

// Run opens the run history, binds listeners, and serves until ctx is canceled.
func Run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	n, err := store.FailInterruptedRuns(ctx, interruptedReason, time.Now().UTC())
	if err != nil {
		_ = store.Close()
		return err
	}
	if n > 0 {
		log.Printf("clawupd: marked %d interrupted run(s) as failed", n)
	}
	service, err := NewService(cfg, store, log.Default())
	if err != nil {
		_ = store.Close()
		return err
	}
	return service.Serve(ctx)
}

// NewService constructs a service with bound listeners.
func NewService(cfg config.Config, store *db.Store, logger *log.Logger) (*Service, error) {
	if logger == nil {
		logger = log.Default()
	}
	apiListener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen api %s: %w", cfg.Listen, err)
	}
	var metricsListener net.Listener
	if cfg.MetricsListen != "" {
		metricsListener, err = net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			_ = apiListener.Close()
			return nil, fmt.Errorf("listen metrics %s: %w", cfg.MetricsListen, err)
		}
	}

	metrics := NewMetrics()
	connector := provision.SSHConnector{Dialer: remote.Dialer{
		Timeout:        cfg.SSHDialTimeout,
		KnownHostsPath: cfg.KnownHostsPath,
		StrictHostKey:  cfg.StrictHostKey,
		Logger:         logger,
	}}
	orch := provision.NewOrchestrator(connector, provision.Options{
		LockWaitAttempts:  cfg.LockWaitAttempts,
		LockWaitInterval:  cfg.LockWaitInterval,
		SettleDelay:       cfg.SettleDelay,
		ReadinessAttempts: cfg.ReadinessAttempts,
		ReadinessInterval: cfg.ReadinessInterval,
		ReadinessMarker:   cfg.ReadinessMarker,
		Image:             cfg.GatewayImage,
		Port:              cfg.GatewayPort,
	}, logger)
	orch.Observer = metrics
	runs := NewRunManager(store, orch, cfg.MaxConcurrentRuns, metrics, logger)
	validator := &validate.Validator{
		Connector:    connector,
		TelegramURL:  cfg.TelegramAPIURL,
		DiscordURL:   cfg.DiscordAPIURL,
		ProviderURLs: cfg.ProviderAPIURLs,
		Timeout:      cfg.ValidationTimeout,
		Logger:       logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	api := NewProvisionAPI(runs, store, validator, logger).WithMetrics(metrics)
	if cfg.ValidateRateQPS > 0 {
		api.WithRateLimiter(NewCheckLimiter(cfg.ValidateRateQPS, cfg.ValidateRateBurst))
	}
	api.Register(mux)

	var handler http.Handler = mux
	if cfg.ControlToken != "" {
		auth, err := NewControlAuth(cfg.ControlToken, cfg.ControlAllowCIDRs)
		if err != nil {
			_ = apiListener.Close()
			if metricsListener != nil {
				_ = metricsListener.Close()
			}
			return nil, err
		}
		handler = auth.Wrap(mux)
	}

	service := &Service{
		cfg:         cfg,
		store:       store,
		runs:        runs,
		metrics:     metrics,
		logger:      logger,
		apiListener: apiListener,
		apiServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
			IdleTimeout:       idleTimeout,
		},
	}
	if metricsListener != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsMux.HandleFunc("/healthz", healthHandler)
		service.metricsListener = metricsListener
		service.metricsServer = &http.Server{
			Handler:           metricsMux,
			ReadHeaderTimeout: readHeaderTimeout,
			IdleTimeout:       idleTimeout,
		}
	}
	return service, nil
}

// Addr returns the bound API address.
func (s *Service) Addr() string {
	return s.apiListener.Addr().String()
}

// Serve blocks until ctx is canceled or a listener fails. In-flight runs are
// canceled and awaited before the store is closed.
func (s *Service) Serve(ctx context.Context) error {
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()
	s.runs.WithContext(runCtx)

	s.logger.Printf("clawupd: listening on api=%s", s.apiListener.Addr())
	if s.metricsListener != nil {
		s.logger.Printf("clawupd: listening on metrics=%s", s.metricsListener.Addr())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveHTTP(s.apiServer, s.apiListener) })
	if s.metricsServer != nil {
		g.Go(func() error { return serveHTTP(s.metricsServer, s.metricsListener) })
	}
	g.Go(func() error {
		<-gctx.Done()
		cancelRuns()
		s.shutdown()
		return nil
	})
	err := g.Wait()

	s.runs.Wait()
	if s.store != nil {
		_ = s.store.Close()
	}
	return err
}

func serveHTTP(server *http.Server, listener net.Listener) error {
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.apiServer.Shutdown(ctx)
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
