package service

import (
	"context"
	"fmt"
	"time"

	"github.com/realmgate/realmgate/pkg/config"
	"github.com/realmgate/realmgate/pkg/health"
	"github.com/realmgate/realmgate/pkg/logger"
)

// Service defines the interface that service implementations must implement
type Service interface {
	// Initialize is called before starting
	Initialize(ctx context.Context, config *config.Config) error

	// Start begins the service's main work
	Start(ctx context.Context) error

	// Stop gracefully shuts down the service
	Stop(ctx context.Context, gracePeriod time.Duration) error

	// CollectMetrics returns current service metrics
	CollectMetrics() map[string]int64

	// HealthChecks returns service-specific health check functions
	HealthChecks() map[string]health.CheckFunc
}

// LoggerAware is an optional interface that services can implement
// if they need access to the logger
type LoggerAware interface {
	SetLogger(logger *logger.Logger)
}

// BaseService runs a service implementation through its lifecycle
type BaseService struct {
	Name    string
	Version string
	Config  *config.Config
	Logger  *logger.Logger

	impl        Service
	checker     *health.Checker
	gracePeriod time.Duration
}

// NewBaseService creates a new base service runner
func NewBaseService(name, version string, cfg *config.Config, impl Service) *BaseService {
	return &BaseService{
		Name:        name,
		Version:     version,
		Config:      cfg,
		Logger:      logger.New(name, version),
		impl:        impl,
		checker:     health.NewChecker(),
		gracePeriod: 30 * time.Second,
	}
}

// Run initializes and starts the service, then blocks until the context is
// cancelled and the implementation has shut down.
func (s *BaseService) Run(ctx context.Context) error {
	if loggerAware, ok := s.impl.(LoggerAware); ok {
		loggerAware.SetLogger(s.Logger)
	}

	if err := s.impl.Initialize(ctx, s.Config); err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}
	s.Logger.Infof("Service implementation initialized successfully")

	go s.healthCheckLoop(ctx)

	s.Logger.Infof("Starting service implementation...")
	if err := s.impl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	s.Logger.Infof("Service implementation started successfully")

	<-ctx.Done()

	s.Logger.Infof("Shutdown signal received, stopping service...")
	stopCtx, cancel := context.WithTimeout(context.Background(), s.gracePeriod)
	defer cancel()

	if err := s.impl.Stop(stopCtx, s.gracePeriod); err != nil {
		return fmt.Errorf("failed to stop service: %w", err)
	}
	s.Logger.Infof("Service stopped")
	return nil
}

// HealthStatus returns the aggregate health of the service
func (s *BaseService) HealthStatus() health.Status {
	return s.checker.GetOverallStatus()
}

func (s *BaseService) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, checkFunc := range s.impl.HealthChecks() {
				s.checker.RunCheck(name, checkFunc)
			}
			if status := s.checker.GetOverallStatus(); status != health.StatusHealthy {
				s.Logger.Warnf("Health status: %s", status)
			}
		}
	}
}
