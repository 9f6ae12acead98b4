package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/realmgate/realmgate/pkg/config"
	"github.com/realmgate/realmgate/pkg/health"
	"github.com/realmgate/realmgate/pkg/logger"
)

type Service struct {
	engine *Engine
	config *config.Config
	logger *logger.Logger
}

func NewService() *Service {
	return &Service{}
}

// SetLogger implements the service.LoggerAware interface
func (s *Service) SetLogger(logger *logger.Logger) {
	s.logger = logger
	if s.engine != nil {
		s.engine.SetLogger(logger)
	}
}

func (s *Service) Initialize(ctx context.Context, cfg *config.Config) error {
	s.config = cfg

	cfg.SetRestartKeys([]string{
		"database.url",
		"redis.url",
		"server.port",
		"jwt.secret_key",
		"jwt.algorithm",
	})

	s.engine = NewEngine(cfg)
	if s.logger != nil {
		s.engine.SetLogger(s.logger)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	return s.engine.Start(ctx)
}

func (s *Service) Stop(ctx context.Context, gracePeriod time.Duration) error {
	if s.engine != nil {
		return s.engine.Stop(ctx)
	}
	return nil
}

func (s *Service) CollectMetrics() map[string]int64 {
	if s.engine == nil {
		return nil
	}
	return s.engine.GetMetrics()
}

func (s *Service) HealthChecks() map[string]health.CheckFunc {
	return map[string]health.CheckFunc{
		"http_server": s.checkHTTPServer,
		"database":    s.checkDatabase,
		"redis":       s.checkRedis,
	}
}

func (s *Service) checkHTTPServer() error {
	if s.engine == nil {
		return fmt.Errorf("service not initialized")
	}
	return s.engine.CheckHTTPServer()
}

func (s *Service) checkDatabase() error {
	if s.engine == nil {
		return fmt.Errorf("service not initialized")
	}
	return s.engine.CheckDatabase()
}

func (s *Service) checkRedis() error {
	if s.engine == nil {
		return fmt.Errorf("service not initialized")
	}
	return s.engine.CheckRedis()
}
