// Package engine wires the storage, cache, and service layers together and
// exposes them over HTTP.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/realmgate/realmgate/internal/audit"
	"github.com/realmgate/realmgate/internal/cache"
	dbschema "github.com/realmgate/realmgate/internal/database"
	"github.com/realmgate/realmgate/internal/idpsync"
	"github.com/realmgate/realmgate/internal/services/acl"
	"github.com/realmgate/realmgate/internal/services/action"
	"github.com/realmgate/realmgate/internal/services/authz"
	"github.com/realmgate/realmgate/internal/services/manifest"
	"github.com/realmgate/realmgate/internal/services/meta"
	"github.com/realmgate/realmgate/internal/services/principal"
	"github.com/realmgate/realmgate/internal/services/realm"
	"github.com/realmgate/realmgate/internal/services/resource"
	"github.com/realmgate/realmgate/internal/services/resourcetype"
	"github.com/realmgate/realmgate/internal/services/role"
	"github.com/realmgate/realmgate/internal/token"
	"github.com/realmgate/realmgate/pkg/config"
	"github.com/realmgate/realmgate/pkg/database"
	"github.com/realmgate/realmgate/pkg/logger"
)

type Engine struct {
	config *config.Config
	logger *logger.Logger
	server *http.Server
	cancel context.CancelFunc

	db    *database.PostgreSQL
	redis *database.Redis

	cache    *cache.Service
	audit    *audit.Service
	resolver *token.Resolver

	realms     *realm.Service
	types      *resourcetype.Service
	actions    *action.Service
	roles      *role.Service
	principals *principal.Service
	resources  *resource.Service
	acls       *acl.Service
	authz      *authz.Service
	manifests  *manifest.Service
	meta       *meta.Service
	idp        *idpsync.Service

	state struct {
		sync.Mutex
		isRunning         bool
		ongoingOperations int32
	}
	metrics struct {
		requestsProcessed int64
		errors            int64
	}
}

func NewEngine(cfg *config.Config) *Engine {
	return &Engine{
		config: cfg,
	}
}

// SetLogger sets the logger for the engine
func (e *Engine) SetLogger(logger *logger.Logger) {
	e.logger = logger
}

func (e *Engine) Start(ctx context.Context) error {
	e.state.Lock()
	if e.state.isRunning {
		e.state.Unlock()
		return fmt.Errorf("engine is already running")
	}
	e.state.isRunning = true
	e.state.Unlock()

	if e.logger != nil {
		e.logger.Infof("Starting engine...")
	}

	db, err := database.New(ctx, database.FromGlobalConfig(e.config))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	e.db = db

	if err := dbschema.NewMigrator(db.Pool(), e.logger).Apply(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	redis, err := database.NewRedis(ctx, database.RedisFromGlobalConfig(e.config))
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	e.redis = redis

	testing := e.config.GetBool("testing")

	e.cache = cache.NewService(db, redis, e.logger)
	e.audit = audit.NewService(db, redis, e.logger, testing)
	e.resolver = token.NewResolver(e.cache,
		e.config.Get("jwt.secret_key"), e.config.Get("jwt.algorithm"), e.logger)

	e.realms = realm.NewService(db, e.cache, e.logger)
	e.types = resourcetype.NewService(db, e.cache, e.logger)
	e.actions = action.NewService(db, e.cache, e.logger)
	e.roles = role.NewService(db, e.cache, e.logger)
	e.principals = principal.NewService(db, e.cache, e.logger)
	e.resources = resource.NewService(db, e.cache, e.logger)
	e.acls = acl.NewService(db, e.cache, e.logger)
	e.authz = authz.NewService(db, e.cache, e.audit, e.logger)
	e.meta = meta.NewService(db, e.logger)
	e.idp = idpsync.NewService(db, e.cache, e.logger, nil)
	e.manifests = manifest.NewService(db, e.cache, e.realms, e.idp, e.logger)

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	if !testing {
		go e.audit.Drain(runCtx)
	}

	if e.config.GetBool("scheduler.enabled") && !testing {
		worker := idpsync.NewWorker(db, e.idp, e.logger)
		go worker.Run(runCtx)
		if e.logger != nil {
			e.logger.Infof("Sync scheduler enabled")
		}
	}

	port := e.config.Get("server.port")
	if port == "" {
		port = "8080"
	}
	e.server = &http.Server{
		Addr:    ":" + port,
		Handler: NewServer(e),
	}

	if e.logger != nil {
		e.logger.Infof("Starting HTTP server on port %s", port)
	}

	go func() {
		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if e.logger != nil {
				e.logger.Errorf("HTTP server error: %v", err)
			}
			atomic.AddInt64(&e.metrics.errors, 1)
		}
	}()

	if e.logger != nil {
		e.logger.Infof("Engine started successfully")
	}
	return nil
}

func (e *Engine) Stop(ctx context.Context) error {
	e.state.Lock()
	if !e.state.isRunning {
		e.state.Unlock()
		return nil
	}
	e.state.isRunning = false
	e.state.Unlock()

	if e.cancel != nil {
		e.cancel()
	}

	var err error
	if e.server != nil {
		err = e.server.Shutdown(ctx)
	}
	if e.redis != nil {
		e.redis.Close()
	}
	if e.db != nil {
		e.db.Close()
	}
	return err
}

func (e *Engine) GetMetrics() map[string]int64 {
	return map[string]int64{
		"requests_processed": atomic.LoadInt64(&e.metrics.requestsProcessed),
		"errors":             atomic.LoadInt64(&e.metrics.errors),
	}
}

func (e *Engine) CheckHTTPServer() error {
	e.state.Lock()
	defer e.state.Unlock()

	if !e.state.isRunning {
		return fmt.Errorf("service not initialized")
	}
	if e.server == nil {
		return fmt.Errorf("HTTP server not initialized")
	}
	return nil
}

func (e *Engine) CheckDatabase() error {
	e.state.Lock()
	running := e.state.isRunning
	e.state.Unlock()

	if !running || e.db == nil {
		return fmt.Errorf("service not initialized")
	}
	return e.db.Ping(context.Background())
}

func (e *Engine) CheckRedis() error {
	e.state.Lock()
	running := e.state.isRunning
	e.state.Unlock()

	if !running || e.redis == nil {
		return fmt.Errorf("service not initialized")
	}
	return e.redis.Ping(context.Background())
}

func (e *Engine) TrackOperation() {
	atomic.AddInt32(&e.state.ongoingOperations, 1)
	atomic.AddInt64(&e.metrics.requestsProcessed, 1)
}

func (e *Engine) UntrackOperation() {
	atomic.AddInt32(&e.state.ongoingOperations, -1)
}
