// File: cmd/components.go
package cmd

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/agent"
	"github.com/xkilldash9x/pilot-cli/internal/config"
	"github.com/xkilldash9x/pilot-cli/internal/llmclient"
	"github.com/xkilldash9x/pilot-cli/internal/remote/cdp"
	"github.com/xkilldash9x/pilot-cli/internal/store"
)

// Constructors for the external collaborators, swapped out in tests.
var (
	newModelClient   = llmclient.NewClient
	newRemoteSession = func(cfg config.RemoteConfig, logger *zap.Logger) schemas.RemoteSession {
		return cdp.NewSession(cfg, logger)
	}
	newDBPool = func(ctx context.Context, dsn string) (store.DBPool, func(), error) {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return pool, pool.Close, nil
	}
)

// taskFanout forwards task snapshots to observers attached after the session
// was built. Observers must be added before Session.Run starts.
type taskFanout struct {
	mu        sync.RWMutex
	observers []agent.TaskObserver
}

func (f *taskFanout) add(obs agent.TaskObserver) {
	f.mu.Lock()
	f.observers = append(f.observers, obs)
	f.mu.Unlock()
}

func (f *taskFanout) observe(task schemas.Task) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, obs := range f.observers {
		obs(task)
	}
}

// agentComponents holds initialized services.
type agentComponents struct {
	Model   schemas.ModelClient
	Remote  schemas.RemoteSession
	Session *agent.Session
	Tasks   *taskFanout
	Sink    *store.Sink

	closeDB func()
	logger  *zap.Logger
}

// Shutdown releases the remote surface, the model client and the database pool.
func (c *agentComponents) Shutdown() {
	if c.Remote != nil {
		if err := c.Remote.Disconnect(); err != nil {
			c.logger.Warn("Error during remote session shutdown", zap.Error(err))
		}
	}
	if c.Model != nil {
		if err := c.Model.Close(); err != nil {
			c.logger.Warn("Error closing model client", zap.Error(err))
		}
	}
	if c.closeDB != nil {
		c.closeDB()
	}
}

// initializeAgentComponents handles dependency injection.
func initializeAgentComponents(ctx context.Context, cfg config.Interface, logger *zap.Logger, opts ...agent.Option) (*agentComponents, error) {
	components := &agentComponents{Tasks: &taskFanout{}, logger: logger}

	// 1. Model
	model, err := newModelClient(ctx, cfg.Model(), logger)
	if err != nil {
		return components, fmt.Errorf("failed to initialize model client: %w", err)
	}
	components.Model = model

	// 2. Remote surface
	remoteCfg := cfg.Remote()
	remote := newRemoteSession(remoteCfg, logger)
	if err := remote.Connect(ctx, remoteCfg.Host, remoteCfg.Port, remoteCfg.Password); err != nil {
		return components, fmt.Errorf("failed to connect remote session: %w", err)
	}
	components.Remote = remote

	// 3. Agent session
	opts = append([]agent.Option{agent.WithTaskObserver(components.Tasks.observe)}, opts...)
	components.Session = agent.NewSession(cfg.Agent(), model, remote, logger, opts...)

	// 4. Audit trail
	if cfg.Audit().Enabled {
		pool, closeDB, err := newDBPool(ctx, cfg.Audit().DSN)
		if err != nil {
			return components, fmt.Errorf("failed to connect to audit database: %w", err)
		}
		components.closeDB = closeDB

		st, err := store.New(ctx, pool, logger)
		if err != nil {
			return components, fmt.Errorf("failed to initialize audit store: %w", err)
		}
		if err := st.Migrate(ctx); err != nil {
			return components, fmt.Errorf("failed to migrate audit store: %w", err)
		}
		components.Sink = store.NewSink(st, components.Session.Log(), logger)
		components.Tasks.add(components.Sink.ObserveTask)
	}

	return components, nil
}
