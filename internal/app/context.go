package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"sunmeter/internal/config"
	"sunmeter/internal/db"
	"sunmeter/internal/engine"
	"sunmeter/internal/lock"
	"sunmeter/internal/migrate"
	"sunmeter/internal/taskq"
)

// Runtime bundles the process-wide resources: the sqlite handle, the Redis
// client, the worker pool, and the engine built on top of them. Open once at
// startup, Close once on the way out.
type Runtime struct {
	DB     *sql.DB
	Redis  *redis.Client
	Pool   *taskq.Pool
	Engine engine.Engine
	Config *config.Config
	Logger *slog.Logger

	cancel context.CancelFunc
}

// Open builds the full runtime for a workspace: loads (or defaults) the
// config, opens and migrates the database, connects Redis, and starts the
// worker pool.
func Open(ctx context.Context, workspace string, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, fmt.Errorf("ensure workspace: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		conn.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}

	poolCtx, cancel := context.WithCancel(ctx)
	pool := taskq.NewPool(taskq.RedisStore{Client: rdb}, cfg.Jobs.Workers, cfg.Jobs.ResultTTL.Std(), logger)
	pool.Run(poolCtx)
	guard := lock.Guard{Client: rdb, TTL: cfg.Jobs.LockTTL.Std()}

	eng := engine.New(conn, cfg, pool, guard, logger)
	return &Runtime{
		DB:     conn,
		Redis:  rdb,
		Pool:   pool,
		Engine: eng,
		Config: cfg,
		Logger: logger,
		cancel: cancel,
	}, nil
}

// Close drains the worker pool and releases connections. The context bounds
// how long to wait for in-flight tasks.
func (rt *Runtime) Close(ctx context.Context) error {
	var firstErr error
	if rt.Pool != nil {
		if err := rt.Pool.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rt.cancel != nil {
		rt.cancel()
	}
	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rt.DB != nil {
		if err := rt.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
