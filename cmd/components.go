// File: cmd/components.go
package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mirovane/lookalike/internal/config"
	"github.com/mirovane/lookalike/internal/engine"
	"github.com/mirovane/lookalike/internal/graphapi"
	"github.com/mirovane/lookalike/internal/store"
)

// components holds the initialized services shared by the serve and
// discover commands.
type components struct {
	Pool   *pgxpool.Pool
	Store  *store.Store
	Client *graphapi.Client
	Engine *engine.Engine
}

// Shutdown releases held resources.
func (c *components) Shutdown() {
	if c.Pool != nil {
		c.Pool.Close()
	}
}

// initializeComponents connects the database, ensures the schema, and
// wires the graph client and discovery engine.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*components, error) {
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database.url is required (set LOOKALIKE_DATABASE_URL or the config file)")
	}
	if cfg.GraphAPI.APIKey == "" {
		return nil, fmt.Errorf("graph_api.api_key is required (set LOOKALIKE_GRAPH_API_KEY)")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	poolCfg.MaxConns = cfg.Database.MaxConns
	poolCfg.MaxConnLifetime = cfg.Database.ConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	st, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	client := graphapi.NewClient(cfg.GraphAPI, logger)

	return &components{
		Pool:   pool,
		Store:  st,
		Client: client,
		Engine: engine.New(client, st, logger),
	}, nil
}
