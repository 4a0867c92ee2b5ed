package app

import (
	"database/sql"
	"fmt"

	"stagehand/internal/config"
	"stagehand/internal/db"
	"stagehand/internal/engine"
	"stagehand/internal/migrate"
)

// ResolveConfig loads stagehand.yml from the workspace. A missing file
// falls back to the built-in defaults so a fresh workspace works without
// ceremony; an invalid file is an error, not a fallback.
func ResolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return config.Default(), nil
	}
	return cfg, nil
}

// OpenEngine opens the workspace database, applies migrations, and wires
// an engine with the resolved playbook. The returned cleanup closes the
// database.
func OpenEngine(workspace string) (engine.Engine, func(), error) {
	conn, err := openDB(workspace)
	if err != nil {
		return engine.Engine{}, nil, err
	}
	cfg, err := ResolveConfig(workspace)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	e := engine.New(conn, cfg)
	return e, func() { conn.Close() }, nil
}

func openDB(workspace string) (*sql.DB, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return conn, nil
}
