package app

import (
	"context"
	"fmt"
	"time"

	"loanos/internal/config"
	"loanos/internal/repo"
)

// ResolveOrgConfig loads loanos.yml from the workspace, falling back to the
// built-in defaults, and makes sure the organization row exists so foreign
// keys on deals never dangle.
func ResolveOrgConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("default-org")
	}
	if err := ensureOrg(ctx, r, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ensureOrg(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.EnsureOrg(ctx, tx, cfg.Org.ID, cfg.Org.Name, now); err != nil {
		return fmt.Errorf("ensure org: %w", err)
	}
	return tx.Commit()
}
