package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/alanyoungcy/basketbot/internal/pipeline"
)

// Migrate applies the embedded schema migrations and exits.
func (a *App) Migrate(ctx context.Context) error {
	deps, err := a.wire(ctx, optionsFor("migrate", a.cfg))
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	// wire already migrated when run_migrations is set.
	if a.cfg.Database.RunMigrations {
		return nil
	}
	return deps.Postgres.RunMigrations(ctx)
}

// ArchiveOnce moves fills and audit rows older than the retention window to
// blob storage.
func (a *App) ArchiveOnce(ctx context.Context) error {
	deps, err := a.wire(ctx, optionsFor("archive", a.cfg))
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	return pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger).Run(ctx)
}

// ListArchives lists archived objects of kind ("fills" or "audit").
func (a *App) ListArchives(ctx context.Context, kind string) ([]domain.BlobInfo, error) {
	if kind != "fills" && kind != "audit" {
		return nil, errors.New("app: archive kind must be fills or audit")
	}
	deps, err := a.wire(ctx, optionsFor("archive", a.cfg))
	if err != nil {
		return nil, fmt.Errorf("app: wire dependencies: %w", err)
	}
	return deps.Archiver.ListArchives(ctx, kind)
}

// ReadArchivedFills decodes one archived fills object.
func (a *App) ReadArchivedFills(ctx context.Context, path string) ([]domain.FillReceipt, error) {
	deps, err := a.wire(ctx, optionsFor("archive", a.cfg))
	if err != nil {
		return nil, fmt.Errorf("app: wire dependencies: %w", err)
	}
	return deps.Archiver.ReadFills(ctx, path)
}
